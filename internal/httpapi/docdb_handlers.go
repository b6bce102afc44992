package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"carelink.app/internal/docdb"
	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
)

// MaxLongPoll bounds the wait of a longpoll change feed request.
const MaxLongPoll = 60 * time.Second

func (a *API) mountDocDB() {
	guard := a.requireAdmin
	a.mux.Handle("PUT /{db}", guard(http.HandlerFunc(a.putDB)))
	a.mux.Handle("GET /{db}", guard(http.HandlerFunc(a.getDB)))
	a.mux.Handle("GET /{db}/_changes", guard(http.HandlerFunc(a.changes)))
	a.mux.Handle("POST /{db}/_bulk_docs", guard(http.HandlerFunc(a.bulkDocs)))
	a.mux.Handle("GET /{db}/{id}", guard(http.HandlerFunc(a.getDoc)))
}

// requireAdmin enforces HTTP basic auth with the configured credentials.
func (a *API) requireAdmin(next http.Handler) http.Handler {
	if a.adminUser == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="carelink"`)
			writeRemoteError(w, &replication.RemoteError{
				Status: http.StatusUnauthorized,
				Code:   replication.CodeUnauthorized,
				Reason: "Name or password is incorrect.",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) putDB(w http.ResponseWriter, r *http.Request) {
	if err := a.docs.EnsureDB(r.Context(), r.PathValue("db")); err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true})
}

func (a *API) getDB(w http.ResponseWriter, r *http.Request) {
	info, err := a.docs.Info(r.Context(), r.PathValue("db"))
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) getDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := a.docs.Get(r.Context(), r.PathValue("db"), r.PathValue("id"))
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := replication.ParseSeq(q.Get("since"))
	if err != nil {
		writeRemoteError(w, badRequest("since must be a sequence number"))
		return
	}
	limit, err := parsePositiveInt(q.Get("limit"), docdb.MaxChangesLimit, 1, docdb.MaxChangesLimit)
	if err != nil {
		writeRemoteError(w, badRequest(err.Error()))
		return
	}
	var wait time.Duration
	if q.Get("feed") == "longpoll" {
		wait = MaxLongPoll
		if raw := q.Get("timeout"); raw != "" {
			ms, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || ms < 0 {
				writeRemoteError(w, badRequest("timeout must be a non-negative integer"))
				return
			}
			if d := time.Duration(ms) * time.Millisecond; d < wait {
				wait = d
			}
		}
	}

	resp, err := a.docs.Changes(r.Context(), r.PathValue("db"), since, limit, wait)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) bulkDocs(w http.ResponseWriter, r *http.Request) {
	var req replication.BulkDocsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRemoteError(w, badRequest("invalid JSON body"))
		return
	}
	results, err := a.docs.BulkDocs(r.Context(), r.PathValue("db"), req.Docs)
	if err != nil {
		writeRemoteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, results)
}

func badRequest(reason string) error {
	return &replication.RemoteError{Status: http.StatusBadRequest, Code: replication.CodeBadRequest, Reason: reason}
}

// writeRemoteError renders err in the replication wire format.
func writeRemoteError(w http.ResponseWriter, err error) {
	var re *replication.RemoteError
	if errors.As(err, &re) {
		writeJSON(w, re.Status, replication.ErrorBody{Error: re.Code, Reason: re.Reason})
		return
	}
	obs.Component("httpapi").WithError(err).Error("document database request failed")
	writeJSON(w, http.StatusInternalServerError, replication.ErrorBody{Error: "internal_server_error", Reason: "internal error"})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
