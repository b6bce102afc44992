package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"carelink.app/internal/audit"
	"carelink.app/internal/identity"
	"carelink.app/internal/schema"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type magicLinkRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type sessionResponse struct {
	Token     string            `json:"token"`
	ExpiresAt time.Time         `json:"expires_at"`
	User      identity.Identity `json:"user"`
}

type magicLinkResponse struct {
	OK        bool      `json:"ok"`
	ExpiresAt time.Time `json:"expires_at"`
	// Link is returned because no mail transport is wired.
	Link string `json:"link"`
}

func (a *API) mountAuth() {
	a.mux.HandleFunc("POST /v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("POST /v1/auth/magic-link", a.handleSendMagicLink)
	a.mux.HandleFunc("POST /v1/auth/magic-link/verify", a.handleVerifyMagicLink)
	a.mux.HandleFunc("GET /auth/verify", a.handleVerifyMagicLink)
	a.mux.Handle("GET /v1/auth/me", a.withSession(http.HandlerFunc(a.handleMe)))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	id, err := a.identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrAuth) {
			_ = audit.LogEvent(r.Context(), audit.LoginFailed, map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authentication error")
		return
	}
	a.issueSession(w, r, id, audit.LoginSucceeded)
}

func (a *API) handleSendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	link, err := a.identity.SendMagicLink(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, schema.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, "a valid email address is required")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "could not issue magic link")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.MagicLinkSent, map[string]any{
		"email":      strings.TrimSpace(req.Email),
		"expires_at": link.ExpiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, magicLinkResponse{OK: true, ExpiresAt: link.ExpiresAt, Link: link.URL})
}

func (a *API) handleVerifyMagicLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if r.Method == http.MethodPost {
		var req verifyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		token = req.Token
	}
	id, err := a.identity.VerifyMagicLink(r.Context(), token)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			writeError(w, r, http.StatusUnauthorized, "invalid or expired link")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "verification error")
		return
	}
	a.issueSession(w, r, id, audit.MagicLinkUsed)
}

func (a *API) issueSession(w http.ResponseWriter, r *http.Request, id identity.Identity, event audit.Event) {
	token, expiresAt, err := a.identity.IssueSession(id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	ctx := identity.ContextWithIdentity(r.Context(), id)
	_ = audit.LogEvent(ctx, event, map[string]any{
		"email":      id.Email,
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: expiresAt, User: id})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing session")
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
