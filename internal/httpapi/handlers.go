package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"carelink.app/internal/docdb"
	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe reports readiness of the backing document database, if any.
type ReadyProbe struct {
	Backend interface {
		Ready(ctx context.Context) error
	}
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Backend == nil {
		return nil
	}
	return rp.Backend.Ready(ctx)
}

// API is the HTTP layer shared by the document database server and the
// gateway. Options select which routes are mounted.
type API struct {
	mux        *http.ServeMux
	readyProbe readinessChecker
	version    string
	name       string

	docs       docdb.Service
	adminUser  string
	adminPass  string
	identity   *identity.Provider
	proxy      http.Handler
	rateBurst  int
	ratePerSec int
}

// Option configures API.
type Option func(*API)

// WithDocDB mounts the replication routes over svc, guarded by HTTP basic
// auth when user is non-empty.
func WithDocDB(svc docdb.Service, user, password string) Option {
	return func(a *API) {
		a.docs = svc
		a.adminUser = user
		a.adminPass = password
		a.name = "carelink-docdb"
	}
}

// WithIdentity mounts the login and magic link endpoints.
func WithIdentity(p *identity.Provider) Option {
	return func(a *API) {
		a.identity = p
		a.name = "carelink-gateway"
	}
}

// WithProxy mounts h under ProxyPrefix.
func WithProxy(h http.Handler) Option {
	return func(a *API) { a.proxy = h }
}

// WithRateLimit overrides the per-client token bucket.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		if burst > 0 {
			a.rateBurst = burst
		}
		if perSecond > 0 {
			a.ratePerSec = perSecond
		}
	}
}

const maxBodyBytes = 8 << 20

// ProxyPrefix is where the gateway exposes the document database.
const ProxyPrefix = "/api/couchdb/"

func New(rp readinessChecker, version string, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		name:       "carelink",
		rateBurst:  50,
		ratePerSec: 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	if a.docs != nil {
		a.mountDocDB()
	}
	if a.identity != nil {
		a.mountAuth()
	}
	if a.proxy != nil {
		a.mux.Handle(ProxyPrefix, a.proxy)
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": a.name,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    a.name,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
