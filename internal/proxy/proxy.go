// Package proxy forwards replication traffic from authenticated clients to
// the document database with server-side credentials.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
)

// Prefix is the public mount point stripped before forwarding.
const Prefix = "/api/couchdb"

// Hop-by-hop headers are connection scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Proxy is an http.Handler. It expects the caller's identity in the request
// context (see httpapi.RequireSession).
type Proxy struct {
	rp        *httputil.ReverseProxy
	target    *url.URL
	databases map[string]bool
}

// Option configures Proxy.
type Option func(*Proxy)

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.rp.Transport = rt }
}

// WithDatabases limits forwarding to the named databases.
func WithDatabases(names ...string) Option {
	return func(p *Proxy) {
		p.databases = make(map[string]bool, len(names))
		for _, n := range names {
			p.databases[n] = true
		}
	}
}

// New builds a proxy to upstream authenticating as user:password.
func New(upstream, user, password string, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(strings.TrimRight(upstream, "/"))
	if err != nil {
		return nil, fmt.Errorf("proxy: parse upstream: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("proxy: upstream %q must be http or https", upstream)
	}
	p := &Proxy{
		target:    target,
		databases: map[string]bool{replication.ReferralsDB: true, replication.PatientsDB: true},
	}
	log := obs.Component("proxy")
	p.rp = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			r.Out.URL.Path = singleJoin(target.Path, strings.TrimPrefix(r.In.URL.Path, Prefix))
			r.Out.URL.RawPath = ""
			for _, h := range hopHeaders {
				r.Out.Header.Del(h)
			}
			r.Out.Header.Del("Cookie")
			r.Out.Header.Del("Authorization")
			if user != "" {
				r.Out.SetBasicAuth(user, password)
			}
			r.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			for _, h := range hopHeaders {
				resp.Header.Del(h)
			}
			resp.Header.Del("Set-Cookie")
			resp.Header.Del("WWW-Authenticate")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, r.Context().Err()) {
				return
			}
			log.WithError(err).WithField("path", r.URL.Path).Warn("upstream request failed")
			writeError(w, http.StatusBadGateway, "bad_gateway", "document database unavailable")
		},
		// Long-poll responses are flushed as they arrive.
		FlushInterval: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, replication.CodeUnauthorized, "session required")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, Prefix)
	db, _, _ := strings.Cut(strings.TrimPrefix(rest, "/"), "/")
	if !p.databases[db] {
		writeError(w, http.StatusNotFound, replication.CodeNotFound, "Database does not exist.")
		return
	}
	if !Allowed(id.Role, r.Method) {
		obs.Component("proxy").WithFields(map[string]any{
			"user_id": id.UserID,
			"method":  r.Method,
			"db":      db,
		}).Warn("write rejected for read-only role")
		writeError(w, http.StatusForbidden, replication.CodeForbidden, "read-only access")
		return
	}
	p.rp.ServeHTTP(w, r)
}

// Allowed reports whether role may issue method. Patients replicate pull-only.
func Allowed(role identity.Role, method string) bool {
	switch role {
	case identity.RoleNurse:
		return true
	case identity.RolePatient:
		return method == http.MethodGet || method == http.MethodHead
	default:
		return false
	}
}

func singleJoin(base, rest string) string {
	if rest == "" {
		rest = "/"
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rest, "/")
}

func writeError(w http.ResponseWriter, code int, errCode, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(replication.ErrorBody{Error: errCode, Reason: reason})
}
