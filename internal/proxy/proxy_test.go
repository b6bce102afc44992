package proxy

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/identity"
)

type captured struct {
	path   string
	user   string
	pass   string
	bearer string
	cookie string
}

func newUpstream(t *testing.T) (*httptest.Server, *captured, *int32) {
	t.Helper()
	var (
		got  captured
		hits int32
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		got.path = r.URL.Path
		got.user, got.pass, _ = r.BasicAuth()
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			got.bearer = h
		}
		got.cookie = r.Header.Get("Cookie")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "AuthSession=abc")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &got, &hits
}

func serve(t *testing.T, p http.Handler, method, path string, role identity.Role) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(`{"docs":[]}`))
	req.Header.Set("Authorization", "Bearer session-token")
	req.Header.Set("Cookie", "tracking=1")
	req.Header.Set("Connection", "keep-alive")
	if role != "" {
		req = req.WithContext(identity.ContextWithIdentity(req.Context(), identity.Identity{UserID: "u1", Role: role}))
	}
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)
	return rr
}

func TestNurseWriteForwardedWithServerCredentials(t *testing.T) {
	up, got, hits := newUpstream(t)
	p, err := New(up.URL, "admin", "secret")
	require.NoError(t, err)

	rr := serve(t, p, http.MethodPost, "/api/couchdb/carelink_referrals/_bulk_docs", identity.RoleNurse)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
	assert.Equal(t, "/carelink_referrals/_bulk_docs", got.path)
	assert.Equal(t, "admin", got.user)
	assert.Equal(t, "secret", got.pass)
	assert.Empty(t, got.bearer)
	assert.Empty(t, got.cookie)
	assert.Empty(t, rr.Header().Get("Set-Cookie"))
}

func TestPatientIsReadOnly(t *testing.T) {
	up, _, hits := newUpstream(t)
	p, err := New(up.URL, "admin", "secret")
	require.NoError(t, err)

	rr := serve(t, p, http.MethodPost, "/api/couchdb/carelink_referrals/_bulk_docs", identity.RolePatient)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "forbidden")
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))

	rr = serve(t, p, http.MethodGet, "/api/couchdb/carelink_patients/_changes?since=0", identity.RolePatient)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits))
}

func TestRejectsMissingIdentityAndUnknownDatabase(t *testing.T) {
	up, _, hits := newUpstream(t)
	p, err := New(up.URL, "admin", "secret")
	require.NoError(t, err)

	rr := serve(t, p, http.MethodGet, "/api/couchdb/carelink_referrals", "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = serve(t, p, http.MethodGet, "/api/couchdb/_users/org.couchdb.user:admin", identity.RoleNurse)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(hits))
}

func TestUpstreamDownIsBadGateway(t *testing.T) {
	up, _, _ := newUpstream(t)
	addr := up.URL
	up.Close()

	p, err := New(addr, "admin", "secret")
	require.NoError(t, err)
	rr := serve(t, p, http.MethodGet, "/api/couchdb/carelink_referrals", identity.RoleNurse)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestAllowed(t *testing.T) {
	assert.True(t, Allowed(identity.RoleNurse, http.MethodPut))
	assert.True(t, Allowed(identity.RolePatient, http.MethodHead))
	assert.False(t, Allowed(identity.RolePatient, http.MethodPut))
	assert.False(t, Allowed(identity.Role("admin"), http.MethodGet))
}

func TestNewRejectsBadUpstream(t *testing.T) {
	_, err := New("ftp://example.com", "a", "b")
	assert.Error(t, err)
}
