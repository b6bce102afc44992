package replication

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/schema"
)

func TestClientChangesQuery(t *testing.T) {
	var gotQuery, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(ChangesResponse{
			Results: []Change{{Seq: 4, ID: "a", Rev: "1-x", Doc: map[string]any{"_id": "a", "_rev": "1-x"}}},
			LastSeq: 4,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/api/couchdb/", WithBearerToken("tok"))
	require.NoError(t, err)
	resp, err := c.Changes(context.Background(), ReferralsDB, 3, 100, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, "/api/couchdb/carelink_referrals/_changes", gotPath)
	assert.Equal(t, "feed=longpoll&limit=100&since=3&timeout=2000", gotQuery)
	assert.Equal(t, "Bearer tok", gotAuth)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, uint64(4), resp.LastSeq)
}

func TestClientMapsErrors(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusNotFound, CodeNotFound, ErrNotFound},
		{http.StatusConflict, CodeConflict, ErrConflict},
		{http.StatusUnauthorized, CodeUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, CodeForbidden, ErrForbidden},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.code, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_ = json.NewEncoder(w).Encode(ErrorBody{Error: tc.code, Reason: "nope"})
			}))
			defer srv.Close()
			c, err := NewClient(srv.URL, WithBasicAuth("admin", "pw"))
			require.NoError(t, err)
			_, err = c.Get(context.Background(), PatientsDB, "x")
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			var rerr *RemoteError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, "nope", rerr.Reason)
		})
	}
}

func TestClientBulkDocsAndEnsureDB(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut:
			w.WriteHeader(http.StatusPreconditionFailed)
			_ = json.NewEncoder(w).Encode(ErrorBody{Error: "file_exists"})
		case r.Method == http.MethodPost:
			user, pass, ok := r.BasicAuth()
			if !ok || user != "admin" || pass != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			var req BulkDocsRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			out := make([]BulkResult, 0, len(req.Docs))
			for _, d := range req.Docs {
				out = append(out, BulkResult{ID: d["_id"].(string), Rev: "1-abc", OK: true})
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(out)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, WithBasicAuth("admin", "pw"))
	require.NoError(t, err)
	require.NoError(t, c.EnsureDB(context.Background(), ReferralsDB))
	res, err := c.BulkDocs(context.Background(), ReferralsDB, []map[string]any{{"_id": "a"}})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].OK)
}

func TestNewClientRejectsBadEndpoint(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	doc := schema.Document{"id": "r1", "status": "pending"}
	wire := ToWire(doc, "2-abc", false)
	assert.Equal(t, "r1", wire["_id"])
	assert.Equal(t, "2-abc", wire["_rev"])
	_, hasID := wire["id"]
	assert.False(t, hasID)

	back, rev, deleted := FromWire(wire)
	assert.Equal(t, doc, back)
	assert.Equal(t, "2-abc", rev)
	assert.False(t, deleted)
}

func TestNewRev(t *testing.T) {
	body := map[string]any{"status": "pending"}
	r1 := NewRev("", body, false)
	assert.Equal(t, 1, RevGeneration(r1))
	assert.Equal(t, r1, NewRev("", map[string]any{"status": "pending", "_rev": "ignored"}, false))
	r2 := NewRev(r1, body, false)
	assert.Equal(t, 2, RevGeneration(r2))
	assert.NotEqual(t, r2, NewRev(r1, body, true))
	assert.Equal(t, 0, RevGeneration("garbage"))
}

func TestSeqFormatting(t *testing.T) {
	seq, err := ParseSeq("")
	require.NoError(t, err)
	assert.Zero(t, seq)
	seq, err = ParseSeq(FormatSeq(42))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
	_, err = ParseSeq("x")
	assert.Error(t, err)
}

func TestReplicationErrorWraps(t *testing.T) {
	err := &ReplicationError{Session: "s", Direction: "push", DocID: "a", Err: &RemoteError{Status: 409, Code: CodeConflict}}
	assert.ErrorIs(t, err, ErrReplication)
	assert.ErrorIs(t, err, ErrConflict)
}
