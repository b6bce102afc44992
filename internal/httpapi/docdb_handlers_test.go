package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/docdb"
	"carelink.app/internal/replication"
	"carelink.app/internal/stream"
)

func newDocDBServer(t *testing.T) (*httptest.Server, *docdb.InMemory) {
	t.Helper()
	svc := docdb.NewInMemory(stream.New())
	api := New(ReadyProbe{Backend: svc}, "test", WithDocDB(svc, "admin", "secret"), WithRateLimit(1000, 1000))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, svc
}

func TestDocDBRoundTripThroughClient(t *testing.T) {
	srv, _ := newDocDBServer(t)
	client, err := replication.NewClient(srv.URL, replication.WithBasicAuth("admin", "secret"))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.EnsureDB(ctx, replication.ReferralsDB))

	res, err := client.BulkDocs(ctx, replication.ReferralsDB, []map[string]any{
		{"_id": "r1", "status": "pending"},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.True(t, res[0].OK)

	doc, err := client.Get(ctx, replication.ReferralsDB, "r1")
	require.NoError(t, err)
	assert.Equal(t, "pending", doc["status"])

	feed, err := client.Changes(ctx, replication.ReferralsDB, 0, 10, 0)
	require.NoError(t, err)
	require.Len(t, feed.Results, 1)
	assert.Equal(t, uint64(1), feed.LastSeq)

	info, err := client.Info(ctx, replication.ReferralsDB)
	require.NoError(t, err)
	assert.Equal(t, 1, info.DocCount)

	_, err = client.Get(ctx, replication.ReferralsDB, "missing")
	assert.True(t, errors.Is(err, replication.ErrNotFound))
}

func TestDocDBLongPollOverHTTP(t *testing.T) {
	srv, svc := newDocDBServer(t)
	client, err := replication.NewClient(srv.URL, replication.WithBasicAuth("admin", "secret"))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = svc.BulkDocs(context.Background(), replication.PatientsDB, []map[string]any{{"_id": "p1"}})
	}()

	feed, err := client.Changes(context.Background(), replication.PatientsDB, 0, 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, feed.Results, 1)
	assert.Equal(t, "p1", feed.Results[0].ID)
}

func TestDocDBRequiresBasicAuth(t *testing.T) {
	srv, _ := newDocDBServer(t)

	client, err := replication.NewClient(srv.URL, replication.WithBasicAuth("admin", "wrong"))
	require.NoError(t, err)
	err = client.EnsureDB(context.Background(), replication.ReferralsDB)
	assert.True(t, errors.Is(err, replication.ErrUnauthorized))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDocDBRejectsBadQuery(t *testing.T) {
	srv, _ := newDocDBServer(t)
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/carelink_referrals/_changes?since=abc", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
