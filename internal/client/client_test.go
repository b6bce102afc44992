package client

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/config"
	"carelink.app/internal/docdb"
	"carelink.app/internal/docstore"
	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
	"carelink.app/internal/referral"
	"carelink.app/internal/replication"
	"carelink.app/internal/schema"
	"carelink.app/internal/syncengine"
)

func newClient(t *testing.T, backend docstore.Backend, remote replication.Remote) *Client {
	t.Helper()
	c := New(backend, Options{
		Remote:        remote,
		PollInterval:  50 * time.Millisecond,
		EngineOptions: []syncengine.Option{syncengine.WithBackoff(10*time.Millisecond, 50*time.Millisecond), syncengine.WithPullPacing(0)},
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestStoreOpensOnce(t *testing.T) {
	c := newClient(t, docstore.NewMemoryBackend(), nil)
	a, err := c.Store(context.Background())
	require.NoError(t, err)
	b, err := c.Store(context.Background())
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestUnmigratableStoreIsWiped(t *testing.T) {
	ctx := context.Background()
	backend := docstore.NewMemoryBackend()
	backend.Put(referral.CollectionName, docstore.Snapshot{Records: []docstore.Record{
		{Doc: schema.Document{"id": "from-the-future"}, Version: 9},
	}})
	require.NoError(t, backend.SaveCheckpoint(ctx, "pull:"+ReferralsSyncID+":"+replication.ReferralsDB, "42"))

	c := newClient(t, backend, nil)
	store, err := c.Store(ctx)
	require.NoError(t, err)
	assert.Zero(t, store.MustCollection(referral.CollectionName).Count())

	cp, err := backend.LoadCheckpoint(ctx, "pull:"+ReferralsSyncID+":"+replication.ReferralsDB)
	require.NoError(t, err)
	assert.Empty(t, cp)
}

func TestCorruptStoreIsWiped(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, referral.CollectionName+".json"), []byte("{not json"), 0o600))
	backend, err := docstore.NewFileBackend(dir)
	require.NoError(t, err)

	logger := obs.Logger()
	original := logger.Out
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	c := newClient(t, backend, nil)
	store, err := c.Store(ctx)
	require.NoError(t, err)
	assert.Zero(t, store.MustCollection(referral.CollectionName).Count())
	assert.Contains(t, buf.String(), `"event":"store.wiped"`)

	again, err := c.Store(ctx)
	require.NoError(t, err)
	assert.Same(t, store, again)

	raw, err := os.ReadFile(filepath.Join(dir, referral.CollectionName+".json"))
	if err == nil {
		assert.NotContains(t, string(raw), "not json")
	}
}

func TestClosedClientRefusesStore(t *testing.T) {
	c := newClient(t, docstore.NewMemoryBackend(), nil)
	require.NoError(t, c.Close())
	_, err := c.Store(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestStartSyncRequiresRemote(t *testing.T) {
	c := newClient(t, docstore.NewMemoryBackend(), nil)
	require.Error(t, c.StartSync(context.Background(), identity.RoleNurse))
}

func TestNurseSyncReplicatesBothWays(t *testing.T) {
	ctx := context.Background()
	remote := docdb.NewInMemory(nil)
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := remote.BulkDocs(ctx, replication.PatientsDB, []map[string]any{{
		"_id":                     "p1",
		"name":                    "Ann Remote",
		"email":                   "ann@patient.demo",
		"preferredLanguage":       "en",
		"communicationPreference": "email",
		"createdAt":               now,
		"updatedAt":               now,
	}})
	require.NoError(t, err)

	c := newClient(t, docstore.NewMemoryBackend(), remote)
	require.NoError(t, c.StartSync(ctx, identity.RoleNurse))
	// Restarting replaces the sessions instead of duplicating them.
	require.NoError(t, c.StartSync(ctx, identity.RoleNurse))

	statuses := c.SyncStatus()
	require.Len(t, statuses, 2)
	assert.Equal(t, PatientsSyncID, statuses[0].ID)
	assert.Equal(t, ReferralsSyncID, statuses[1].ID)
	for _, s := range statuses {
		assert.Equal(t, "pull-and-push", s.Direction)
	}

	dir, err := c.Patients(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := dir.Get("p1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	refs, err := c.Referrals(ctx)
	require.NoError(t, err)
	r, err := refs.CreateReferral(ctx, referral.NewReferral{
		PatientID:        "p1",
		PatientName:      "Ann Remote",
		Diagnosis:        "Chest pain on exertion",
		PatientSummary:   "We are sending you to a heart specialist.",
		CreatedByNurseID: "demo-nurse-sarah",
		Priority:         referral.PriorityHigh,
		FacilityID:       "regional-hospital",
		ReferralType:     "Cardiology",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		doc, err := remote.Get(ctx, replication.ReferralsDB, r.ID)
		return err == nil && doc["synced"] == true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = refs.MarkAllSynced(ctx)
	require.ErrorIs(t, err, referral.ErrReplicationActive)

	c.StopSync()
	assert.Empty(t, c.SyncStatus())
}

func TestPatientSyncIsPullOnly(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, docstore.NewMemoryBackend(), docdb.NewInMemory(nil))
	require.NoError(t, c.StartSync(ctx, identity.RolePatient))

	for _, s := range c.SyncStatus() {
		assert.Equal(t, "pull-only", s.Direction)
	}
	sess, ok := c.Session(ReferralsSyncID)
	require.True(t, ok)
	_, err := sess.PushNow(ctx)
	require.ErrorIs(t, err, syncengine.ErrPushDisabled)
}

func TestOpenBackend(t *testing.T) {
	b, err := OpenBackend(config.StoreConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &docstore.MemoryBackend{}, b)

	b, err = OpenBackend(config.StoreConfig{Backend: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &docstore.FileBackend{}, b)

	_, err = OpenBackend(config.StoreConfig{Backend: "tape"})
	require.Error(t, err)
}
