package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/schema"
)

func taskSchema(version int) schema.Collection {
	c := schema.Collection{
		Name:     "tasks",
		Version:  version,
		SyncFlag: "synced",
		Fields: []schema.Field{
			{Name: "title", Rule: "required"},
			{Name: "state", Rule: "required,oneof=open done"},
			{Name: "synced", Rule: "boolean"},
		},
		Migrations: map[int]schema.MigrationFunc{},
	}
	if version >= 1 {
		c.Migrations[1] = func(old schema.Document) schema.Document {
			if old.String("state") == "" {
				old["state"] = "open"
			}
			return old
		}
	}
	return c
}

func openStore(t *testing.T, backend Backend, version int) *Store {
	t.Helper()
	reg := schema.NewRegistry().MustRegister(taskSchema(version))
	s, err := Open(context.Background(), backend, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func task(id, title string) schema.Document {
	return schema.Document{"id": id, "title": title, "state": "open", "synced": false}
}

func next(t *testing.T, sub *Subscription) []schema.Document {
	t.Helper()
	select {
	case snap, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
		return nil
	}
}

func TestInsertFindAndConflict(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")

	require.NoError(t, c.Insert(ctx, task("b", "second")))
	require.NoError(t, c.Insert(ctx, task("a", "first")))

	err := c.Insert(ctx, task("a", "again"))
	assert.ErrorIs(t, err, ErrConflict)

	docs, err := c.Find(ctx, All())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID())
	assert.Equal(t, "b", docs[1].ID())

	_, err = c.FindOne(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertValidates(t *testing.T) {
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	err := c.Insert(context.Background(), schema.Document{"id": "x", "state": "weird", "synced": false})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 0, c.Count())
}

func TestPatchMergesAndDeletesKeys(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	doc := task("a", "first")
	doc["note"] = "keep me?"
	require.NoError(t, c.Insert(ctx, doc))

	require.NoError(t, c.Patch(ctx, "a", map[string]any{"state": "done", "note": nil}))
	got, err := c.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "done", got["state"])
	assert.Equal(t, "first", got["title"])
	_, hasNote := got["note"]
	assert.False(t, hasNote)

	assert.ErrorIs(t, c.Patch(ctx, "a", map[string]any{"state": "bogus"}), ErrValidation)
	assert.ErrorIs(t, c.Patch(ctx, "zzz", map[string]any{"state": "done"}), ErrNotFound)
}

func TestUpdateKeepsID(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "first")))

	err := c.Update(ctx, "a", func(d schema.Document) (schema.Document, error) {
		d["id"] = "b"
		return d, nil
	})
	assert.ErrorIs(t, err, ErrValidation)

	boom := errors.New("boom")
	err = c.Update(ctx, "a", func(schema.Document) (schema.Document, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "first")))

	sub := c.Subscribe(Eq("state", "open"))
	defer sub.Unsubscribe()
	assert.Len(t, next(t, sub), 1)

	require.NoError(t, c.Insert(ctx, task("b", "second")))
	assert.Len(t, next(t, sub), 2)

	// Leaving the match set still notifies.
	require.NoError(t, c.Patch(ctx, "a", map[string]any{"state": "done"}))
	snap := next(t, sub)
	require.Len(t, snap, 1)
	assert.Equal(t, "b", snap[0].ID())
}

func TestSubscribeIgnoresUnrelatedChanges(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	sub := c.Subscribe(Eq("state", "done"))
	defer sub.Unsubscribe()
	assert.Empty(t, next(t, sub))

	require.NoError(t, c.Insert(ctx, task("a", "open one")))
	select {
	case snap := <-sub.C():
		t.Fatalf("unexpected snapshot %v", snap)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionKeepsOnlyLatest(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	sub := c.Subscribe(All())
	defer sub.Unsubscribe()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Insert(ctx, task(id, id)))
	}
	assert.Len(t, next(t, sub), 3)
}

func TestUnsubscribeIsIdempotentAndCloses(t *testing.T) {
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	sub := c.Subscribe(All())
	<-sub.C()
	sub.Unsubscribe()
	sub.Unsubscribe()
	_, ok := <-sub.C()
	assert.False(t, ok)

	require.NoError(t, c.Insert(context.Background(), task("a", "after")))
}

func TestRemoveLeavesTombstoneOnlyForReplicated(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("local", "never pushed")))
	require.NoError(t, c.Insert(ctx, task("shared", "pushed")))

	pending := c.PendingRecords(0)
	require.Len(t, pending, 2)
	for _, p := range pending {
		if p.ID == "shared" {
			require.NoError(t, c.MarkPushed(ctx, p.ID, p.Seq, "1-abc"))
		}
	}

	require.NoError(t, c.Remove(ctx, "local"))
	require.NoError(t, c.Remove(ctx, "shared"))
	assert.Equal(t, 0, c.Count())

	_, ok := c.Meta("local")
	assert.False(t, ok)
	meta, ok := c.Meta("shared")
	require.True(t, ok)
	assert.True(t, meta.Deleted)
	assert.True(t, meta.Pending)

	pending = c.PendingRecords(0)
	var tomb *PendingRecord
	for i := range pending {
		if pending[i].ID == "shared" {
			tomb = &pending[i]
		}
	}
	require.NotNil(t, tomb)
	assert.True(t, tomb.Deleted)
	assert.Equal(t, "1-abc", tomb.Rev)

	require.NoError(t, c.MarkPushed(ctx, tomb.ID, tomb.Seq, "2-def"))
	_, ok = c.Meta("shared")
	assert.False(t, ok, "confirmed tombstone is dropped")
}

func TestMarkPushedSetsSyncFlagOnlyWhenUnchanged(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "first")))
	p := c.PendingRecords(1)[0]

	require.NoError(t, c.Patch(ctx, "a", map[string]any{"title": "edited"}))
	require.NoError(t, c.MarkPushed(ctx, "a", p.Seq, "1-x"))

	doc, _ := c.FindOne(ctx, "a")
	assert.False(t, doc.Bool("synced"))
	meta, _ := c.Meta("a")
	assert.True(t, meta.Pending)
	assert.Equal(t, "1-x", meta.Rev)

	p = c.PendingRecords(1)[0]
	require.NoError(t, c.MarkPushed(ctx, "a", p.Seq, "2-y"))
	doc, _ = c.FindOne(ctx, "a")
	assert.True(t, doc.Bool("synced"))
	meta, _ = c.Meta("a")
	assert.False(t, meta.Pending)
	assert.Empty(t, c.PendingRecords(0))
}

func TestApplyRemote(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")

	applied, err := c.ApplyRemote(ctx, task("r", "remote"), "1-a")
	require.NoError(t, err)
	assert.True(t, applied)
	doc, err := c.FindOne(ctx, "r")
	require.NoError(t, err)
	assert.True(t, doc.Bool("synced"))
	assert.Empty(t, c.PendingRecords(0))

	applied, err = c.ApplyRemote(ctx, task("r", "remote"), "1-a")
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = c.ApplyRemoteDelete(ctx, "r")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 0, c.Count())
}

func TestMarkAllSynced(t *testing.T) {
	ctx := context.Background()
	c := openStore(t, NewMemoryBackend(), 1).MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "a")))
	require.NoError(t, c.Insert(ctx, task("b", "b")))
	_, err := c.ApplyRemote(ctx, task("c", "c"), "1-c")
	require.NoError(t, err)

	n, err := c.MarkAllSynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	docs, _ := c.Find(ctx, Eq("synced", false))
	assert.Empty(t, docs)
}

func TestOpenMigratesOlderRecords(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	backend.Put("tasks", Snapshot{Seq: 3, Records: []Record{
		{Doc: schema.Document{"id": "old", "title": "legacy", "synced": true}, Version: 0, Meta: Meta{Seq: 3, Rev: "1-r"}},
	}})

	s := openStore(t, backend, 1)
	doc, err := s.MustCollection("tasks").FindOne(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, "open", doc["state"])

	snap, err := backend.Load(ctx, "tasks")
	require.NoError(t, err)
	require.Len(t, snap.Records, 1)
	assert.Equal(t, 1, snap.Records[0].Version)
	assert.Equal(t, "1-r", snap.Records[0].Rev)
}

func TestOpenFailsOnUnmigratableRecord(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Put("tasks", Snapshot{Records: []Record{
		{Doc: schema.Document{"id": "x", "title": "future"}, Version: 5},
	}})
	reg := schema.NewRegistry().MustRegister(taskSchema(1))
	_, err := Open(context.Background(), backend, reg)
	assert.ErrorIs(t, err, ErrSchemaMigration)
}

func TestResetAndClearAll(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	s := openStore(t, backend, 1)
	c := s.MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "a")))
	require.NoError(t, s.SetCheckpoint(ctx, "sess", "12"))

	n, err := s.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, c.Count())

	require.NoError(t, c.Insert(ctx, task("b", "b")))
	require.NoError(t, s.Reset(ctx))
	assert.Equal(t, 0, c.Count())
	cp, err := s.Checkpoint(ctx, "sess")
	require.NoError(t, err)
	assert.Empty(t, cp)
}

func TestLocalWritesClearSyncFlagAndAdvanceTouch(t *testing.T) {
	ctx := context.Background()
	decl := taskSchema(1)
	decl.Touch = "updatedAt"
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s, err := Open(ctx, NewMemoryBackend(), schema.NewRegistry().MustRegister(decl),
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	c := s.MustCollection("tasks")

	doc := task("a", "first")
	doc["synced"] = true
	doc["updatedAt"] = "2026-03-01T08:00:00Z"
	require.NoError(t, c.Insert(ctx, doc))
	got, err := c.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, false, got["synced"])

	_, err = c.MarkAllSynced(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Patch(ctx, "a", map[string]any{"title": "second"}))
	got, err = c.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, false, got["synced"])
	assert.Equal(t, "2026-03-01T09:00:00Z", got["updatedAt"])

	require.NoError(t, c.Patch(ctx, "a", map[string]any{"state": "done"}))
	got, err = c.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "second", got["title"])
	assert.Equal(t, "done", got["state"])
	assert.Equal(t, "2026-03-01T09:00:00.001Z", got["updatedAt"])

	require.NoError(t, c.Patch(ctx, "a", map[string]any{"updatedAt": "2026-03-02T00:00:00Z"}))
	got, err = c.FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02T00:00:00Z", got["updatedAt"])
}
