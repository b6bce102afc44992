package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carelink.app/internal/schema"
)

func TestFileBackendPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fb, err := NewFileBackend(dir)
	require.NoError(t, err)
	s := openStore(t, fb, 1)
	c := s.MustCollection("tasks")
	require.NoError(t, c.Insert(ctx, task("a", "persisted")))
	require.NoError(t, s.SetCheckpoint(ctx, "carelink-referrals-sync", "42"))
	require.NoError(t, s.Close())

	fb2, err := NewFileBackend(dir)
	require.NoError(t, err)
	s2 := openStore(t, fb2, 1)
	doc, err := s2.MustCollection("tasks").FindOne(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "persisted", doc["title"])

	cp, err := s2.Checkpoint(ctx, "carelink-referrals-sync")
	require.NoError(t, err)
	assert.Equal(t, "42", cp)

	meta, ok := s2.MustCollection("tasks").Meta("a")
	require.True(t, ok)
	assert.True(t, meta.Pending)
}

func TestFileBackendReset(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fb.Save(ctx, "tasks", Snapshot{Seq: 1}))
	require.NoError(t, fb.SaveCheckpoint(ctx, "x", "1"))
	require.NoError(t, fb.Reset(ctx))

	snap, err := fb.Load(ctx, "tasks")
	require.NoError(t, err)
	assert.Zero(t, snap.Seq)
	cp, err := fb.LoadCheckpoint(ctx, "x")
	require.NoError(t, err)
	assert.Empty(t, cp)
}

func TestOpenReportsCorruptFiles(t *testing.T) {
	reg := schema.NewRegistry().MustRegister(taskSchema(1))
	for _, name := range []string{"tasks.json", checkpointFile} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{not json"), 0o600))
			fb, err := NewFileBackend(dir)
			require.NoError(t, err)

			_, err = Open(context.Background(), fb, reg)
			require.ErrorIs(t, err, ErrCorrupt)

			require.NoError(t, fb.Reset(context.Background()))
			s, err := Open(context.Background(), fb, reg)
			require.NoError(t, err)
			assert.Zero(t, s.MustCollection("tasks").Count())
		})
	}
}
