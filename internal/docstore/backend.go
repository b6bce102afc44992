package docstore

import (
	"context"
	"sync"

	"carelink.app/internal/schema"
)

// Meta is the sync bookkeeping kept beside each document. It never appears in
// query results.
type Meta struct {
	// Seq increases on every change to the record within its collection.
	Seq uint64 `json:"seq"`
	// Rev is the last revision the remote database confirmed, "" if never
	// replicated.
	Rev string `json:"rev,omitempty"`
	// Pending marks local changes not yet pushed.
	Pending bool `json:"pending,omitempty"`
	// Deleted marks a tombstone awaiting push.
	Deleted bool `json:"deleted,omitempty"`
}

// Record is the persisted form of one document.
type Record struct {
	Doc     schema.Document `json:"doc"`
	Version int             `json:"version"`
	Meta
}

func (r Record) clone() Record {
	r.Doc = r.Doc.Clone()
	return r
}

// Snapshot is the persisted state of a collection.
type Snapshot struct {
	Seq     uint64   `json:"seq"`
	Records []Record `json:"records"`
}

// Backend persists collections and replication checkpoints.
type Backend interface {
	Load(ctx context.Context, collection string) (Snapshot, error)
	Save(ctx context.Context, collection string, snap Snapshot) error
	LoadCheckpoint(ctx context.Context, id string) (string, error)
	SaveCheckpoint(ctx context.Context, id, value string) error
	Reset(ctx context.Context) error
}

// MemoryBackend keeps everything in process memory.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]Snapshot
	checkpoints map[string]string
}

// NewMemoryBackend returns an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		collections: make(map[string]Snapshot),
		checkpoints: make(map[string]string),
	}
}

func (m *MemoryBackend) Load(_ context.Context, collection string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySnapshot(m.collections[collection]), nil
}

func (m *MemoryBackend) Save(_ context.Context, collection string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = copySnapshot(snap)
	return nil
}

func (m *MemoryBackend) LoadCheckpoint(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoints[id], nil
}

func (m *MemoryBackend) SaveCheckpoint(_ context.Context, id, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[id] = value
	return nil
}

func (m *MemoryBackend) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections = make(map[string]Snapshot)
	m.checkpoints = make(map[string]string)
	return nil
}

// Put stores a raw snapshot, bypassing the store. Used to stage persisted
// state written by an older schema.
func (m *MemoryBackend) Put(collection string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collections[collection] = copySnapshot(snap)
}

func copySnapshot(s Snapshot) Snapshot {
	out := Snapshot{Seq: s.Seq, Records: make([]Record, len(s.Records))}
	for i, r := range s.Records {
		out.Records[i] = r.clone()
	}
	return out
}
