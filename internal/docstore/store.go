package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carelink.app/internal/obs"
	"carelink.app/internal/schema"
)

// Store is the local document store: one Collection per registered schema.
type Store struct {
	backend  Backend
	registry *schema.Registry
	log      *logrus.Entry
	now      func() time.Time

	mu     sync.RWMutex
	cols   map[string]*Collection
	closed bool
}

// Option configures Store.
type Option func(*Store)

// WithClock overrides the clock used to stamp patched documents.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads every registered collection from backend, migrating records
// written by older schema versions and rewriting them at the current version.
// A record that cannot be migrated fails the whole open with an error that
// matches ErrSchemaMigration; undecodable files fail it with ErrCorrupt.
func Open(ctx context.Context, backend Backend, registry *schema.Registry, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("docstore: backend is required")
	}
	if registry == nil {
		return nil, errors.New("docstore: registry is required")
	}
	s := &Store{
		backend:  backend,
		registry: registry,
		log:      obs.Component("docstore"),
		now:      time.Now,
		cols:     make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, name := range registry.Names() {
		decl, _ := registry.Lookup(name)
		c, err := s.load(ctx, decl)
		if err != nil {
			return nil, err
		}
		s.cols[name] = c
	}
	if _, err := backend.LoadCheckpoint(ctx, ""); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context, decl *schema.Collection) (*Collection, error) {
	snap, err := s.backend.Load(ctx, decl.Name)
	if err != nil {
		return nil, err
	}
	c := newCollection(s, decl)
	c.seq = snap.Seq
	migrated := 0
	for _, rec := range snap.Records {
		rec := rec
		id := rec.Doc.ID()
		if id == "" {
			return nil, &schema.MigrationError{Collection: decl.Name, From: rec.Version, To: decl.Version,
				Err: errors.New("persisted record has no id")}
		}
		if rec.Version != decl.Version && !rec.Deleted {
			doc, err := s.registry.Migrate(decl.Name, rec.Doc, rec.Version)
			if err != nil {
				return nil, fmt.Errorf("docstore: open %s: %w", decl.Name, err)
			}
			rec.Doc = doc
			migrated++
		} else if rec.Version > decl.Version {
			return nil, fmt.Errorf("docstore: open %s: %w", decl.Name, &schema.MigrationError{
				Collection: decl.Name,
				DocID:      id,
				From:       rec.Version,
				To:         decl.Version,
				Err:        errors.New("stored version is newer than the registered schema"),
			})
		}
		rec.Version = decl.Version
		if rec.Seq > c.seq {
			c.seq = rec.Seq
		}
		c.records[id] = &rec
	}
	if migrated > 0 {
		if err := c.persistLocked(ctx); err != nil {
			return nil, err
		}
		s.log.WithFields(logrus.Fields{"collection": decl.Name, "migrated": migrated, "version": decl.Version}).
			Info("collection migrated")
	}
	return c, nil
}

// Collection returns the named collection.
func (s *Store) Collection(name string) (*Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.cols[name]
	if !ok {
		return nil, fmt.Errorf("docstore: unknown collection %q", name)
	}
	return c, nil
}

// MustCollection is Collection for names fixed at compile time.
func (s *Store) MustCollection(name string) *Collection {
	c, err := s.Collection(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Registry returns the schema registry the store was opened with.
func (s *Store) Registry() *schema.Registry { return s.registry }

// Checkpoint returns the persisted replication checkpoint for id, "" if none.
func (s *Store) Checkpoint(ctx context.Context, id string) (string, error) {
	return s.backend.LoadCheckpoint(ctx, id)
}

// SetCheckpoint persists a replication checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, id, value string) error {
	return s.backend.SaveCheckpoint(ctx, id, value)
}

// Reset drops all persisted state, including checkpoints, and empties every
// collection. Live subscribers receive an empty snapshot.
func (s *Store) Reset(ctx context.Context) error {
	if err := s.backend.Reset(ctx); err != nil {
		return err
	}
	for _, c := range s.collections() {
		c.mu.Lock()
		c.records = make(map[string]*Record)
		c.seq = 0
		c.notifyAllLocked()
		c.mu.Unlock()
	}
	return nil
}

// ClearAll removes every document from every collection. Replicated records
// leave tombstones so the removal reaches the remote database.
func (s *Store) ClearAll(ctx context.Context) (int, error) {
	removed := 0
	for _, c := range s.collections() {
		n, err := c.removeAll(ctx)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Close ends every live subscription. The store must not be used afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	for _, c := range s.collections() {
		c.closeSubscriptions()
	}
	return nil
}

func (s *Store) collections() []*Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.cols))
	for n := range s.cols {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Collection, 0, len(names))
	for _, n := range names {
		out = append(out, s.cols[n])
	}
	return out
}
