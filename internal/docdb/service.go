// Package docdb implements the remote document database: per-database change
// sequences, revision checks on write, and long-poll change feeds.
package docdb

import (
	"context"
	"sort"
	"sync"
	"time"

	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
	"carelink.app/internal/schema"
	"carelink.app/internal/stream"
)

// InMemory implements Service with in-process concurrency safety.
type InMemory struct {
	mu  sync.RWMutex
	dbs map[string]*database
	hub *stream.Stream
}

type database struct {
	seq  uint64
	docs map[string]*docState
}

type docState struct {
	rev     string
	seq     uint64
	deleted bool
	body    map[string]any
}

// NewInMemory creates an empty database server publishing changes to hub,
// or to a private hub when nil.
func NewInMemory(hub *stream.Stream) *InMemory {
	if hub == nil {
		hub = stream.New()
	}
	return &InMemory{dbs: make(map[string]*database), hub: hub}
}

// Databases are created on first use.
func (s *InMemory) dbLocked(name string) *database {
	db, ok := s.dbs[name]
	if !ok {
		db = &database{docs: make(map[string]*docState)}
		s.dbs[name] = db
	}
	return db
}

func (s *InMemory) EnsureDB(_ context.Context, db string) error {
	if !ValidDBName(db) {
		return errBadRequest("invalid database name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dbLocked(db)
	return nil
}

func (s *InMemory) Info(_ context.Context, db string) (replication.DBInfo, error) {
	if !ValidDBName(db) {
		return replication.DBInfo{}, errBadRequest("invalid database name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return replication.DBInfo{}, errNotFound("Database does not exist.")
	}
	info := replication.DBInfo{DBName: db, UpdateSeq: d.seq}
	for _, st := range d.docs {
		if !st.deleted {
			info.DocCount++
		}
	}
	return info, nil
}

func (s *InMemory) Ready(context.Context) error { return nil }

func (s *InMemory) Get(_ context.Context, db, id string) (map[string]any, error) {
	if !ValidDBName(db) {
		return nil, errBadRequest("invalid database name")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dbs[db]
	if !ok {
		return nil, errNotFound("Database does not exist.")
	}
	st, ok := d.docs[id]
	if !ok {
		return nil, errNotFound("missing")
	}
	if st.deleted {
		return nil, errNotFound("deleted")
	}
	return WireDoc(id, st.rev, false, schema.Document(st.body).Clone()), nil
}

// Changes returns the latest change of every document updated after since,
// in sequence order. With wait > 0 and nothing to report it blocks until a
// write lands, wait elapses, or ctx ends.
func (s *InMemory) Changes(ctx context.Context, db string, since uint64, limit int, wait time.Duration) (replication.ChangesResponse, error) {
	if !ValidDBName(db) {
		return replication.ChangesResponse{}, errBadRequest("invalid database name")
	}
	limit = ClampLimit(limit)
	if wait <= 0 {
		return s.changes(db, since, limit), nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	events := s.hub.Subscribe(waitCtx, db)
	for {
		resp := s.changes(db, since, limit)
		if len(resp.Results) > 0 {
			return resp, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return replication.ChangesResponse{}, ctx.Err()
			}
			return resp, nil
		case _, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return replication.ChangesResponse{}, err
				}
				return s.changes(db, since, limit), nil
			}
		}
	}
}

func (s *InMemory) changes(db string, since uint64, limit int) replication.ChangesResponse {
	s.mu.Lock()
	d := s.dbLocked(db)
	results := make([]replication.Change, 0)
	for id, st := range d.docs {
		if st.seq <= since {
			continue
		}
		results = append(results, replication.Change{
			Seq:     st.seq,
			ID:      id,
			Rev:     st.rev,
			Deleted: st.deleted,
			Doc:     WireDoc(id, st.rev, st.deleted, schema.Document(st.body).Clone()),
		})
	}
	s.mu.Unlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	if len(results) > limit {
		results = results[:limit]
	}
	last := since
	if n := len(results); n > 0 {
		last = results[n-1].Seq
	}
	return replication.ChangesResponse{Results: results, LastSeq: last}
}

// BulkDocs applies each write whose _rev matches the stored revision.
// Mismatches are reported per document as conflicts.
func (s *InMemory) BulkDocs(_ context.Context, db string, docs []map[string]any) ([]replication.BulkResult, error) {
	if !ValidDBName(db) {
		return nil, errBadRequest("invalid database name")
	}
	results := make([]replication.BulkResult, 0, len(docs))
	s.mu.Lock()
	d := s.dbLocked(db)
	startSeq := d.seq
	for _, raw := range docs {
		w, err := ParseWrite(raw)
		if err != nil {
			results = append(results, replication.BulkResult{Error: replication.CodeBadRequest, Reason: missingIDReason})
			obs.DocDBWrites.WithLabelValues(db, "error").Inc()
			continue
		}
		res := d.apply(w)
		if res.OK {
			obs.DocDBWrites.WithLabelValues(db, "ok").Inc()
		} else {
			obs.DocDBWrites.WithLabelValues(db, res.Error).Inc()
		}
		results = append(results, res)
	}
	endSeq := d.seq
	s.mu.Unlock()

	if endSeq != startSeq {
		s.hub.Publish(stream.ChangeEvent{DB: db, Seq: endSeq})
	}
	return results, nil
}

func (d *database) apply(w Write) replication.BulkResult {
	st, exists := d.docs[w.ID]
	prev := ""
	if exists {
		prev = st.rev
	}
	if rejected := w.Check(exists, prev, exists && st.deleted); rejected != nil {
		return *rejected
	}
	rev := replication.NewRev(prev, w.Body, w.Deleted)
	d.seq++
	d.docs[w.ID] = &docState{rev: rev, seq: d.seq, deleted: w.Deleted, body: schema.Document(w.StoredBody()).Clone()}
	return replication.BulkResult{ID: w.ID, Rev: rev, OK: true}
}
