package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carelink.app/internal/obs"
	"carelink.app/internal/schema"
)

// Collection holds the documents of one entity. All mutations on a collection
// are serialised by its mutex, so writes to the same id apply in issue order.
type Collection struct {
	store *Store
	decl  *schema.Collection

	mu      sync.Mutex
	records map[string]*Record
	seq     uint64
	subs    map[uint64]*Subscription
	nextSub uint64
}

func newCollection(s *Store, decl *schema.Collection) *Collection {
	return &Collection{
		store:   s,
		decl:    decl,
		records: make(map[string]*Record),
		subs:    make(map[uint64]*Subscription),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.decl.Name }

// Schema returns the collection declaration.
func (c *Collection) Schema() *schema.Collection { return c.decl }

// Insert adds a new document. The caller supplies the id.
func (c *Collection) Insert(ctx context.Context, doc schema.Document) error {
	norm, err := c.prepare(doc)
	if err != nil {
		return err
	}
	id := norm.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.records[id]
	if prev != nil && !prev.Deleted {
		return fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrConflict)
	}
	c.clearSyncFlag(norm)
	next := &Record{Doc: norm, Version: c.decl.Version, Meta: Meta{Pending: true}}
	if prev != nil {
		// Reinserting over a tombstone keeps the remote revision so the push
		// updates the existing remote document.
		next.Rev = prev.Rev
	}
	return c.commitLocked(ctx, id, next, "insert")
}

// FindOne returns the live document with id.
func (c *Collection) FindOne(_ context.Context, id string) (schema.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok || rec.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrNotFound)
	}
	return rec.Doc.Clone(), nil
}

// Find returns a snapshot of matching live documents sorted by id.
func (c *Collection) Find(_ context.Context, sel Selector) ([]schema.Document, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(sel), nil
}

// Patch merges fields into the document with id. A nil value removes the key.
// The collection's touch field is advanced unless fields sets it. The merged
// document is validated before it is written.
func (c *Collection) Patch(ctx context.Context, id string, fields map[string]any) error {
	norm, err := schema.Normalize(schema.Document(fields))
	if err != nil {
		return err
	}
	_, stamped := norm[c.decl.Touch]
	return c.Update(ctx, id, func(doc schema.Document) (schema.Document, error) {
		if c.decl.Touch != "" && !stamped {
			doc[c.decl.Touch] = c.touch(doc).Format(time.RFC3339Nano)
		}
		for k, v := range norm {
			if v == nil {
				delete(doc, k)
				continue
			}
			doc[k] = v
		}
		return doc, nil
	})
}

// touch returns the store clock, moved past the document's current touch
// time so successive patches stay ordered.
func (c *Collection) touch(doc schema.Document) time.Time {
	now := c.store.now().UTC()
	if prev, ok := doc.Time(c.decl.Touch); ok && !now.After(prev) {
		now = prev.Add(time.Millisecond).UTC()
	}
	return now
}

// clearSyncFlag marks a locally written document as not yet replicated.
func (c *Collection) clearSyncFlag(doc schema.Document) {
	if c.decl.SyncFlag != "" {
		doc[c.decl.SyncFlag] = false
	}
}

// Update applies fn to a copy of the document with id and writes the result,
// all under the collection lock. fn must keep the id.
func (c *Collection) Update(ctx context.Context, id string, fn func(schema.Document) (schema.Document, error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.records[id]
	if !ok || prev.Deleted {
		return fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrNotFound)
	}
	out, err := fn(prev.Doc.Clone())
	if err != nil {
		return err
	}
	norm, err := c.prepare(out)
	if err != nil {
		return err
	}
	if norm.ID() != id {
		return schema.NewValidationError(c.decl.Name, "id", "cannot change")
	}
	c.clearSyncFlag(norm)
	next := &Record{Doc: norm, Version: c.decl.Version, Meta: Meta{Rev: prev.Rev, Pending: true}}
	return c.commitLocked(ctx, id, next, "update")
}

// Remove deletes the document with id. A document the remote database already
// holds becomes a tombstone until the deletion is pushed.
func (c *Collection) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(ctx, id)
}

func (c *Collection) removeLocked(ctx context.Context, id string) error {
	prev, ok := c.records[id]
	if !ok || prev.Deleted {
		return fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrNotFound)
	}
	if prev.Rev == "" {
		return c.commitLocked(ctx, id, nil, "remove")
	}
	next := &Record{
		Doc:     schema.Document{"id": id},
		Version: c.decl.Version,
		Meta:    Meta{Rev: prev.Rev, Pending: true, Deleted: true},
	}
	return c.commitLocked(ctx, id, next, "remove")
}

func (c *Collection) removeAll(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.records))
	for id, rec := range c.records {
		if !rec.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for i, id := range ids {
		if err := c.removeLocked(ctx, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// Count returns the number of live documents.
func (c *Collection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.records {
		if !rec.Deleted {
			n++
		}
	}
	return n
}

func (c *Collection) prepare(doc schema.Document) (schema.Document, error) {
	norm, err := schema.Normalize(doc)
	if err != nil {
		return nil, schema.NewValidationError(c.decl.Name, "_document", err.Error())
	}
	if err := c.decl.Validate(norm); err != nil {
		return nil, err
	}
	return norm, nil
}

// commitLocked installs next (nil removes the record), persists the
// collection and notifies subscribers. On a persistence failure the previous
// state is restored.
func (c *Collection) commitLocked(ctx context.Context, id string, next *Record, op string) error {
	prev, had := c.records[id]
	prevSeq := c.seq
	if next == nil {
		delete(c.records, id)
	} else {
		c.seq++
		next.Seq = c.seq
		c.records[id] = next
	}
	if err := c.persistLocked(ctx); err != nil {
		c.seq = prevSeq
		if had {
			c.records[id] = prev
		} else {
			delete(c.records, id)
		}
		return err
	}
	obs.StoreMutations.WithLabelValues(c.decl.Name, op).Inc()
	c.notifyLocked(visible(prev), visible(next))
	return nil
}

func (c *Collection) persistLocked(ctx context.Context) error {
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	snap := Snapshot{Seq: c.seq, Records: make([]Record, 0, len(ids))}
	for _, id := range ids {
		snap.Records = append(snap.Records, *c.records[id])
	}
	if err := c.store.backend.Save(ctx, c.decl.Name, snap); err != nil {
		return fmt.Errorf("docstore: persist %s: %w", c.decl.Name, err)
	}
	return nil
}

func (c *Collection) snapshotLocked(sel Selector) []schema.Document {
	out := make([]schema.Document, 0)
	for _, rec := range c.records {
		if rec.Deleted {
			continue
		}
		if sel == nil || sel.Match(rec.Doc) {
			out = append(out, rec.Doc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func visible(r *Record) schema.Document {
	if r == nil || r.Deleted {
		return nil
	}
	return r.Doc
}
