package docstore

import (
	"context"
	"fmt"
	"sort"

	"carelink.app/internal/schema"
)

// The methods in this file are reserved for the sync engine. They move
// documents between the store and the remote database without marking them
// as local changes.

// PendingRecord is a local change waiting to be pushed.
type PendingRecord struct {
	ID      string
	Doc     schema.Document
	Seq     uint64
	Rev     string
	Deleted bool
}

// PendingRecords returns up to limit unpushed changes, oldest first.
func (c *Collection) PendingRecords(limit int) []PendingRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingRecord, 0)
	for id, rec := range c.records {
		if !rec.Pending {
			continue
		}
		out = append(out, PendingRecord{ID: id, Doc: rec.Doc.Clone(), Seq: rec.Seq, Rev: rec.Rev, Deleted: rec.Deleted})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Meta returns the sync metadata for id, including tombstones.
func (c *Collection) Meta(id string) (Meta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[id]
	if !ok {
		return Meta{}, false
	}
	return rec.Meta, true
}

// ApplyRemote stores a document received from the remote database at rev.
// The sync flag is set and the record is not pending. Local fields keep their
// device values. It reports false when the record already holds rev.
func (c *Collection) ApplyRemote(ctx context.Context, doc schema.Document, rev string) (bool, error) {
	norm, err := schema.Normalize(doc)
	if err != nil {
		return false, err
	}
	norm = c.decl.WithoutLocal(norm)
	if c.decl.SyncFlag != "" {
		norm[c.decl.SyncFlag] = true
	}
	id := norm.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.records[id]
	if ok && prev.Rev == rev && !prev.Pending {
		return false, nil
	}
	if ok && !prev.Deleted {
		for _, f := range c.decl.LocalFields {
			if v, has := prev.Doc[f]; has {
				norm[f] = v
			}
		}
	}
	if err := c.decl.Validate(norm); err != nil {
		return false, err
	}
	next := &Record{Doc: norm, Version: c.decl.Version, Meta: Meta{Rev: rev}}
	if err := c.commitLocked(ctx, id, next, "pull"); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyRemoteDelete removes a document the remote database deleted.
func (c *Collection) ApplyRemoteDelete(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[id]; !ok {
		return false, nil
	}
	if err := c.commitLocked(ctx, id, nil, "pull_delete"); err != nil {
		return false, err
	}
	return true, nil
}

// MarkPushed records that the change with seq was accepted remotely at rev.
// If the record changed after seq was read, only the revision is advanced so
// the newer change is pushed on top of it.
func (c *Collection) MarkPushed(ctx context.Context, id string, seq uint64, rev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrNotFound)
	}
	if prev.Seq != seq {
		rebased := *prev
		rebased.Rev = rev
		return c.saveMetaLocked(ctx, id, &rebased)
	}
	if prev.Deleted {
		return c.commitLocked(ctx, id, nil, "push_delete")
	}
	next := &Record{Doc: prev.Doc.Clone(), Version: prev.Version, Meta: Meta{Rev: rev}}
	if c.decl.SyncFlag != "" {
		next.Doc[c.decl.SyncFlag] = true
	}
	return c.commitLocked(ctx, id, next, "push")
}

// Rebase moves a pending record onto the remote revision rev so that the
// next push overwrites it.
func (c *Collection) Rebase(ctx context.Context, id, rev string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.records[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", c.decl.Name, id, ErrNotFound)
	}
	rebased := *prev
	rebased.Rev = rev
	return c.saveMetaLocked(ctx, id, &rebased)
}

// saveMetaLocked replaces a record without bumping its sequence or notifying
// subscribers; only metadata changed.
func (c *Collection) saveMetaLocked(ctx context.Context, id string, next *Record) error {
	prev := c.records[id]
	c.records[id] = next
	if err := c.persistLocked(ctx); err != nil {
		c.records[id] = prev
		return err
	}
	return nil
}

// MarkAllSynced sets the sync flag on every live document where it is false,
// without creating pending changes. It returns the number of documents
// changed.
func (c *Collection) MarkAllSynced(ctx context.Context) (int, error) {
	flag := c.decl.SyncFlag
	if flag == "" {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0)
	for id, rec := range c.records {
		if !rec.Deleted && !rec.Doc.Bool(flag) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for i, id := range ids {
		prev := c.records[id]
		next := &Record{Doc: prev.Doc.Clone(), Version: prev.Version, Meta: prev.Meta}
		next.Doc[flag] = true
		if err := c.commitLocked(ctx, id, next, "mark_synced"); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}
