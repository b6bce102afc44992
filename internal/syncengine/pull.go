package syncengine

import (
	"context"
	"errors"
	"time"

	"carelink.app/internal/docstore"
	"carelink.app/internal/replication"
	"carelink.app/internal/schema"
)

// pullBatch reads one page of the change feed after the stored checkpoint,
// applies it and advances the checkpoint. more reports a full page.
func (s *Session) pullBatch(ctx context.Context, wait time.Duration) (applied int, more bool, err error) {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()

	cpID := checkpointID(s.cfg.ID, s.cfg.Database)
	raw, err := s.engine.checkpoints.Checkpoint(ctx, cpID)
	if err != nil {
		rerr := &replication.ReplicationError{Session: s.cfg.ID, Direction: "pull", Err: err}
		s.fail(rerr)
		return 0, false, rerr
	}
	since, err := replication.ParseSeq(raw)
	if err != nil {
		s.log.WithField("checkpoint", raw).Warn("unreadable checkpoint, restarting change feed")
		since = 0
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, wait+s.cfg.BatchTimeout)
	resp, err := s.cfg.Remote.Changes(fetchCtx, s.cfg.Database, since, s.cfg.BatchSize, wait)
	cancelFetch()
	if err != nil {
		if ctx.Err() != nil {
			return 0, false, ctx.Err()
		}
		rerr := &replication.ReplicationError{Session: s.cfg.ID, Direction: "pull", Err: err}
		s.fail(rerr)
		return 0, false, rerr
	}

	bctx, cancel := s.batchContext(ctx)
	defer cancel()
	clean := true
	for _, ch := range resp.Results {
		ok, err := s.applyChange(bctx, ch)
		if err != nil {
			clean = false
			s.fail(&replication.ReplicationError{Session: s.cfg.ID, Direction: "pull", DocID: ch.ID, Err: err})
			continue
		}
		if ok {
			applied++
		}
	}
	if resp.LastSeq != since {
		if err := s.engine.checkpoints.SetCheckpoint(bctx, cpID, replication.FormatSeq(resp.LastSeq)); err != nil {
			rerr := &replication.ReplicationError{Session: s.cfg.ID, Direction: "pull", Err: err}
			s.fail(rerr)
			return applied, false, rerr
		}
	}
	s.succeed("pull", applied, clean)
	return applied, len(resp.Results) >= s.cfg.BatchSize, nil
}

// applyChange stores one remote change. A pending local edit of the same
// document is kept when its base revision is still current, and otherwise
// resolved by the later updatedAt.
func (s *Session) applyChange(ctx context.Context, ch replication.Change) (bool, error) {
	col := s.cfg.Collection
	meta, exists := col.Meta(ch.ID)
	if exists && meta.Pending {
		if meta.Rev == ch.Rev {
			return false, nil
		}
		s.reportConflict("pull", ch.ID)
		if !remoteWins(ctx, col, ch.ID, ch.Doc) {
			return false, col.Rebase(ctx, ch.ID, ch.Rev)
		}
	}

	if ch.Deleted {
		return col.ApplyRemoteDelete(ctx, ch.ID)
	}
	wire := ch.Doc
	if wire == nil {
		doc, err := s.cfg.Remote.Get(ctx, s.cfg.Database, ch.ID)
		if errors.Is(err, replication.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		wire = doc
	}
	doc, rev, _ := replication.FromWire(wire)
	if rev == "" {
		rev = ch.Rev
	}
	if doc.ID() == "" {
		doc["id"] = ch.ID
	}
	return col.ApplyRemote(ctx, doc, rev)
}

// remoteWins reports whether the remote copy is at least as recent as the
// local one. Deleted documents carry no timestamp and lose to any edit.
func remoteWins(ctx context.Context, col *docstore.Collection, id string, remote map[string]any) bool {
	var local time.Time
	if doc, err := col.FindOne(ctx, id); err == nil {
		local, _ = doc.Time("updatedAt")
	}
	var remoteAt time.Time
	if remote != nil {
		if _, deleted := remote["_deleted"]; !deleted {
			remoteAt, _ = schema.Document(remote).Time("updatedAt")
		}
	}
	return !remoteAt.Before(local)
}
