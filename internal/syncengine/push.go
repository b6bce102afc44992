package syncengine

import (
	"context"
	"errors"

	"carelink.app/internal/docstore"
	"carelink.app/internal/replication"
	"carelink.app/internal/schema"
)

// maxPushRounds bounds one push pass; later changes wake the push loop again.
const maxPushRounds = 50

// pushPending pushes pending records batch by batch until none are left.
func (s *Session) pushPending(ctx context.Context) (int, error) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	total := 0
	for round := 0; round < maxPushRounds; round++ {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		recs := s.cfg.Collection.PendingRecords(s.cfg.BatchSize)
		if len(recs) == 0 {
			return total, nil
		}
		n, err := s.pushBatch(ctx, recs)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Session) pushBatch(ctx context.Context, recs []docstore.PendingRecord) (int, error) {
	col := s.cfg.Collection
	flag := col.Schema().SyncFlag

	docs := make([]map[string]any, len(recs))
	for i, rec := range recs {
		body := col.Schema().WithoutLocal(rec.Doc)
		if rec.Deleted {
			body = schema.Document{"id": rec.ID}
		} else if flag != "" {
			body[flag] = true
		}
		docs[i] = replication.ToWire(body, rec.Rev, rec.Deleted)
	}

	bctx, cancel := s.batchContext(ctx)
	defer cancel()
	results, err := s.cfg.Remote.BulkDocs(bctx, s.cfg.Database, docs)
	if err != nil {
		rerr := &replication.ReplicationError{Session: s.cfg.ID, Direction: "push", Err: err}
		s.fail(rerr)
		return 0, rerr
	}
	byID := make(map[string]replication.BulkResult, len(results))
	for _, res := range results {
		byID[res.ID] = res
	}

	pushed := 0
	var firstErr error
	failed := func(rerr *replication.ReplicationError) {
		s.fail(rerr)
		if firstErr == nil {
			firstErr = rerr
		}
	}
	for _, rec := range recs {
		res, ok := byID[rec.ID]
		switch {
		case !ok:
			failed(&replication.ReplicationError{Session: s.cfg.ID, Direction: "push", DocID: rec.ID, Err: errors.New("no result for document")})
		case res.OK:
			err := col.MarkPushed(bctx, rec.ID, rec.Seq, res.Rev)
			if errors.Is(err, docstore.ErrNotFound) {
				// Removed locally while the batch was in flight.
				s.log.WithField("doc_id", rec.ID).Debug("pushed document no longer present")
				err = nil
			}
			if err != nil {
				failed(&replication.ReplicationError{Session: s.cfg.ID, Direction: "push", DocID: rec.ID, Err: err})
				continue
			}
			pushed++
		case res.Error == replication.CodeConflict:
			s.reportConflict("push", rec.ID)
			if err := s.resolvePushConflict(bctx, rec); err != nil {
				failed(&replication.ReplicationError{Session: s.cfg.ID, Direction: "push", DocID: rec.ID, Err: err})
			}
		default:
			failed(&replication.ReplicationError{
				Session:   s.cfg.ID,
				Direction: "push",
				DocID:     rec.ID,
				Err:       &replication.RemoteError{Status: replication.StatusFor(res.Error), Code: res.Error, Reason: res.Reason},
			})
		}
	}
	s.succeed("push", pushed, firstErr == nil)
	return pushed, firstErr
}

// resolvePushConflict settles a rejected push by last write: the remote copy
// replaces the local change when it is at least as recent, otherwise the
// local change is rebased onto the remote revision and pushed again.
func (s *Session) resolvePushConflict(ctx context.Context, rec docstore.PendingRecord) error {
	col := s.cfg.Collection
	remote, err := s.cfg.Remote.Get(ctx, s.cfg.Database, rec.ID)
	if errors.Is(err, replication.ErrNotFound) {
		if rec.Deleted {
			_, err := col.ApplyRemoteDelete(ctx, rec.ID)
			return err
		}
		return col.Rebase(ctx, rec.ID, "")
	}
	if err != nil {
		return err
	}
	doc, rev, _ := replication.FromWire(remote)
	if remoteWins(ctx, col, rec.ID, remote) {
		_, err := col.ApplyRemote(ctx, doc, rev)
		return err
	}
	return col.Rebase(ctx, rec.ID, rev)
}
