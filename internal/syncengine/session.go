package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"carelink.app/internal/docstore"
	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
)

// Session is one running replication session.
type Session struct {
	cfg         Config
	engine      *Engine
	cancel      context.CancelFunc
	done        chan struct{}
	log         *logrus.Entry
	pullLimiter *rate.Limiter

	// pushMu serialises push passes between the push loop and PushNow.
	pushMu sync.Mutex
	// pullMu serialises pull batches between the pull loop and PullNow.
	pullMu sync.Mutex

	mu     sync.Mutex
	status Status
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Done is closed once the session has fully stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a snapshot of the session state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stop cancels the session and waits for in-flight batches to finish.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// PushNow pushes pending local changes immediately and returns how many were
// accepted. Pull-only sessions return ErrPushDisabled without contacting the
// remote.
func (s *Session) PushNow(ctx context.Context) (int, error) {
	if s.cfg.Direction != PullAndPush {
		return 0, ErrPushDisabled
	}
	return s.pushPending(ctx)
}

// PullNow reads the change feed until it is drained and returns how many
// documents were applied.
func (s *Session) PullNow(ctx context.Context) (int, error) {
	total := 0
	for {
		n, more, err := s.pullBatch(ctx, 0)
		total += n
		if err != nil || !more {
			return total, err
		}
	}
}

func (s *Session) run(ctx context.Context) {
	var wg sync.WaitGroup
	obs.SyncSessions.Inc()
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pullLoop(ctx)
	}()
	if s.cfg.Direction == PullAndPush {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.pushLoop(ctx)
		}()
	}
	go func() {
		wg.Wait()
		obs.SyncSessions.Dec()
		s.mu.Lock()
		s.status.Running = false
		s.mu.Unlock()
		s.engine.forget(s)
		s.log.Info("replication session stopped")
		close(s.done)
	}()
}

func (s *Session) pullLoop(ctx context.Context) {
	b := s.engine.newBackoff()
	for ctx.Err() == nil {
		if s.pullLimiter != nil {
			if err := s.pullLimiter.Wait(ctx); err != nil {
				return
			}
		}
		_, _, err := s.pullBatch(ctx, s.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !s.sleep(ctx, b) {
				return
			}
			continue
		}
		b.Reset()
	}
}

func (s *Session) pushLoop(ctx context.Context) {
	b := s.engine.newBackoff()
	for ctx.Err() == nil {
		if err := s.cfg.Remote.EnsureDB(ctx, s.cfg.Database); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(&replication.ReplicationError{Session: s.cfg.ID, Direction: "push", Err: err})
			if !s.sleep(ctx, b) {
				return
			}
			continue
		}
		break
	}
	b.Reset()

	sub := s.cfg.Collection.Subscribe(docstore.All())
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		}
		for {
			_, err := s.pushPending(ctx)
			if err == nil {
				b.Reset()
				break
			}
			if ctx.Err() != nil || !s.sleep(ctx, b) {
				return
			}
		}
	}
}

// sleep waits for the next backoff interval and reports false when the
// session was cancelled meanwhile.
func (s *Session) sleep(ctx context.Context, b backoff.BackOff) bool {
	d := b.NextBackOff()
	if d == backoff.Stop {
		d = s.engine.maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// batchContext detaches batch work from session cancellation so that a
// stop lands between batches, bounded by the batch timeout.
func (s *Session) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BatchTimeout)
}

func (s *Session) fail(err *replication.ReplicationError) {
	s.mu.Lock()
	s.status.Erroring = true
	s.status.Failures++
	s.status.LastError = err.Error()
	s.mu.Unlock()
	obs.SyncBatches.WithLabelValues(s.cfg.Collection.Name(), err.Direction, "error").Inc()
	s.log.WithError(err).WithField("doc_id", err.DocID).Warn("replication error")
	s.engine.report(err)
}

// succeed records n replicated documents. A clean batch also clears the
// erroring state.
func (s *Session) succeed(direction string, n int, clean bool) {
	now := time.Now().UTC()
	s.mu.Lock()
	if clean {
		s.status.Erroring = false
		s.status.Failures = 0
		s.status.LastError = ""
	}
	switch direction {
	case "pull":
		s.status.Pulled += n
		s.status.LastPull = now
	case "push":
		s.status.Pushed += n
		s.status.LastPush = now
	}
	s.mu.Unlock()
	if clean {
		obs.SyncBatches.WithLabelValues(s.cfg.Collection.Name(), direction, "ok").Inc()
	}
	if n > 0 {
		obs.SyncDocuments.WithLabelValues(s.cfg.Collection.Name(), direction).Add(float64(n))
	}
}

// reportConflict publishes a conflict that the session resolves itself.
func (s *Session) reportConflict(direction, id string) {
	err := &replication.ReplicationError{Session: s.cfg.ID, Direction: direction, DocID: id, Err: replication.ErrConflict}
	obs.SyncBatches.WithLabelValues(s.cfg.Collection.Name(), direction, "conflict").Inc()
	s.log.WithField("doc_id", id).Info("revision conflict, resolving by last write")
	s.engine.report(err)
}
