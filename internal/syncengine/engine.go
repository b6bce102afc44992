package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"carelink.app/internal/obs"
	"carelink.app/internal/replication"
)

const errorBuffer = 64

// Engine owns the running replication sessions of a client.
type Engine struct {
	checkpoints Checkpointer
	log         *logrus.Entry
	errs        chan error

	initialBackoff time.Duration
	maxBackoff     time.Duration
	minPullGap     time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures Engine.
type Option func(*Engine)

// WithBackoff sets the retry schedule after failed batches.
func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(e *Engine) {
		if initial > 0 {
			e.initialBackoff = initial
		}
		if maxInterval > 0 {
			e.maxBackoff = maxInterval
		}
	}
}

// WithPullPacing sets the minimum gap between change feed reads.
func WithPullPacing(gap time.Duration) Option {
	return func(e *Engine) { e.minPullGap = gap }
}

// New creates an engine storing pull checkpoints in checkpoints.
func New(checkpoints Checkpointer, opts ...Option) *Engine {
	e := &Engine{
		checkpoints:    checkpoints,
		log:            obs.Component("syncengine"),
		errs:           make(chan error, errorBuffer),
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		minPullGap:     100 * time.Millisecond,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Errors delivers every replication failure as a *replication.ReplicationError.
// Errors are dropped when nobody drains the channel.
func (e *Engine) Errors() <-chan error { return e.errs }

// Start launches a session for cfg. An active session with the same ID is
// stopped first and waited for. The session runs until Stop, its own Stop,
// or ctx is cancelled.
func (e *Engine) Start(ctx context.Context, cfg Config) (*Session, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.sessions[cfg.ID]
	delete(e.sessions, cfg.ID)
	e.mu.Unlock()
	if prev != nil {
		e.log.WithField("session", cfg.ID).Info("replacing running session")
		prev.Stop()
	}

	sctx, cancel := context.WithCancel(ctx)
	s := e.newSession(cfg, cancel)
	s.status.Running = true

	e.mu.Lock()
	e.sessions[cfg.ID] = s
	e.mu.Unlock()

	s.run(sctx)
	s.log.Info("replication session started")
	return s, nil
}

func (e *Engine) newSession(cfg Config, cancel context.CancelFunc) *Session {
	s := &Session{
		cfg:    cfg,
		engine: e,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    e.log.WithFields(logrus.Fields{"session": cfg.ID, "db": cfg.Database, "direction": cfg.Direction.String()}),
		status: Status{ID: cfg.ID, Direction: cfg.Direction.String()},
	}
	if e.minPullGap > 0 {
		s.pullLimiter = rate.NewLimiter(rate.Every(e.minPullGap), 1)
	}
	return s
}

// Stop cancels every session and waits for them to finish. It is a no-op
// when nothing runs.
func (e *Engine) Stop() {
	e.mu.Lock()
	running := make([]*Session, 0, len(e.sessions))
	for id, s := range e.sessions {
		running = append(running, s)
		delete(e.sessions, id)
	}
	e.mu.Unlock()
	for _, s := range running {
		s.Stop()
	}
}

// Session returns the active session with id.
func (e *Engine) Session(id string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[id]
	return s, ok
}

// Statuses reports every active session, ordered by ID.
func (e *Engine) Statuses() []Status {
	e.mu.Lock()
	list := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		list = append(list, s)
	}
	e.mu.Unlock()
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) forget(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sessions[s.cfg.ID] == s {
		delete(e.sessions, s.cfg.ID)
	}
}

func (e *Engine) report(err *replication.ReplicationError) {
	select {
	case e.errs <- err:
	default:
		e.log.WithError(err).Debug("error channel full, dropping")
	}
}

func (e *Engine) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialBackoff
	b.MaxInterval = e.maxBackoff
	// Sessions keep retrying until stopped.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
