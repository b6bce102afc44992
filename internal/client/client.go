// Package client wires the local store, the domain services and replication
// into one handle for a single user on a single device.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"carelink.app/internal/audit"
	"carelink.app/internal/config"
	"carelink.app/internal/docstore"
	"carelink.app/internal/identity"
	"carelink.app/internal/obs"
	"carelink.app/internal/patient"
	"carelink.app/internal/referral"
	"carelink.app/internal/replication"
	"carelink.app/internal/schema"
	"carelink.app/internal/syncengine"
)

// Replication session identifiers. Checkpoints are keyed by them, so they
// must stay stable across releases.
const (
	PatientsSyncID  = "carelink-patients-sync"
	ReferralsSyncID = "carelink-referrals-sync"
)

// Registry declares every collection of the local store.
func Registry() *schema.Registry {
	return schema.NewRegistry().MustRegister(
		referral.Schema(),
		patient.Schema(),
		identity.UserSchema(),
		identity.TokenSchema(),
	)
}

// OpenBackend returns the persistence backend selected by cfg.
func OpenBackend(cfg config.StoreConfig) (docstore.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return docstore.NewMemoryBackend(), nil
	case "file", "":
		fb, err := docstore.NewFileBackend(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return fb, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Options configures a Client.
type Options struct {
	// Remote is the replication endpoint; nil disables StartSync.
	Remote       replication.Remote
	BatchSize    int
	PollInterval time.Duration
	// EngineOptions are passed to the sync engine.
	EngineOptions []syncengine.Option
	Now           func() time.Time
}

// Client lazily opens the store on first use and owns the replication
// sessions started for the signed-in role.
type Client struct {
	backend docstore.Backend
	opts    Options
	log     *logrus.Entry

	mu        sync.Mutex
	store     *docstore.Store
	engine    *syncengine.Engine
	referrals *referral.Manager
	patients  *patient.Directory
	closed    bool
}

// New returns a client over backend. Nothing is opened until first use.
func New(backend docstore.Backend, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = syncengine.DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{backend: backend, opts: opts, log: obs.Component("client")}
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("client: closed")

// Store opens the store once and returns the same instance afterwards. A
// store that is corrupt or cannot be migrated to the current schemas is wiped
// and created empty; the data is recovered by the next pull. Other failures are returned
// and the next call tries again.
func (c *Client) Store(ctx context.Context) (*docstore.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.storeLocked(ctx)
}

func (c *Client) storeLocked(ctx context.Context) (*docstore.Store, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.store != nil {
		return c.store, nil
	}
	store, err := docstore.Open(ctx, c.backend, Registry(), docstore.WithClock(c.opts.Now))
	if errors.Is(err, schema.ErrSchemaMigration) || errors.Is(err, docstore.ErrCorrupt) {
		c.log.WithError(err).Error("local store cannot be opened, wiping it")
		_ = audit.LogEvent(ctx, audit.StoreWiped, map[string]any{"reason": err.Error()})
		if rerr := c.backend.Reset(ctx); rerr != nil {
			return nil, fmt.Errorf("wipe local store: %w", rerr)
		}
		store, err = docstore.Open(ctx, c.backend, Registry(), docstore.WithClock(c.opts.Now))
	}
	if err != nil {
		return nil, err
	}
	c.store = store
	c.engine = syncengine.New(store, c.opts.EngineOptions...)
	return store, nil
}

// Referrals returns the referral lifecycle manager.
func (c *Client) Referrals(ctx context.Context) (*referral.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.referrals != nil {
		return c.referrals, nil
	}
	store, err := c.storeLocked(ctx)
	if err != nil {
		return nil, err
	}
	m, err := referral.NewManager(store,
		referral.WithClock(c.opts.Now),
		referral.WithReplicationGuard(guard{c}),
	)
	if err != nil {
		return nil, err
	}
	c.referrals = m
	return m, nil
}

// Patients returns the live patient directory.
func (c *Client) Patients(ctx context.Context) (*patient.Directory, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.patients != nil {
		return c.patients, nil
	}
	store, err := c.storeLocked(ctx)
	if err != nil {
		return nil, err
	}
	d, err := patient.NewDirectory(store, patient.WithClock(c.opts.Now))
	if err != nil {
		return nil, err
	}
	c.patients = d
	return d, nil
}

// Identity returns a provider over the local users and patients.
func (c *Client) Identity(ctx context.Context, secret string, opts ...identity.Option) (*identity.Provider, error) {
	store, err := c.Store(ctx)
	if err != nil {
		return nil, err
	}
	return identity.NewProvider(store, secret, opts...)
}

// StartSync stops any running sessions and starts replication of patients and
// referrals for role. Nurses push and pull; patients only pull.
func (c *Client) StartSync(ctx context.Context, role identity.Role) error {
	if c.opts.Remote == nil {
		return errors.New("client: no replication remote configured")
	}
	store, err := c.Store(ctx)
	if err != nil {
		return err
	}
	c.StopSync()

	dir := syncengine.PullOnly
	if role == identity.RoleNurse {
		dir = syncengine.PullAndPush
	}
	sessions := []struct {
		id, db, collection string
	}{
		{PatientsSyncID, replication.PatientsDB, patient.CollectionName},
		{ReferralsSyncID, replication.ReferralsDB, referral.CollectionName},
	}
	for _, s := range sessions {
		col, err := store.Collection(s.collection)
		if err != nil {
			return err
		}
		_, err = c.engine.Start(ctx, syncengine.Config{
			ID:           s.id,
			Collection:   col,
			Remote:       c.opts.Remote,
			Database:     s.db,
			Direction:    dir,
			BatchSize:    c.opts.BatchSize,
			PollInterval: c.opts.PollInterval,
		})
		if err != nil {
			c.StopSync()
			return err
		}
	}
	c.log.WithFields(logrus.Fields{"role": role, "direction": dir.String()}).Info("sync started")
	return nil
}

// StopSync cancels every replication session. It is a no-op when none run.
func (c *Client) StopSync() {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine != nil {
		engine.Stop()
	}
}

// SyncStatus reports the running sessions.
func (c *Client) SyncStatus() []syncengine.Status {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return nil
	}
	return engine.Statuses()
}

// SyncErrors delivers replication failures; nil before the store is open.
func (c *Client) SyncErrors() <-chan error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.engine == nil {
		return nil
	}
	return c.engine.Errors()
}

// Session returns the running replication session with id.
func (c *Client) Session(id string) (*syncengine.Session, bool) {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	if engine == nil {
		return nil, false
	}
	return engine.Session(id)
}

// Close stops replication and releases the store.
func (c *Client) Close() error {
	c.StopSync()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.patients != nil {
		c.patients.Close()
	}
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// guard tells the referral manager whether replication owns the sync flag.
type guard struct{ c *Client }

func (g guard) Active() bool { return len(g.c.SyncStatus()) > 0 }
