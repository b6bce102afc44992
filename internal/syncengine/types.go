// Package syncengine runs replication sessions between local document store
// collections and a remote document database.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"carelink.app/internal/docstore"
	"carelink.app/internal/replication"
)

// Direction selects which halves of replication a session runs.
type Direction int

const (
	// PullOnly replicates remote changes into the collection and never writes
	// to the remote.
	PullOnly Direction = iota
	// PullAndPush additionally pushes local changes.
	PullAndPush
)

func (d Direction) String() string {
	switch d {
	case PullOnly:
		return "pull-only"
	case PullAndPush:
		return "pull-and-push"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Defaults applied to zero Config values.
const (
	DefaultBatchSize    = 100
	DefaultPollInterval = 5 * time.Second
	DefaultBatchTimeout = 30 * time.Second
)

var (
	// ErrPushDisabled is returned by PushNow on a pull-only session.
	ErrPushDisabled = errors.New("syncengine: push disabled for pull-only session")
	// ErrInvalidConfig reports an unusable session configuration.
	ErrInvalidConfig = errors.New("syncengine: invalid config")
)

// Config describes one replication session.
type Config struct {
	// ID identifies the session; starting a session with an active ID
	// replaces the running one.
	ID         string
	Collection *docstore.Collection
	Remote     replication.Remote
	Database   string
	Direction  Direction
	BatchSize  int
	// PollInterval is the long-poll wait of each change feed read.
	PollInterval time.Duration
	// BatchTimeout bounds the work of one batch after it has been fetched.
	BatchTimeout time.Duration
}

func (c *Config) normalize() error {
	switch {
	case c.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidConfig)
	case c.Collection == nil:
		return fmt.Errorf("%w: collection is required", ErrInvalidConfig)
	case c.Remote == nil:
		return fmt.Errorf("%w: remote is required", ErrInvalidConfig)
	case c.Database == "":
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	case c.Direction != PullOnly && c.Direction != PullAndPush:
		return fmt.Errorf("%w: unknown direction %d", ErrInvalidConfig, c.Direction)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = DefaultBatchTimeout
	}
	return nil
}

// Status is a point-in-time view of a session.
type Status struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Running   bool      `json:"running"`
	Erroring  bool      `json:"erroring"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"failures"`
	Pulled    int       `json:"pulled"`
	Pushed    int       `json:"pushed"`
	LastPull  time.Time `json:"last_pull,omitempty"`
	LastPush  time.Time `json:"last_push,omitempty"`
}

// Checkpointer persists the change feed position of each session.
type Checkpointer interface {
	Checkpoint(ctx context.Context, id string) (string, error)
	SetCheckpoint(ctx context.Context, id, value string) error
}

func checkpointID(sessionID, db string) string {
	return "pull:" + sessionID + ":" + db
}
