package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidConfig      = errors.New("state: invalid config")
	ErrNotFound           = errors.New("state: not found")
	ErrAlreadyInitialized = errors.New("state: already initialized")
)

// Config is the agent configuration written once at setup.
type Config struct {
	// Owner is the identity that instantiated the agent; only it may update Config.
	Owner string
	// JobID is the opaque routing token attached to every outbound instruction.
	JobID string
	// RetryDelay is the per-deposit cool-down between accepted attempts.
	RetryDelay time.Duration
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("%w: owner must be non-empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.JobID) == "" {
		return fmt.Errorf("%w: job id must be non-empty", ErrInvalidConfig)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry delay must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Attempt is the last-accepted timestamp for one deposit id.
type Attempt struct {
	DepositID uint32
	At        time.Time
}

// Pending is an encoded instruction that has been committed but not yet delivered.
type Pending struct {
	ID        [32]byte
	JobID     string
	Payload   []byte
	CreatedAt time.Time
}

func (p Pending) Validate() error {
	if p.ID == ([32]byte{}) {
		return fmt.Errorf("%w: pending instruction id must be set", ErrInvalidConfig)
	}
	if strings.TrimSpace(p.JobID) == "" {
		return fmt.Errorf("%w: pending instruction job id must be non-empty", ErrInvalidConfig)
	}
	if len(p.Payload) == 0 {
		return fmt.Errorf("%w: pending instruction payload must be non-empty", ErrInvalidConfig)
	}
	return nil
}

// Store persists the agent configuration, per-deposit attempt records and the outbox of
// undelivered instructions.
//
// Semantics:
//   - InitConfig fails with ErrAlreadyInitialized if a config exists.
//   - RecordAttempts applies every record or none; later records overwrite earlier ones.
//   - CommitWithdraw applies the attempts and enqueues p in one atomic write. Enqueueing
//     an id that is already pending is a no-op.
//   - ListPending returns at most limit entries, oldest first.
//   - DeletePending on a missing id is a no-op.
//   - Attempt records are never deleted.
type Store interface {
	GetConfig(ctx context.Context) (Config, error)
	InitConfig(ctx context.Context, cfg Config) error
	UpdateConfig(ctx context.Context, cfg Config) error

	LastAttempt(ctx context.Context, depositID uint32) (time.Time, bool, error)
	RecordAttempts(ctx context.Context, attempts []Attempt) error

	CommitWithdraw(ctx context.Context, attempts []Attempt, p Pending) error
	ListPending(ctx context.Context, limit int) ([]Pending, error)
	DeletePending(ctx context.Context, id [32]byte) error
}
