// Package leader elects a single active agent replica through an expiring lease.
package leader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

var (
	ErrInvalidInput = errors.New("leader: invalid input")
	ErrNotFound     = errors.New("leader: not found")
	ErrNotOwner     = errors.New("leader: not owner")
)

type Lease struct {
	Name      string
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table.
//
// Semantics:
//   - Acquire succeeds if the lease is absent, expired, or already held by owner; on
//     success the expiry moves to now+ttl.
//   - Release is idempotent if the lease is already absent.
type Store interface {
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (Lease, error)
}

func ValidateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

type Config struct {
	Name  string
	Owner string
	TTL   time.Duration
	// Interval between ticks in Run. Defaults to TTL/3.
	Interval time.Duration
}

// Elector tracks whether this process holds the lease. Call Tick periodically or use Run.
type Elector struct {
	store Store
	cfg   Config
	log   *slog.Logger

	leader atomic.Bool
}

func NewElector(store Store, cfg Config, log *slog.Logger) (*Elector, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := ValidateInput(cfg.Name, cfg.Owner, cfg.TTL); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = cfg.TTL / 3
	}
	if cfg.Interval >= cfg.TTL {
		return nil, fmt.Errorf("%w: interval must be < ttl", ErrInvalidInput)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Elector{store: store, cfg: cfg, log: log}, nil
}

func (e *Elector) IsLeader() bool { return e.leader.Load() }

// Tick acquires or renews the lease and records the outcome. A store error drops
// leadership.
func (e *Elector) Tick(ctx context.Context) (bool, error) {
	_, ok, err := e.store.Acquire(ctx, e.cfg.Name, e.cfg.Owner, e.cfg.TTL)
	if err != nil {
		e.leader.Store(false)
		return false, err
	}
	e.leader.Store(ok)
	return ok, nil
}

// Run ticks until ctx is done, calling onChange on every leadership transition. The
// lease is released on exit.
func (e *Elector) Run(ctx context.Context, onChange func(leader bool)) error {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()

	was := false
	for {
		ok, err := e.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			e.log.Warn("leader tick failed", "lease", e.cfg.Name, "err", err)
		}
		if ok != was {
			e.log.Info("leadership changed", "lease", e.cfg.Name, "owner", e.cfg.Owner, "leader", ok)
			if onChange != nil {
				onChange(ok)
			}
			was = ok
		}

		select {
		case <-ctx.Done():
			return e.release()
		case <-t.C:
		}
	}
}

func (e *Elector) release() error {
	e.leader.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Release(ctx, e.cfg.Name, e.cfg.Owner); err != nil && !errors.Is(err, ErrNotOwner) {
		return fmt.Errorf("leader: release: %w", err)
	}
	return nil
}
