// Package statestore opens the state.Store selected by a binary's --state-driver flag.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/limit-order-bot/withdraw-agent/internal/state"
	"github.com/limit-order-bot/withdraw-agent/internal/state/kvdb"
	"github.com/limit-order-bot/withdraw-agent/internal/state/postgres"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverKVDB     = "kvdb"

	defaultKVDBName = "withdraw-agent"
)

var ErrInvalidConfig = errors.New("statestore: invalid config")

type Config struct {
	Driver string

	// Postgres fields. DSN must already be resolved.
	PostgresDSN string

	// KVDB fields.
	KVDBDir  string
	KVDBName string
}

// Handle owns the opened store. Pool is set only for the postgres driver so callers can
// share it with other postgres-backed components.
type Handle struct {
	Store state.Store
	Pool  *pgxpool.Pool

	closeFn func()
}

func (h *Handle) Close() {
	if h == nil || h.closeFn == nil {
		return
	}
	h.closeFn()
	h.closeFn = nil
}

func Open(ctx context.Context, cfg Config) (*Handle, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &Handle{Store: state.NewMemoryStore()}, nil

	case DriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, fmt.Errorf("%w: missing postgres dsn", ErrInvalidConfig)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("statestore: init pgx pool: %w", err)
		}
		st, err := postgres.New(pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("statestore: ensure schema: %w", err)
		}
		return &Handle{Store: st, Pool: pool, closeFn: pool.Close}, nil

	case DriverKVDB:
		if strings.TrimSpace(cfg.KVDBDir) == "" {
			return nil, fmt.Errorf("%w: missing kvdb dir", ErrInvalidConfig)
		}
		name := cfg.KVDBName
		if name == "" {
			name = defaultKVDBName
		}
		st, err := kvdb.Open(name, cfg.KVDBDir)
		if err != nil {
			return nil, err
		}
		return &Handle{Store: st, closeFn: func() { _ = st.Close() }}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}
