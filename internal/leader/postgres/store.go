package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/limit-order-bot/withdraw-agent/internal/leader"
)

var ErrInvalidConfig = errors.New("leader/postgres: invalid config")

// Store keeps leases in Postgres. Expiry uses the database clock so replicas with skewed
// local clocks agree.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leader/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (leader.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := leader.ValidateInput(name, owner, ttl); err != nil {
		return leader.Lease{}, false, err
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO withdraw_agent_leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE withdraw_agent_leases.owner = EXCLUDED.owner
			OR withdraw_agent_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leader.Lease{}, false, gerr
			}
			return l, false, nil
		}
		return leader.Lease{}, false, fmt.Errorf("leader/postgres: acquire: %w", err)
	}
	return leader.Lease{Name: name, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || owner == "" {
		return leader.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM withdraw_agent_leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("leader/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	l, gerr := s.Get(ctx, name)
	if errors.Is(gerr, leader.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if l.Owner != owner {
		return leader.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leader.Lease, error) {
	if s == nil || s.pool == nil {
		return leader.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leader.Lease{}, leader.ErrInvalidInput
	}

	var (
		owner     string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM withdraw_agent_leases WHERE name = $1`, name).Scan(&owner, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leader.Lease{}, leader.ErrNotFound
		}
		return leader.Lease{}, fmt.Errorf("leader/postgres: get: %w", err)
	}
	return leader.Lease{Name: name, Owner: owner, ExpiresAt: expiresAt}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	if ms := ttl.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}
