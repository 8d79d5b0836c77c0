package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/limit-order-bot/withdraw-agent/internal/state"
)

var ErrInvalidConfig = errors.New("state/postgres: invalid config")

// Store keeps agent state in Postgres. Reads and writes of one invocation run in
// separate statements, so the cool-down check is only exclusive while a single writer
// holds the agent lease (internal/leader).
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
		return fmt.Errorf("state/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) GetConfig(ctx context.Context) (state.Config, error) {
	if s == nil || s.pool == nil {
		return state.Config{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var (
		owner   string
		jobID   string
		delayNS int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT owner, job_id, retry_delay_ns
		FROM withdraw_agent_config
		WHERE id = 1
	`).Scan(&owner, &jobID, &delayNS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return state.Config{}, state.ErrNotFound
		}
		return state.Config{}, fmt.Errorf("state/postgres: get config: %w", err)
	}
	return state.Config{
		Owner:      owner,
		JobID:      jobID,
		RetryDelay: time.Duration(delayNS),
	}, nil
}

func (s *Store) InitConfig(ctx context.Context, cfg state.Config) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO withdraw_agent_config (id, owner, job_id, retry_delay_ns, created_at, updated_at)
		VALUES (1, $1, $2, $3, now(), now())
		ON CONFLICT (id) DO NOTHING
	`, cfg.Owner, cfg.JobID, int64(cfg.RetryDelay))
	if err != nil {
		return fmt.Errorf("state/postgres: init config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrAlreadyInitialized
	}
	return nil
}

func (s *Store) UpdateConfig(ctx context.Context, cfg state.Config) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE withdraw_agent_config
		SET owner = $1,
			job_id = $2,
			retry_delay_ns = $3,
			updated_at = now()
		WHERE id = 1
	`, cfg.Owner, cfg.JobID, int64(cfg.RetryDelay))
	if err != nil {
		return fmt.Errorf("state/postgres: update config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) LastAttempt(ctx context.Context, depositID uint32) (time.Time, bool, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	var ns int64
	err := s.pool.QueryRow(ctx, `
		SELECT last_attempt_ns FROM withdraw_attempts WHERE deposit_id = $1
	`, int64(depositID)).Scan(&ns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("state/postgres: last attempt: %w", err)
	}
	return time.Unix(0, ns).UTC(), true, nil
}

func (s *Store) RecordAttempts(ctx context.Context, attempts []state.Attempt) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(attempts) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("state/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertAttempts(ctx, tx, attempts); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) CommitWithdraw(ctx context.Context, attempts []state.Attempt, p state.Pending) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("state/postgres: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := upsertAttempts(ctx, tx, attempts); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO withdraw_outbox (instruction_id, job_id, payload, created_ns)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (instruction_id) DO NOTHING
	`, p.ID[:], p.JobID, p.Payload, p.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("state/postgres: enqueue instruction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("state/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]state.Pending, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", state.ErrInvalidConfig)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT instruction_id, job_id, payload, created_ns
		FROM withdraw_outbox
		ORDER BY seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("state/postgres: list pending: %w", err)
	}
	defer rows.Close()

	var out []state.Pending
	for rows.Next() {
		var (
			id      []byte
			p       state.Pending
			created int64
		)
		if err := rows.Scan(&id, &p.JobID, &p.Payload, &created); err != nil {
			return nil, fmt.Errorf("state/postgres: scan pending: %w", err)
		}
		if len(id) != len(p.ID) {
			return nil, fmt.Errorf("state/postgres: pending id has %d bytes", len(id))
		}
		copy(p.ID[:], id)
		p.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state/postgres: list pending: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePending(ctx context.Context, id [32]byte) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM withdraw_outbox WHERE instruction_id = $1`, id[:]); err != nil {
		return fmt.Errorf("state/postgres: delete pending: %w", err)
	}
	return nil
}

func upsertAttempts(ctx context.Context, tx pgx.Tx, attempts []state.Attempt) error {
	for _, a := range attempts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO withdraw_attempts (deposit_id, last_attempt_ns, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (deposit_id) DO UPDATE
			SET last_attempt_ns = EXCLUDED.last_attempt_ns,
				updated_at = now()
		`, int64(a.DepositID), a.At.UnixNano()); err != nil {
			return fmt.Errorf("state/postgres: record attempt %d: %w", a.DepositID, err)
		}
	}
	return nil
}
