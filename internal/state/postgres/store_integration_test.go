//go:build integration

package postgres

import (
	"testing"

	"github.com/limit-order-bot/withdraw-agent/internal/pgtest"
	"github.com/limit-order-bot/withdraw-agent/internal/state"
	"github.com/limit-order-bot/withdraw-agent/internal/state/statetest"
)

func TestStore_Postgres(t *testing.T) {
	ctx, pool := pgtest.Start(t)

	s, err := New(pool)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Idempotent.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema (again): %v", err)
	}

	statetest.Run(t, func(t *testing.T) state.Store {
		if _, err := pool.Exec(ctx, `TRUNCATE withdraw_agent_config, withdraw_attempts, withdraw_outbox`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestNew_RejectsNilPool(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error")
	}
}
