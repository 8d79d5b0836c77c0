// Package statetest holds behavior checks shared by every state.Store driver.
package statetest

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/limit-order-bot/withdraw-agent/internal/state"
)

// Run exercises newStore against the state.Store contract. newStore must return an
// empty store on every call.
func Run(t *testing.T, newStore func(t *testing.T) state.Store) {
	t.Helper()

	t.Run("config_lifecycle", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if _, err := s.GetConfig(ctx); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("GetConfig before init: expected ErrNotFound, got %v", err)
		}
		if err := s.UpdateConfig(ctx, state.Config{Owner: "o", JobID: "j", RetryDelay: time.Second}); !errors.Is(err, state.ErrNotFound) {
			t.Fatalf("UpdateConfig before init: expected ErrNotFound, got %v", err)
		}

		cfg := state.Config{Owner: "admin0000", JobID: "test_job", RetryDelay: 60 * time.Second}
		if err := s.InitConfig(ctx, cfg); err != nil {
			t.Fatalf("InitConfig: %v", err)
		}
		if err := s.InitConfig(ctx, cfg); !errors.Is(err, state.ErrAlreadyInitialized) {
			t.Fatalf("second InitConfig: expected ErrAlreadyInitialized, got %v", err)
		}

		got, err := s.GetConfig(ctx)
		if err != nil {
			t.Fatalf("GetConfig: %v", err)
		}
		if got != cfg {
			t.Fatalf("GetConfig: got %+v want %+v", got, cfg)
		}

		updated := state.Config{Owner: "admin0000", JobID: "job_2", RetryDelay: 0}
		if err := s.UpdateConfig(ctx, updated); err != nil {
			t.Fatalf("UpdateConfig: %v", err)
		}
		got, err = s.GetConfig(ctx)
		if err != nil {
			t.Fatalf("GetConfig: %v", err)
		}
		if got != updated {
			t.Fatalf("GetConfig after update: got %+v want %+v", got, updated)
		}
	})

	t.Run("rejects_invalid_config", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		bad := []state.Config{
			{Owner: "", JobID: "j"},
			{Owner: "o", JobID: " "},
			{Owner: "o", JobID: "j", RetryDelay: -time.Second},
		}
		for _, cfg := range bad {
			if err := s.InitConfig(ctx, cfg); !errors.Is(err, state.ErrInvalidConfig) {
				t.Fatalf("InitConfig(%+v): expected ErrInvalidConfig, got %v", cfg, err)
			}
		}
	})

	t.Run("attempts_overwrite", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if _, ok, err := s.LastAttempt(ctx, 7); err != nil || ok {
			t.Fatalf("LastAttempt on empty store: ok=%v err=%v", ok, err)
		}

		t0 := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
		t1 := t0.Add(90 * time.Second)
		if err := s.RecordAttempts(ctx, []state.Attempt{{DepositID: 7, At: t0}, {DepositID: 0, At: t0}}); err != nil {
			t.Fatalf("RecordAttempts: %v", err)
		}
		if err := s.RecordAttempts(ctx, []state.Attempt{{DepositID: 7, At: t1}}); err != nil {
			t.Fatalf("RecordAttempts: %v", err)
		}

		got, ok, err := s.LastAttempt(ctx, 7)
		if err != nil || !ok {
			t.Fatalf("LastAttempt(7): ok=%v err=%v", ok, err)
		}
		if !got.Equal(t1) {
			t.Fatalf("LastAttempt(7): got %v want %v", got, t1)
		}

		got, ok, err = s.LastAttempt(ctx, 0)
		if err != nil || !ok {
			t.Fatalf("LastAttempt(0): ok=%v err=%v", ok, err)
		}
		if !got.Equal(t0) {
			t.Fatalf("LastAttempt(0): got %v want %v (nanosecond precision)", got, t0)
		}

		if _, ok, err := s.LastAttempt(ctx, 1); err != nil || ok {
			t.Fatalf("LastAttempt(1): ok=%v err=%v", ok, err)
		}
	})

	t.Run("max_deposit_id", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		if err := s.RecordAttempts(ctx, []state.Attempt{{DepositID: ^uint32(0), At: at}}); err != nil {
			t.Fatalf("RecordAttempts: %v", err)
		}
		got, ok, err := s.LastAttempt(ctx, ^uint32(0))
		if err != nil || !ok || !got.Equal(at) {
			t.Fatalf("LastAttempt(max): got=%v ok=%v err=%v", got, ok, err)
		}
	})

	t.Run("outbox_commit_list_delete", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		if got, err := s.ListPending(ctx, 10); err != nil || len(got) != 0 {
			t.Fatalf("ListPending on empty store: got=%v err=%v", got, err)
		}

		at := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
		p1 := state.Pending{ID: [32]byte{1}, JobID: "job", Payload: []byte{0xaa, 0xbb, 0xcc, 0xdd}, CreatedAt: at}
		p2 := state.Pending{ID: [32]byte{2}, JobID: "job", Payload: []byte{0x01, 0x02, 0x03, 0x04, 0x05}, CreatedAt: at.Add(time.Second)}

		if err := s.CommitWithdraw(ctx, []state.Attempt{{DepositID: 3, At: at}}, p1); err != nil {
			t.Fatalf("CommitWithdraw p1: %v", err)
		}
		if err := s.CommitWithdraw(ctx, []state.Attempt{{DepositID: 4, At: at}}, p2); err != nil {
			t.Fatalf("CommitWithdraw p2: %v", err)
		}
		// Re-enqueueing a pending id keeps a single entry.
		if err := s.CommitWithdraw(ctx, nil, p1); err != nil {
			t.Fatalf("CommitWithdraw p1 again: %v", err)
		}

		for _, id := range []uint32{3, 4} {
			if got, ok, err := s.LastAttempt(ctx, id); err != nil || !ok || !got.Equal(at) {
				t.Fatalf("LastAttempt(%d): got=%v ok=%v err=%v", id, got, ok, err)
			}
		}

		got, err := s.ListPending(ctx, 10)
		if err != nil {
			t.Fatalf("ListPending: %v", err)
		}
		if len(got) != 2 || got[0].ID != p1.ID || got[1].ID != p2.ID {
			t.Fatalf("ListPending order: %+v", got)
		}
		if got[0].JobID != "job" || !bytes.Equal(got[0].Payload, p1.Payload) || !got[0].CreatedAt.Equal(at) {
			t.Fatalf("ListPending[0]: %+v", got[0])
		}

		got, err = s.ListPending(ctx, 1)
		if err != nil || len(got) != 1 || got[0].ID != p1.ID {
			t.Fatalf("ListPending limit 1: got=%+v err=%v", got, err)
		}
		if _, err := s.ListPending(ctx, 0); !errors.Is(err, state.ErrInvalidConfig) {
			t.Fatalf("ListPending limit 0: expected ErrInvalidConfig, got %v", err)
		}

		if err := s.DeletePending(ctx, p1.ID); err != nil {
			t.Fatalf("DeletePending: %v", err)
		}
		if err := s.DeletePending(ctx, p1.ID); err != nil {
			t.Fatalf("DeletePending again: %v", err)
		}
		got, err = s.ListPending(ctx, 10)
		if err != nil || len(got) != 1 || got[0].ID != p2.ID {
			t.Fatalf("ListPending after delete: got=%+v err=%v", got, err)
		}
	})

	t.Run("outbox_rejects_invalid_pending_without_writes", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)

		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		bad := []state.Pending{
			{JobID: "job", Payload: []byte{1}},
			{ID: [32]byte{9}, JobID: " ", Payload: []byte{1}},
			{ID: [32]byte{9}, JobID: "job"},
		}
		for _, p := range bad {
			if err := s.CommitWithdraw(ctx, []state.Attempt{{DepositID: 8, At: at}}, p); !errors.Is(err, state.ErrInvalidConfig) {
				t.Fatalf("CommitWithdraw(%+v): expected ErrInvalidConfig, got %v", p, err)
			}
		}
		if _, ok, err := s.LastAttempt(ctx, 8); err != nil || ok {
			t.Fatalf("attempt written by rejected commit: ok=%v err=%v", ok, err)
		}
	})
}
