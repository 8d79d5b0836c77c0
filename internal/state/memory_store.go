package state

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store intended for unit tests and single-process usage.
// It is safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	cfg      *Config
	attempts map[uint32]time.Time
	// Insertion order is delivery order.
	pending []Pending
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[uint32]time.Time),
	}
}

func (s *MemoryStore) GetConfig(_ context.Context) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return Config{}, ErrNotFound
	}
	return *s.cfg, nil
}

func (s *MemoryStore) InitConfig(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg != nil {
		return ErrAlreadyInitialized
	}
	s.cfg = &cfg
	return nil
}

func (s *MemoryStore) UpdateConfig(_ context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg == nil {
		return ErrNotFound
	}
	s.cfg = &cfg
	return nil
}

func (s *MemoryStore) LastAttempt(_ context.Context, depositID uint32) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.attempts[depositID]
	return at, ok, nil
}

func (s *MemoryStore) RecordAttempts(_ context.Context, attempts []Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range attempts {
		s.attempts[a.DepositID] = a.At
	}
	return nil
}

func (s *MemoryStore) CommitWithdraw(_ context.Context, attempts []Attempt, p Pending) error {
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range attempts {
		s.attempts[a.DepositID] = a.At
	}
	for _, q := range s.pending {
		if q.ID == p.ID {
			return nil
		}
	}
	p.Payload = append([]byte(nil), p.Payload...)
	s.pending = append(s.pending, p)
	return nil
}

func (s *MemoryStore) ListPending(_ context.Context, limit int) ([]Pending, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.pending))
	out := make([]Pending, 0, n)
	for _, p := range s.pending[:n] {
		p.Payload = append([]byte(nil), p.Payload...)
		out = append(out, p)
	}
	return out, nil
}

func (s *MemoryStore) DeletePending(_ context.Context, id [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range s.pending {
		if p.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return nil
		}
	}
	return nil
}

// Len returns the number of deposit ids with a record.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
