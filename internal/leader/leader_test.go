package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, bool, error) {
	if s.err != nil {
		return Lease{}, false, s.err
	}
	return s.MemoryStore.Acquire(ctx, name, owner, ttl)
}

func TestMemoryStore_AcquireRenewReleaseAndSteal(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore(func() time.Time { return now })
	ctx := context.Background()

	l, ok, err := s.Acquire(ctx, "withdraw-agent", "a", 10*time.Second)
	if err != nil || !ok || l.Owner != "a" || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("Acquire a: lease=%+v ok=%v err=%v", l, ok, err)
	}

	l2, ok, err := s.Acquire(ctx, "withdraw-agent", "b", 10*time.Second)
	if err != nil || ok || l2.Owner != "a" {
		t.Fatalf("Acquire b while held: lease=%+v ok=%v err=%v", l2, ok, err)
	}

	now = now.Add(5 * time.Second)
	l3, ok, err := s.Acquire(ctx, "withdraw-agent", "a", 10*time.Second)
	if err != nil || !ok || !l3.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("renew a: lease=%+v ok=%v err=%v", l3, ok, err)
	}

	if err := s.Release(ctx, "withdraw-agent", "b"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release by b: expected ErrNotOwner, got %v", err)
	}

	now = now.Add(10 * time.Second)
	l4, ok, err := s.Acquire(ctx, "withdraw-agent", "b", 10*time.Second)
	if err != nil || !ok || l4.Owner != "b" {
		t.Fatalf("steal at expiry: lease=%+v ok=%v err=%v", l4, ok, err)
	}

	if err := s.Release(ctx, "withdraw-agent", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "withdraw-agent", "b"); err != nil {
		t.Fatalf("Release again: %v", err)
	}
	if _, err := s.Get(ctx, "withdraw-agent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	ctx := context.Background()
	for _, in := range []struct {
		name, owner string
		ttl         time.Duration
	}{
		{"", "a", time.Second},
		{"x", "", time.Second},
		{"x", "a", 0},
	} {
		if _, _, err := s.Acquire(ctx, in.name, in.owner, in.ttl); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Acquire(%+v): expected ErrInvalidInput, got %v", in, err)
		}
	}
	if err := s.Release(ctx, "", "a"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Release: expected ErrInvalidInput, got %v", err)
	}
	if _, err := s.Get(ctx, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Get: expected ErrInvalidInput, got %v", err)
	}
}

func TestNewElector_Validation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	cases := []struct {
		store Store
		cfg   Config
	}{
		{store: nil, cfg: Config{Name: "n", Owner: "o", TTL: time.Second}},
		{store: s, cfg: Config{Name: "", Owner: "o", TTL: time.Second}},
		{store: s, cfg: Config{Name: "n", Owner: "o", TTL: time.Second, Interval: time.Second}},
	}
	for i, tc := range cases {
		if _, err := NewElector(tc.store, tc.cfg, nil); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestElector_TickTracksLeadership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &failingStore{MemoryStore: NewMemoryStore(func() time.Time { return now })}

	a, err := NewElector(store, Config{Name: "withdraw-agent", Owner: "a", TTL: 15 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewElector a: %v", err)
	}
	b, err := NewElector(store, Config{Name: "withdraw-agent", Owner: "b", TTL: 15 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewElector b: %v", err)
	}

	if ok, err := a.Tick(ctx); err != nil || !ok || !a.IsLeader() {
		t.Fatalf("a.Tick: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Tick(ctx); err != nil || ok || b.IsLeader() {
		t.Fatalf("b.Tick: ok=%v err=%v", ok, err)
	}

	boom := errors.New("db down")
	store.err = boom
	if _, err := a.Tick(ctx); !errors.Is(err, boom) {
		t.Fatalf("a.Tick with failing store: %v", err)
	}
	if a.IsLeader() {
		t.Fatalf("leadership kept after store error")
	}
}

func TestElector_RunReportsTransitionsAndReleases(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore(nil)
	e, err := NewElector(store, Config{Name: "withdraw-agent", Owner: "a", TTL: time.Second, Interval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		changes []bool
	)
	elected := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx, func(v bool) {
			mu.Lock()
			changes = append(changes, v)
			mu.Unlock()
			if v {
				close(elected)
			}
		})
	}()

	select {
	case <-elected:
	case <-time.After(2 * time.Second):
		t.Fatalf("not elected")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 1 || !changes[0] {
		t.Fatalf("changes: %v", changes)
	}
	if e.IsLeader() {
		t.Fatalf("still leader after Run returned")
	}
	if _, err := store.Get(context.Background(), "withdraw-agent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lease not released: %v", err)
	}
}
