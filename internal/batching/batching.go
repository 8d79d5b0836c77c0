// Package batching coalesces single withdraw attempts into one request by size or age.
package batching

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultMaxItems = 64
	DefaultMaxAge   = 2 * time.Second
)

var ErrInvalidConfig = errors.New("batching: invalid config")

type Config struct {
	MaxItems int
	MaxAge   time.Duration

	// Now allows deterministic, hermetic tests. If nil, time.Now is used.
	Now func() time.Time
}

type Batch[T any] struct {
	Items     []T
	StartedAt time.Time
}

// Batcher is safe for concurrent use. Items keep arrival order.
type Batcher[T any] struct {
	mu       sync.Mutex
	maxItems int
	maxAge   time.Duration
	now      func() time.Time

	items     []T
	startedAt time.Time
}

func New[T any](cfg Config) (*Batcher[T], error) {
	if cfg.MaxItems <= 0 {
		return nil, fmt.Errorf("%w: MaxItems must be > 0", ErrInvalidConfig)
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("%w: MaxAge must be > 0", ErrInvalidConfig)
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Batcher[T]{
		maxItems: cfg.MaxItems,
		maxAge:   cfg.MaxAge,
		now:      nowFn,
	}, nil
}

func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Add appends v and flushes once MaxItems is reached.
func (b *Batcher[T]) Add(v T) (Batch[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.startedAt = b.now()
	}
	b.items = append(b.items, v)
	if len(b.items) < b.maxItems {
		return Batch[T]{}, false
	}
	return b.flushLocked()
}

// Deadline reports when the pending batch becomes due. ok is false when empty.
func (b *Batcher[T]) Deadline() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return time.Time{}, false
	}
	return b.startedAt.Add(b.maxAge), true
}

// FlushDue flushes the pending batch if its age is >= MaxAge.
func (b *Batcher[T]) FlushDue() (Batch[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 || b.now().Sub(b.startedAt) < b.maxAge {
		return Batch[T]{}, false
	}
	return b.flushLocked()
}

// Flush flushes the pending batch regardless of age.
func (b *Batcher[T]) Flush() (Batch[T], bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked()
}

func (b *Batcher[T]) flushLocked() (Batch[T], bool) {
	if len(b.items) == 0 {
		return Batch[T]{}, false
	}
	out := Batch[T]{Items: b.items, StartedAt: b.startedAt}
	b.items = nil
	b.startedAt = time.Time{}
	return out, true
}
