// Package admission applies the per-deposit cool-down to a withdraw request.
//
// Admit is pure with respect to storage: it reads prior attempts and returns the
// writes a caller must commit, so a failure later in the pipeline leaves no trace.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/limit-order-bot/withdraw-agent/internal/state"
	"github.com/limit-order-bot/withdraw-agent/internal/withdrawbatch"
)

var ErrAllPending = errors.New("admission: all pending")

// AttemptReader looks up the last accepted attempt for a deposit.
type AttemptReader interface {
	LastAttempt(ctx context.Context, depositID uint32) (time.Time, bool, error)
}

type Result struct {
	// Accepted holds the admitted items in request order.
	Accepted []withdrawbatch.Item
	// Writes holds one record per accepted item, all stamped with the invocation time.
	Writes []state.Attempt
	// Suppressed counts items dropped by the cool-down.
	Suppressed int
}

// Admit accepts an item iff its deposit has no record or now is strictly later than
// the record plus retryDelay. Acceptances earlier in the same call count as records,
// so a repeated deposit id is admitted at most once.
func Admit(ctx context.Context, r AttemptReader, now time.Time, retryDelay time.Duration, items []withdrawbatch.Item) (Result, error) {
	if r == nil {
		return Result{}, fmt.Errorf("admission: nil attempt reader")
	}

	var res Result
	seen := make(map[uint32]time.Time, len(items))

	for _, it := range items {
		last, ok := seen[it.DepositID]
		if !ok {
			var err error
			last, ok, err = r.LastAttempt(ctx, it.DepositID)
			if err != nil {
				return Result{}, fmt.Errorf("admission: lookup deposit %d: %w", it.DepositID, err)
			}
		}

		if ok && !last.Add(retryDelay).Before(now) {
			res.Suppressed++
			continue
		}

		seen[it.DepositID] = now
		res.Accepted = append(res.Accepted, it)
		res.Writes = append(res.Writes, state.Attempt{DepositID: it.DepositID, At: now})
	}

	if len(res.Accepted) == 0 {
		return res, ErrAllPending
	}
	return res, nil
}
