// Package queue implements the priority-laned backpressure queue guarding
// downstream delivery capacity: admission, atomic claims with stale-claim
// recovery, and dead-lettering of repeatedly failing items.
package queue

import (
	"context"
	"time"

	"github.com/sequorhq/sequor/model"
)

// Options tune claim recovery and dead-lettering.
type Options struct {
	// Staleness is how long a claimed item may sit unfinished before
	// another worker may reclaim it.
	Staleness time.Duration

	// MaxAttempts is the processing attempt ceiling; an item failing past
	// it moves to dead_letter instead of being re-armed.
	MaxAttempts int
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		Staleness:   5 * time.Minute,
		MaxAttempts: 3,
	}
}

// Store is the backpressure queue contract shared by the memory and
// postgres implementations. Claim must be atomic across lanes so two
// workers never take the same item.
type Store interface {
	// Enqueue admits an item with QueuedAt stamped now.
	Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error)

	// Claim selects the single oldest pending item in the lowest-numbered
	// non-empty lane whose claim is unset or stale, stamps the claim, and
	// bumps the attempt counter. Returns QUEUE_EMPTY when nothing is
	// claimable.
	Claim(ctx context.Context, workerID string) (model.QueueItem, error)

	// Complete marks a claimed item done.
	Complete(ctx context.Context, itemID string) error

	// Fail re-arms a claimed item for another attempt, or dead-letters it
	// once the attempt ceiling is reached.
	Fail(ctx context.Context, itemID string, reason string) error

	// Get returns an item by ID.
	Get(ctx context.Context, itemID string) (model.QueueItem, error)

	// Depth returns the pending item count per lane.
	Depth(ctx context.Context) (map[int]int, error)
}
