package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// MemoryStore is an in-memory queue Store for testing and single-instance
// deployments. One mutex covers every operation, which makes Claim
// trivially atomic across lanes.
type MemoryStore struct {
	opts    Options
	metrics *observability.Metrics

	mu    sync.Mutex
	items map[string]*model.QueueItem
}

// NewMemoryStore creates a new in-memory queue store.
func NewMemoryStore(opts Options) *MemoryStore {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultOptions().Staleness
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	return &MemoryStore{
		opts:  opts,
		items: make(map[string]*model.QueueItem),
	}
}

// SetMetrics attaches the Prometheus instruments.
func (s *MemoryStore) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Enqueue admits an item.
func (s *MemoryStore) Enqueue(_ context.Context, item model.QueueItem) (model.QueueItem, error) {
	if item.Lane < model.LaneCritical || item.Lane > model.LaneLow {
		return model.QueueItem{}, model.NewBadRequestError(
			fmt.Sprintf("lane %d out of range", item.Lane),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = model.QueueStatusPending
	item.QueuedAt = time.Now().UTC()
	item.ProcessingStartedAt = nil
	item.ProcessingAttempts = 0

	stored := item
	s.items[item.ID] = &stored
	s.metrics.RecordQueueEnqueued(item.Lane)
	return stored, nil
}

// Claim atomically takes the oldest claimable item in the lowest lane.
func (s *MemoryStore) Claim(_ context.Context, workerID string) (model.QueueItem, error) {
	now := time.Now().UTC()
	staleBefore := now.Add(-s.opts.Staleness)

	s.mu.Lock()
	defer s.mu.Unlock()

	var best *model.QueueItem
	for _, item := range s.items {
		if item.Status != model.QueueStatusPending {
			continue
		}
		if item.ProcessingStartedAt != nil && item.ProcessingStartedAt.After(staleBefore) {
			continue
		}
		if best == nil ||
			item.Lane < best.Lane ||
			(item.Lane == best.Lane && item.QueuedAt.Before(best.QueuedAt)) {
			best = item
		}
	}
	if best == nil {
		return model.QueueItem{}, model.NewQueueEmptyError()
	}

	claimedAt := now
	best.ProcessingStartedAt = &claimedAt
	best.ProcessingAttempts++
	best.ClaimOwner = workerID
	s.metrics.RecordQueueClaimed()
	return *best, nil
}

// Complete marks a claimed item done.
func (s *MemoryStore) Complete(_ context.Context, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("queue item %q not found", itemID))
	}
	if item.Status != model.QueueStatusPending || item.ProcessingStartedAt == nil {
		return model.NewConflictError(fmt.Sprintf("queue item %q is not claimed", itemID))
	}
	item.Status = model.QueueStatusDone
	return nil
}

// Fail re-arms the item or dead-letters it past the attempt ceiling.
func (s *MemoryStore) Fail(_ context.Context, itemID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemID]
	if !exists {
		return model.NewNotFoundError(fmt.Sprintf("queue item %q not found", itemID))
	}
	if item.Status != model.QueueStatusPending || item.ProcessingStartedAt == nil {
		return model.NewConflictError(fmt.Sprintf("queue item %q is not claimed", itemID))
	}

	item.LastError = reason
	if item.ProcessingAttempts >= s.opts.MaxAttempts {
		item.Status = model.QueueStatusDeadLetter
		s.metrics.RecordQueueDeadLetter()
		return nil
	}
	item.ProcessingStartedAt = nil
	item.ClaimOwner = ""
	return nil
}

// Get returns an item by ID.
func (s *MemoryStore) Get(_ context.Context, itemID string) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, exists := s.items[itemID]
	if !exists {
		return model.QueueItem{}, model.NewNotFoundError(fmt.Sprintf("queue item %q not found", itemID))
	}
	return *item, nil
}

// Depth returns pending counts per lane.
func (s *MemoryStore) Depth(_ context.Context) (map[int]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	depth := make(map[int]int)
	for _, item := range s.items {
		if item.Status == model.QueueStatusPending {
			depth[item.Lane]++
		}
	}
	return depth, nil
}
