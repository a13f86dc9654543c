package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sequorhq/sequor/internal/observability"
	"github.com/sequorhq/sequor/model"
)

// PgStore is a PostgreSQL-backed queue Store using pgx/v5. Claim relies on
// FOR UPDATE SKIP LOCKED so multiple workers never take the same item.
type PgStore struct {
	pool    *pgxpool.Pool
	opts    Options
	metrics *observability.Metrics
}

// NewPgStore creates a new PostgreSQL queue store.
func NewPgStore(pool *pgxpool.Pool, opts Options) *PgStore {
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultOptions().Staleness
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	return &PgStore{pool: pool, opts: opts}
}

// SetMetrics attaches the Prometheus instruments.
func (s *PgStore) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Enqueue admits an item.
func (s *PgStore) Enqueue(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	if item.Lane < model.LaneCritical || item.Lane > model.LaneLow {
		return model.QueueItem{}, model.NewBadRequestError(
			fmt.Sprintf("lane %d out of range", item.Lane),
		)
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = model.QueueStatusPending
	item.QueuedAt = time.Now().UTC()
	item.ProcessingStartedAt = nil
	item.ProcessingAttempts = 0

	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_items (
			id, org_id, job_id, lane, payload, status,
			queued_at, processing_started_at, processing_attempts, claim_owner, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, 0, '', '')`,
		item.ID, item.OrgID, item.JobID, item.Lane, payloadJSON, item.Status,
		item.QueuedAt,
	)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}
	s.metrics.RecordQueueEnqueued(item.Lane)
	return item, nil
}

// Claim atomically takes the oldest claimable item in the lowest lane.
func (s *PgStore) Claim(ctx context.Context, workerID string) (model.QueueItem, error) {
	staleBefore := time.Now().UTC().Add(-s.opts.Staleness)

	var item model.QueueItem
	var payloadJSON []byte

	err := s.pool.QueryRow(ctx, `
		UPDATE queue_items SET
			processing_started_at = now(),
			processing_attempts = processing_attempts + 1,
			claim_owner = $1
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = 'pending'
			  AND (processing_started_at IS NULL OR processing_started_at < $2)
			ORDER BY lane ASC, queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, org_id, job_id, lane, payload, status,
		          queued_at, processing_started_at, processing_attempts, claim_owner, last_error`,
		workerID, staleBefore,
	).Scan(
		&item.ID, &item.OrgID, &item.JobID, &item.Lane, &payloadJSON, &item.Status,
		&item.QueuedAt, &item.ProcessingStartedAt, &item.ProcessingAttempts,
		&item.ClaimOwner, &item.LastError,
	)
	if err == pgx.ErrNoRows {
		return model.QueueItem{}, model.NewQueueEmptyError()
	}
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("claim queue item: %w", err)
	}
	if payloadJSON != nil {
		_ = json.Unmarshal(payloadJSON, &item.Payload)
	}
	s.metrics.RecordQueueClaimed()
	return item, nil
}

// Complete marks a claimed item done.
func (s *PgStore) Complete(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_items SET status = 'done'
		WHERE id = $1 AND status = 'pending' AND processing_started_at IS NOT NULL`,
		itemID,
	)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.claimStateError(ctx, itemID)
	}
	return nil
}

// Fail re-arms the item or dead-letters it past the attempt ceiling.
func (s *PgStore) Fail(ctx context.Context, itemID string, reason string) error {
	var status string
	err := s.pool.QueryRow(ctx, `
		UPDATE queue_items SET
			last_error = $2,
			status = CASE WHEN processing_attempts >= $3 THEN 'dead_letter' ELSE status END,
			processing_started_at = CASE WHEN processing_attempts >= $3 THEN processing_started_at ELSE NULL END,
			claim_owner = CASE WHEN processing_attempts >= $3 THEN claim_owner ELSE '' END
		WHERE id = $1 AND status = 'pending' AND processing_started_at IS NOT NULL
		RETURNING status`,
		itemID, reason, s.opts.MaxAttempts,
	).Scan(&status)
	if err == pgx.ErrNoRows {
		return s.claimStateError(ctx, itemID)
	}
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	if status == model.QueueStatusDeadLetter {
		s.metrics.RecordQueueDeadLetter()
	}
	return nil
}

// Get returns an item by ID.
func (s *PgStore) Get(ctx context.Context, itemID string) (model.QueueItem, error) {
	var item model.QueueItem
	var payloadJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, job_id, lane, payload, status,
		       queued_at, processing_started_at, processing_attempts, claim_owner, last_error
		FROM queue_items
		WHERE id = $1`,
		itemID,
	).Scan(
		&item.ID, &item.OrgID, &item.JobID, &item.Lane, &payloadJSON, &item.Status,
		&item.QueuedAt, &item.ProcessingStartedAt, &item.ProcessingAttempts,
		&item.ClaimOwner, &item.LastError,
	)
	if err == pgx.ErrNoRows {
		return model.QueueItem{}, model.NewNotFoundError(fmt.Sprintf("queue item %q not found", itemID))
	}
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("query queue item: %w", err)
	}
	if payloadJSON != nil {
		_ = json.Unmarshal(payloadJSON, &item.Payload)
	}
	return item, nil
}

// Depth returns pending counts per lane.
func (s *PgStore) Depth(ctx context.Context) (map[int]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lane, count(*) FROM queue_items
		WHERE status = 'pending'
		GROUP BY lane`,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[int]int)
	for rows.Next() {
		var lane, count int
		if err := rows.Scan(&lane, &count); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		depth[lane] = count
	}
	return depth, rows.Err()
}

// HealthCheck verifies database connectivity for the readiness probe.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// claimStateError distinguishes a missing item from an unclaimed one after
// a guarded UPDATE touched zero rows.
func (s *PgStore) claimStateError(ctx context.Context, itemID string) error {
	if _, err := s.Get(ctx, itemID); err != nil {
		return err
	}
	return model.NewConflictError(fmt.Sprintf("queue item %q is not claimed", itemID))
}
