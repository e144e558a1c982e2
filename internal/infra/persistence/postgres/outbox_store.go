package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// OutboxStore persists pending sync mutations awaiting delivery.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultBatchLimit = 50
	maxBatchLimit     = 512
)

const outboxColumns = `
    id,
    entity_type,
    operation,
    entity_id,
    owner_id,
    payload,
    status,
    attempt_count,
    next_retry_at,
    last_error_kind,
    last_error,
    conflicted,
    created_at`

const (
	outboxInsertSQL = `
INSERT INTO sync_outbox (
    id,
    entity_type,
    operation,
    entity_id,
    owner_id,
    payload,
    status,
    attempt_count,
    next_retry_at,
    created_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'Pending', 0, $7, $8)
RETURNING` + outboxColumns + `;
`

	// Only the earliest queued item per entity is dispatchable: a row with
	// any earlier sibling still in the outbox stays out of the batch.
	outboxNextBatchSQL = `
SELECT` + outboxColumns + `
FROM sync_outbox o
WHERE o.owner_id = $1
  AND o.conflicted = FALSE
  AND o.status IN ('Pending', 'Failed')
  AND o.next_retry_at <= $2
  AND NOT EXISTS (
      SELECT 1
      FROM sync_outbox prior
      WHERE prior.entity_type = o.entity_type
        AND prior.entity_id = o.entity_id
        AND prior.created_at < o.created_at
  )
ORDER BY o.created_at ASC
LIMIT $3;
`

	outboxMarkInFlightSQL = `
UPDATE sync_outbox
SET status = 'InFlight',
    in_flight_at = NOW()
WHERE id = ANY($1)
  AND status IN ('Pending', 'Failed');
`

	outboxMarkDeliveredSQL = `
DELETE FROM sync_outbox
WHERE id = ANY($1);
`

	outboxMarkFailedSQL = `
UPDATE sync_outbox
SET status = 'Failed',
    attempt_count = attempt_count + 1,
    last_error_kind = $2,
    last_error = $3,
    next_retry_at = $4,
    in_flight_at = NULL
WHERE id = $1;
`

	outboxMarkConflictedSQL = `
UPDATE sync_outbox
SET status = 'Pending',
    conflicted = TRUE,
    last_error_kind = 'conflict',
    last_error = $2,
    in_flight_at = NULL
WHERE id = $1;
`

	outboxMarkEntityConflictedSQL = `
UPDATE sync_outbox
SET conflicted = TRUE,
    last_error_kind = 'conflict',
    last_error = $4,
    in_flight_at = NULL,
    status = 'Pending'
WHERE owner_id = $1
  AND entity_type = $2
  AND entity_id = $3
  AND conflicted = FALSE;
`

	outboxResolveConflictSQL = `
UPDATE sync_outbox
SET conflicted = FALSE,
    next_retry_at = NOW()
WHERE id = $1
  AND conflicted = TRUE;
`

	outboxDeadLetterCopySQL = `
INSERT INTO sync_dead_letters (
    id,
    entity_type,
    operation,
    entity_id,
    owner_id,
    payload,
    attempt_count,
    last_error_kind,
    last_error,
    reason,
    created_at,
    dead_at
)
SELECT
    id,
    entity_type,
    operation,
    entity_id,
    owner_id,
    payload,
    attempt_count + 1,
    last_error_kind,
    last_error,
    $2,
    created_at,
    NOW()
FROM sync_outbox
WHERE id = $1;
`

	outboxDeleteSQL = `
DELETE FROM sync_outbox
WHERE id = $1;
`

	outboxReleaseStuckSQL = `
UPDATE sync_outbox
SET status = 'Pending',
    in_flight_at = NULL
WHERE status = 'InFlight'
  AND in_flight_at < $1;
`

	outboxHasPendingSQL = `
SELECT EXISTS (
    SELECT 1
    FROM sync_outbox
    WHERE owner_id = $1
      AND entity_type = $2
      AND entity_id = $3
);
`

	outboxCountSQL = `
SELECT status, conflicted, COUNT(*)
FROM sync_outbox
WHERE owner_id = $1
GROUP BY status, conflicted;
`

	outboxPendingOwnersSQL = `
SELECT DISTINCT owner_id
FROM sync_outbox
WHERE conflicted = FALSE
  AND status IN ('Pending', 'Failed')
  AND next_retry_at <= $1;
`
)

// Enqueue inserts a new pending mutation into the outbox.
func (s *OutboxStore) Enqueue(ctx context.Context, item schema.QueueItem) (schema.QueueItem, error) {
	if s.pool == nil {
		return schema.QueueItem{}, fmt.Errorf("outbox store: nil pool")
	}
	if item.EntityType == "" {
		return schema.QueueItem{}, fmt.Errorf("outbox store: entity type required")
	}
	if item.Operation == "" {
		return schema.QueueItem{}, fmt.Errorf("outbox store: operation required")
	}
	if item.EntityID == uuid.Nil {
		return schema.QueueItem{}, fmt.Errorf("outbox store: entity id required")
	}
	if item.OwnerID == uuid.Nil {
		return schema.QueueItem{}, fmt.Errorf("outbox store: owner id required")
	}
	if len(item.Payload) == 0 {
		return schema.QueueItem{}, fmt.Errorf("outbox store: payload snapshot required")
	}
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.NextRetryAt.IsZero() {
		item.NextRetryAt = item.CreatedAt
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL,
		item.ID,
		string(item.EntityType),
		string(item.Operation),
		item.EntityID,
		item.OwnerID,
		[]byte(item.Payload),
		item.NextRetryAt,
		item.CreatedAt,
	)
	return scanQueueItem(row)
}

// NextBatch returns deliverable items in creation order, at most one per entity.
func (s *OutboxStore) NextBatch(ctx context.Context, ownerID uuid.UUID, limit int, now time.Time) ([]schema.QueueItem, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultBatchLimit
	} else if limit > maxBatchLimit {
		limit = maxBatchLimit
	}
	rows, err := s.pool.Query(ctx, outboxNextBatchSQL, ownerID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: next batch: %w", err)
	}
	defer rows.Close()

	var items []schema.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate batch: %w", err)
	}
	return items, nil
}

// MarkInFlight transitions the items to InFlight ahead of delivery.
func (s *OutboxStore) MarkInFlight(ctx context.Context, ids []uuid.UUID) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, outboxMarkInFlightSQL, ids); err != nil {
		return fmt.Errorf("outbox store: mark in flight: %w", err)
	}
	return nil
}

// MarkDelivered removes confirmed items from the outbox.
func (s *OutboxStore) MarkDelivered(ctx context.Context, ids []uuid.UUID) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, outboxMarkDeliveredSQL, ids); err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	return nil
}

// MarkFailed records a classified failure and schedules the next attempt.
func (s *OutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, kind errs.Kind, message string, nextRetryAt time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, string(kind), strings.TrimSpace(message), nextRetryAt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// MarkConflicted parks the item until its conflict is resolved.
func (s *OutboxStore) MarkConflicted(ctx context.Context, id uuid.UUID, message string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkConflictedSQL, id, strings.TrimSpace(message))
	if err != nil {
		return fmt.Errorf("outbox store: mark conflicted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark conflicted: no rows updated")
	}
	return nil
}

// MarkEntityConflicted flags every undelivered item for the entity.
func (s *OutboxStore) MarkEntityConflicted(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID, message string) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkEntityConflictedSQL, ownerID, string(entityType), entityID, strings.TrimSpace(message))
	if err != nil {
		return 0, fmt.Errorf("outbox store: mark entity conflicted: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResolveConflict clears the conflicted flag so the item is deliverable again.
func (s *OutboxStore) ResolveConflict(ctx context.Context, id uuid.UUID) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxResolveConflictSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: resolve conflict: no conflicted row")
	}
	return nil
}

// MoveToDeadLetter moves the item into the dead-letter table in one transaction.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox store: begin dead letter: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, outboxDeadLetterCopySQL, id, strings.TrimSpace(reason))
	if err != nil {
		return fmt.Errorf("outbox store: copy dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: dead letter: item not found")
	}
	if _, err := tx.Exec(ctx, outboxDeleteSQL, id); err != nil {
		return fmt.Errorf("outbox store: remove dead-lettered item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox store: commit dead letter: %w", err)
	}
	return nil
}

// ReleaseStuck returns InFlight items older than olderThan to Pending.
func (s *OutboxStore) ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxReleaseStuckSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("outbox store: release stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// HasPending reports whether any undelivered mutation exists for the entity.
func (s *OutboxStore) HasPending(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("outbox store: nil pool")
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, outboxHasPendingSQL, ownerID, string(entityType), entityID).Scan(&exists); err != nil {
		return false, fmt.Errorf("outbox store: has pending: %w", err)
	}
	return exists, nil
}

// CountByStatus aggregates queue depth for stats publication.
func (s *OutboxStore) CountByStatus(ctx context.Context, ownerID uuid.UUID) (outboxstore.StatusCounts, error) {
	if s.pool == nil {
		return outboxstore.StatusCounts{}, fmt.Errorf("outbox store: nil pool")
	}
	rows, err := s.pool.Query(ctx, outboxCountSQL, ownerID)
	if err != nil {
		return outboxstore.StatusCounts{}, fmt.Errorf("outbox store: count by status: %w", err)
	}
	defer rows.Close()

	var counts outboxstore.StatusCounts
	for rows.Next() {
		var (
			status     string
			conflicted bool
			n          int
		)
		if err := rows.Scan(&status, &conflicted, &n); err != nil {
			return outboxstore.StatusCounts{}, fmt.Errorf("outbox store: scan counts: %w", err)
		}
		switch {
		case conflicted:
			counts.Conflicted += n
		case schema.Status(status) == schema.StatusInFlight:
			counts.InFlight += n
		case schema.Status(status) == schema.StatusFailed:
			counts.Failed += n
		default:
			counts.Pending += n
		}
	}
	if err := rows.Err(); err != nil {
		return outboxstore.StatusCounts{}, fmt.Errorf("outbox store: iterate counts: %w", err)
	}
	return counts, nil
}

// PendingOwners lists owners with deliverable work at now.
func (s *OutboxStore) PendingOwners(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	rows, err := s.pool.Query(ctx, outboxPendingOwnersSQL, now)
	if err != nil {
		return nil, fmt.Errorf("outbox store: pending owners: %w", err)
	}
	defer rows.Close()

	var owners []uuid.UUID
	for rows.Next() {
		var owner uuid.UUID
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("outbox store: scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate owners: %w", err)
	}
	return owners, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (schema.QueueItem, error) {
	var (
		item          schema.QueueItem
		entityType    string
		operation     string
		status        string
		payload       []byte
		lastErrorKind pgtype.Text
		lastError     pgtype.Text
	)
	if err := row.Scan(
		&item.ID,
		&entityType,
		&operation,
		&item.EntityID,
		&item.OwnerID,
		&payload,
		&status,
		&item.AttemptCount,
		&item.NextRetryAt,
		&lastErrorKind,
		&lastError,
		&item.Conflicted,
		&item.CreatedAt,
	); err != nil {
		return schema.QueueItem{}, fmt.Errorf("outbox store: scan item: %w", err)
	}
	item.EntityType = schema.EntityType(entityType)
	item.Operation = schema.Operation(operation)
	item.Status = schema.Status(status)
	item.Payload = payload
	if lastErrorKind.Valid {
		item.LastErrorKind = errs.Kind(lastErrorKind.String)
	}
	if lastError.Valid {
		item.LastError = lastError.String
	}
	return item, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
