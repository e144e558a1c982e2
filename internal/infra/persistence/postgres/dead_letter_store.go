package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// DeadLetterStore persists terminally failed sync mutations.
type DeadLetterStore struct {
	pool *pgxpool.Pool
}

// NewDeadLetterStore constructs a DeadLetterStore backed by the provided pool.
func NewDeadLetterStore(pool *pgxpool.Pool) *DeadLetterStore {
	return &DeadLetterStore{pool: pool}
}

const (
	deadLetterListSQL = `
SELECT
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
FROM sync_dead_letters
WHERE owner_id = $1
ORDER BY dead_at DESC
LIMIT $2;
`

	deadLetterSelectSQL = `
SELECT
    id,
    entity_type,
    operation,
    entity_id,
    owner_id,
    payload,
    created_at
FROM sync_dead_letters
WHERE id = $1;
`

	deadLetterDeleteSQL = `
DELETE FROM sync_dead_letters
WHERE id = $1;
`

	deadLetterRequeueSQL = `
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
VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'Pending', 0, NOW(), $7)
RETURNING` + outboxColumns + `;
`

	deadLetterCountSQL = `
SELECT COUNT(*)
FROM sync_dead_letters
WHERE owner_id = $1;
`
)

// List returns the most recent dead letters for the owner.
func (s *DeadLetterStore) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]schema.DeadLetterRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dead letter store: nil pool")
	}
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	rows, err := s.pool.Query(ctx, deadLetterListSQL, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("dead letter store: list: %w", err)
	}
	defer rows.Close()

	var records []schema.DeadLetterRecord
	for rows.Next() {
		var (
			record        schema.DeadLetterRecord
			entityType    string
			operation     string
			payload       []byte
			lastErrorKind pgtype.Text
			lastError     pgtype.Text
		)
		if err := rows.Scan(
			&record.ID,
			&entityType,
			&operation,
			&record.Item.EntityID,
			&record.Item.OwnerID,
			&payload,
			&record.Item.AttemptCount,
			&lastErrorKind,
			&lastError,
			&record.Reason,
			&record.Item.CreatedAt,
			&record.DeadAt,
		); err != nil {
			return nil, fmt.Errorf("dead letter store: scan record: %w", err)
		}
		record.Item.ID = record.ID
		record.Item.EntityType = schema.EntityType(entityType)
		record.Item.Operation = schema.Operation(operation)
		record.Item.Payload = payload
		record.Item.Status = schema.StatusDeadLetter
		if lastErrorKind.Valid {
			record.Item.LastErrorKind = errs.Kind(lastErrorKind.String)
		}
		if lastError.Valid {
			record.Item.LastError = lastError.String
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dead letter store: iterate records: %w", err)
	}
	return records, nil
}

// Requeue re-enqueues a dead letter as Pending with the attempt count reset
// and removes it from the dead-letter table in one transaction.
func (s *DeadLetterStore) Requeue(ctx context.Context, id uuid.UUID) (schema.QueueItem, error) {
	if s.pool == nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: nil pool")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		entityType string
		operation  string
		entityID   uuid.UUID
		ownerID    uuid.UUID
		payload    []byte
		createdAt  pgtype.Timestamptz
		recordID   uuid.UUID
	)
	if err := tx.QueryRow(ctx, deadLetterSelectSQL, id).Scan(
		&recordID,
		&entityType,
		&operation,
		&entityID,
		&ownerID,
		&payload,
		&createdAt,
	); err != nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: load record: %w", err)
	}

	row := tx.QueryRow(ctx, deadLetterRequeueSQL,
		recordID,
		entityType,
		operation,
		entityID,
		ownerID,
		payload,
		createdAt.Time,
	)
	item, err := scanQueueItem(row)
	if err != nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: requeue insert: %w", err)
	}

	if _, err := tx.Exec(ctx, deadLetterDeleteSQL, id); err != nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: remove requeued record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return schema.QueueItem{}, fmt.Errorf("dead letter store: commit requeue: %w", err)
	}
	return item, nil
}

// Count returns the owner's dead-letter depth.
func (s *DeadLetterStore) Count(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("dead letter store: nil pool")
	}
	var n int
	if err := s.pool.QueryRow(ctx, deadLetterCountSQL, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("dead letter store: count: %w", err)
	}
	return n, nil
}

var _ outboxstore.DeadLetterStore = (*DeadLetterStore)(nil)
