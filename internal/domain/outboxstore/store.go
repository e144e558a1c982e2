// Package outboxstore defines persistence contracts for the durable sync outbox.
package outboxstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// StatusCounts aggregates outbox entries by delivery status for one owner.
type StatusCounts struct {
	Pending    int
	InFlight   int
	Failed     int
	Conflicted int
}

// Store abstracts persistence operations for the outbox. Every mutation is a
// single local transaction so a crash mid-sync never leaves an item stuck.
type Store interface {
	// Enqueue appends a pending mutation. The payload snapshot is immutable
	// once stored.
	Enqueue(ctx context.Context, item schema.QueueItem) (schema.QueueItem, error)

	// NextBatch returns up to limit deliverable items for the owner: status
	// Pending or Failed, not conflicted, NextRetryAt <= now, ordered by CreatedAt, with
	// at most one item per (EntityType, EntityID). An entity with an earlier
	// item still outstanding contributes nothing to the batch.
	NextBatch(ctx context.Context, ownerID uuid.UUID, limit int, now time.Time) ([]schema.QueueItem, error)

	// MarkInFlight transitions the items to InFlight before delivery starts.
	MarkInFlight(ctx context.Context, ids []uuid.UUID) error

	// MarkDelivered removes confirmed items from the outbox.
	MarkDelivered(ctx context.Context, ids []uuid.UUID) error

	// MarkFailed records a retryable failure and schedules the next attempt.
	MarkFailed(ctx context.Context, id uuid.UUID, kind errs.Kind, message string, nextRetryAt time.Time) error

	// MarkConflicted parks the item until the conflict is resolved; the item
	// is excluded from NextBatch while flagged.
	MarkConflicted(ctx context.Context, id uuid.UUID, message string) error

	// MarkEntityConflicted flags every undelivered item for the entity as
	// conflicted. Called when a pull returns a remote change for an entity
	// that still has outbound mutations queued. Returns the flagged count.
	MarkEntityConflicted(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID, message string) (int, error)

	// ResolveConflict clears the conflicted flag so the item becomes
	// deliverable again. Explicit operator action; never called by the engine.
	ResolveConflict(ctx context.Context, id uuid.UUID) error

	// MoveToDeadLetter removes the item from the outbox and records it in the
	// dead-letter store in one transaction.
	MoveToDeadLetter(ctx context.Context, id uuid.UUID, reason string) error

	// ReleaseStuck returns InFlight items older than olderThan to Pending.
	// Crash recovery: called at the start of every push phase.
	ReleaseStuck(ctx context.Context, olderThan time.Time) (int, error)

	// HasPending reports whether any undelivered mutation exists for the
	// entity. Consulted before applying a pulled remote delta.
	HasPending(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID) (bool, error)

	// CountByStatus aggregates queue depth for stats publication.
	CountByStatus(ctx context.Context, ownerID uuid.UUID) (StatusCounts, error)

	// PendingOwners lists owners that have deliverable work at now.
	PendingOwners(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// DeadLetterStore holds terminally failed mutations for manual inspection.
type DeadLetterStore interface {
	List(ctx context.Context, ownerID uuid.UUID, limit int) ([]schema.DeadLetterRecord, error)

	// Requeue re-enqueues a dead letter as Pending with AttemptCount reset
	// and removes it from the dead-letter store. Explicit operator action.
	Requeue(ctx context.Context, id uuid.UUID) (schema.QueueItem, error)

	Count(ctx context.Context, ownerID uuid.UUID) (int, error)
}
