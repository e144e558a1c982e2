// Package schema defines the canonical sync data model shared across the engine.
package schema

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/billfold/ledgersync/errs"
)

// EntityType identifies a synced record kind. The set is closed: push and
// pull batches are grouped by these variants.
type EntityType string

const (
	// EntityCustomer identifies customer records.
	EntityCustomer EntityType = "Customer"
	// EntityProduct identifies product records.
	EntityProduct EntityType = "Product"
	// EntityBill identifies bill records, which own their line items.
	EntityBill EntityType = "Bill"
	// EntityBillItem identifies bill line items synced as part of their bill.
	EntityBillItem EntityType = "BillItem"
)

// ParseEntityType validates a stored entity type value.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.TrimSpace(raw)) {
	case EntityCustomer:
		return EntityCustomer, nil
	case EntityProduct:
		return EntityProduct, nil
	case EntityBill:
		return EntityBill, nil
	case EntityBillItem:
		return EntityBillItem, nil
	default:
		return "", fmt.Errorf("schema: unknown entity type %q", raw)
	}
}

// Operation identifies the mutation a queue item carries.
type Operation string

const (
	// OpCreate records a newly created entity.
	OpCreate Operation = "Create"
	// OpUpdate records a modification of an existing entity.
	OpUpdate Operation = "Update"
	// OpDelete records a soft delete; the payload carries is_deleted=true.
	OpDelete Operation = "Delete"
)

// Status tracks the delivery lifecycle of a queue item.
type Status string

const (
	// StatusPending marks an item awaiting delivery.
	StatusPending Status = "Pending"
	// StatusInFlight marks an item currently being delivered. At most one
	// item per (EntityType, EntityID) may hold this status.
	StatusInFlight Status = "InFlight"
	// StatusFailed marks an item rescheduled after a retryable failure.
	StatusFailed Status = "Failed"
	// StatusDeadLetter marks an item moved to the dead-letter store.
	StatusDeadLetter Status = "DeadLetter"
	// StatusDelivered marks an item confirmed by the remote.
	StatusDelivered Status = "Delivered"
)

// QueueItem is one pending local mutation awaiting delivery to the remote.
// Payload is the entity snapshot taken at enqueue time and is immutable:
// later local edits enqueue a new item rather than mutating this one.
type QueueItem struct {
	ID            uuid.UUID
	EntityType    EntityType
	Operation     Operation
	EntityID      uuid.UUID
	OwnerID       uuid.UUID
	Payload       json.RawMessage
	Status        Status
	AttemptCount  int
	NextRetryAt   time.Time
	LastErrorKind errs.Kind
	LastError     string
	Conflicted    bool
	CreatedAt     time.Time
}

// DeadLetterRecord captures a queue item that exhausted retries or was
// classified non-retryable, together with the reason it was parked.
type DeadLetterRecord struct {
	ID     uuid.UUID
	Item   QueueItem
	Reason string
	DeadAt time.Time
}

// Cursor is the per-owner pull watermark: the highest server timestamp whose
// batch has been fully applied locally. It never regresses.
type Cursor struct {
	OwnerID   uuid.UUID
	PulledAt  time.Time
	UpdatedAt time.Time
}
