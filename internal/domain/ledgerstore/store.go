// Package ledgerstore defines the contract for applying pull results to the
// local domain tables. Writes through this store bypass the outbox: an
// incoming remote value must never re-trigger outgoing sync.
package ledgerstore

import (
	"context"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/internal/domain/schema"
)

// Store reads and writes the synced domain tables directly.
type Store interface {
	// Meta returns the local copy's sync metadata for conflict comparison.
	// found is false when the entity does not exist locally.
	Meta(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID) (meta schema.Meta, found bool, err error)

	// ApplyCustomer upserts a pulled customer delta.
	ApplyCustomer(ctx context.Context, ownerID uuid.UUID, delta schema.CustomerDelta) error

	// ApplyProduct upserts a pulled product delta.
	ApplyProduct(ctx context.Context, ownerID uuid.UUID, delta schema.ProductDelta) error

	// ApplyBill upserts a pulled bill together with its line items in one
	// transaction.
	ApplyBill(ctx context.Context, ownerID uuid.UUID, delta schema.BillDelta) error
}
