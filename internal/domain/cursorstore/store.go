// Package cursorstore defines the persistence contract for per-owner pull watermarks.
package cursorstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/internal/domain/schema"
)

// Store persists the sync cursor for each owner. The cursor is monotonically
// non-decreasing and advances only after a pull batch is fully applied.
type Store interface {
	// Get returns the owner's cursor; a zero PulledAt means never synced.
	Get(ctx context.Context, ownerID uuid.UUID) (schema.Cursor, error)

	// Advance moves the cursor forward to serverTimestamp. Regressions are
	// rejected; advancing to the current value is a no-op.
	Advance(ctx context.Context, ownerID uuid.UUID, serverTimestamp time.Time) error
}
