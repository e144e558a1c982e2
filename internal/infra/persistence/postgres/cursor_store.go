package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/ledgersync/internal/domain/cursorstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// CursorStore persists per-owner pull watermarks.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore constructs a CursorStore backed by the provided pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

const (
	cursorGetSQL = `
SELECT owner_id, pulled_at, updated_at
FROM sync_cursors
WHERE owner_id = $1;
`

	// The WHERE guard makes regression a no-op at the statement level; the
	// monotonicity invariant holds even under concurrent advancement.
	cursorAdvanceSQL = `
INSERT INTO sync_cursors (owner_id, pulled_at, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (owner_id) DO UPDATE
SET pulled_at = EXCLUDED.pulled_at,
    updated_at = NOW()
WHERE sync_cursors.pulled_at < EXCLUDED.pulled_at;
`
)

// Get returns the owner's cursor; a zero PulledAt means never synced.
func (s *CursorStore) Get(ctx context.Context, ownerID uuid.UUID) (schema.Cursor, error) {
	if s.pool == nil {
		return schema.Cursor{}, fmt.Errorf("cursor store: nil pool")
	}
	var cursor schema.Cursor
	err := s.pool.QueryRow(ctx, cursorGetSQL, ownerID).Scan(&cursor.OwnerID, &cursor.PulledAt, &cursor.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Cursor{OwnerID: ownerID}, nil
	}
	if err != nil {
		return schema.Cursor{}, fmt.Errorf("cursor store: get: %w", err)
	}
	return cursor, nil
}

// Advance moves the cursor forward; regressions and repeats are no-ops.
func (s *CursorStore) Advance(ctx context.Context, ownerID uuid.UUID, serverTimestamp time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("cursor store: nil pool")
	}
	if serverTimestamp.IsZero() {
		return fmt.Errorf("cursor store: server timestamp required")
	}
	if _, err := s.pool.Exec(ctx, cursorAdvanceSQL, ownerID, serverTimestamp); err != nil {
		return fmt.Errorf("cursor store: advance: %w", err)
	}
	return nil
}

var _ cursorstore.Store = (*CursorStore)(nil)
