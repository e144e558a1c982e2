// Package remote adapts the engine to the sync API: push/pull over HTTP with
// failure classification at the boundary.
package remote

import (
	"time"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/internal/domain/schema"
)

// PushRequest carries one owner's outbound deltas grouped by entity type.
// Bills nest their line items and are applied atomically by the server.
type PushRequest struct {
	BusinessID uuid.UUID              `json:"business_id"`
	Customers  []schema.CustomerDelta `json:"customers"`
	Products   []schema.ProductDelta  `json:"products"`
	Bills      []schema.BillDelta     `json:"bills"`
}

// PushItemResult reports the server's verdict for one pushed delta.
type PushItemResult struct {
	ID       uuid.UUID `json:"id"`
	Accepted bool      `json:"accepted"`
	Error    string    `json:"error,omitempty"`
}

// PushResult is the server response to a push. An empty Results list means
// the whole batch was accepted.
type PushResult struct {
	Status  string           `json:"status"`
	Results []PushItemResult `json:"results,omitempty"`
}

// Rejected returns the per-item rejections in the result.
func (r PushResult) Rejected() []PushItemResult {
	var rejected []PushItemResult
	for _, item := range r.Results {
		if !item.Accepted {
			rejected = append(rejected, item)
		}
	}
	return rejected
}

// RejectedIDs returns the identifiers of rejected deltas keyed by id.
func (r PushResult) RejectedIDs() map[uuid.UUID]string {
	rejected := make(map[uuid.UUID]string)
	for _, item := range r.Results {
		if !item.Accepted {
			rejected[item.ID] = item.Error
		}
	}
	return rejected
}

// PullRequest asks for every record modified after the owner's cursor.
type PullRequest struct {
	BusinessID        uuid.UUID `json:"business_id"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
}

// PullResponse carries the server's deltas and the timestamp to advance the
// cursor to once the batch is fully applied.
type PullResponse struct {
	schema.DeltaBatch

	ServerTimestamp time.Time `json:"server_timestamp"`
}
