package schema

import "time"

// Stats is the derived, read-only sync snapshot consumed by UI observers.
// It is recomputed from the outbox and dead-letter stores on every state
// change, never persisted.
type Stats struct {
	PendingCount    int       `json:"pending_count"`
	InFlightCount   int       `json:"in_flight_count"`
	FailedCount     int       `json:"failed_count"`
	DeadLetterCount int       `json:"dead_letter_count"`
	ConflictCount   int       `json:"conflict_count"`
	LastSyncTime    time.Time `json:"last_sync_time"`
	CircuitOpen     bool      `json:"circuit_open"`
}
