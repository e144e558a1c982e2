// Package resolver decides between divergent local and remote copies of the
// same entity using timestamp-wins.
package resolver

import (
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// Outcome is the resolver's verdict for one pulled delta.
type Outcome int

const (
	// RemoteWins means the pulled delta is applied to the local store.
	RemoteWins Outcome = iota
	// LocalWins means the pulled delta is discarded.
	LocalWins
)

func (o Outcome) String() string {
	if o == LocalWins {
		return "local_wins"
	}
	return "remote_wins"
}

// Resolve compares the local copy's metadata against a pulled remote delta.
// The side with the strictly greater UpdatedAt is authoritative; on an exact
// tie the remote wins (the server is the tiebreak authority). A missing local
// copy (zero UpdatedAt) always loses. Deletes carry IsDeleted=true and
// participate in the same comparison: a later delete beats an earlier update
// and vice versa.
//
// Resolve is pure. The pending-outbound guard lives in the engine: when an
// undelivered local mutation exists for the entity the engine raises a
// conflict instead of consulting the resolver.
func Resolve(local, remote schema.Meta) Outcome {
	if local.UpdatedAt.After(remote.UpdatedAt) {
		return LocalWins
	}
	return RemoteWins
}
