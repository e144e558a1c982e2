package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/ledgersync/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed sync repositories.
type Store struct {
	*persistence.Store

	outbox      *OutboxStore
	deadLetters *DeadLetterStore
	cursors     *CursorStore
	ledger      *LedgerStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:       persistence.NewStore(pool),
		outbox:      NewOutboxStore(pool),
		deadLetters: NewDeadLetterStore(pool),
		cursors:     NewCursorStore(pool),
		ledger:      NewLedgerStore(pool),
	}
}

// Outbox returns the outbox repository.
func (s *Store) Outbox() *OutboxStore { return s.outbox }

// DeadLetters returns the dead-letter repository.
func (s *Store) DeadLetters() *DeadLetterStore { return s.deadLetters }

// Cursors returns the cursor repository.
func (s *Store) Cursors() *CursorStore { return s.cursors }

// Ledger returns the domain-table repository used by the pull phase.
func (s *Store) Ledger() *LedgerStore { return s.ledger }
