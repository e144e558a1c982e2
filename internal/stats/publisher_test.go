package stats

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

type countingOutbox struct {
	outboxstore.Store

	counts map[uuid.UUID]outboxstore.StatusCounts
}

func (s *countingOutbox) CountByStatus(_ context.Context, ownerID uuid.UUID) (outboxstore.StatusCounts, error) {
	return s.counts[ownerID], nil
}

type countingDeadLetters struct {
	outboxstore.DeadLetterStore

	counts map[uuid.UUID]int
}

func (s *countingDeadLetters) Count(_ context.Context, ownerID uuid.UUID) (int, error) {
	return s.counts[ownerID], nil
}

func TestRecomputeAggregatesAcrossOwners(t *testing.T) {
	ownerA := uuid.New()
	ownerB := uuid.New()

	pub := NewPublisher(
		&countingOutbox{counts: map[uuid.UUID]outboxstore.StatusCounts{
			ownerA: {Pending: 3, InFlight: 1, Failed: 2, Conflicted: 1},
			ownerB: {Pending: 4},
		}},
		&countingDeadLetters{counts: map[uuid.UUID]int{ownerA: 1, ownerB: 2}},
	)

	lastSync := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	stats, err := pub.Recompute(context.Background(), []uuid.UUID{ownerA, ownerB}, lastSync, true)
	require.NoError(t, err)

	require.Equal(t, 7, stats.PendingCount)
	require.Equal(t, 1, stats.InFlightCount)
	require.Equal(t, 2, stats.FailedCount)
	require.Equal(t, 1, stats.ConflictCount)
	require.Equal(t, 3, stats.DeadLetterCount)
	require.True(t, stats.CircuitOpen)
	require.True(t, stats.LastSyncTime.Equal(lastSync))
	require.Equal(t, stats, pub.Current())
}

func TestSubscribeReceivesCurrentThenUpdates(t *testing.T) {
	pub := NewPublisher(&countingOutbox{}, &countingDeadLetters{})
	pub.Publish(schema.Stats{PendingCount: 5})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := pub.Subscribe(ctx)

	first := <-ch
	require.Equal(t, 5, first.PendingCount)

	pub.Publish(schema.Stats{PendingCount: 2})
	second := <-ch
	require.Equal(t, 2, second.PendingCount)
}

func TestSlowSubscriberSeesLatestSnapshot(t *testing.T) {
	pub := NewPublisher(&countingOutbox{}, &countingDeadLetters{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := pub.Subscribe(ctx)
	<-ch // drain the initial snapshot

	for i := 1; i <= 10; i++ {
		pub.Publish(schema.Stats{PendingCount: i})
	}

	latest := <-ch
	require.Equal(t, 10, latest.PendingCount)
}

func TestCancelledSubscriberIsRemoved(t *testing.T) {
	pub := NewPublisher(&countingOutbox{}, &countingDeadLetters{})

	ctx, cancel := context.WithCancel(context.Background())
	ch := pub.Subscribe(ctx)
	<-ch
	cancel()

	require.Eventually(t, func() bool {
		pub.mu.RLock()
		defer pub.mu.RUnlock()
		return len(pub.subs) == 0
	}, time.Second, 10*time.Millisecond)

	// Publishing after removal must not panic or block.
	pub.Publish(schema.Stats{FailedCount: 1})
}
