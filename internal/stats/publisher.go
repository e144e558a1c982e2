// Package stats publishes live queue depth and sync health to subscribers.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
	"github.com/billfold/ledgersync/internal/observability"
)

// Publisher recomputes sync statistics after every cycle and fans the
// snapshot out to subscribers. Delivery is latest-wins: a slow subscriber
// sees the newest snapshot, never a backlog.
type Publisher struct {
	outbox outboxstore.Store
	dead   outboxstore.DeadLetterStore

	mu     sync.RWMutex
	last   schema.Stats
	nextID int
	subs   map[int]chan schema.Stats
}

// NewPublisher constructs a Publisher reading queue depth from the stores.
func NewPublisher(outbox outboxstore.Store, dead outboxstore.DeadLetterStore) *Publisher {
	return &Publisher{
		outbox: outbox,
		dead:   dead,
		subs:   make(map[int]chan schema.Stats),
	}
}

// Subscribe registers a stats listener. The returned channel receives the
// current snapshot immediately and every published update afterwards until
// ctx is cancelled.
func (p *Publisher) Subscribe(ctx context.Context) <-chan schema.Stats {
	ch := make(chan schema.Stats, 1)

	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	ch <- p.last
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}()

	return ch
}

// Current returns the most recently published snapshot.
func (p *Publisher) Current() schema.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Recompute aggregates counts across the given owners, publishes the
// snapshot, and returns it.
func (p *Publisher) Recompute(ctx context.Context, owners []uuid.UUID, lastSync time.Time, circuitOpen bool) (schema.Stats, error) {
	stats := schema.Stats{
		LastSyncTime: lastSync,
		CircuitOpen:  circuitOpen,
	}

	for _, owner := range owners {
		counts, err := p.outbox.CountByStatus(ctx, owner)
		if err != nil {
			return schema.Stats{}, err
		}
		stats.PendingCount += counts.Pending
		stats.InFlightCount += counts.InFlight
		stats.FailedCount += counts.Failed
		stats.ConflictCount += counts.Conflicted

		dead, err := p.dead.Count(ctx, owner)
		if err != nil {
			return schema.Stats{}, err
		}
		stats.DeadLetterCount += dead
	}

	p.Publish(stats)
	return stats, nil
}

// Publish stores the snapshot, updates gauges, and fans it out.
func (p *Publisher) Publish(stats schema.Stats) {
	p.mu.Lock()
	p.last = stats
	channels := make([]chan schema.Stats, 0, len(p.subs))
	for _, ch := range p.subs {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	for _, ch := range channels {
		// Replace a stale unread snapshot instead of blocking.
		select {
		case ch <- stats:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- stats:
			default:
			}
		}
	}

	metrics := observability.Telemetry()
	metrics.SetGauge("ledgersync_outbox_pending", float64(stats.PendingCount), nil)
	metrics.SetGauge("ledgersync_outbox_in_flight", float64(stats.InFlightCount), nil)
	metrics.SetGauge("ledgersync_outbox_failed", float64(stats.FailedCount), nil)
	metrics.SetGauge("ledgersync_outbox_conflicted", float64(stats.ConflictCount), nil)
	metrics.SetGauge("ledgersync_dead_letters", float64(stats.DeadLetterCount), nil)
	circuit := 0.0
	if stats.CircuitOpen {
		circuit = 1
	}
	metrics.SetGauge("ledgersync_circuit_open", circuit, nil)
}
