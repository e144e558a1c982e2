// Package breaker gates remote delivery behind a circuit breaker so a failing
// remote is not hammered with retries.
package breaker

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/billfold/ledgersync/errs"
)

// State identifies the breaker position.
type State string

const (
	// StateClosed admits all traffic.
	StateClosed State = "closed"
	// StateOpen suspends delivery until the cooldown expires.
	StateOpen State = "open"
	// StateHalfOpen admits exactly one probe batch.
	StateHalfOpen State = "half_open"
)

// Breaker trips to Open after a run of consecutive network failures. Only
// network-classified failures count; every other kind leaves the breaker
// untouched. The cooldown grows exponentially between consecutive openings
// and resets on a successful probe.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	state       State
	consecutive int
	openUntil   time.Time
	cooldown    *backoff.ExponentialBackOff
	now         func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// New constructs a closed breaker. threshold is the consecutive network
// failure count that opens it; cooldownMin/cooldownMax bound the open
// interval growth.
func New(threshold int, cooldownMin, cooldownMax time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldownMin <= 0 {
		cooldownMin = 30 * time.Second
	}
	if cooldownMax < cooldownMin {
		cooldownMax = 10 * time.Minute
	}

	cooldown := backoff.NewExponentialBackOff()
	cooldown.InitialInterval = cooldownMin
	cooldown.MaxInterval = cooldownMax
	cooldown.Multiplier = 2
	cooldown.RandomizationFactor = 0
	cooldown.Reset()

	b := &Breaker{
		threshold: threshold,
		state:     StateClosed,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Allow reports whether a delivery attempt may proceed. When the breaker is
// Open and the cooldown has expired it transitions to HalfOpen and admits a
// single probe; further calls are rejected until the probe outcome is
// recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return false
		}
		b.state = StateHalfOpen
		return true
	default: // HalfOpen: probe already admitted
		return false
	}
}

// RecordSuccess resets the breaker after a successful exchange.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutive = 0
	b.cooldown.Reset()
}

// RecordFailure feeds one classified failure into the breaker. Non-network
// failures are ignored.
func (b *Breaker) RecordFailure(kind errs.Kind) {
	if kind != errs.KindNetwork {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Failed probe: reopen with a longer cooldown.
		b.open()
	default:
		b.consecutive++
		if b.consecutive >= b.threshold {
			b.open()
		}
	}
}

// open transitions to Open; caller holds the lock.
func (b *Breaker) open() {
	interval := b.cooldown.NextBackOff()
	if interval == backoff.Stop || interval <= 0 {
		interval = b.cooldown.MaxInterval
	}
	b.state = StateOpen
	b.openUntil = b.now().Add(interval)
	b.consecutive = 0
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsOpen reports whether delivery is currently suspended.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return false
	}
	return b.state == StateOpen
}
