// Package engine runs the sync orchestrator: a single coalescing loop that
// pushes pending outbox items and pulls remote changes, one pass per owner.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/breaker"
	"github.com/billfold/ledgersync/internal/domain/cursorstore"
	"github.com/billfold/ledgersync/internal/domain/ledgerstore"
	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
	"github.com/billfold/ledgersync/internal/observability"
	"github.com/billfold/ledgersync/internal/remote"
	"github.com/billfold/ledgersync/internal/resolver"
	"github.com/billfold/ledgersync/internal/stats"
	"github.com/billfold/ledgersync/internal/telemetry"
	"github.com/billfold/ledgersync/lib/async"
)

// Remote is the boundary the engine delivers through. Satisfied by
// *remote.Client; faked in tests.
type Remote interface {
	Push(ctx context.Context, ownerID uuid.UUID, batch schema.DeltaBatch) (remote.PushResult, error)
	Pull(ctx context.Context, ownerID uuid.UUID, since time.Time) (remote.PullResponse, error)
}

// Config tunes the orchestrator loop.
type Config struct {
	Interval        time.Duration
	BatchSize       int
	Workers         int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	MaxAttempts     int
	InFlightTimeout time.Duration

	// Owners scopes each pass. When empty, owners are discovered from the
	// outbox, which covers push but leaves pull idle until an owner appears.
	Owners []uuid.UUID
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 6
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffCap < c.BackoffBase {
		c.BackoffCap = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InFlightTimeout <= 0 {
		c.InFlightTimeout = 5 * time.Minute
	}
}

// Engine coordinates push and pull for every owner. All queue transitions
// happen here; per-item failures never abort a pass.
type Engine struct {
	cfg      Config
	outbox   outboxstore.Store
	cursors  cursorstore.Store
	ledger   ledgerstore.Store
	remote   Remote
	brk      *breaker.Breaker
	pub      *stats.Publisher
	pool     *async.Pool
	schedule retrySchedule
	now      func() time.Time

	trigger chan struct{}

	// lastSync is touched only from the run loop goroutine.
	lastSync time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRand seeds the retry jitter, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		e.schedule = newRetrySchedule(e.cfg.BackoffBase, e.cfg.BackoffCap, rng)
	}
}

// New constructs an Engine. The worker pool is sized to cfg.Workers with
// queue depth cfg.BatchSize so a full batch never saturates Submit.
func New(
	cfg Config,
	outbox outboxstore.Store,
	cursors cursorstore.Store,
	ledger ledgerstore.Store,
	rc Remote,
	brk *breaker.Breaker,
	pub *stats.Publisher,
	opts ...Option,
) (*Engine, error) {
	if outbox == nil || cursors == nil || ledger == nil || rc == nil || brk == nil || pub == nil {
		return nil, errors.New("engine: all dependencies are required")
	}
	cfg.withDefaults()

	pool, err := async.NewPool(cfg.Workers, cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("engine: worker pool: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		outbox:   outbox,
		cursors:  cursors,
		ledger:   ledger,
		remote:   rc,
		brk:      brk,
		pub:      pub,
		pool:     pool,
		schedule: newRetrySchedule(cfg.BackoffBase, cfg.BackoffCap, nil),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// TriggerSync requests a sync pass. Safe from any goroutine; wakes arriving
// while a pass runs coalesce into at most one queued follow-up pass.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run executes the orchestrator loop until ctx is cancelled. An immediate
// pass runs on startup, then one per tick or trigger.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.pool.Shutdown(shutdownCtx)
		case <-ticker.C:
			e.runPass(ctx)
		case <-e.trigger:
			e.runPass(ctx)
		}
	}
}

// runPass executes one full sync pass: crash recovery, then push and pull
// per owner, then a stats snapshot.
func (e *Engine) runPass(ctx context.Context) {
	started := e.now()

	if released, err := e.outbox.ReleaseStuck(ctx, started.Add(-e.cfg.InFlightTimeout)); err != nil {
		observability.Log().Error("release stuck items", observability.F("error", err))
	} else if released > 0 {
		observability.Log().Info("released stuck in-flight items", observability.F("count", released))
	}

	owners, err := e.passOwners(ctx, started)
	if err != nil {
		observability.Log().Error("resolve sync owners", observability.F("error", err))
		return
	}

	for _, owner := range owners {
		if ctx.Err() != nil {
			return
		}
		e.syncOwner(ctx, owner)
	}

	if _, err := e.pub.Recompute(ctx, owners, e.lastSync, e.brk.IsOpen()); err != nil {
		observability.Log().Error("recompute stats", observability.F("error", err))
	}
	observability.Telemetry().ObserveHistogram("ledgersync_pass_seconds", e.now().Sub(started).Seconds(), nil)
}

func (e *Engine) passOwners(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	if len(e.cfg.Owners) > 0 {
		return e.cfg.Owners, nil
	}
	return e.outbox.PendingOwners(ctx, now)
}

// syncOwner runs push then pull for one owner behind the breaker gate.
func (e *Engine) syncOwner(ctx context.Context, ownerID uuid.UUID) {
	if !e.brk.Allow() {
		observability.Log().Debug("breaker open, skipping owner",
			observability.F("owner", ownerID), observability.F("state", string(e.brk.State())))
		return
	}

	e.pushOwner(ctx, ownerID)

	// A push that tripped the breaker also suspends the pull phase.
	if e.brk.IsOpen() {
		return
	}
	if e.pullOwner(ctx, ownerID) {
		e.lastSync = e.now()
	}
}

// pushOwner drains deliverable batches for the owner. Per-item delivery is
// concurrent up to the pool size; per-entity ordering is preserved because
// NextBatch only surfaces the earliest queued item per entity.
func (e *Engine) pushOwner(ctx context.Context, ownerID uuid.UUID) {
	for {
		if ctx.Err() != nil || e.brk.IsOpen() {
			return
		}

		batch, err := e.outbox.NextBatch(ctx, ownerID, e.cfg.BatchSize, e.now())
		if err != nil {
			observability.Log().Error("load outbox batch",
				observability.F("owner", ownerID), observability.F("error", err))
			return
		}
		if len(batch) == 0 {
			return
		}

		ids := make([]uuid.UUID, len(batch))
		for i, item := range batch {
			ids[i] = item.ID
		}
		if err := e.outbox.MarkInFlight(ctx, ids); err != nil {
			observability.Log().Error("mark batch in flight",
				observability.F("owner", ownerID), observability.F("error", err))
			return
		}

		done := make(chan struct{}, len(batch))
		submitted := 0
		for _, item := range batch {
			item := item
			err := e.pool.Submit(ctx, func(taskCtx context.Context) error {
				defer func() { done <- struct{}{} }()
				e.deliver(taskCtx, item)
				return nil
			})
			if err != nil {
				// Stays InFlight; ReleaseStuck reclaims it next pass.
				observability.Log().Error("submit delivery task",
					observability.F("item", item.ID), observability.F("error", err))
				continue
			}
			submitted++
		}
		for i := 0; i < submitted; i++ {
			<-done
		}
	}
}

// deliver pushes one queue item and routes the outcome to a queue transition.
func (e *Engine) deliver(ctx context.Context, item schema.QueueItem) {
	batch, err := deltaBatchFor(item)
	if err != nil {
		e.deadLetter(ctx, item, fmt.Sprintf("malformed payload: %v", err))
		return
	}

	result, err := e.remote.Push(ctx, item.OwnerID, batch)
	if err == nil {
		if rejections := result.RejectedIDs(); len(rejections) > 0 {
			// The server accepted the request but vetoed the delta.
			e.brk.RecordSuccess()
			e.deadLetter(ctx, item, fmt.Sprintf("rejected by server: %s", rejections[item.EntityID]))
			return
		}
		e.brk.RecordSuccess()
		if err := e.outbox.MarkDelivered(ctx, []uuid.UUID{item.ID}); err != nil {
			observability.Log().Error("mark delivered",
				observability.F("item", item.ID), observability.F("error", err))
			return
		}
		e.countDelivery(item, telemetry.ResultDelivered, "")
		return
	}

	kind := errs.KindOf(err)
	e.brk.RecordFailure(kind)
	message := failureMessage(err)

	switch kind {
	case errs.KindData:
		e.deadLetter(ctx, item, message)
	case errs.KindAuth:
		// The client already refreshed and retried once.
		e.deadLetter(ctx, item, "reauthentication required")
	case errs.KindConflict:
		if err := e.outbox.MarkConflicted(ctx, item.ID, message); err != nil {
			observability.Log().Error("mark conflicted",
				observability.F("item", item.ID), observability.F("error", err))
			return
		}
		e.countDelivery(item, telemetry.ResultConflicted, string(kind))
	default: // network, unknown: retry with backoff until the budget runs out
		if item.AttemptCount+1 >= e.cfg.MaxAttempts {
			e.deadLetter(ctx, item, fmt.Sprintf("retry budget exhausted after %d attempts: %s", item.AttemptCount+1, message))
			return
		}
		nextRetry := e.now().Add(e.schedule.Delay(item.AttemptCount))
		if err := e.outbox.MarkFailed(ctx, item.ID, kind, message, nextRetry); err != nil {
			observability.Log().Error("mark failed",
				observability.F("item", item.ID), observability.F("error", err))
			return
		}
		e.countDelivery(item, telemetry.ResultFailed, string(kind))
	}
}

func (e *Engine) deadLetter(ctx context.Context, item schema.QueueItem, reason string) {
	if err := e.outbox.MoveToDeadLetter(ctx, item.ID, reason); err != nil {
		observability.Log().Error("move to dead letter",
			observability.F("item", item.ID), observability.F("error", err))
		return
	}
	observability.Log().Info("item dead-lettered",
		observability.F("item", item.ID),
		observability.F("entity", string(item.EntityType)),
		observability.F("reason", reason))
	e.countDelivery(item, telemetry.ResultDeadLetter, string(item.LastErrorKind))
}

func (e *Engine) countDelivery(item schema.QueueItem, result, kind string) {
	labels := telemetry.DeliveryLabels(string(item.EntityType), string(item.Operation), result, kind)
	observability.Telemetry().IncCounter("ledgersync_push_total", 1, labels)
}

// pullOwner fetches remote changes past the owner's cursor and applies the
// winners. Returns true when the batch applied fully and the cursor advanced.
func (e *Engine) pullOwner(ctx context.Context, ownerID uuid.UUID) bool {
	cursor, err := e.cursors.Get(ctx, ownerID)
	if err != nil {
		observability.Log().Error("load sync cursor",
			observability.F("owner", ownerID), observability.F("error", err))
		return false
	}

	resp, err := e.remote.Pull(ctx, ownerID, cursor.PulledAt)
	if err != nil {
		kind := errs.KindOf(err)
		e.brk.RecordFailure(kind)
		observability.Log().Error("pull remote changes",
			observability.F("owner", ownerID),
			observability.F("kind", string(kind)),
			observability.F("error", err))
		return false
	}
	e.brk.RecordSuccess()

	fully := e.applyPulled(ctx, ownerID, resp.DeltaBatch)
	if !fully {
		// Cursor stays put so the skipped deltas return on the next pull.
		return false
	}
	if err := e.cursors.Advance(ctx, ownerID, resp.ServerTimestamp); err != nil {
		observability.Log().Error("advance sync cursor",
			observability.F("owner", ownerID), observability.F("error", err))
		return false
	}
	return true
}

// applyPulled runs every delta through the pending-outbound guard and the
// resolver, applying remote winners. Returns false if any delta was held
// back by a conflict or an apply error.
func (e *Engine) applyPulled(ctx context.Context, ownerID uuid.UUID, batch schema.DeltaBatch) bool {
	fully := true

	for _, delta := range batch.Customers {
		ok := e.applyDelta(ctx, ownerID, schema.EntityCustomer, delta, func() error {
			return e.ledger.ApplyCustomer(ctx, ownerID, delta)
		})
		fully = fully && ok
	}
	for _, delta := range batch.Products {
		ok := e.applyDelta(ctx, ownerID, schema.EntityProduct, delta, func() error {
			return e.ledger.ApplyProduct(ctx, ownerID, delta)
		})
		fully = fully && ok
	}
	for _, delta := range batch.Bills {
		ok := e.applyDelta(ctx, ownerID, schema.EntityBill, delta, func() error {
			return e.ledger.ApplyBill(ctx, ownerID, delta)
		})
		fully = fully && ok
	}
	return fully
}

// applyDelta applies one pulled delta. A pending outbound mutation for the
// same entity raises a conflict instead: the remote value is not applied and
// the queued items are flagged for resolution.
func (e *Engine) applyDelta(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, delta schema.Entity, apply func() error) bool {
	pending, err := e.outbox.HasPending(ctx, ownerID, entityType, delta.EntityID())
	if err != nil {
		observability.Log().Error("check pending outbound",
			observability.F("entity", delta.EntityID()), observability.F("error", err))
		return false
	}
	if pending {
		flagged, err := e.outbox.MarkEntityConflicted(ctx, ownerID, entityType, delta.EntityID(),
			"remote change received while local mutation is queued")
		if err != nil {
			observability.Log().Error("flag conflicted entity",
				observability.F("entity", delta.EntityID()), observability.F("error", err))
			return false
		}
		observability.Log().Info("conflict detected on pull",
			observability.F("entity_type", string(entityType)),
			observability.F("entity", delta.EntityID()),
			observability.F("flagged", flagged))
		conflictLabels := telemetry.PullLabels(string(entityType))
		conflictLabels[string(telemetry.AttrOwner)] = ownerID.String()
		observability.Telemetry().IncCounter("ledgersync_conflicts_total", 1, conflictLabels)
		return false
	}

	local := schema.Meta{}
	if meta, found, err := e.ledger.Meta(ctx, ownerID, entityType, delta.EntityID()); err != nil {
		observability.Log().Error("load local meta",
			observability.F("entity", delta.EntityID()), observability.F("error", err))
		return false
	} else if found {
		local = meta
	}

	remoteMeta := schema.Meta{ID: delta.EntityID(), UpdatedAt: delta.ModifiedAt(), IsDeleted: delta.Deleted()}
	if resolver.Resolve(local, remoteMeta) == resolver.LocalWins {
		// Local copy is newer; the discarded remote delta stays discarded
		// even on re-pull because the comparison is deterministic.
		return true
	}

	if err := apply(); err != nil {
		observability.Log().Error("apply pulled delta",
			observability.F("entity_type", string(entityType)),
			observability.F("entity", delta.EntityID()),
			observability.F("error", err))
		return false
	}
	observability.Telemetry().IncCounter("ledgersync_pull_applied_total", 1,
		telemetry.PullLabels(string(entityType)))
	return true
}

// deltaBatchFor reconstructs the single-delta wire batch from the payload
// snapshot taken at enqueue time.
func deltaBatchFor(item schema.QueueItem) (schema.DeltaBatch, error) {
	var batch schema.DeltaBatch
	switch item.EntityType {
	case schema.EntityCustomer:
		var delta schema.CustomerDelta
		if err := json.Unmarshal(item.Payload, &delta); err != nil {
			return schema.DeltaBatch{}, fmt.Errorf("decode customer payload: %w", err)
		}
		batch.Customers = []schema.CustomerDelta{delta}
	case schema.EntityProduct:
		var delta schema.ProductDelta
		if err := json.Unmarshal(item.Payload, &delta); err != nil {
			return schema.DeltaBatch{}, fmt.Errorf("decode product payload: %w", err)
		}
		batch.Products = []schema.ProductDelta{delta}
	case schema.EntityBill:
		var delta schema.BillDelta
		if err := json.Unmarshal(item.Payload, &delta); err != nil {
			return schema.DeltaBatch{}, fmt.Errorf("decode bill payload: %w", err)
		}
		batch.Bills = []schema.BillDelta{delta}
	case schema.EntityBillItem:
		return schema.DeltaBatch{}, errors.New("bill items sync with their owning bill")
	default:
		return schema.DeltaBatch{}, fmt.Errorf("unknown entity type %q", item.EntityType)
	}
	return batch, nil
}

func failureMessage(err error) string {
	var envelope *errs.E
	if errors.As(err, &envelope) && envelope.Message != "" {
		return envelope.Message
	}
	return err.Error()
}
