package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/billfold/ledgersync/errs"
	"github.com/billfold/ledgersync/internal/domain/outboxstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
	"github.com/billfold/ledgersync/internal/remote"
)

// fakeOutbox is an in-memory outbox honouring the same dispatch rules as the
// postgres store: earliest item per entity only, Pending/Failed, not
// conflicted, retry time due.
type fakeOutbox struct {
	mu    sync.Mutex
	items map[uuid.UUID]*schema.QueueItem
	dead  []schema.DeadLetterRecord

	releaseCalls int
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{items: map[uuid.UUID]*schema.QueueItem{}}
}

func (f *fakeOutbox) add(item schema.QueueItem) schema.QueueItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = schema.StatusPending
	}
	copied := item
	f.items[item.ID] = &copied
	return copied
}

func (f *fakeOutbox) get(id uuid.UUID) (schema.QueueItem, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return schema.QueueItem{}, false
	}
	return *item, true
}

func (f *fakeOutbox) Enqueue(_ context.Context, item schema.QueueItem) (schema.QueueItem, error) {
	return f.add(item), nil
}

func (f *fakeOutbox) NextBatch(_ context.Context, ownerID uuid.UUID, limit int, now time.Time) ([]schema.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var batch []schema.QueueItem
	for _, item := range f.items {
		if item.OwnerID != ownerID || item.Conflicted {
			continue
		}
		if item.Status != schema.StatusPending && item.Status != schema.StatusFailed {
			continue
		}
		if item.NextRetryAt.After(now) {
			continue
		}
		blocked := false
		for _, other := range f.items {
			if other.ID != item.ID &&
				other.EntityType == item.EntityType &&
				other.EntityID == item.EntityID &&
				other.CreatedAt.Before(item.CreatedAt) {
				blocked = true
				break
			}
		}
		if !blocked {
			batch = append(batch, *item)
		}
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })
	if limit > 0 && len(batch) > limit {
		batch = batch[:limit]
	}
	return batch, nil
}

func (f *fakeOutbox) MarkInFlight(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if item, ok := f.items[id]; ok {
			item.Status = schema.StatusInFlight
		}
	}
	return nil
}

func (f *fakeOutbox) MarkDelivered(_ context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.items, id)
	}
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id uuid.UUID, kind errs.Kind, message string, nextRetryAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("fake outbox: item %s not found", id)
	}
	item.Status = schema.StatusFailed
	item.AttemptCount++
	item.LastErrorKind = kind
	item.LastError = message
	item.NextRetryAt = nextRetryAt
	return nil
}

func (f *fakeOutbox) MarkConflicted(_ context.Context, id uuid.UUID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("fake outbox: item %s not found", id)
	}
	item.Status = schema.StatusPending
	item.Conflicted = true
	item.LastErrorKind = errs.KindConflict
	item.LastError = message
	return nil
}

func (f *fakeOutbox) MarkEntityConflicted(_ context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	flagged := 0
	for _, item := range f.items {
		if item.OwnerID == ownerID && item.EntityType == entityType && item.EntityID == entityID && !item.Conflicted {
			item.Status = schema.StatusPending
			item.Conflicted = true
			item.LastErrorKind = errs.KindConflict
			item.LastError = message
			flagged++
		}
	}
	return flagged, nil
}

func (f *fakeOutbox) ResolveConflict(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok || !item.Conflicted {
		return fmt.Errorf("fake outbox: no conflicted item %s", id)
	}
	item.Conflicted = false
	return nil
}

func (f *fakeOutbox) MoveToDeadLetter(_ context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("fake outbox: item %s not found", id)
	}
	dead := *item
	dead.AttemptCount++
	dead.Status = schema.StatusDeadLetter
	f.dead = append(f.dead, schema.DeadLetterRecord{ID: dead.ID, Item: dead, Reason: reason, DeadAt: time.Now()})
	delete(f.items, id)
	return nil
}

func (f *fakeOutbox) ReleaseStuck(_ context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseCalls++
	released := 0
	for _, item := range f.items {
		if item.Status == schema.StatusInFlight {
			item.Status = schema.StatusPending
			released++
		}
	}
	return released, nil
}

func (f *fakeOutbox) HasPending(_ context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, item := range f.items {
		if item.OwnerID == ownerID && item.EntityType == entityType && item.EntityID == entityID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeOutbox) CountByStatus(_ context.Context, ownerID uuid.UUID) (outboxstore.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts outboxstore.StatusCounts
	for _, item := range f.items {
		if item.OwnerID != ownerID {
			continue
		}
		switch {
		case item.Conflicted:
			counts.Conflicted++
		case item.Status == schema.StatusInFlight:
			counts.InFlight++
		case item.Status == schema.StatusFailed:
			counts.Failed++
		default:
			counts.Pending++
		}
	}
	return counts, nil
}

func (f *fakeOutbox) PendingOwners(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	var owners []uuid.UUID
	for _, item := range f.items {
		if item.Conflicted || item.NextRetryAt.After(now) {
			continue
		}
		if item.Status != schema.StatusPending && item.Status != schema.StatusFailed {
			continue
		}
		if !seen[item.OwnerID] {
			seen[item.OwnerID] = true
			owners = append(owners, item.OwnerID)
		}
	}
	return owners, nil
}

var _ outboxstore.Store = (*fakeOutbox)(nil)

// fakeDeadLetters reads the dead list from a fakeOutbox.
type fakeDeadLetters struct {
	outbox *fakeOutbox
}

func (f *fakeDeadLetters) List(_ context.Context, ownerID uuid.UUID, limit int) ([]schema.DeadLetterRecord, error) {
	f.outbox.mu.Lock()
	defer f.outbox.mu.Unlock()
	var records []schema.DeadLetterRecord
	for _, record := range f.outbox.dead {
		if record.Item.OwnerID == ownerID {
			records = append(records, record)
		}
		if limit > 0 && len(records) == limit {
			break
		}
	}
	return records, nil
}

func (f *fakeDeadLetters) Requeue(_ context.Context, id uuid.UUID) (schema.QueueItem, error) {
	f.outbox.mu.Lock()
	defer f.outbox.mu.Unlock()
	for i, record := range f.outbox.dead {
		if record.ID == id {
			item := record.Item
			item.Status = schema.StatusPending
			item.AttemptCount = 0
			item.Conflicted = false
			copied := item
			f.outbox.items[item.ID] = &copied
			f.outbox.dead = append(f.outbox.dead[:i], f.outbox.dead[i+1:]...)
			return item, nil
		}
	}
	return schema.QueueItem{}, fmt.Errorf("fake dead letters: %s not found", id)
}

func (f *fakeDeadLetters) Count(_ context.Context, ownerID uuid.UUID) (int, error) {
	f.outbox.mu.Lock()
	defer f.outbox.mu.Unlock()
	n := 0
	for _, record := range f.outbox.dead {
		if record.Item.OwnerID == ownerID {
			n++
		}
	}
	return n, nil
}

var _ outboxstore.DeadLetterStore = (*fakeDeadLetters)(nil)

// fakeCursors is an in-memory monotonic cursor store.
type fakeCursors struct {
	mu      sync.Mutex
	cursors map[uuid.UUID]schema.Cursor
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{cursors: map[uuid.UUID]schema.Cursor{}}
}

func (f *fakeCursors) Get(_ context.Context, ownerID uuid.UUID) (schema.Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor, ok := f.cursors[ownerID]
	if !ok {
		return schema.Cursor{OwnerID: ownerID}, nil
	}
	return cursor, nil
}

func (f *fakeCursors) Advance(_ context.Context, ownerID uuid.UUID, serverTimestamp time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor := f.cursors[ownerID]
	if serverTimestamp.After(cursor.PulledAt) {
		f.cursors[ownerID] = schema.Cursor{OwnerID: ownerID, PulledAt: serverTimestamp, UpdatedAt: time.Now()}
	}
	return nil
}

// fakeLedger records applied deltas and serves canned metadata.
type fakeLedger struct {
	mu      sync.Mutex
	meta    map[uuid.UUID]schema.Meta
	applied []uuid.UUID
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{meta: map[uuid.UUID]schema.Meta{}}
}

func (f *fakeLedger) Meta(_ context.Context, _ uuid.UUID, _ schema.EntityType, entityID uuid.UUID) (schema.Meta, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	meta, ok := f.meta[entityID]
	return meta, ok, nil
}

func (f *fakeLedger) apply(id uuid.UUID, updatedAt time.Time, deleted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, id)
	f.meta[id] = schema.Meta{ID: id, UpdatedAt: updatedAt, IsDeleted: deleted}
}

func (f *fakeLedger) ApplyCustomer(_ context.Context, _ uuid.UUID, delta schema.CustomerDelta) error {
	f.apply(delta.ID, delta.UpdatedAt, delta.IsDeleted)
	return nil
}

func (f *fakeLedger) ApplyProduct(_ context.Context, _ uuid.UUID, delta schema.ProductDelta) error {
	f.apply(delta.ID, delta.UpdatedAt, delta.IsDeleted)
	return nil
}

func (f *fakeLedger) ApplyBill(_ context.Context, _ uuid.UUID, delta schema.BillDelta) error {
	f.apply(delta.ID, delta.UpdatedAt, delta.IsDeleted)
	return nil
}

func (f *fakeLedger) appliedIDs() []uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.applied...)
}

// fakeRemote scripts push and pull behaviour.
type fakeRemote struct {
	mu sync.Mutex

	pushErr    error
	pushErrFor map[uuid.UUID]error
	pushResult remote.PushResult
	pushes     []schema.DeltaBatch

	pullResp remote.PullResponse
	pullErr  error
	pullN    int

	pullStarted chan struct{}
	pullGate    chan struct{}
}

func (f *fakeRemote) Push(_ context.Context, _ uuid.UUID, batch schema.DeltaBatch) (remote.PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, batch)
	err := f.pushErr
	if f.pushErrFor != nil {
		for _, id := range batchEntityIDs(batch) {
			if scripted, ok := f.pushErrFor[id]; ok {
				err = scripted
			}
		}
	}
	result := f.pushResult
	f.mu.Unlock()

	if err != nil {
		return remote.PushResult{}, err
	}
	if result.Status == "" {
		result.Status = "success"
	}
	return result, nil
}

func (f *fakeRemote) Pull(ctx context.Context, _ uuid.UUID, _ time.Time) (remote.PullResponse, error) {
	f.mu.Lock()
	f.pullN++
	resp := f.pullResp
	err := f.pullErr
	started := f.pullStarted
	gate := f.pullGate
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return remote.PullResponse{}, ctx.Err()
		}
	}
	if err != nil {
		return remote.PullResponse{}, err
	}
	return resp, nil
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeRemote) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullN
}

func batchEntityIDs(batch schema.DeltaBatch) []uuid.UUID {
	var ids []uuid.UUID
	for _, d := range batch.Customers {
		ids = append(ids, d.ID)
	}
	for _, d := range batch.Products {
		ids = append(ids, d.ID)
	}
	for _, d := range batch.Bills {
		ids = append(ids, d.ID)
	}
	return ids
}
