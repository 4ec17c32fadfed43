package resync

import (
	"context"
	"errors"
	"testing"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueReplacesByKey(t *testing.T) {
	q := NewQueue(nil)
	var ran []string
	q.Defer("entry:1", func(context.Context) error { ran = append(ran, "old"); return nil })
	q.Defer("entry:2", func(context.Context) error { ran = append(ran, "two"); return nil })
	q.Defer("entry:1", func(context.Context) error { ran = append(ran, "new"); return nil })
	assert.Equal(t, 2, q.Len())

	assert.Equal(t, 2, q.Flush(context.Background()))
	assert.Equal(t, []string{"new", "two"}, ran)
	assert.Zero(t, q.Len())
}

func TestQueueKeepsFailedWrites(t *testing.T) {
	q := NewQueue(nil)
	fail := true
	q.Defer("entry:1", func(context.Context) error {
		if fail {
			return errors.New("still down")
		}
		return nil
	})

	assert.Zero(t, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len())

	fail = false
	assert.Equal(t, 1, q.Flush(context.Background()))
	assert.Zero(t, q.Len())
}

func TestQueueKeepsWriteReplacedDuringFlush(t *testing.T) {
	q := NewQueue(nil)
	newer := false
	q.Defer("entry:1", func(context.Context) error {
		q.Defer("entry:1", func(context.Context) error { newer = true; return nil })
		return nil
	})

	assert.Zero(t, q.Flush(context.Background()))
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, 1, q.Flush(context.Background()))
	assert.True(t, newer)
}

type fakeLedger struct {
	reconciled int
	merged     map[string][]models.QueueEntry
	origins    []string
	forgotten  []string
	locations  []string
}

func (l *fakeLedger) Locations() []string { return l.locations }

func (l *fakeLedger) Reconcile(context.Context) int { l.reconciled++; return 0 }

func (l *fakeLedger) Merge(_ context.Context, origin string, entries []models.QueueEntry) int {
	for _, e := range entries {
		l.merged[e.LocationID] = append(l.merged[e.LocationID], e)
	}
	l.origins = append(l.origins, origin)
	return len(entries)
}

func (l *fakeLedger) Forget(_ context.Context, _ string, id string) bool {
	l.forgotten = append(l.forgotten, id)
	return true
}

type fakeReader struct {
	entries map[string][]models.QueueEntry
	err     error
	reads   int
}

func (r *fakeReader) ListEntries(_ context.Context, locationID string) ([]models.QueueEntry, error) {
	r.reads++
	return r.entries[locationID], r.err
}

func TestReconcilerMergesForeignChanges(t *testing.T) {
	bus := events.NewBus("self", nil)
	ledger := &fakeLedger{merged: map[string][]models.QueueEntry{}}
	reader := &fakeReader{entries: map[string][]models.QueueEntry{"1": {{ID: "e1", LocationID: "1"}}}}
	pending := NewQueue(nil)
	r := NewReconciler(Options{Pending: pending, Ledger: ledger, Reader: reader})
	r.Subscribe(bus)
	ctx := context.Background()

	bus.Publish(ctx, events.Event{Topic: events.QueueEntryUpdated, LocationID: "2", EntityID: "x"})
	bus.Inject(ctx, events.Event{Topic: events.QueueEntryUpdated, LocationID: "1", EntityID: "e1", Origin: "peer"})
	bus.Inject(ctx, events.Event{Topic: events.QueueEntryRemoved, LocationID: "1", EntityID: "e9", Origin: "peer"})
	assert.Equal(t, []string{"1"}, r.Dirty())
	assert.Equal(t, []string{"e9"}, ledger.forgotten)

	flushed := false
	pending.Defer("entry:e1", func(context.Context) error { flushed = true; return nil })

	r.Tick(ctx)
	assert.True(t, flushed)
	require.Len(t, ledger.merged["1"], 1)
	assert.Equal(t, []string{"peer"}, ledger.origins)
	assert.Equal(t, 1, ledger.reconciled)
	assert.Empty(t, r.Dirty())
}

func TestReconcilerKeepsDirtyOnReadFailure(t *testing.T) {
	bus := events.NewBus("self", nil)
	ledger := &fakeLedger{merged: map[string][]models.QueueEntry{}}
	reader := &fakeReader{err: errors.New("db down")}
	r := NewReconciler(Options{Ledger: ledger, Reader: reader})
	r.Subscribe(bus)
	ctx := context.Background()

	bus.Inject(ctx, events.Event{Topic: events.QueueEntryAdded, LocationID: "1", EntityID: "e1", Origin: "peer"})
	r.Tick(ctx)
	assert.Equal(t, []string{"1"}, r.Dirty())
	assert.Equal(t, 1, ledger.reconciled)
}

func TestReconcilerFullReadBackCatchesMissedEvents(t *testing.T) {
	ledger := &fakeLedger{merged: map[string][]models.QueueEntry{}, locations: []string{"1"}}
	reader := &fakeReader{entries: map[string][]models.QueueEntry{
		"1": {{ID: "e1", LocationID: "1"}},
		"2": {{ID: "e2", LocationID: "2"}},
	}}
	r := NewReconciler(Options{
		Ledger:    ledger,
		Reader:    reader,
		Locations: func() []string { return []string{"2", "1"} },
		FullEvery: 2,
	})
	ctx := context.Background()

	r.Tick(ctx)
	assert.Equal(t, 0, reader.reads)
	assert.Empty(t, ledger.merged)

	r.Tick(ctx)
	assert.Equal(t, 2, reader.reads)
	require.Len(t, ledger.merged["1"], 1)
	require.Len(t, ledger.merged["2"], 1)
	assert.Equal(t, []string{storeOrigin, storeOrigin}, ledger.origins)
	assert.Equal(t, 2, ledger.reconciled)
}

func TestReconcilerFullReadBackFailureIsNotMarkedDirty(t *testing.T) {
	ledger := &fakeLedger{merged: map[string][]models.QueueEntry{}, locations: []string{"1"}}
	reader := &fakeReader{err: errors.New("db down")}
	r := NewReconciler(Options{Ledger: ledger, Reader: reader, FullEvery: 1})

	r.Tick(context.Background())
	assert.Equal(t, 1, reader.reads)
	assert.Empty(t, r.Dirty())
}

func TestReconcilerIgnoresItsOwnReadBackEvents(t *testing.T) {
	bus := events.NewBus("self", nil)
	r := NewReconciler(Options{Ledger: &fakeLedger{merged: map[string][]models.QueueEntry{}}})
	r.Subscribe(bus)

	bus.Inject(context.Background(), events.Event{Topic: events.QueueEntryUpdated, LocationID: "1", EntityID: "e1", Origin: storeOrigin})
	assert.Empty(t, r.Dirty())
}
