package queue

import (
	"context"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func newEntryID() string { return uuid.NewString() }

type change struct {
	entry *models.QueueEntry
	topic events.Topic
	diff  map[string]any
}

type published struct {
	entry models.QueueEntry
	topic events.Topic
	diff  map[string]any
}

// batch collects what one mutation touched so that writes and events can be
// issued after the ledger lock is released.
type batch struct {
	changes map[string]*change
	order   []string
	removed []models.QueueEntry
	visits  []store.CustomerVisit
	origin  string

	saved []published
}

func newBatch() *batch {
	return &batch{changes: make(map[string]*change)}
}

func (b *batch) touch(e *models.QueueEntry, topic events.Topic, diff map[string]any) {
	c, ok := b.changes[e.ID]
	if !ok {
		c = &change{entry: e, topic: topic, diff: make(map[string]any)}
		b.changes[e.ID] = c
		b.order = append(b.order, e.ID)
	}
	if topic == events.QueueEntryAdded {
		c.topic = topic
	}
	for k, v := range diff {
		c.diff[k] = v
	}
}

// snapshot copies touched entries; call with the ledger lock held.
func (b *batch) snapshot() {
	for _, id := range b.order {
		c := b.changes[id]
		b.saved = append(b.saved, published{entry: c.entry.Clone(), topic: c.topic, diff: c.diff})
	}
}

func (b *batch) entries() []models.QueueEntry {
	out := make([]models.QueueEntry, 0, len(b.saved))
	for _, p := range b.saved {
		out = append(out, p.entry)
	}
	return out
}

func fromTo(from, to any) map[string]any {
	return map[string]any{"from": from, "to": to}
}

// recomputeLocked reassigns dense positions to the waiting entries of a
// location by join time and refreshes wait estimates. Entries in any other
// status carry position 0.
func (l *Ledger) recomputeLocked(locationID string, b *batch) {
	staff := 1
	if l.assigner != nil {
		if n := len(l.assigner.Eligible(locationID)); n > 0 {
			staff = n
		}
	}

	ahead := 0
	for _, e := range l.entries {
		if e.LocationID != locationID || e.Status == models.StatusWaiting {
			continue
		}
		if e.Status == models.StatusCalled || e.Status == models.StatusInProgress {
			ahead += l.durationLocked(e)
		}
		l.setDerived(e, 0, 0, b)
	}

	waiting := l.waitingLocked(locationID)
	for i, e := range waiting {
		l.setDerived(e, i+1, ceilDiv(ahead, staff), b)
		ahead += l.durationLocked(e)
	}
	metrics.SetQueueLength(locationID, len(waiting))
}

func (l *Ledger) setDerived(e *models.QueueEntry, position, wait int, b *batch) {
	if e.Position == position && e.EstimatedWaitMinutes == wait {
		return
	}
	diff := make(map[string]any)
	if e.Position != position {
		diff["position"] = fromTo(e.Position, position)
	}
	if e.EstimatedWaitMinutes != wait {
		diff["estimated_wait_minutes"] = fromTo(e.EstimatedWaitMinutes, wait)
	}
	e.Position = position
	e.EstimatedWaitMinutes = wait
	e.UpdatedAt = l.now().UTC()
	b.touch(e, events.QueueEntryUpdated, diff)
}

func (l *Ledger) durationLocked(e *models.QueueEntry) int {
	total := 0
	for _, ref := range e.Services {
		minutes := defaultServiceMinutes
		if l.catalog != nil {
			if svc, ok := l.catalog.Service(ref.ID); ok && svc.EstimatedDuration > 0 {
				minutes = svc.EstimatedDuration
			}
		}
		total += minutes
	}
	return total
}

// recountWorkloadsLocked derives every employee's workload from the entries
// that are waiting, called or in progress.
func (l *Ledger) recountWorkloadsLocked() map[string]int {
	counts := make(map[string]int)
	for _, e := range l.entries {
		if e.AssignedEmployeeID != "" && e.Status.Active() {
			counts[e.AssignedEmployeeID]++
		}
	}
	if l.directory != nil {
		l.directory.ReplaceWorkloads(counts)
	}
	return counts
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// commit persists and publishes a finished batch. Writes that fail are
// deferred per entry so that a later write of the same entry replaces them.
func (l *Ledger) commit(ctx context.Context, op string, b *batch) store.Outcome {
	outcome := store.Outcome{Committed: l.writer != nil}
	if l.writer != nil {
		if saved := b.entries(); len(saved) > 0 {
			if err := l.writer.SaveEntries(ctx, saved); err != nil {
				outcome = l.deferEntries(op, saved, err, outcome)
			}
		}
		for _, removed := range b.removed {
			id := removed.ID
			write := func(ctx context.Context) error { return l.writer.DeleteEntry(ctx, id) }
			if err := write(ctx); err != nil {
				outcome = l.deferWrite(op, "entry:"+id, write, err, outcome)
			}
		}
	}
	if l.customers != nil {
		for _, visit := range b.visits {
			visit := visit
			write := func(ctx context.Context) error { return l.customers.UpsertCustomerVisit(ctx, visit) }
			if err := write(ctx); err != nil {
				outcome = l.deferWrite(op, "customer:"+visit.Phone, write, err, outcome)
			}
		}
	}
	l.publish(ctx, b)
	return outcome
}

func (l *Ledger) deferEntries(op string, saved []models.QueueEntry, err error, outcome store.Outcome) store.Outcome {
	for _, e := range saved {
		entry := e
		write := func(ctx context.Context) error {
			return l.writer.SaveEntries(ctx, []models.QueueEntry{entry})
		}
		outcome = l.deferWrite(op, "entry:"+entry.ID, write, err, outcome)
	}
	return outcome
}

func (l *Ledger) deferWrite(op, key string, write func(ctx context.Context) error, err error, outcome store.Outcome) store.Outcome {
	metrics.PersistenceFailure(op)
	l.logger.Error("persist queue change", zap.String("op", op), zap.String("key", key), zap.Error(&store.PersistenceError{Op: op, Err: err}))
	outcome.Committed = false
	if l.deferrer != nil {
		l.deferrer.Defer(key, write)
		outcome.PendingRetry = true
	}
	return outcome
}

func (l *Ledger) publish(ctx context.Context, b *batch) {
	if l.bus == nil {
		return
	}
	for _, p := range b.saved {
		var diff map[string]any
		if len(p.diff) > 0 {
			diff = p.diff
		}
		l.bus.Publish(ctx, events.Event{
			Topic:      p.topic,
			LocationID: p.entry.LocationID,
			EntityID:   p.entry.ID,
			Payload:    p.entry,
			Diff:       diff,
			Origin:     b.origin,
		})
	}
	for _, e := range b.removed {
		l.bus.Publish(ctx, events.Event{
			Topic:      events.QueueEntryRemoved,
			LocationID: e.LocationID,
			EntityID:   e.ID,
			Payload:    e,
			Origin:     b.origin,
		})
	}
}
