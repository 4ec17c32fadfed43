package queue

import (
	"context"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"

	"go.uber.org/zap"
)

// Reconcile re-derives positions, wait estimates and workloads for every
// location and returns how many entries changed.
func (l *Ledger) Reconcile(ctx context.Context) int {
	b := newBatch()
	l.mu.Lock()
	for _, loc := range l.locationsLocked() {
		l.recomputeLocked(loc, b)
	}
	l.recountWorkloadsLocked()
	b.snapshot()
	l.mu.Unlock()

	if len(b.saved) == 0 {
		return 0
	}
	l.logger.Info("reconcile corrected queue entries", zap.Int("changed", len(b.saved)))
	l.commit(ctx, "reconcile", b)
	return len(b.saved)
}

// Merge folds entries read back from persistence into the ledger, keeping
// whichever copy was updated last, then recomputes. Nothing is written
// back; events carry origin so relays do not echo them.
func (l *Ledger) Merge(ctx context.Context, origin string, incoming []models.QueueEntry) int {
	b := newBatch()
	b.origin = origin
	locations := make(map[string]struct{})
	l.mu.Lock()
	for _, in := range incoming {
		existing, ok := l.entries[in.ID]
		if ok && !in.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		c := in.Clone()
		l.entries[c.ID] = &c
		topic := events.QueueEntryUpdated
		if !ok {
			topic = events.QueueEntryAdded
		}
		b.touch(&c, topic, map[string]any{"merged": true})
		locations[c.LocationID] = struct{}{}
	}
	if len(b.order) == 0 {
		l.mu.Unlock()
		return 0
	}
	for loc := range locations {
		l.recomputeLocked(loc, b)
	}
	l.recountWorkloadsLocked()
	b.snapshot()
	l.mu.Unlock()

	l.publish(ctx, b)
	return len(b.order)
}

// Forget drops an entry another process removed.
func (l *Ledger) Forget(ctx context.Context, origin, id string) bool {
	b := newBatch()
	b.origin = origin
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	removed := e.Clone()
	delete(l.entries, id)
	b.removed = append(b.removed, removed)
	l.recomputeLocked(removed.LocationID, b)
	l.recountWorkloadsLocked()
	b.snapshot()
	l.mu.Unlock()

	l.publish(ctx, b)
	return true
}

func (l *Ledger) locationsLocked() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range l.entries {
		if _, ok := seen[e.LocationID]; ok {
			continue
		}
		seen[e.LocationID] = struct{}{}
		out = append(out, e.LocationID)
	}
	return out
}

// EnqueueFromCheckin turns a converted check-in into a waiting entry. A
// check-in that already produced an entry returns that entry.
func (l *Ledger) EnqueueFromCheckin(ctx context.Context, c models.CheckinEntry) (models.QueueEntry, error) {
	if existing, ok := l.byCheckin(c.ID); ok {
		return existing, nil
	}
	entry, _, err := l.Enqueue(ctx, EnqueueRequest{
		LocationID:          c.LocationID,
		Customer:            c.Customer,
		CustomerType:        c.CustomerType,
		Services:            c.Services,
		PreferredEmployeeID: c.PreferredEmployeeID,
		Notes:               c.Notes,
		CheckinID:           c.ID,
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if l.checkins != nil {
		if err := l.checkins.LinkQueueEntry(ctx, c.ID, entry.ID); err != nil {
			l.logger.Warn("link check-in to queue entry", zap.String("checkin_id", c.ID), zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
	return entry, nil
}

func (l *Ledger) byCheckin(checkinID string) (models.QueueEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.CheckinID == checkinID {
			return e.Clone(), true
		}
	}
	return models.QueueEntry{}, false
}

type Subscriber interface {
	Subscribe(topic events.Topic, handler events.Handler)
	Local(event events.Event) bool
}

// Subscribe consumes check-in conversions and rebalance requests raised in
// this process. Other processes handle their own.
func (l *Ledger) Subscribe(bus Subscriber) {
	bus.Subscribe(events.CheckinConverted, func(ctx context.Context, event events.Event) {
		if !bus.Local(event) {
			return
		}
		c, ok := event.Payload.(models.CheckinEntry)
		if !ok {
			l.logger.Warn("unexpected check-in conversion payload", zap.String("event_id", event.ID))
			return
		}
		if _, err := l.EnqueueFromCheckin(ctx, c); err != nil {
			l.logger.Error("enqueue converted check-in", zap.String("checkin_id", c.ID), zap.Error(err))
		}
	})
	bus.Subscribe(events.RebalanceNeeded, func(ctx context.Context, event events.Event) {
		if !bus.Local(event) {
			return
		}
		if _, _, err := l.Rebalance(ctx, event.LocationID); err != nil {
			l.logger.Error("rebalance", zap.String("location_id", event.LocationID), zap.Error(err))
		}
	})
}
