package resync

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"go.uber.org/zap"
)

type Ledger interface {
	Reconcile(ctx context.Context) int
	Merge(ctx context.Context, origin string, entries []models.QueueEntry) int
	Forget(ctx context.Context, origin, id string) bool
	Locations() []string
}

// storeOrigin tags merges from full read-backs. The rows are already shared
// through persistence, so relays treat them as foreign and do not echo them.
const storeOrigin = "store"

type Subscriber interface {
	Subscribe(topic events.Topic, handler events.Handler)
	Local(event events.Event) bool
}

type Options struct {
	Pending *Queue
	Ledger  Ledger
	Reader  store.QueueReader
	Logger  *zap.Logger
	// Locations adds locations to the full read-back beyond those the
	// ledger already holds entries for.
	Locations func() []string
	// FullEvery reads back every location on every FullEvery-th tick, so a
	// relay message that never arrived is still picked up. Defaults to 4.
	FullEvery int
}

// Reconciler flushes pending writes, folds in queue changes other processes
// made, and re-derives positions and workloads on every tick.
type Reconciler struct {
	pending   *Queue
	ledger    Ledger
	reader    store.QueueReader
	logger    *zap.Logger
	locations func() []string
	fullEvery int

	mu    sync.Mutex
	dirty map[string]string
	ticks int
}

func NewReconciler(options Options) *Reconciler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	fullEvery := options.FullEvery
	if fullEvery <= 0 {
		fullEvery = 4
	}
	return &Reconciler{
		pending:   options.Pending,
		ledger:    options.Ledger,
		reader:    options.Reader,
		logger:    logger,
		locations: options.Locations,
		fullEvery: fullEvery,
		dirty:     make(map[string]string),
	}
}

// Subscribe watches queue events from other processes. Removals apply at
// once; other changes mark the location for a read-back on the next tick.
func (r *Reconciler) Subscribe(bus Subscriber) {
	mark := func(_ context.Context, event events.Event) {
		if bus.Local(event) || event.LocationID == "" || event.Origin == storeOrigin {
			return
		}
		r.mu.Lock()
		r.dirty[event.LocationID] = event.Origin
		r.mu.Unlock()
	}
	bus.Subscribe(events.QueueEntryAdded, mark)
	bus.Subscribe(events.QueueEntryUpdated, mark)
	bus.Subscribe(events.QueueEntryRemoved, func(ctx context.Context, event events.Event) {
		if bus.Local(event) {
			return
		}
		r.ledger.Forget(ctx, event.Origin, event.EntityID)
	})
}

// Dirty returns the locations waiting for a read-back.
func (r *Reconciler) Dirty() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.dirty))
	for loc := range r.dirty {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) Tick(ctx context.Context) {
	if r.pending != nil && r.pending.Len() > 0 {
		if n := r.pending.Flush(ctx); n > 0 {
			r.logger.Info("flushed pending writes", zap.Int("count", n), zap.Int("remaining", r.pending.Len()))
		}
	}

	r.mu.Lock()
	dirty := r.dirty
	r.dirty = make(map[string]string)
	r.ticks++
	full := r.ticks%r.fullEvery == 0
	r.mu.Unlock()

	if r.reader != nil {
		if full {
			for _, loc := range r.sweepLocations() {
				if _, ok := dirty[loc]; !ok {
					dirty[loc] = storeOrigin
				}
			}
		}
		for _, loc := range sortedKeys(dirty) {
			r.readBack(ctx, loc, dirty[loc])
		}
	}

	r.ledger.Reconcile(ctx)
}

func (r *Reconciler) readBack(ctx context.Context, loc, origin string) {
	entries, err := r.reader.ListEntries(ctx, loc)
	if err != nil {
		r.logger.Warn("read back queue", zap.String("location_id", loc), zap.Error(err))
		if origin == storeOrigin {
			return
		}
		r.mu.Lock()
		if _, ok := r.dirty[loc]; !ok {
			r.dirty[loc] = origin
		}
		r.mu.Unlock()
		return
	}
	if n := r.ledger.Merge(ctx, origin, entries); n > 0 {
		r.logger.Info("merged remote queue changes", zap.String("location_id", loc), zap.Int("entries", n))
	}
}

func (r *Reconciler) sweepLocations() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			if _, ok := seen[id]; ok || id == "" {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	add(r.ledger.Locations())
	if r.locations != nil {
		add(r.locations())
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}
