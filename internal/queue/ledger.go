// Package queue is the queue ledger: it owns every QueueEntry, enforces the
// status machine and keeps positions, wait estimates and employee workloads
// derived from the full entry set after each mutation.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/orchestrator/internal/assign"
	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/rules"
	"qms/orchestrator/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// defaultServiceMinutes is used for wait estimates when a service has no
// catalog duration.
const defaultServiceMinutes = 30

type Assigner interface {
	Select(locationID string, services []models.ServiceRef) (assign.Decision, bool)
	Eligible(locationID string) []models.Employee
}

type Directory interface {
	Get(id string) (models.Employee, bool)
	Workload(id string) int
	ReplaceWorkloads(counts map[string]int)
}

type Catalog interface {
	Service(id string) (models.Service, bool)
}

// Advisor supplies rule actions for new entries and the emergency flag.
type Advisor interface {
	EvaluateEntry(entry models.QueueEntry) []rules.FiredAction
	ManualControl(locationID string) bool
}

// CheckinLinker records which queue entry a converted check-in became.
type CheckinLinker interface {
	LinkQueueEntry(ctx context.Context, checkinID, entryID string) error
}

type Options struct {
	Assigner  Assigner
	Directory Directory
	Catalog   Catalog
	Advisor   Advisor
	Checkins  CheckinLinker
	Writer    store.QueueWriter
	Customers store.CustomerWriter
	Deferrer  store.Deferrer
	Bus       events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
}

type Ledger struct {
	mu      sync.RWMutex
	entries map[string]*models.QueueEntry
	// limits caps waiting entries per service at a location.
	limits map[string]map[string]int

	assigner  Assigner
	directory Directory
	catalog   Catalog
	advisor   Advisor
	checkins  CheckinLinker
	writer    store.QueueWriter
	customers store.CustomerWriter
	deferrer  store.Deferrer
	bus       events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	tracer    trace.Tracer
}

func NewLedger(options Options) *Ledger {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	newID := options.NewID
	if newID == nil {
		newID = newEntryID
	}
	return &Ledger{
		entries:   make(map[string]*models.QueueEntry),
		limits:    make(map[string]map[string]int),
		assigner:  options.Assigner,
		directory: options.Directory,
		catalog:   options.Catalog,
		advisor:   options.Advisor,
		checkins:  options.Checkins,
		writer:    options.Writer,
		customers: options.Customers,
		deferrer:  options.Deferrer,
		bus:       options.Bus,
		logger:    logger,
		now:       now,
		newID:     newID,
		tracer:    otel.Tracer("qms/orchestrator/queue"),
	}
}

// SetAdvisor wires the rule controller after construction.
func (l *Ledger) SetAdvisor(advisor Advisor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.advisor = advisor
}

// Load replaces the ledger contents with entries read at start-up and
// recomputes derived fields without writing them back.
func (l *Ledger) Load(entries []models.QueueEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*models.QueueEntry, len(entries))
	locations := make(map[string]struct{})
	for _, e := range entries {
		c := e.Clone()
		l.entries[c.ID] = &c
		locations[c.LocationID] = struct{}{}
	}
	b := newBatch()
	for loc := range locations {
		l.recomputeLocked(loc, b)
	}
	l.recountWorkloadsLocked()
}

func (l *Ledger) Get(id string) (models.QueueEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return models.QueueEntry{}, false
	}
	return e.Clone(), true
}

// Entries returns every entry at a location ordered by join time.
func (l *Ledger) Entries(locationID string) []models.QueueEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.QueueEntry, 0)
	for _, e := range l.entries {
		if e.LocationID == locationID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return joinedBefore(&out[i], &out[j]) })
	return out
}

// Waiting returns the waiting entries at a location in position order.
func (l *Ledger) Waiting(locationID string) []models.QueueEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.QueueEntry, 0)
	for _, e := range l.waitingLocked(locationID) {
		out = append(out, e.Clone())
	}
	return out
}

func (l *Ledger) Locations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, e := range l.entries {
		seen[e.LocationID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ServiceLimits returns the active per-service caps at a location.
func (l *Ledger) ServiceLimits(locationID string) map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.limits[locationID]))
	for k, v := range l.limits[locationID] {
		out[k] = v
	}
	return out
}

func (l *Ledger) manualControl(locationID string) bool {
	l.mu.RLock()
	advisor := l.advisor
	l.mu.RUnlock()
	return advisor != nil && advisor.ManualControl(locationID)
}

func (l *Ledger) currentAdvisor() Advisor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.advisor
}

func (l *Ledger) waitingLocked(locationID string) []*models.QueueEntry {
	var out []*models.QueueEntry
	for _, e := range l.entries {
		if e.LocationID == locationID && e.Status == models.StatusWaiting {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return joinedBefore(out[i], out[j]) })
	return out
}

func joinedBefore(a, b *models.QueueEntry) bool {
	if !a.JoinedAt.Equal(b.JoinedAt) {
		return a.JoinedAt.Before(b.JoinedAt)
	}
	return a.ID < b.ID
}
