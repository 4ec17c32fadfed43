package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"testing"
	"time"

	"qms/orchestrator/internal/assign"
	"qms/orchestrator/internal/directory"
	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/rules"
	"qms/orchestrator/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ at time.Time }

func (c *clock) now() time.Time {
	c.at = c.at.Add(time.Second)
	return c.at
}

type harness struct {
	ledger  *Ledger
	dir     *directory.Directory
	catalog *directory.Catalog
	bus     *events.Bus
	clock   *clock
}

type options struct {
	writer   store.QueueWriter
	deferrer store.Deferrer
	advisor  Advisor
}

func newHarness(opts options) *harness {
	c := &clock{at: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	bus := events.NewBus("test", nil)
	dir := directory.New(directory.Options{Bus: bus, Now: c.now})
	catalog := directory.NewCatalog()
	engine := assign.NewEngine(dir, catalog, c.now)
	n := 0
	ledger := NewLedger(Options{
		Assigner:  engine,
		Directory: dir,
		Catalog:   catalog,
		Advisor:   opts.advisor,
		Writer:    opts.writer,
		Deferrer:  opts.deferrer,
		Bus:       bus,
		Now:       c.now,
		NewID: func() string {
			n++
			return fmt.Sprintf("e%02d", n)
		},
	})
	return &harness{ledger: ledger, dir: dir, catalog: catalog, bus: bus, clock: c}
}

func (h *harness) employee(id string, rating float64) {
	h.dir.Upsert(models.Employee{
		ID:            id,
		LocationID:    "1",
		Name:          id,
		IsActive:      true,
		SkillLevels:   map[string]models.SkillLevel{"haircut": models.SkillExpert},
		Performance:   models.Performance{CustomerRating: rating},
		QueueSettings: models.QueueSettings{AcceptNewCustomers: true},
	})
}

func (h *harness) haircut(ids ...string) {
	h.catalog.UpsertService(models.Service{ID: "haircut", LocationID: "1", Name: "Haircut", EstimatedDuration: 30, AssignedEmployeeIDs: ids})
}

func (h *harness) enqueue(t *testing.T, name string) models.QueueEntry {
	t.Helper()
	e, _, err := h.ledger.Enqueue(context.Background(), EnqueueRequest{
		LocationID: "1",
		Customer:   models.Customer{Name: name, Phone: "555-" + name},
		Services:   []models.ServiceRef{{ID: "haircut", Name: "Haircut"}},
	})
	require.NoError(t, err)
	return e
}

func (h *harness) transition(t *testing.T, id string, status models.QueueStatus) models.QueueEntry {
	t.Helper()
	e, _, err := h.ledger.Transition(context.Background(), id, status, TransitionOptions{})
	require.NoError(t, err)
	return e
}

// assertInvariants checks dense positions by join time and workload counts.
func assertInvariants(t *testing.T, h *harness, locationID string) {
	t.Helper()
	entries := h.ledger.Entries(locationID)
	var waiting []models.QueueEntry
	counts := map[string]int{}
	for _, e := range entries {
		if e.Status == models.StatusWaiting {
			waiting = append(waiting, e)
		} else {
			assert.Zero(t, e.Position, "entry %s in %s keeps a position", e.ID, e.Status)
		}
		if e.Status.Active() && e.AssignedEmployeeID != "" {
			counts[e.AssignedEmployeeID]++
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return waiting[i].JoinedAt.Before(waiting[j].JoinedAt) })
	for i, e := range waiting {
		assert.Equal(t, i+1, e.Position, "entry %s", e.ID)
	}
	for _, emp := range h.dir.EmployeesAt(locationID) {
		assert.Equal(t, counts[emp.ID], emp.Performance.CurrentWorkload, "workload of %s", emp.ID)
	}
}

func TestSingleQualifiedEmployeeScenario(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")

	a := h.enqueue(t, "A")
	assert.Equal(t, "sarah", a.AssignedEmployeeID)
	assert.Equal(t, models.AssignAuto, a.AssignmentMethod)
	assert.Equal(t, 1, a.Position)

	b := h.enqueue(t, "B")
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 2, h.dir.Workload("sarah"))

	h.transition(t, a.ID, models.StatusCalled)
	got, _ := h.ledger.Get(b.ID)
	assert.Equal(t, 1, got.Position)

	h.transition(t, a.ID, models.StatusInProgress)
	done := h.transition(t, a.ID, models.StatusCompleted)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ServiceStartTime)
	assert.Zero(t, done.Position)
	assert.Equal(t, 1, h.dir.Workload("sarah"))
	assertInvariants(t, h, "1")
}

func TestSecondQualifiedEmployeeTakesLowerWorkload(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.employee("maria", 4.75)
	h.haircut("sarah", "maria")

	a := h.enqueue(t, "A")
	b := h.enqueue(t, "B")
	assert.NotEqual(t, a.AssignedEmployeeID, b.AssignedEmployeeID)
	assert.Equal(t, 1, h.dir.Workload("sarah"))
	assert.Equal(t, 1, h.dir.Workload("maria"))
}

func TestCompleteTwiceIsNoOp(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	a := h.enqueue(t, "A")
	h.enqueue(t, "B")
	h.transition(t, a.ID, models.StatusCalled)
	h.transition(t, a.ID, models.StatusInProgress)

	first := h.transition(t, a.ID, models.StatusCompleted)
	second := h.transition(t, a.ID, models.StatusCompleted)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.dir.Workload("sarah"))
}

func TestTransitionErrors(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	a := h.enqueue(t, "A")
	ctx := context.Background()

	_, _, err := h.ledger.Transition(ctx, "missing", models.StatusCalled, TransitionOptions{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = h.ledger.Transition(ctx, a.ID, models.StatusCompleted, TransitionOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	var ite *store.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, "waiting", ite.From)

	_, _, err = h.ledger.Transition(ctx, a.ID, "teleported", TransitionOptions{})
	assert.ErrorIs(t, err, store.ErrValidation)

	h.transition(t, a.ID, models.StatusTransferred)
	_, _, err = h.ledger.Transition(ctx, a.ID, models.StatusWaiting, TransitionOptions{})
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestEnqueueRequiresServices(t *testing.T) {
	h := newHarness(options{})
	_, _, err := h.ledger.Enqueue(context.Background(), EnqueueRequest{LocationID: "1", Customer: models.Customer{Name: "A"}})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Empty(t, h.ledger.Entries("1"))
}

func TestEnqueueManualAndPreferred(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.9)
	h.employee("tom", 3.0)
	h.haircut("sarah", "tom")
	ctx := context.Background()

	manual, _, err := h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}, EmployeeID: "tom"})
	require.NoError(t, err)
	assert.Equal(t, "tom", manual.AssignedEmployeeID)
	assert.Equal(t, models.AssignManual, manual.AssignmentMethod)
	assert.Equal(t, "Haircut", manual.Services[0].Name)

	preferred, _, err := h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}, PreferredEmployeeID: "tom"})
	require.NoError(t, err)
	assert.Equal(t, "tom", preferred.AssignedEmployeeID)
	assert.Equal(t, models.AssignPreferred, preferred.AssignmentMethod)

	_, _, err = h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}, EmployeeID: "ghost"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueWithoutCandidateStaysUnassigned(t *testing.T) {
	h := newHarness(options{})
	h.haircut()
	e := h.enqueue(t, "A")
	assert.Empty(t, e.AssignedEmployeeID)
	assert.Empty(t, e.AssignmentMethod)
	assert.Equal(t, 1, e.Position)
}

func TestCallNextOverridesEmployee(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.employee("tom", 4.0)
	h.haircut("sarah")
	a := h.enqueue(t, "A")
	h.enqueue(t, "B")

	called, ok, _, err := h.ledger.CallNext(context.Background(), "1", "tom")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.ID, called.ID)
	assert.Equal(t, models.StatusCalled, called.Status)
	assert.Equal(t, "tom", called.AssignedEmployeeID)
	assert.Equal(t, models.AssignManual, called.AssignmentMethod)
	require.NotNil(t, called.CalledAt)
	assert.Equal(t, 1, h.dir.Workload("tom"))
	assertInvariants(t, h, "1")

	_, ok, _, err = h.ledger.CallNext(context.Background(), "2", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEmployeeFromAnotherLocationIsRejected(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	h.dir.Upsert(models.Employee{
		ID:            "ana",
		LocationID:    "2",
		Name:          "Ana",
		IsActive:      true,
		SkillLevels:   map[string]models.SkillLevel{"haircut": models.SkillExpert},
		QueueSettings: models.QueueSettings{AcceptNewCustomers: true},
	})
	a := h.enqueue(t, "A")
	ctx := context.Background()

	_, _, err := h.ledger.Reassign(ctx, a.ID, "ana")
	assert.ErrorIs(t, err, store.ErrValidation)

	_, _, err = h.ledger.Transition(ctx, a.ID, models.StatusCalled, TransitionOptions{EmployeeID: "ana"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, ok, _, err := h.ledger.CallNext(ctx, "1", "ana")
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.False(t, ok)

	_, _, err = h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}, EmployeeID: "ana"})
	assert.ErrorIs(t, err, store.ErrValidation)

	got, ok := h.ledger.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusWaiting, got.Status)
	assert.Equal(t, "sarah", got.AssignedEmployeeID)
	assert.Zero(t, h.dir.Workload("ana"))
	assertInvariants(t, h, "1")
}

func TestRemoveCompactsPositions(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	ch, stop := h.bus.Watch("1", 64)
	defer stop()

	h.enqueue(t, "A")
	b := h.enqueue(t, "B")
	c := h.enqueue(t, "C")
	_, _, err := h.ledger.Remove(context.Background(), b.ID)
	require.NoError(t, err)

	got, _ := h.ledger.Get(c.ID)
	assert.Equal(t, 2, got.Position)
	_, ok := h.ledger.Get(b.ID)
	assert.False(t, ok)
	assert.Equal(t, 2, h.dir.Workload("sarah"))

	var removed int
	for len(ch) > 0 {
		if ev := <-ch; ev.Topic == events.QueueEntryRemoved {
			removed++
			assert.Equal(t, b.ID, ev.EntityID)
		}
	}
	assert.Equal(t, 1, removed)
}

func TestRandomOperationsKeepInvariants(t *testing.T) {
	h := newHarness(options{})
	for i, id := range []string{"a", "b", "c"} {
		h.employee(id, 4.0+float64(i)*0.3)
	}
	h.haircut("a", "b", "c")
	r := rand.New(rand.NewSource(7))
	ctx := context.Background()
	statuses := []models.QueueStatus{
		models.StatusCalled, models.StatusInProgress, models.StatusCompleted,
		models.StatusNoShow, models.StatusCancelled, models.StatusTransferred,
	}

	for i := 0; i < 300; i++ {
		entries := h.ledger.Entries("1")
		switch op := r.Intn(5); {
		case op < 2 || len(entries) == 0:
			h.enqueue(t, fmt.Sprintf("c%d", i))
		case op == 2:
			e := entries[r.Intn(len(entries))]
			_, _, _ = h.ledger.Transition(ctx, e.ID, statuses[r.Intn(len(statuses))], TransitionOptions{})
		case op == 3:
			_, _, _, _ = h.ledger.CallNext(ctx, "1", "")
		default:
			e := entries[r.Intn(len(entries))]
			_, _, _ = h.ledger.Remove(ctx, e.ID)
		}
		assertInvariants(t, h, "1")
	}
}

func TestEstimatedWait(t *testing.T) {
	h := newHarness(options{})
	h.employee("a", 4.0)
	h.employee("b", 4.0)
	h.haircut("a", "b")

	first := h.enqueue(t, "A")
	assert.Zero(t, first.EstimatedWaitMinutes)
	h.enqueue(t, "B")
	third := h.enqueue(t, "C")
	assert.Equal(t, 30, third.EstimatedWaitMinutes)

	h.transition(t, first.ID, models.StatusCalled)
	got, _ := h.ledger.Get(third.ID)
	assert.Equal(t, 2, got.Position)
	assert.Equal(t, 30, got.EstimatedWaitMinutes)
}

type failingWriter struct{}

func (failingWriter) SaveEntries(context.Context, []models.QueueEntry) error {
	return errors.New("database unreachable")
}

func (failingWriter) DeleteEntry(context.Context, string) error {
	return errors.New("database unreachable")
}

type keyDeferrer struct{ keys map[string]int }

func (d *keyDeferrer) Defer(key string, _ func(context.Context) error) { d.keys[key]++ }

func TestPersistenceFailureKeepsLocalState(t *testing.T) {
	deferrer := &keyDeferrer{keys: map[string]int{}}
	h := newHarness(options{writer: failingWriter{}, deferrer: deferrer})
	h.employee("sarah", 4.8)
	h.haircut("sarah")

	e, outcome, err := h.ledger.Enqueue(context.Background(), EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}})
	require.NoError(t, err)
	assert.False(t, outcome.Committed)
	assert.True(t, outcome.PendingRetry)
	assert.Equal(t, 1, deferrer.keys["entry:"+e.ID])

	_, ok := h.ledger.Get(e.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, h.dir.Workload("sarah"))
}

type fakeAdvisor struct {
	manual bool
	fired  []rules.FiredAction
}

func (a fakeAdvisor) EvaluateEntry(models.QueueEntry) []rules.FiredAction { return a.fired }
func (a fakeAdvisor) ManualControl(string) bool                         { return a.manual }

func TestEmergencyOverrideMakesAssignmentAdvisory(t *testing.T) {
	h := newHarness(options{advisor: fakeAdvisor{
		manual: true,
		fired:  []rules.FiredAction{{RuleID: "r", Action: models.Action{Type: models.ActionSetPriority, Parameters: map[string]string{"priority": "urgent"}}}},
	}})
	h.employee("sarah", 4.8)
	h.haircut("sarah")

	e := h.enqueue(t, "A")
	assert.Empty(t, e.AssignedEmployeeID)
	assert.Equal(t, "sarah", e.SuggestedEmployeeID)
	assert.Equal(t, models.PriorityNormal, e.Priority)
	assert.Zero(t, h.dir.Workload("sarah"))

	moved, _, err := h.ledger.Rebalance(context.Background(), "1")
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestEntryRulesApply(t *testing.T) {
	h := newHarness(options{advisor: fakeAdvisor{fired: []rules.FiredAction{
		{RuleID: "p", Action: models.Action{Type: models.ActionSetPriority, Parameters: map[string]string{"priority": "high"}}},
		{RuleID: "a", Action: models.Action{Type: models.ActionAssignEmployee, Parameters: map[string]string{"employee_id": "tom"}}},
	}}})
	h.employee("sarah", 4.8)
	h.employee("tom", 3.0)
	h.haircut("sarah")

	e := h.enqueue(t, "A")
	assert.Equal(t, models.PriorityHigh, e.Priority)
	assert.Equal(t, "tom", e.AssignedEmployeeID)
	assert.Equal(t, models.AssignAuto, e.AssignmentMethod)
}

func TestServiceLimitFromRules(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	ctx := context.Background()

	err := h.ledger.ApplyActions(ctx, "1", []rules.FiredAction{
		{RuleID: "cap", Action: models.Action{Type: models.ActionLimitService, Parameters: map[string]string{"service_id": "haircut", "max": "1"}}},
	})
	require.NoError(t, err)
	h.enqueue(t, "A")
	_, _, err = h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", Services: []models.ServiceRef{{ID: "haircut"}}})
	assert.ErrorIs(t, err, store.ErrValidation)

	require.NoError(t, h.ledger.ApplyActions(ctx, "1", nil))
	assert.Empty(t, h.ledger.ServiceLimits("1"))
	h.enqueue(t, "B")
}

func TestApplySetPriorityByCustomerType(t *testing.T) {
	h := newHarness(options{})
	h.haircut()
	ctx := context.Background()
	vip, _, err := h.ledger.Enqueue(ctx, EnqueueRequest{LocationID: "1", CustomerType: models.CustomerVIP, Services: []models.ServiceRef{{ID: "haircut"}}})
	require.NoError(t, err)
	regular := h.enqueue(t, "R")

	require.NoError(t, h.ledger.ApplyActions(ctx, "1", []rules.FiredAction{
		{RuleID: "vip", Action: models.Action{Type: models.ActionSetPriority, Parameters: map[string]string{"priority": "high", "customer_type": "vip"}}},
	}))
	got, _ := h.ledger.Get(vip.ID)
	assert.Equal(t, models.PriorityHigh, got.Priority)
	got, _ = h.ledger.Get(regular.ID)
	assert.Equal(t, models.PriorityNormal, got.Priority)
}

func TestRebalanceMovesToIdleEmployee(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	for _, name := range []string{"A", "B", "C"} {
		h.enqueue(t, name)
	}
	assert.Equal(t, 3, h.dir.Workload("sarah"))

	h.employee("tom", 4.8)
	h.haircut("sarah", "tom")
	moved, _, err := h.ledger.Rebalance(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, 2, h.dir.Workload("sarah"))
	assert.Equal(t, 1, h.dir.Workload("tom"))

	var balanced int
	for _, e := range h.ledger.Waiting("1") {
		if e.AssignmentMethod == models.AssignLoadBalanced {
			balanced++
			assert.Equal(t, "tom", e.AssignedEmployeeID)
		}
	}
	assert.Equal(t, 1, balanced)
	assertInvariants(t, h, "1")
}

func TestMergeKeepsNewerCopy(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	a := h.enqueue(t, "A")
	ctx := context.Background()

	stale := a.Clone()
	stale.Notes = "stale"
	stale.UpdatedAt = a.UpdatedAt.Add(-time.Minute)
	assert.Zero(t, h.ledger.Merge(ctx, "other", []models.QueueEntry{stale}))

	newer := a.Clone()
	newer.Status = models.StatusCalled
	newer.UpdatedAt = a.UpdatedAt.Add(time.Minute)
	remote := models.QueueEntry{
		ID: "remote-1", LocationID: "1", Status: models.StatusWaiting,
		Services: []models.ServiceRef{{ID: "haircut"}}, AssignedEmployeeID: "sarah",
		JoinedAt: a.JoinedAt.Add(time.Second), UpdatedAt: a.UpdatedAt,
	}
	assert.Equal(t, 2, h.ledger.Merge(ctx, "other", []models.QueueEntry{newer, remote}))

	got, _ := h.ledger.Get(a.ID)
	assert.Equal(t, models.StatusCalled, got.Status)
	got, _ = h.ledger.Get("remote-1")
	assert.Equal(t, 1, got.Position)
	assert.Equal(t, 2, h.dir.Workload("sarah"))

	assert.True(t, h.ledger.Forget(ctx, "other", "remote-1"))
	assert.Equal(t, 1, h.dir.Workload("sarah"))
}

func TestReconcileRepairsDrift(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	h.enqueue(t, "A")
	h.enqueue(t, "B")

	h.dir.ReplaceWorkloads(map[string]int{"sarah": 9})
	h.ledger.mu.Lock()
	for _, e := range h.ledger.entries {
		e.Position = 7
	}
	h.ledger.mu.Unlock()

	assert.Equal(t, 2, h.ledger.Reconcile(context.Background()))
	assertInvariants(t, h, "1")
	assert.Zero(t, h.ledger.Reconcile(context.Background()))
}

func TestConvertedCheckinIsEnqueuedOnce(t *testing.T) {
	h := newHarness(options{})
	h.employee("sarah", 4.8)
	h.haircut("sarah")
	h.ledger.Subscribe(h.bus)

	c := models.CheckinEntry{
		ID: "c1", LocationID: "1", Customer: models.Customer{Name: "Dana", Phone: "555-0100"},
		Services: []models.ServiceRef{{ID: "haircut", Name: "Haircut"}}, Notes: "window seat",
	}
	ctx := context.Background()
	h.bus.Publish(ctx, events.Event{Topic: events.CheckinConverted, LocationID: "1", EntityID: c.ID, Payload: c})
	h.bus.Publish(ctx, events.Event{Topic: events.CheckinConverted, LocationID: "1", EntityID: c.ID, Payload: c})
	h.bus.Inject(ctx, events.Event{Topic: events.CheckinConverted, LocationID: "1", EntityID: "c2", Origin: "other", Payload: c})

	entries := h.ledger.Entries("1")
	require.Len(t, entries, 1)
	assert.Equal(t, "c1", entries[0].CheckinID)
	assert.Equal(t, "Dana", entries[0].Customer.Name)
	assert.Equal(t, "window seat", entries[0].Notes)
}
