package checkin

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"qms/orchestrator/internal/assign"
	"qms/orchestrator/internal/directory"
	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/queue"
	"qms/orchestrator/internal/rules"
	"qms/orchestrator/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var salon = models.Location{ID: "1", Name: "Main St", Latitude: 40.7128, Longitude: -74.0060, GeofenceRadiusMeters: 100, KnownNetworks: []string{"Salon-Guest", "AA:BB:CC:DD:EE:FF"}}

type testClock struct{ at time.Time }

func (c *testClock) now() time.Time { return c.at }

func newManager(bus *events.Bus) (*Manager, *testClock, *directory.Catalog) {
	clock := &testClock{at: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	catalog := directory.NewCatalog()
	catalog.UpsertLocation(salon)
	m := NewManager(Options{Locations: catalog, Bus: bus, Now: clock.now, VerifyTimeout: 50 * time.Millisecond})
	return m, clock, catalog
}

func haircut() []models.ServiceRef { return []models.ServiceRef{{ID: "haircut", Name: "Haircut"}} }

// north returns coordinates the given distance due north of salon.
func north(meters float64) models.Coordinates {
	return models.Coordinates{Latitude: salon.Latitude + (meters/earthRadiusMeters)*180/math.Pi, Longitude: salon.Longitude}
}

func TestVerifyLocationBoundary(t *testing.T) {
	m, _, _ := newManager(nil)

	ok, d, err := m.VerifyLocation("1", north(99))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 99, d, 0.01)

	ok, _, err = m.VerifyLocation("1", north(101))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = m.VerifyLocation("nowhere", north(0))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddCheckinValidatesAndIssuesCode(t *testing.T) {
	m, _, _ := newManager(nil)
	ctx := context.Background()

	_, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1"})
	assert.ErrorIs(t, err, store.ErrValidation)

	c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
	require.NoError(t, err)
	code, ok := NormalizeCode(c.Code)
	assert.True(t, ok)
	assert.Equal(t, code, c.Code)
	assert.Equal(t, models.CheckinEnRoute, c.Status)
	assert.Equal(t, models.CheckinRemote, c.Type)

	inStore, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Type: models.CheckinInStore})
	require.NoError(t, err)
	assert.Equal(t, models.CheckinPresent, inStore.Status)
	assert.NotNil(t, inStore.ActualArrivalTime)
}

func TestRequestedCodeMustBeUniqueAmongActive(t *testing.T) {
	m, _, _ := newManager(nil)
	ctx := context.Background()

	first, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Code: "ab12cd"})
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", first.Code)

	_, _, err = m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Code: "AB12CD"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, _, err = m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Code: "AB-12"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, _, err = m.Cancel(ctx, first.ID)
	require.NoError(t, err)
	reused, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Code: "AB12CD"})
	require.NoError(t, err)

	found, ok := m.FindByCode("ab12cd")
	require.True(t, ok)
	assert.Equal(t, reused.ID, found.ID)
}

func TestExpireOldBoundary(t *testing.T) {
	m, clock, _ := newManager(nil)
	ctx := context.Background()

	late := clock.at.Add(-(4*time.Hour + time.Minute))
	onTime := clock.at.Add(-(3*time.Hour + 59*time.Minute))
	a, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), EstimatedArrival: &late})
	require.NoError(t, err)
	b, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), EstimatedArrival: &onTime})
	require.NoError(t, err)

	expired := m.ExpireOld(ctx)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)

	got, _ := m.Get(a.ID)
	assert.Equal(t, models.CheckinExpired, got.Status)
	got, _ = m.Get(b.ID)
	assert.Equal(t, models.CheckinEnRoute, got.Status)
}

func TestPurgeTerminalAfterDay(t *testing.T) {
	m, clock, _ := newManager(nil)
	ctx := context.Background()
	done, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
	require.NoError(t, err)
	active, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
	require.NoError(t, err)
	_, _, err = m.Cancel(ctx, done.ID)
	require.NoError(t, err)

	clock.at = clock.at.Add(23 * time.Hour)
	assert.Empty(t, m.PurgeTerminal(ctx))

	clock.at = clock.at.Add(2 * time.Hour)
	assert.Equal(t, []string{done.ID}, m.PurgeTerminal(ctx))
	_, ok := m.Get(active.ID)
	assert.True(t, ok)
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()

	t.Run("geolocation", func(t *testing.T) {
		m, _, _ := newManager(nil)
		c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
		require.NoError(t, err)
		res, _, err := m.Verify(ctx, c.ID, VerifyRequest{Position: Fixed(north(20))})
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, models.VerifyGeolocation, res.Method)
		assert.Equal(t, models.CheckinPresent, res.Checkin.Status)
		assert.NotNil(t, res.Checkin.ActualArrivalTime)
	})

	t.Run("timeout falls back to network", func(t *testing.T) {
		m, _, _ := newManager(nil)
		c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
		require.NoError(t, err)
		hang := PositionFunc(func(ctx context.Context) (models.Coordinates, error) {
			<-ctx.Done()
			return models.Coordinates{}, ctx.Err()
		})
		res, _, err := m.Verify(ctx, c.ID, VerifyRequest{Position: hang, Network: &Network{BSSID: "aa-bb-cc-dd-ee-ff"}})
		require.NoError(t, err)
		assert.True(t, res.Verified)
		assert.Equal(t, models.VerifyWiFi, res.Method)
	})

	t.Run("falls through to manual", func(t *testing.T) {
		m, _, _ := newManager(nil)
		c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut()})
		require.NoError(t, err)
		res, _, err := m.Verify(ctx, c.ID, VerifyRequest{Position: Fixed(north(500)), Network: &Network{SSID: "CoffeeShop"}})
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Equal(t, models.VerifyManual, res.Method)
		require.NotNil(t, res.Failure)
		assert.True(t, errors.Is(res.Failure, store.ErrVerification))
		assert.Len(t, res.Failure.Reasons, 2)
		assert.Equal(t, models.CheckinEnRoute, res.Checkin.Status)
		require.NotNil(t, res.Distance)
		assert.Greater(t, *res.Distance, 100.0)

		confirmed, _, err := m.ConfirmByStaff(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CheckinPresent, confirmed.Status)
		assert.Equal(t, models.VerifyStaffConfirmed, confirmed.VerificationMethod)
	})
}

func newLedgerFor(m *Manager, bus *events.Bus, clock *testClock, catalog *directory.Catalog) *queue.Ledger {
	dir := directory.New(directory.Options{Bus: bus, Now: clock.now})
	dir.Upsert(models.Employee{
		ID: "sarah", LocationID: "1", Name: "Sarah", IsActive: true,
		SkillLevels:   map[string]models.SkillLevel{"haircut": models.SkillExpert},
		QueueSettings: models.QueueSettings{AcceptNewCustomers: true},
	})
	catalog.UpsertService(models.Service{ID: "haircut", LocationID: "1", Name: "Haircut", EstimatedDuration: 30, AssignedEmployeeIDs: []string{"sarah"}})
	ledger := queue.NewLedger(queue.Options{
		Assigner:  assign.NewEngine(dir, catalog, clock.now),
		Directory: dir,
		Catalog:   catalog,
		Checkins:  m,
		Bus:       bus,
		Now:       clock.now,
	})
	ledger.Subscribe(bus)
	m.SetEnqueuer(ledger)
	return ledger
}

func TestConvertToQueueEndToEnd(t *testing.T) {
	bus := events.NewBus("test", nil)
	m, clock, catalog := newManager(bus)
	ledger := newLedgerFor(m, bus, clock, catalog)
	ctx := context.Background()

	arrival := clock.at.Add(30 * time.Minute)
	c, _, err := m.AddCheckin(ctx, AddRequest{
		LocationID:       "1",
		Customer:         models.Customer{Name: "Dana", Phone: "555-0100", Email: "dana@example.com"},
		Services:         haircut(),
		Code:             "AB12CD",
		EstimatedArrival: &arrival,
		Notes:            "prefers quiet",
	})
	require.NoError(t, err)
	assert.Equal(t, models.CheckinEnRoute, c.Status)

	converted, _, err := m.ConvertToQueue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckinInQueue, converted.Status)

	entries := ledger.Entries("1")
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, c.Services, e.Services)
	assert.Equal(t, c.Customer, e.Customer)
	assert.Equal(t, "prefers quiet", e.Notes)
	assert.Equal(t, c.ID, e.CheckinID)
	assert.Equal(t, "sarah", e.AssignedEmployeeID)
	assert.Equal(t, e.ID, converted.QueueEntryID)

	_, _, err = m.ConvertToQueue(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Len(t, ledger.Entries("1"), 1)
}

func TestConvertToQueueRejectedByServiceLimit(t *testing.T) {
	bus := events.NewBus("test", nil)
	m, clock, catalog := newManager(bus)
	ledger := newLedgerFor(m, bus, clock, catalog)
	ctx := context.Background()
	require.NoError(t, ledger.ApplyActions(ctx, "1", []rules.FiredAction{
		{RuleID: "cap", Action: models.Action{Type: models.ActionLimitService, Parameters: map[string]string{"service_id": "haircut", "max": "0"}}},
	}))

	c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Customer: models.Customer{Name: "Dana"}, Services: haircut()})
	require.NoError(t, err)

	_, _, err = m.ConvertToQueue(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Empty(t, ledger.Entries("1"))

	kept, ok := m.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, models.CheckinEnRoute, kept.Status)
	assert.Empty(t, kept.QueueEntryID)

	require.NoError(t, ledger.ApplyActions(ctx, "1", nil))
	converted, _, err := m.ConvertToQueue(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CheckinInQueue, converted.Status)
	require.Len(t, ledger.Entries("1"), 1)
	assert.Equal(t, ledger.Entries("1")[0].ID, converted.QueueEntryID)
}

type failingEnqueuer struct{ calls int }

func (f *failingEnqueuer) EnqueueFromCheckin(context.Context, models.CheckinEntry) (models.QueueEntry, error) {
	f.calls++
	return models.QueueEntry{}, errors.New("ledger unavailable")
}

func TestConvertToQueueKeepsStatusWhenEnqueueFails(t *testing.T) {
	m, _, _ := newManager(nil)
	enqueuer := &failingEnqueuer{}
	m.SetEnqueuer(enqueuer)
	ctx := context.Background()

	c, _, err := m.AddCheckin(ctx, AddRequest{LocationID: "1", Services: haircut(), Type: models.CheckinInStore})
	require.NoError(t, err)

	_, _, err = m.ConvertToQueue(ctx, c.ID)
	assert.EqualError(t, err, "ledger unavailable")
	_, _, err = m.ConvertToQueue(ctx, c.ID)
	assert.Error(t, err)
	assert.Equal(t, 2, enqueuer.calls)

	kept, _ := m.Get(c.ID)
	assert.Equal(t, models.CheckinPresent, kept.Status)
}

type failingCheckinWriter struct{}

func (failingCheckinWriter) SaveCheckin(context.Context, models.CheckinEntry) error {
	return errors.New("timeout")
}

func (failingCheckinWriter) DeleteCheckins(context.Context, []string) error {
	return errors.New("timeout")
}

type countingDeferrer struct{ keys []string }

func (d *countingDeferrer) Defer(key string, _ func(context.Context) error) { d.keys = append(d.keys, key) }

func TestAddCheckinDegradesWhenStoreFails(t *testing.T) {
	d := &countingDeferrer{}
	catalog := directory.NewCatalog()
	catalog.UpsertLocation(salon)
	m := NewManager(Options{Locations: catalog, Writer: failingCheckinWriter{}, Deferrer: d})

	c, outcome, err := m.AddCheckin(context.Background(), AddRequest{LocationID: "1", Services: haircut()})
	require.NoError(t, err)
	assert.True(t, outcome.PendingRetry)
	assert.Equal(t, []string{"checkin:" + c.ID}, d.keys)
	_, ok := m.Get(c.ID)
	assert.True(t, ok)
}
