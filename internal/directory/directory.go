// Package directory owns employee records and their live workload, plus the
// service and location catalog the assignment engine reads from.
package directory

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

type Directory struct {
	mu        sync.RWMutex
	employees map[string]*models.Employee
	bus       events.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

type Options struct {
	Bus    events.Publisher
	Logger *zap.Logger
	Now    func() time.Time
}

func New(options Options) *Directory {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Directory{
		employees: make(map[string]*models.Employee),
		bus:       options.Bus,
		logger:    logger,
		now:       now,
	}
}

// Upsert stores an employee record. The current workload of an existing
// record is kept; workload is only ever derived from queue entries.
func (d *Directory) Upsert(employee models.Employee) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := employee.Clone()
	if existing, ok := d.employees[e.ID]; ok {
		e.Performance.CurrentWorkload = existing.Performance.CurrentWorkload
	}
	if e.Availability.Status == "" {
		e.Availability.Status = models.AvailabilityActive
	}
	d.employees[e.ID] = &e
}

func (d *Directory) Get(id string) (models.Employee, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.employees[id]
	if !ok {
		return models.Employee{}, false
	}
	return e.Clone(), true
}

// EmployeesAt returns copies of the employees at a location ordered by id.
func (d *Directory) EmployeesAt(locationID string) []models.Employee {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []models.Employee
	for _, e := range d.employees {
		if e.LocationID == locationID {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (d *Directory) Locations() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, e := range d.employees {
		if _, ok := seen[e.LocationID]; ok {
			continue
		}
		seen[e.LocationID] = struct{}{}
		out = append(out, e.LocationID)
	}
	sort.Strings(out)
	return out
}

func (d *Directory) Workload(id string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e, ok := d.employees[id]; ok {
		return e.Performance.CurrentWorkload
	}
	return 0
}

// WorkloadsAt returns the workload of every employee at the location who is
// eligible to take customers right now.
func (d *Directory) WorkloadsAt(locationID string) map[string]int {
	at := d.now()
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]int)
	for _, e := range d.employees {
		if e.LocationID != locationID || !e.IsActive || e.Availability.Status == models.AvailabilityInactive {
			continue
		}
		if !e.Schedule.WorksOn(at) {
			continue
		}
		out[e.ID] = e.Performance.CurrentWorkload
	}
	return out
}

// ReplaceWorkloads sets every employee's workload from a full recount;
// employees missing from counts drop to zero.
func (d *Directory) ReplaceWorkloads(counts map[string]int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, e := range d.employees {
		e.Performance.CurrentWorkload = counts[id]
	}
}

func (d *Directory) SetAvailability(ctx context.Context, id string, status models.AvailabilityStatus) (models.Employee, error) {
	if !status.Valid() {
		return models.Employee{}, store.NewValidationError("status", "unknown availability %q", status)
	}
	d.mu.Lock()
	e, ok := d.employees[id]
	if !ok {
		d.mu.Unlock()
		return models.Employee{}, &store.NotFoundError{Kind: "employee", ID: id}
	}
	previous := e.Availability.Status
	if previous == status {
		out := e.Clone()
		d.mu.Unlock()
		return out, nil
	}
	e.Availability = models.Availability{Status: status, LastStatusChange: d.now().UTC()}
	out := e.Clone()
	d.mu.Unlock()

	d.logger.Info("employee availability changed", zap.String("employee_id", id), zap.String("from", string(previous)), zap.String("to", string(status)))
	if d.bus != nil {
		d.bus.Publish(ctx, events.Event{
			Topic:      events.EmployeeAvailabilityChanged,
			LocationID: out.LocationID,
			EntityID:   out.ID,
			Payload:    out,
			Diff:       map[string]any{"status": map[string]any{"from": previous, "to": status}},
		})
	}
	return out, nil
}
