package queue

import (
	"context"
	"fmt"
	"strconv"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/rules"
	"qms/orchestrator/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type EnqueueRequest struct {
	LocationID          string
	Customer            models.Customer
	CustomerType        models.CustomerType
	Services            []models.ServiceRef
	PreferredEmployeeID string
	// EmployeeID assigns the entry manually and skips auto-assignment.
	EmployeeID string
	Priority   models.Priority
	Notes      string
	CheckinID  string
}

func (l *Ledger) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (l *Ledger) Enqueue(ctx context.Context, req EnqueueRequest) (entry models.QueueEntry, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "enqueue", attribute.String("location_id", req.LocationID))
	defer func() {
		metrics.QueueOperation("enqueue", err)
		endSpan(span, err)
	}()

	if req.LocationID == "" {
		return models.QueueEntry{}, store.Outcome{}, store.NewValidationError("location_id", "is required")
	}
	if len(req.Services) == 0 {
		return models.QueueEntry{}, store.Outcome{}, store.NewValidationError("services", "at least one service is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !req.Priority.Valid() {
		return models.QueueEntry{}, store.Outcome{}, store.NewValidationError("priority", "unknown priority %q", req.Priority)
	}
	if req.CustomerType == "" {
		req.CustomerType = models.CustomerNew
	}

	at := l.now().UTC()
	draft := models.QueueEntry{
		ID:                  l.newID(),
		LocationID:          req.LocationID,
		Customer:            req.Customer,
		CustomerType:        req.CustomerType,
		Services:            l.resolveServices(req.Services),
		PreferredEmployeeID: req.PreferredEmployeeID,
		Priority:            req.Priority,
		Status:              models.StatusWaiting,
		JoinedAt:            at,
		CheckinID:           req.CheckinID,
		Notes:               req.Notes,
		UpdatedAt:           at,
	}

	advisor := l.currentAdvisor()
	manual := advisor != nil && advisor.ManualControl(req.LocationID)
	var ruleEmployee string
	if advisor != nil {
		for _, fired := range advisor.EvaluateEntry(draft) {
			l.logger.Debug("rule fired for entry", zap.String("rule_id", fired.RuleID), zap.String("action", string(fired.Action.Type)), zap.Bool("advisory", manual))
			if manual {
				continue
			}
			switch fired.Action.Type {
			case models.ActionSetPriority:
				draft.Priority = models.Priority(fired.Action.Parameters["priority"])
			case models.ActionAssignEmployee:
				ruleEmployee = fired.Action.Parameters["employee_id"]
			}
		}
	}

	if err := l.assignNew(&draft, req.EmployeeID, ruleEmployee, manual); err != nil {
		return models.QueueEntry{}, store.Outcome{}, err
	}

	b := newBatch()
	l.mu.Lock()
	if err := l.checkLimitLocked(&draft); err != nil {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, err
	}
	stored := draft
	l.entries[stored.ID] = &stored
	b.touch(&stored, events.QueueEntryAdded, nil)
	l.recomputeLocked(stored.LocationID, b)
	l.recountWorkloadsLocked()
	entry = stored.Clone()
	b.snapshot()
	l.mu.Unlock()

	if entry.AssignmentMethod != "" {
		metrics.Assigned(string(entry.AssignmentMethod))
	}
	l.logger.Info("queue entry added",
		zap.String("entry_id", entry.ID),
		zap.String("location_id", entry.LocationID),
		zap.Int("position", entry.Position),
		zap.String("employee_id", entry.AssignedEmployeeID),
		zap.String("method", string(entry.AssignmentMethod)),
	)
	return entry, l.commit(ctx, "enqueue", b), nil
}

// assignNew decides the employee for a new entry. A manual id always wins.
// Under an emergency override the automatic pick is only recorded as a
// suggestion.
func (l *Ledger) assignNew(e *models.QueueEntry, manualID, ruleID string, advisory bool) error {
	if manualID != "" {
		emp, err := l.employee(manualID)
		if err != nil {
			return err
		}
		if err := staffs(emp, e.LocationID); err != nil {
			return err
		}
		setAssignee(e, emp, models.AssignManual)
		return nil
	}

	var (
		pick   models.Employee
		method models.AssignmentMethod
		found  bool
	)
	if ruleID != "" {
		if emp, ok := l.lookup(ruleID); ok && emp.LocationID == e.LocationID && emp.Eligible(l.now()) {
			pick, method, found = emp, models.AssignAuto, true
		}
	}
	if !found && e.PreferredEmployeeID != "" {
		if emp, ok := l.lookup(e.PreferredEmployeeID); ok && emp.LocationID == e.LocationID && emp.Eligible(l.now()) {
			pick, method, found = emp, models.AssignPreferred, true
		}
	}
	if !found && l.assigner != nil {
		if d, ok := l.assigner.Select(e.LocationID, e.Services); ok {
			pick, method, found = d.Employee, models.AssignAuto, true
		}
	}
	if !found {
		return nil
	}
	if advisory {
		e.SuggestedEmployeeID = pick.ID
		return nil
	}
	setAssignee(e, pick, method)
	return nil
}

func setAssignee(e *models.QueueEntry, emp models.Employee, method models.AssignmentMethod) {
	e.AssignedEmployeeID = emp.ID
	e.AssignedEmployeeName = emp.Name
	e.AssignmentMethod = method
	e.SuggestedEmployeeID = ""
}

func (l *Ledger) lookup(id string) (models.Employee, bool) {
	if l.directory == nil {
		return models.Employee{}, false
	}
	return l.directory.Get(id)
}

func (l *Ledger) employee(id string) (models.Employee, error) {
	emp, ok := l.lookup(id)
	if !ok {
		return models.Employee{}, &store.NotFoundError{Kind: "employee", ID: id}
	}
	return emp, nil
}

// staffs rejects an employee who works at a different location.
func staffs(emp models.Employee, locationID string) error {
	if emp.LocationID != "" && locationID != "" && emp.LocationID != locationID {
		return store.NewValidationError("employee_id", "employee %s works at location %s, not %s", emp.ID, emp.LocationID, locationID)
	}
	return nil
}

func (l *Ledger) resolveServices(refs []models.ServiceRef) []models.ServiceRef {
	out := append([]models.ServiceRef(nil), refs...)
	if l.catalog == nil {
		return out
	}
	for i := range out {
		if out[i].Name != "" {
			continue
		}
		if svc, ok := l.catalog.Service(out[i].ID); ok {
			out[i].Name = svc.Name
		}
	}
	return out
}

func (l *Ledger) checkLimitLocked(e *models.QueueEntry) error {
	limits := l.limits[e.LocationID]
	if len(limits) == 0 {
		return nil
	}
	for _, ref := range e.Services {
		limit, ok := limits[ref.ID]
		if !ok {
			continue
		}
		count := 0
		for _, w := range l.waitingLocked(e.LocationID) {
			for _, s := range w.Services {
				if s.ID == ref.ID {
					count++
					break
				}
			}
		}
		if count >= limit {
			return store.NewValidationError("services", "service %s is limited to %d waiting customers", ref.ID, limit)
		}
	}
	return nil
}

type TransitionOptions struct {
	// EmployeeID overrides the assignee, as when a named employee calls
	// the next customer.
	EmployeeID string
	Notes      string
}

// Transition moves an entry to a new status. Re-applying the current status
// is a no-op.
func (l *Ledger) Transition(ctx context.Context, id string, status models.QueueStatus, opts TransitionOptions) (entry models.QueueEntry, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "transition", attribute.String("entry_id", id), attribute.String("status", string(status)))
	defer func() {
		metrics.QueueOperation("transition", err)
		endSpan(span, err)
	}()

	if !status.Valid() {
		return models.QueueEntry{}, store.Outcome{}, store.NewValidationError("status", "unknown status %q", status)
	}
	var assignee *models.Employee
	if opts.EmployeeID != "" {
		emp, err := l.employee(opts.EmployeeID)
		if err != nil {
			return models.QueueEntry{}, store.Outcome{}, err
		}
		assignee = &emp
	}

	b := newBatch()
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, &store.NotFoundError{Kind: "queue entry", ID: id}
	}
	if assignee != nil {
		if err := staffs(*assignee, e.LocationID); err != nil {
			l.mu.Unlock()
			return models.QueueEntry{}, store.Outcome{}, err
		}
	}
	if e.Status == status && assignee == nil {
		entry = e.Clone()
		l.mu.Unlock()
		return entry, store.Outcome{Committed: l.writer != nil}, nil
	}
	if err := l.transitionLocked(e, status, assignee, opts.Notes, b); err != nil {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, err
	}
	entry = e.Clone()
	b.snapshot()
	l.mu.Unlock()

	l.logger.Info("queue entry transitioned", zap.String("entry_id", id), zap.String("status", string(status)), zap.String("location_id", entry.LocationID))
	return entry, l.commit(ctx, "transition", b), nil
}

func (l *Ledger) transitionLocked(e *models.QueueEntry, status models.QueueStatus, assignee *models.Employee, notes string, b *batch) error {
	from := e.Status
	if from != status && !store.ValidTransition(from, status) {
		return &store.InvalidTransitionError{ID: e.ID, From: string(from), To: string(status)}
	}
	at := l.now().UTC()
	diff := map[string]any{}
	if from != status {
		diff["status"] = fromTo(from, status)
	}
	e.Status = status
	switch status {
	case models.StatusCalled:
		if e.CalledAt == nil {
			e.CalledAt = &at
		}
	case models.StatusInProgress:
		if e.CalledAt == nil {
			e.CalledAt = &at
		}
		if e.ServiceStartTime == nil {
			e.ServiceStartTime = &at
		}
	case models.StatusCompleted:
		if e.CompletedAt == nil {
			e.CompletedAt = &at
		}
		if e.Customer.Phone != "" {
			b.visits = append(b.visits, store.CustomerVisit{
				Phone:        e.Customer.Phone,
				Name:         e.Customer.Name,
				Email:        e.Customer.Email,
				CustomerType: e.CustomerType,
				VisitedAt:    at,
			})
		}
	}
	if assignee != nil && assignee.ID != e.AssignedEmployeeID {
		diff["assigned_employee_id"] = fromTo(e.AssignedEmployeeID, assignee.ID)
		setAssignee(e, *assignee, models.AssignManual)
	}
	if notes != "" {
		e.Notes = notes
	}
	e.UpdatedAt = at
	b.touch(e, events.QueueEntryUpdated, diff)
	l.recomputeLocked(e.LocationID, b)
	l.recountWorkloadsLocked()
	return nil
}

// CallNext calls the lowest-position waiting entry at a location. It returns
// false when nobody is waiting.
func (l *Ledger) CallNext(ctx context.Context, locationID, employeeID string) (entry models.QueueEntry, found bool, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "call_next", attribute.String("location_id", locationID))
	defer func() {
		metrics.QueueOperation("call_next", err)
		endSpan(span, err)
	}()

	var assignee *models.Employee
	if employeeID != "" {
		emp, err := l.employee(employeeID)
		if err != nil {
			return models.QueueEntry{}, false, store.Outcome{}, err
		}
		if err := staffs(emp, locationID); err != nil {
			return models.QueueEntry{}, false, store.Outcome{}, err
		}
		assignee = &emp
	}

	b := newBatch()
	l.mu.Lock()
	waiting := l.waitingLocked(locationID)
	if len(waiting) == 0 {
		l.mu.Unlock()
		return models.QueueEntry{}, false, store.Outcome{}, nil
	}
	next := waiting[0]
	if err := l.transitionLocked(next, models.StatusCalled, assignee, "", b); err != nil {
		l.mu.Unlock()
		return models.QueueEntry{}, false, store.Outcome{}, err
	}
	entry = next.Clone()
	b.snapshot()
	l.mu.Unlock()

	l.logger.Info("queue entry called", zap.String("entry_id", entry.ID), zap.String("location_id", locationID), zap.String("employee_id", entry.AssignedEmployeeID))
	return entry, true, l.commit(ctx, "call_next", b), nil
}

// Remove deletes an entry outright.
func (l *Ledger) Remove(ctx context.Context, id string) (entry models.QueueEntry, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "remove", attribute.String("entry_id", id))
	defer func() {
		metrics.QueueOperation("remove", err)
		endSpan(span, err)
	}()

	b := newBatch()
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, &store.NotFoundError{Kind: "queue entry", ID: id}
	}
	entry = e.Clone()
	delete(l.entries, id)
	b.removed = append(b.removed, entry)
	l.recomputeLocked(entry.LocationID, b)
	l.recountWorkloadsLocked()
	b.snapshot()
	l.mu.Unlock()

	l.logger.Info("queue entry removed", zap.String("entry_id", id), zap.String("location_id", entry.LocationID))
	return entry, l.commit(ctx, "remove", b), nil
}

// Reassign hands an active entry to a named employee.
func (l *Ledger) Reassign(ctx context.Context, id, employeeID string) (entry models.QueueEntry, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "reassign", attribute.String("entry_id", id), attribute.String("employee_id", employeeID))
	defer func() {
		metrics.QueueOperation("reassign", err)
		endSpan(span, err)
	}()

	emp, err := l.employee(employeeID)
	if err != nil {
		return models.QueueEntry{}, store.Outcome{}, err
	}

	b := newBatch()
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, &store.NotFoundError{Kind: "queue entry", ID: id}
	}
	if !e.Status.Active() {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, store.NewValidationError("status", "entry %s is %s and cannot be reassigned", id, e.Status)
	}
	if err := staffs(emp, e.LocationID); err != nil {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, err
	}
	if e.AssignedEmployeeID == emp.ID && e.AssignmentMethod == models.AssignManual {
		entry = e.Clone()
		l.mu.Unlock()
		return entry, store.Outcome{Committed: l.writer != nil}, nil
	}
	diff := map[string]any{"assigned_employee_id": fromTo(e.AssignedEmployeeID, emp.ID)}
	setAssignee(e, emp, models.AssignManual)
	e.UpdatedAt = l.now().UTC()
	b.touch(e, events.QueueEntryUpdated, diff)
	l.recomputeLocked(e.LocationID, b)
	l.recountWorkloadsLocked()
	entry = e.Clone()
	b.snapshot()
	l.mu.Unlock()

	metrics.Assigned(string(models.AssignManual))
	return entry, l.commit(ctx, "reassign", b), nil
}

// RecordNotification appends to an entry's notification log.
func (l *Ledger) RecordNotification(ctx context.Context, id string, n models.Notification) (models.QueueEntry, store.Outcome, error) {
	b := newBatch()
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return models.QueueEntry{}, store.Outcome{}, &store.NotFoundError{Kind: "queue entry", ID: id}
	}
	if n.SentAt.IsZero() {
		n.SentAt = l.now().UTC()
	}
	e.Notifications = append(e.Notifications, n)
	e.UpdatedAt = l.now().UTC()
	b.touch(e, events.QueueEntryUpdated, map[string]any{"notifications": len(e.Notifications)})
	entry := e.Clone()
	b.snapshot()
	l.mu.Unlock()
	return entry, l.commit(ctx, "record_notification", b), nil
}

// Rebalance moves waiting auto-assigned entries to the engine's current pick
// when that pick carries at least two fewer customers than the assignee.
// Waiting entries nobody could take earlier are assigned as well.
func (l *Ledger) Rebalance(ctx context.Context, locationID string) (moved int, outcome store.Outcome, err error) {
	ctx, span := l.startSpan(ctx, "rebalance", attribute.String("location_id", locationID))
	defer func() {
		span.SetAttributes(attribute.Int("moved", moved))
		metrics.QueueOperation("rebalance", err)
		endSpan(span, err)
	}()

	if l.assigner == nil || l.directory == nil || l.manualControl(locationID) {
		return 0, store.Outcome{}, nil
	}

	b := newBatch()
	l.mu.Lock()
	for _, e := range l.waitingLocked(locationID) {
		if e.AssignedEmployeeID != "" && e.AssignmentMethod != models.AssignAuto && e.AssignmentMethod != models.AssignLoadBalanced {
			continue
		}
		d, ok := l.assigner.Select(locationID, e.Services)
		if !ok || d.Employee.ID == e.AssignedEmployeeID {
			continue
		}
		method := models.AssignLoadBalanced
		if e.AssignedEmployeeID == "" {
			method = models.AssignAuto
		} else if l.directory.Workload(e.AssignedEmployeeID)-d.Employee.Performance.CurrentWorkload < 2 {
			continue
		}
		diff := map[string]any{"assigned_employee_id": fromTo(e.AssignedEmployeeID, d.Employee.ID)}
		setAssignee(e, d.Employee, method)
		e.UpdatedAt = l.now().UTC()
		b.touch(e, events.QueueEntryUpdated, diff)
		l.recountWorkloadsLocked()
		metrics.Assigned(string(method))
		moved++
	}
	if moved == 0 {
		l.mu.Unlock()
		return 0, store.Outcome{}, nil
	}
	l.recomputeLocked(locationID, b)
	b.snapshot()
	l.mu.Unlock()

	l.logger.Info("queue rebalanced", zap.String("location_id", locationID), zap.Int("moved", moved))
	return moved, l.commit(ctx, "rebalance", b), nil
}

// ApplyActions carries out the periodic rule actions for a location.
func (l *Ledger) ApplyActions(ctx context.Context, locationID string, actions []rules.FiredAction) error {
	limits := make(map[string]int)
	rebalance := false

	b := newBatch()
	l.mu.Lock()
	for _, fired := range actions {
		p := fired.Action.Parameters
		switch fired.Action.Type {
		case models.ActionLimitService:
			n, err := strconv.Atoi(p["max"])
			if err != nil {
				l.mu.Unlock()
				return fmt.Errorf("rule %s: %w", fired.RuleID, store.NewValidationError("max", "not a number"))
			}
			limits[p["service_id"]] = n
		case models.ActionRebalanceQueue, models.ActionReassign:
			rebalance = true
		case models.ActionSetPriority:
			priority := models.Priority(p["priority"])
			for _, e := range l.waitingLocked(locationID) {
				if ct := p["customer_type"]; ct != "" && string(e.CustomerType) != ct {
					continue
				}
				if e.Priority == priority {
					continue
				}
				diff := map[string]any{"priority": fromTo(e.Priority, priority)}
				e.Priority = priority
				e.UpdatedAt = l.now().UTC()
				b.touch(e, events.QueueEntryUpdated, diff)
			}
		}
	}
	if len(limits) == 0 {
		delete(l.limits, locationID)
	} else {
		l.limits[locationID] = limits
	}
	b.snapshot()
	l.mu.Unlock()

	if len(b.saved) > 0 {
		l.commit(ctx, "apply_rules", b)
	}
	if rebalance {
		if _, _, err := l.Rebalance(ctx, locationID); err != nil {
			return err
		}
	}
	return nil
}
