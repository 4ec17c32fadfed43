package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueView is the read side of the queue ledger.
type QueueView interface {
	Entries(locationID string) []models.QueueEntry
	Locations() []string
}

// ActionApplier carries out the periodic actions for a location. The list
// is complete for the pass, so service limits it carries replace earlier ones.
type ActionApplier interface {
	ApplyActions(ctx context.Context, locationID string, actions []FiredAction) error
}

type WorkloadSource interface {
	WorkloadsAt(locationID string) map[string]int
}

type AlertRaiser interface {
	Raise(ctx context.Context, locationID string, alertType models.AlertType, severity models.AlertSeverity, message string) (models.SystemAlert, store.Outcome)
	ResolveWhere(ctx context.Context, locationID string, alertType models.AlertType) []models.SystemAlert
}

type Options struct {
	Engine    *Engine
	Workloads WorkloadSource
	Alerts    AlertRaiser
	Writer    store.RuleWriter
	Deferrer  store.Deferrer
	Bus       events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	// Threshold is the workload spread that counts as imbalanced.
	Threshold int
}

type Controller struct {
	engine    *Engine
	workloads WorkloadSource
	alerts    AlertRaiser
	writer    store.RuleWriter
	deferrer  store.Deferrer
	bus       events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	threshold int

	mu         sync.Mutex
	view       QueueView
	applier    ActionApplier
	emergency  map[string]string
	imbalanced map[string]bool
	firing     map[string]bool
}

func NewController(options Options) *Controller {
	engine := options.Engine
	if engine == nil {
		engine = NewEngine()
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	threshold := options.Threshold
	if threshold <= 0 {
		threshold = 3
	}
	return &Controller{
		engine:     engine,
		workloads:  options.Workloads,
		alerts:     options.Alerts,
		writer:     options.Writer,
		deferrer:   options.Deferrer,
		bus:        options.Bus,
		logger:     logger,
		now:        now,
		threshold:  threshold,
		emergency:  make(map[string]string),
		imbalanced: make(map[string]bool),
		firing:     make(map[string]bool),
	}
}

// Attach connects the queue ledger once both sides exist.
func (c *Controller) Attach(view QueueView, applier ActionApplier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = view
	c.applier = applier
}

func (c *Controller) Engine() *Engine { return c.engine }

// LoadRules registers persisted rules, skipping any that no longer compile.
func (c *Controller) LoadRules(rules []models.QueueControlRule) {
	for _, rule := range rules {
		if err := c.engine.Register(rule); err != nil {
			c.logger.Warn("skip invalid rule", zap.String("rule_id", rule.ID), zap.Error(err))
		}
	}
}

func (c *Controller) AddRule(ctx context.Context, rule models.QueueControlRule) (models.QueueControlRule, store.Outcome, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = c.now().UTC()
	}
	if err := c.engine.Register(rule); err != nil {
		return models.QueueControlRule{}, store.Outcome{}, err
	}
	stored, _ := c.engine.Get(rule.ID)
	outcome := c.persist(ctx, "save rule", "rule:"+rule.ID, func(ctx context.Context) error {
		return c.writer.SaveRule(ctx, stored)
	})
	c.logger.Info("rule registered", zap.String("rule_id", rule.ID), zap.String("location_id", rule.LocationID), zap.Int("priority", rule.Priority))
	return stored, outcome, nil
}

func (c *Controller) RemoveRule(ctx context.Context, id string) (store.Outcome, error) {
	if !c.engine.Remove(id) {
		return store.Outcome{}, &store.NotFoundError{Kind: "rule", ID: id}
	}
	c.mu.Lock()
	for key := range c.firing {
		if strings.HasPrefix(key, id+"|") {
			delete(c.firing, key)
		}
	}
	c.mu.Unlock()
	return c.persist(ctx, "delete rule", "rule:"+id, func(ctx context.Context) error {
		return c.writer.DeleteRule(ctx, id)
	}), nil
}

func (c *Controller) Rules(locationID string) []models.QueueControlRule {
	return c.engine.List(locationID)
}

// ManualControl reports whether an emergency override is active.
func (c *Controller) ManualControl(locationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.emergency[locationID]
	return ok
}

func (c *Controller) ActivateEmergencyOverride(ctx context.Context, locationID, reason string) models.SystemAlert {
	c.mu.Lock()
	c.emergency[locationID] = reason
	c.mu.Unlock()

	message := "Emergency override activated"
	if reason != "" {
		message += ": " + reason
	}
	c.logger.Warn("emergency override activated", zap.String("location_id", locationID), zap.String("reason", reason))
	if c.alerts == nil {
		return models.SystemAlert{}
	}
	alert, _ := c.alerts.Raise(ctx, locationID, models.AlertEmergency, models.SeverityCritical, message)
	return alert
}

func (c *Controller) DeactivateEmergencyOverride(ctx context.Context, locationID string) []models.SystemAlert {
	c.mu.Lock()
	delete(c.emergency, locationID)
	c.mu.Unlock()

	c.logger.Info("emergency override deactivated", zap.String("location_id", locationID))
	if c.alerts == nil {
		return nil
	}
	return c.alerts.ResolveWhere(ctx, locationID, models.AlertEmergency)
}

// Signals builds the location-level evaluation context.
func (c *Controller) Signals(locationID string) Signals {
	s := NewSignals()
	at := c.now()

	waiting, totalWait := 0, 0
	if view := c.queueView(); view != nil {
		for _, e := range view.Entries(locationID) {
			if e.Status != models.StatusWaiting {
				continue
			}
			waiting++
			totalWait += e.EstimatedWaitMinutes
		}
	}
	s.Numbers[FieldQueueLength] = float64(waiting)
	if waiting > 0 {
		s.Numbers[FieldAverageWaitMinutes] = float64(totalWait) / float64(waiting)
	} else {
		s.Numbers[FieldAverageWaitMinutes] = 0
	}

	spread, high, low, n := c.spread(locationID)
	s.Numbers[FieldQueueImbalance] = float64(spread)
	s.Numbers[FieldMaxWorkload] = float64(high)
	s.Numbers[FieldMinWorkload] = float64(low)
	s.Numbers[FieldActiveEmployees] = float64(n)
	s.Numbers[FieldHourOfDay] = float64(at.Hour())
	s.Text[FieldDayOfWeek] = strings.ToLower(at.Weekday().String())
	s.Flags[FieldEmergencyMode] = c.ManualControl(locationID)
	return s
}

// EntrySignals extends the location context with the fields of one entry.
func (c *Controller) EntrySignals(entry models.QueueEntry) Signals {
	s := NewSignals()
	s.Text[FieldCustomerType] = string(entry.CustomerType)
	s.Text[FieldPriority] = string(entry.Priority)
	names := make([]string, 0, len(entry.Services))
	for _, svc := range entry.Services {
		names = append(names, svc.Name)
	}
	s.Text[FieldServiceName] = strings.Join(names, ", ")
	return c.Signals(entry.LocationID).With(s)
}

// EvaluateEntry returns the actions that fire for a new entry.
func (c *Controller) EvaluateEntry(entry models.QueueEntry) []FiredAction {
	return c.engine.Evaluate(entry.LocationID, c.EntrySignals(entry))
}

// CheckLoadBalance is the standing imbalance check. It raises one alert when
// a location becomes imbalanced and re-arms once the spread drops, and emits
// a rebalance request on every imbalanced check.
func (c *Controller) CheckLoadBalance(ctx context.Context, locationID string) (int, bool) {
	spread, high, low, _ := c.spread(locationID)
	imbalanced := spread >= c.threshold

	c.mu.Lock()
	wasImbalanced := c.imbalanced[locationID]
	c.imbalanced[locationID] = imbalanced
	c.mu.Unlock()

	if !imbalanced {
		return spread, false
	}
	if !wasImbalanced && c.alerts != nil {
		c.alerts.Raise(ctx, locationID, models.AlertQueueOverflow, models.SeverityMedium,
			fmt.Sprintf("Workload imbalance of %d (max %d, min %d)", spread, high, low))
	}
	if c.bus != nil {
		c.bus.Publish(ctx, events.Event{
			Topic:      events.RebalanceNeeded,
			LocationID: locationID,
			EntityID:   locationID,
			Payload:    map[string]int{"imbalance": spread, "max_workload": high, "min_workload": low},
		})
	}
	return spread, true
}

// EvaluateLocation runs the rule table for a location. While an emergency
// override is active the actions are returned but not applied.
func (c *Controller) EvaluateLocation(ctx context.Context, locationID string) []FiredAction {
	fired := c.engine.Evaluate(locationID, c.Signals(locationID))

	matched := make(map[string]bool)
	var queueActions []FiredAction
	for _, f := range fired {
		key := f.RuleID + "|" + locationID
		matched[key] = true
		switch f.Action.Type {
		case models.ActionNotifyStaff, models.ActionRaiseAlert:
			c.mu.Lock()
			already := c.firing[key]
			c.mu.Unlock()
			if !already {
				c.raiseForRule(ctx, locationID, f)
			}
		case models.ActionAssignEmployee:
			// entry-time only
		default:
			queueActions = append(queueActions, f)
		}
	}

	c.mu.Lock()
	for key := range c.firing {
		if strings.HasSuffix(key, "|"+locationID) && !matched[key] {
			delete(c.firing, key)
		}
	}
	for key := range matched {
		c.firing[key] = true
	}
	applier := c.applier
	c.mu.Unlock()

	if c.ManualControl(locationID) || applier == nil {
		return fired
	}
	if err := applier.ApplyActions(ctx, locationID, queueActions); err != nil {
		c.logger.Error("apply rule actions", zap.String("location_id", locationID), zap.Error(err))
	}
	return fired
}

// Tick runs the imbalance check and the rule table for every known location.
func (c *Controller) Tick(ctx context.Context) {
	for _, locationID := range c.locations() {
		c.CheckLoadBalance(ctx, locationID)
		c.EvaluateLocation(ctx, locationID)
	}
}

func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

func (c *Controller) raiseForRule(ctx context.Context, locationID string, f FiredAction) {
	if c.alerts == nil {
		return
	}
	p := f.Action.Parameters
	message := p["message"]
	if message == "" {
		message = fmt.Sprintf("Rule %q triggered", f.RuleName)
	}
	alertType, severity := models.AlertRuleTriggered, models.AlertSeverity(p["severity"])
	if f.Action.Type == models.ActionNotifyStaff {
		alertType = models.AlertStaffNotice
	}
	if severity == "" {
		severity = models.SeverityLow
	}
	c.alerts.Raise(ctx, locationID, alertType, severity, message)
}

func (c *Controller) spread(locationID string) (spread, high, low, n int) {
	if c.workloads == nil {
		return 0, 0, 0, 0
	}
	loads := c.workloads.WorkloadsAt(locationID)
	first := true
	for _, w := range loads {
		if first {
			high, low, first = w, w, false
			continue
		}
		if w > high {
			high = w
		}
		if w < low {
			low = w
		}
	}
	return high - low, high, low, len(loads)
}

func (c *Controller) queueView() QueueView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Controller) locations() []string {
	seen := make(map[string]struct{})
	if view := c.queueView(); view != nil {
		for _, id := range view.Locations() {
			seen[id] = struct{}{}
		}
	}
	type locationLister interface{ Locations() []string }
	if lister, ok := c.workloads.(locationLister); ok {
		for _, id := range lister.Locations() {
			seen[id] = struct{}{}
		}
	}
	c.mu.Lock()
	for id := range c.emergency {
		seen[id] = struct{}{}
	}
	c.mu.Unlock()
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Controller) persist(ctx context.Context, op, key string, write func(ctx context.Context) error) store.Outcome {
	if c.writer == nil {
		return store.Outcome{}
	}
	outcome, err := store.Attempt(ctx, c.deferrer, op, key, write)
	if err != nil {
		metrics.PersistenceFailure(strings.ReplaceAll(op, " ", "_"))
		c.logger.Error("persist rule", zap.String("op", op), zap.Error(err))
	}
	return outcome
}
