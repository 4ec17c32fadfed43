// Package alerts keeps the append-only SystemAlert log. Alerts are
// observational; nothing in the core reads them back to make a decision.
package alerts

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Log struct {
	mu       sync.RWMutex
	alerts   map[string]*models.SystemAlert
	order    []string
	writer   store.AlertWriter
	deferrer store.Deferrer
	bus      events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

type Options struct {
	Writer   store.AlertWriter
	Deferrer store.Deferrer
	Bus      events.Publisher
	Logger   *zap.Logger
	Now      func() time.Time
}

func NewLog(options Options) *Log {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Log{
		alerts:   make(map[string]*models.SystemAlert),
		writer:   options.Writer,
		deferrer: options.Deferrer,
		bus:      options.Bus,
		logger:   logger,
		now:      now,
	}
}

// Load seeds the log with alerts read at start-up.
func (l *Log) Load(alerts []models.SystemAlert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, a := range alerts {
		a := a
		if _, ok := l.alerts[a.ID]; !ok {
			l.order = append(l.order, a.ID)
		}
		l.alerts[a.ID] = &a
	}
	sort.SliceStable(l.order, func(i, j int) bool {
		return l.alerts[l.order[i]].CreatedAt.Before(l.alerts[l.order[j]].CreatedAt)
	})
}

func (l *Log) Raise(ctx context.Context, locationID string, alertType models.AlertType, severity models.AlertSeverity, message string) (models.SystemAlert, store.Outcome) {
	alert := models.SystemAlert{
		ID:         uuid.NewString(),
		LocationID: locationID,
		Type:       alertType,
		Severity:   severity,
		Message:    message,
		CreatedAt:  l.now().UTC(),
	}
	l.mu.Lock()
	stored := alert
	l.alerts[alert.ID] = &stored
	l.order = append(l.order, alert.ID)
	l.mu.Unlock()

	metrics.AlertRaised(string(alertType), string(severity))
	l.logger.Warn("system alert raised",
		zap.String("alert_id", alert.ID),
		zap.String("location_id", locationID),
		zap.String("type", string(alertType)),
		zap.String("severity", string(severity)),
		zap.String("message", message),
	)
	outcome := l.persist(ctx, alert)
	l.publish(ctx, alert, nil)
	return alert, outcome
}

func (l *Log) Resolve(ctx context.Context, id string) (models.SystemAlert, store.Outcome, error) {
	l.mu.Lock()
	a, ok := l.alerts[id]
	if !ok {
		l.mu.Unlock()
		return models.SystemAlert{}, store.Outcome{}, &store.NotFoundError{Kind: "alert", ID: id}
	}
	if a.Resolved {
		out := *a
		l.mu.Unlock()
		return out, store.Outcome{Committed: l.writer != nil}, nil
	}
	resolveAlert(a, l.now().UTC())
	out := *a
	l.mu.Unlock()

	outcome := l.persist(ctx, out)
	l.publish(ctx, out, map[string]any{"resolved": true})
	return out, outcome, nil
}

// ResolveWhere resolves every unresolved alert of a type at a location and
// returns the alerts it changed.
func (l *Log) ResolveWhere(ctx context.Context, locationID string, alertType models.AlertType) []models.SystemAlert {
	at := l.now().UTC()
	var changed []models.SystemAlert
	l.mu.Lock()
	for _, id := range l.order {
		a := l.alerts[id]
		if a.Resolved || a.LocationID != locationID || a.Type != alertType {
			continue
		}
		resolveAlert(a, at)
		changed = append(changed, *a)
	}
	l.mu.Unlock()

	for _, a := range changed {
		l.persist(ctx, a)
		l.publish(ctx, a, map[string]any{"resolved": true})
	}
	return changed
}

// List returns alerts oldest first; an empty locationID lists every location.
func (l *Log) List(locationID string, unresolvedOnly bool) []models.SystemAlert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.SystemAlert, 0, len(l.order))
	for _, id := range l.order {
		a := l.alerts[id]
		if locationID != "" && a.LocationID != locationID {
			continue
		}
		if unresolvedOnly && a.Resolved {
			continue
		}
		out = append(out, copyAlert(*a))
	}
	return out
}

func (l *Log) persist(ctx context.Context, alert models.SystemAlert) store.Outcome {
	if l.writer == nil {
		return store.Outcome{}
	}
	outcome, err := store.Attempt(ctx, l.deferrer, "save alert", "alert:"+alert.ID, func(ctx context.Context) error {
		return l.writer.SaveAlert(ctx, alert)
	})
	if err != nil {
		metrics.PersistenceFailure("save_alert")
		l.logger.Error("persist alert", zap.String("alert_id", alert.ID), zap.Error(err))
	}
	return outcome
}

func (l *Log) publish(ctx context.Context, alert models.SystemAlert, diff map[string]any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, events.Event{
		Topic:      events.SystemAlert,
		LocationID: alert.LocationID,
		EntityID:   alert.ID,
		Payload:    alert,
		Diff:       diff,
	})
}

func resolveAlert(a *models.SystemAlert, at time.Time) {
	a.Resolved = true
	a.ResolvedAt = &at
}

func copyAlert(a models.SystemAlert) models.SystemAlert {
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		a.ResolvedAt = &t
	}
	return a
}
