// Package worker triggers customer notifications from queue and check-in
// events. Delivery itself belongs to the configured providers.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"go.uber.org/zap"
)

const (
	templateJoined      = "queue_joined"
	templateCalled      = "queue_called"
	templateAlmostThere = "queue_almost_ready"
	templateCheckin     = "checkin_code"
)

// Recorder appends to a queue entry's notification log.
type Recorder interface {
	RecordNotification(ctx context.Context, id string, n models.Notification) (models.QueueEntry, store.Outcome, error)
}

// Source is the event stream the worker consumes.
type Source interface {
	Watch(locationID string, buffer int) (<-chan events.Event, func())
	Local(event events.Event) bool
}

type Config struct {
	MaxAttempts   int
	SMSProvider   string
	EmailProvider string
	// AlmostReadyPosition is the queue position that triggers the
	// "almost ready" message.
	AlmostReadyPosition int
}

type Worker struct {
	recorder    Recorder
	providers   map[string]Provider
	maxAttempts int
	almostReady int
	logger      *zap.Logger

	mu       sync.Mutex
	notified map[string]bool
}

func New(recorder Recorder, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	almostReady := cfg.AlmostReadyPosition
	if almostReady <= 0 {
		almostReady = 2
	}
	return &Worker{
		recorder: recorder,
		providers: map[string]Provider{
			"sms":   NewProvider(cfg.SMSProvider, "sms", logger),
			"email": NewProvider(cfg.EmailProvider, "email", logger),
		},
		maxAttempts: maxAttempts,
		almostReady: almostReady,
		logger:      logger,
		notified:    make(map[string]bool),
	}
}

// SetProvider overrides the provider for a channel.
func (w *Worker) SetProvider(channel string, p Provider) {
	w.providers[channel] = p
}

// Run consumes events until ctx ends. Only events raised in this process
// trigger notifications.
func (w *Worker) Run(ctx context.Context, source Source) {
	ch, stop := source.Watch("", 256)
	defer stop()
	w.consume(ctx, ch, source.Local)
}

func (w *Worker) consume(ctx context.Context, ch <-chan events.Event, local func(events.Event) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !local(event) {
				continue
			}
			w.Handle(ctx, event)
		}
	}
}

func (w *Worker) Handle(ctx context.Context, event events.Event) {
	switch event.Topic {
	case events.QueueEntryAdded:
		entry, ok := event.Payload.(models.QueueEntry)
		if !ok {
			return
		}
		if entry.Position > 0 && entry.Position <= w.almostReady {
			w.markNotified(entry.ID)
		}
		w.notifyEntry(ctx, entry, templateJoined)
	case events.QueueEntryUpdated:
		entry, ok := event.Payload.(models.QueueEntry)
		if !ok {
			return
		}
		if entry.Status != models.StatusWaiting {
			// An entry never returns to waiting once it leaves.
			w.forget(entry.ID)
		}
		if to, ok := diffTo(event.Diff, "status"); ok && to == string(models.StatusCalled) {
			w.notifyEntry(ctx, entry, templateCalled)
			return
		}
		if entry.Status != models.StatusWaiting {
			return
		}
		if to, ok := diffTo(event.Diff, "position"); ok {
			position, err := strconv.Atoi(to)
			if err == nil && position > 0 && position <= w.almostReady && w.markNotified(entry.ID) {
				w.notifyEntry(ctx, entry, templateAlmostThere)
			}
		}
	case events.QueueEntryRemoved:
		w.forget(event.EntityID)
	case events.CheckinAdded:
		c, ok := event.Payload.(models.CheckinEntry)
		if !ok {
			return
		}
		vars := map[string]string{"name": c.Customer.Name, "code": c.Code}
		for _, target := range pickChannels(c.Customer) {
			w.deliver(ctx, target, templateCheckin, renderTemplate(defaultTemplate(templateCheckin), vars))
		}
	}
}

// markNotified records the almost-ready message for an entry and reports
// whether it had not been sent before.
func (w *Worker) markNotified(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.notified[id] {
		return false
	}
	w.notified[id] = true
	return true
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.notified, id)
}

func (w *Worker) notifyEntry(ctx context.Context, entry models.QueueEntry, templateID string) {
	vars := map[string]string{
		"name":     entry.Customer.Name,
		"position": strconv.Itoa(entry.Position),
		"wait":     strconv.Itoa(entry.EstimatedWaitMinutes),
		"employee": entry.AssignedEmployeeName,
	}
	if vars["employee"] == "" {
		vars["employee"] = "our team"
	}
	message := renderTemplate(defaultTemplate(templateID), vars)
	for _, target := range pickChannels(entry.Customer) {
		n := w.deliver(ctx, target, templateID, message)
		if w.recorder == nil {
			continue
		}
		if _, _, err := w.recorder.RecordNotification(ctx, entry.ID, n); err != nil {
			w.logger.Warn("record notification", zap.String("entry_id", entry.ID), zap.Error(err))
		}
	}
}

func (w *Worker) deliver(ctx context.Context, target channelTarget, templateID, message string) models.Notification {
	n := models.Notification{Type: templateID, Channel: target.name, Message: message, Status: "sent"}
	provider, ok := w.providers[target.name]
	if !ok {
		n.Status = "skipped"
		return n
	}
	var err error
	for n.Attempts < w.maxAttempts {
		n.Attempts++
		if err = provider.Send(ctx, message, target.recipient); err == nil {
			return n
		}
	}
	n.Status = "failed"
	w.logger.Warn("notification failed", zap.String("channel", target.name), zap.String("template", templateID), zap.Int("attempts", n.Attempts), zap.Error(err))
	return n
}

func defaultTemplate(templateID string) string {
	switch templateID {
	case templateJoined:
		return "Hi {name}, you are #{position} in line. Estimated wait: {wait} min."
	case templateCalled:
		return "{name}, it's your turn! Please see {employee}."
	case templateAlmostThere:
		return "{name}, you're almost up (#{position}). Please head back."
	case templateCheckin:
		return "Hi {name}, your check-in code is {code}."
	}
	return ""
}

func renderTemplate(template string, vars map[string]string) string {
	result := template
	for key, value := range vars {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}

type channelTarget struct {
	name      string
	recipient string
}

func pickChannels(c models.Customer) []channelTarget {
	var channels []channelTarget
	if c.Phone != "" {
		channels = append(channels, channelTarget{name: "sms", recipient: c.Phone})
	}
	if c.Email != "" {
		channels = append(channels, channelTarget{name: "email", recipient: c.Email})
	}
	return channels
}

// diffTo reads the "to" side of a from/to diff value.
func diffTo(diff map[string]any, key string) (string, bool) {
	v, ok := diff[key]
	if !ok {
		return "", false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	to, ok := m["to"]
	if !ok {
		return "", false
	}
	return fmt.Sprint(to), true
}
