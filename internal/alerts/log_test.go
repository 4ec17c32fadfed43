package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingWriter struct{ calls int }

func (w *failingWriter) SaveAlert(context.Context, models.SystemAlert) error {
	w.calls++
	return errors.New("connection refused")
}

type recordingDeferrer struct{ keys []string }

func (d *recordingDeferrer) Defer(key string, _ func(context.Context) error) {
	d.keys = append(d.keys, key)
}

func fixedClock() func() time.Time {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func TestRaiseAndResolve(t *testing.T) {
	bus := events.NewBus("test", nil)
	ch, stop := bus.Watch("1", 8)
	defer stop()

	log := NewLog(Options{Bus: bus, Now: fixedClock()})
	ctx := context.Background()
	alert, outcome := log.Raise(ctx, "1", models.AlertEmergency, models.SeverityCritical, "fire drill")
	assert.False(t, outcome.Committed)
	assert.False(t, alert.Resolved)

	ev := <-ch
	assert.Equal(t, events.SystemAlert, ev.Topic)
	assert.Equal(t, alert.ID, ev.EntityID)

	resolved, _, err := log.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	again, _, err := log.Resolve(ctx, alert.ID)
	require.NoError(t, err)
	assert.Equal(t, *resolved.ResolvedAt, *again.ResolvedAt)

	_, _, err = log.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveWhereOnlyTouchesMatchingAlerts(t *testing.T) {
	log := NewLog(Options{Now: fixedClock()})
	ctx := context.Background()
	log.Raise(ctx, "1", models.AlertEmergency, models.SeverityCritical, "a")
	log.Raise(ctx, "1", models.AlertEmergency, models.SeverityCritical, "b")
	log.Raise(ctx, "1", models.AlertQueueOverflow, models.SeverityMedium, "c")
	log.Raise(ctx, "2", models.AlertEmergency, models.SeverityCritical, "d")

	changed := log.ResolveWhere(ctx, "1", models.AlertEmergency)
	assert.Len(t, changed, 2)

	open := log.List("", true)
	require.Len(t, open, 2)
	assert.Equal(t, "c", open[0].Message)
	assert.Equal(t, "d", open[1].Message)
	assert.Len(t, log.List("1", false), 3)
}

func TestRaiseDefersFailedWrite(t *testing.T) {
	writer := &failingWriter{}
	deferrer := &recordingDeferrer{}
	log := NewLog(Options{Writer: writer, Deferrer: deferrer, Now: fixedClock()})

	alert, outcome := log.Raise(context.Background(), "1", models.AlertStaffNotice, models.SeverityLow, "short staffed")
	assert.False(t, outcome.Committed)
	assert.True(t, outcome.PendingRetry)
	assert.Equal(t, []string{"alert:" + alert.ID}, deferrer.keys)
	assert.Len(t, log.List("1", true), 1)
}
