// Package checkin owns check-in records: code issuance, presence
// verification, expiry and purge sweeps, and conversion into queue entries.
package checkin

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"qms/orchestrator/internal/events"
	"qms/orchestrator/internal/metrics"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var transitions = map[models.CheckinStatus][]models.CheckinStatus{
	models.CheckinEnRoute: {models.CheckinPresent, models.CheckinInQueue, models.CheckinExpired, models.CheckinCancelled},
	models.CheckinPresent: {models.CheckinInQueue, models.CheckinCancelled},
}

func validTransition(from, to models.CheckinStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type LocationSource interface {
	Location(id string) (models.Location, bool)
}

// Enqueuer places a converted check-in in the queue. It must be idempotent
// per check-in.
type Enqueuer interface {
	EnqueueFromCheckin(ctx context.Context, c models.CheckinEntry) (models.QueueEntry, error)
}

type Options struct {
	Locations LocationSource
	Writer    store.CheckinWriter
	Deferrer  store.Deferrer
	Reserver  CodeReserver
	Bus       events.Publisher
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string
	Random    io.Reader

	// DefaultRadius applies to locations without their own geofence radius.
	DefaultRadius float64
	VerifyTimeout time.Duration
	ExpireAfter   time.Duration
	PurgeAfter    time.Duration
}

type Manager struct {
	mu       sync.RWMutex
	checkins map[string]*models.CheckinEntry
	// converting holds ids with a conversion in flight.
	converting map[string]bool
	enqueuer   Enqueuer

	locations     LocationSource
	writer        store.CheckinWriter
	deferrer      store.Deferrer
	reserver      CodeReserver
	bus           events.Publisher
	logger        *zap.Logger
	now           func() time.Time
	newID         func() string
	random        io.Reader
	defaultRadius float64
	verifyTimeout time.Duration
	expireAfter   time.Duration
	purgeAfter    time.Duration
	tracer        trace.Tracer
}

func NewManager(options Options) *Manager {
	m := &Manager{
		checkins:      make(map[string]*models.CheckinEntry),
		converting:    make(map[string]bool),
		locations:     options.Locations,
		writer:        options.Writer,
		deferrer:      options.Deferrer,
		reserver:      options.Reserver,
		bus:           options.Bus,
		logger:        options.Logger,
		now:           options.Now,
		newID:         options.NewID,
		random:        options.Random,
		defaultRadius: options.DefaultRadius,
		verifyTimeout: options.VerifyTimeout,
		expireAfter:   options.ExpireAfter,
		purgeAfter:    options.PurgeAfter,
		tracer:        otel.Tracer("qms/orchestrator/checkin"),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = uuid.NewString
	}
	if m.defaultRadius <= 0 {
		m.defaultRadius = 100
	}
	if m.verifyTimeout <= 0 {
		m.verifyTimeout = 30 * time.Second
	}
	if m.expireAfter <= 0 {
		m.expireAfter = 4 * time.Hour
	}
	if m.purgeAfter <= 0 {
		m.purgeAfter = 24 * time.Hour
	}
	return m
}

// Load seeds the manager with check-ins read at start-up.
func (m *Manager) Load(entries []models.CheckinEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range entries {
		c := c.Clone()
		m.checkins[c.ID] = &c
	}
}

type AddRequest struct {
	LocationID          string
	Customer            models.Customer
	CustomerType        models.CustomerType
	Services            []models.ServiceRef
	PreferredEmployeeID string
	Type                models.CheckinType
	// Code is optional; one is generated when empty.
	Code             string
	EstimatedArrival *time.Time
	Notes            string
}

func (m *Manager) AddCheckin(ctx context.Context, req AddRequest) (models.CheckinEntry, store.Outcome, error) {
	if req.LocationID == "" {
		return models.CheckinEntry{}, store.Outcome{}, store.NewValidationError("location_id", "is required")
	}
	if len(req.Services) == 0 {
		return models.CheckinEntry{}, store.Outcome{}, store.NewValidationError("services", "at least one service is required")
	}
	if req.Type == "" {
		req.Type = models.CheckinRemote
	}
	if req.Type != models.CheckinRemote && req.Type != models.CheckinInStore {
		return models.CheckinEntry{}, store.Outcome{}, store.NewValidationError("checkin_type", "unknown type %q", req.Type)
	}
	if req.CustomerType == "" {
		req.CustomerType = models.CustomerNew
	}

	at := m.now().UTC()
	c := models.CheckinEntry{
		ID:                  m.newID(),
		LocationID:          req.LocationID,
		Customer:            req.Customer,
		CustomerType:        req.CustomerType,
		Services:            append([]models.ServiceRef(nil), req.Services...),
		PreferredEmployeeID: req.PreferredEmployeeID,
		Type:                req.Type,
		Status:              models.CheckinEnRoute,
		CheckinTime:         at,
		Notes:               req.Notes,
		UpdatedAt:           at,
	}
	if req.EstimatedArrival != nil {
		eta := req.EstimatedArrival.UTC()
		c.EstimatedArrivalTime = &eta
	}
	if req.Type == models.CheckinInStore {
		c.Status = models.CheckinPresent
		c.ActualArrivalTime = &at
	}

	code, err := m.claimCode(ctx, req.Code, c.ID)
	if err != nil {
		return models.CheckinEntry{}, store.Outcome{}, err
	}
	c.Code = code

	m.mu.Lock()
	if m.activeCodeLocked(code, c.ID) {
		m.mu.Unlock()
		m.release(ctx, code)
		return models.CheckinEntry{}, store.Outcome{}, store.NewValidationError("checkin_code", "code %s is already in use", code)
	}
	stored := c
	m.checkins[c.ID] = &stored
	out := stored.Clone()
	m.mu.Unlock()

	metrics.CheckinState(string(out.Status))
	m.logger.Info("check-in added", zap.String("checkin_id", out.ID), zap.String("location_id", out.LocationID), zap.String("code", out.Code), zap.String("type", string(out.Type)))
	outcome := m.persist(ctx, out)
	m.publish(ctx, events.CheckinAdded, out, nil)
	return out, outcome, nil
}

// claimCode validates a requested code or generates a fresh one that no
// active check-in holds.
func (m *Manager) claimCode(ctx context.Context, requested, checkinID string) (string, error) {
	if requested != "" {
		code, ok := NormalizeCode(requested)
		if !ok {
			return "", store.NewValidationError("checkin_code", "must be %d letters or digits", codeLength)
		}
		if m.codeInUse(code) {
			return "", store.NewValidationError("checkin_code", "code %s is already in use", code)
		}
		reserved, err := m.reserve(ctx, code, checkinID)
		if err != nil {
			return "", err
		}
		if !reserved {
			return "", store.NewValidationError("checkin_code", "code %s is already in use", code)
		}
		return code, nil
	}
	for i := 0; i < codeAttempts; i++ {
		code, err := generateCode(m.random)
		if err != nil {
			return "", err
		}
		if m.codeInUse(code) {
			continue
		}
		reserved, err := m.reserve(ctx, code, checkinID)
		if err != nil {
			return "", err
		}
		if reserved {
			return code, nil
		}
	}
	return "", store.NewValidationError("checkin_code", "could not allocate a unique code")
}

// reserve degrades to local uniqueness when the reserver is unreachable.
func (m *Manager) reserve(ctx context.Context, code, checkinID string) (bool, error) {
	if m.reserver == nil {
		return true, nil
	}
	ok, err := m.reserver.Reserve(ctx, code, checkinID)
	if err != nil {
		m.logger.Warn("code reservation unavailable", zap.String("code", code), zap.Error(err))
		return true, nil
	}
	return ok, nil
}

func (m *Manager) release(ctx context.Context, code string) {
	if m.reserver == nil || code == "" {
		return
	}
	if err := m.reserver.Release(ctx, code); err != nil {
		m.logger.Warn("release check-in code", zap.String("code", code), zap.Error(err))
	}
}

func (m *Manager) codeInUse(code string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeCodeLocked(code, "")
}

func (m *Manager) activeCodeLocked(code, exceptID string) bool {
	for _, c := range m.checkins {
		if c.ID != exceptID && c.Code == code && !c.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *Manager) Get(id string) (models.CheckinEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checkins[id]
	if !ok {
		return models.CheckinEntry{}, false
	}
	return c.Clone(), true
}

// FindByCode prefers the active check-in holding a code, then the most
// recent one.
func (m *Manager) FindByCode(code string) (models.CheckinEntry, bool) {
	code, _ = NormalizeCode(code)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.CheckinEntry
	for _, c := range m.checkins {
		if c.Code != code {
			continue
		}
		switch {
		case best == nil:
			best = c
		case best.Status.Terminal() && !c.Status.Terminal():
			best = c
		case best.Status.Terminal() == c.Status.Terminal() && c.CheckinTime.After(best.CheckinTime):
			best = c
		}
	}
	if best == nil {
		return models.CheckinEntry{}, false
	}
	return best.Clone(), true
}

// List returns a location's check-ins newest first; an empty locationID
// lists every location.
func (m *Manager) List(locationID string) []models.CheckinEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.CheckinEntry, 0)
	for _, c := range m.checkins {
		if locationID == "" || c.LocationID == locationID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckinTime.Equal(out[j].CheckinTime) {
			return out[i].CheckinTime.After(out[j].CheckinTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// update applies fn to a check-in under the lock, then persists and
// publishes the result.
func (m *Manager) update(ctx context.Context, id string, fn func(c *models.CheckinEntry) (map[string]any, error)) (models.CheckinEntry, store.Outcome, error) {
	m.mu.Lock()
	c, ok := m.checkins[id]
	if !ok {
		m.mu.Unlock()
		return models.CheckinEntry{}, store.Outcome{}, &store.NotFoundError{Kind: "checkin", ID: id}
	}
	before := c.Status
	diff, err := fn(c)
	if err != nil {
		m.mu.Unlock()
		return models.CheckinEntry{}, store.Outcome{}, err
	}
	if diff == nil {
		out := c.Clone()
		m.mu.Unlock()
		return out, store.Outcome{Committed: m.writer != nil}, nil
	}
	c.UpdatedAt = m.now().UTC()
	out := c.Clone()
	m.mu.Unlock()

	if out.Status != before {
		metrics.CheckinState(string(out.Status))
		if out.Status.Terminal() {
			m.release(ctx, out.Code)
		}
	}
	outcome := m.persist(ctx, out)
	m.publish(ctx, events.CheckinUpdated, out, diff)
	return out, outcome, nil
}

func (m *Manager) setStatus(c *models.CheckinEntry, to models.CheckinStatus) (map[string]any, error) {
	if c.Status == to {
		return nil, nil
	}
	if !validTransition(c.Status, to) {
		return nil, &store.InvalidTransitionError{ID: c.ID, From: string(c.Status), To: string(to)}
	}
	diff := map[string]any{"status": map[string]any{"from": c.Status, "to": to}}
	c.Status = to
	return diff, nil
}

func (m *Manager) markPresent(c *models.CheckinEntry, method models.VerificationMethod) (map[string]any, error) {
	if c.Status == models.CheckinPresent && c.VerificationMethod == method {
		return nil, nil
	}
	if c.Status != models.CheckinPresent {
		if _, err := m.setStatus(c, models.CheckinPresent); err != nil {
			return nil, err
		}
	}
	if c.ActualArrivalTime == nil {
		at := m.now().UTC()
		c.ActualArrivalTime = &at
	}
	c.VerificationMethod = method
	return map[string]any{"status": models.CheckinPresent, "verification_method": method}, nil
}

// ConfirmByStaff marks the customer present on a staff member's word.
func (m *Manager) ConfirmByStaff(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error) {
	out, outcome, err := m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
		return m.markPresent(c, models.VerifyStaffConfirmed)
	})
	if err == nil {
		metrics.Verification(string(models.VerifyStaffConfirmed), true)
	}
	return out, outcome, err
}

func (m *Manager) Cancel(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error) {
	return m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
		return m.setStatus(c, models.CheckinCancelled)
	})
}

// SetEnqueuer wires the queue ledger after construction.
func (m *Manager) SetEnqueuer(e Enqueuer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueuer = e
}

// ConvertToQueue enqueues the check-in and only then marks it in_queue, so a
// rejected enqueue leaves the check-in where it was and returns the error.
// The conversion event is published afterwards for other observers. The
// record is kept until the purge sweep removes it.
func (m *Manager) ConvertToQueue(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error) {
	snapshot, enqueuer, err := m.beginConvert(id)
	if err != nil {
		return models.CheckinEntry{}, store.Outcome{}, err
	}
	defer m.endConvert(id)

	var entryID string
	if enqueuer != nil {
		entry, err := enqueuer.EnqueueFromCheckin(ctx, snapshot)
		if err != nil {
			m.logger.Warn("check-in conversion rejected", zap.String("checkin_id", id), zap.Error(err))
			return models.CheckinEntry{}, store.Outcome{}, err
		}
		entryID = entry.ID
	}

	out, outcome, err := m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
		diff, err := m.setStatus(c, models.CheckinInQueue)
		if err != nil {
			return nil, err
		}
		if entryID != "" && c.QueueEntryID != entryID {
			c.QueueEntryID = entryID
			diff["queue_entry_id"] = entryID
		}
		return diff, nil
	})
	if err != nil {
		if entryID != "" {
			m.logger.Error("check-in changed during conversion", zap.String("checkin_id", id), zap.String("entry_id", entryID), zap.Error(err))
		}
		return models.CheckinEntry{}, store.Outcome{}, err
	}
	m.logger.Info("check-in converted", zap.String("checkin_id", out.ID), zap.String("location_id", out.LocationID))
	m.publish(ctx, events.CheckinConverted, out, nil)
	if latest, ok := m.Get(id); ok {
		out = latest
	}
	return out, outcome, nil
}

func (m *Manager) beginConvert(id string) (models.CheckinEntry, Enqueuer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checkins[id]
	if !ok {
		return models.CheckinEntry{}, nil, &store.NotFoundError{Kind: "checkin", ID: id}
	}
	if m.converting[id] || !validTransition(c.Status, models.CheckinInQueue) {
		return models.CheckinEntry{}, nil, &store.InvalidTransitionError{ID: c.ID, From: string(c.Status), To: string(models.CheckinInQueue)}
	}
	m.converting[id] = true
	return c.Clone(), m.enqueuer, nil
}

func (m *Manager) endConvert(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.converting, id)
}

// LinkQueueEntry records the queue entry a converted check-in became.
func (m *Manager) LinkQueueEntry(ctx context.Context, checkinID, entryID string) error {
	_, _, err := m.update(ctx, checkinID, func(c *models.CheckinEntry) (map[string]any, error) {
		if c.QueueEntryID == entryID {
			return nil, nil
		}
		c.QueueEntryID = entryID
		return map[string]any{"queue_entry_id": entryID}, nil
	})
	return err
}

// ExpireOld expires en-route check-ins whose expected arrival is further in
// the past than the expiry window. A check-in without an arrival estimate
// is measured from its check-in time.
func (m *Manager) ExpireOld(ctx context.Context) []models.CheckinEntry {
	cutoff := m.now().Add(-m.expireAfter)
	var ids []string
	m.mu.RLock()
	for _, c := range m.checkins {
		if c.Status != models.CheckinEnRoute {
			continue
		}
		ref := c.CheckinTime
		if c.EstimatedArrivalTime != nil {
			ref = *c.EstimatedArrivalTime
		}
		if ref.Before(cutoff) {
			ids = append(ids, c.ID)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	var expired []models.CheckinEntry
	for _, id := range ids {
		out, _, err := m.update(ctx, id, func(c *models.CheckinEntry) (map[string]any, error) {
			if c.Status != models.CheckinEnRoute {
				return nil, nil
			}
			return m.setStatus(c, models.CheckinExpired)
		})
		if err == nil && out.Status == models.CheckinExpired {
			expired = append(expired, out)
		}
	}
	if len(expired) > 0 {
		m.logger.Info("expired check-ins", zap.Int("count", len(expired)))
	}
	return expired
}

// PurgeTerminal drops terminal check-ins older than the purge window and
// returns their ids.
func (m *Manager) PurgeTerminal(ctx context.Context) []string {
	cutoff := m.now().Add(-m.purgeAfter)
	var purged []string
	m.mu.Lock()
	for id, c := range m.checkins {
		if c.Status.Terminal() && c.CheckinTime.Before(cutoff) {
			purged = append(purged, id)
			delete(m.checkins, id)
		}
	}
	m.mu.Unlock()
	if len(purged) == 0 {
		return nil
	}
	sort.Strings(purged)
	m.logger.Info("purged check-ins", zap.Int("count", len(purged)))
	if m.writer != nil {
		if err := m.writer.DeleteCheckins(ctx, purged); err != nil {
			metrics.PersistenceFailure("purge_checkins")
			m.logger.Error("persist check-in purge", zap.Error(&store.PersistenceError{Op: "purge checkins", Err: err}))
			for _, id := range purged {
				id := id
				if m.deferrer != nil {
					m.deferrer.Defer("checkin:"+id, func(ctx context.Context) error {
						return m.writer.DeleteCheckins(ctx, []string{id})
					})
				}
			}
		}
	}
	return purged
}

// Sweep runs expiry then purge.
func (m *Manager) Sweep(ctx context.Context) {
	m.ExpireOld(ctx)
	m.PurgeTerminal(ctx)
}

func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

func (m *Manager) persist(ctx context.Context, c models.CheckinEntry) store.Outcome {
	if m.writer == nil {
		return store.Outcome{}
	}
	outcome, err := store.Attempt(ctx, m.deferrer, "save checkin", "checkin:"+c.ID, func(ctx context.Context) error {
		return m.writer.SaveCheckin(ctx, c)
	})
	if err != nil {
		metrics.PersistenceFailure("save_checkin")
		m.logger.Error("persist check-in", zap.String("checkin_id", c.ID), zap.Error(err))
	}
	return outcome
}

func (m *Manager) publish(ctx context.Context, topic events.Topic, c models.CheckinEntry, diff map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, events.Event{
		Topic:      topic,
		LocationID: c.LocationID,
		EntityID:   c.ID,
		Payload:    c,
		Diff:       diff,
	})
}
