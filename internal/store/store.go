package store

import (
	"context"
	"time"

	"qms/orchestrator/internal/models"
)

// Outcome reports what happened to the durable copy of a mutation. The
// in-memory state is always updated; Committed is false when no writer is
// configured or the write failed, and PendingRetry marks a write queued for
// the background resync pass.
type Outcome struct {
	Committed    bool `json:"committed"`
	PendingRetry bool `json:"pending_retry"`
}

type QueueWriter interface {
	SaveEntries(ctx context.Context, entries []models.QueueEntry) error
	DeleteEntry(ctx context.Context, entryID string) error
}

type QueueReader interface {
	ListEntries(ctx context.Context, locationID string) ([]models.QueueEntry, error)
}

type CheckinWriter interface {
	SaveCheckin(ctx context.Context, entry models.CheckinEntry) error
	DeleteCheckins(ctx context.Context, ids []string) error
}

// CustomerVisit is upserted by phone number when a service completes.
type CustomerVisit struct {
	Phone        string
	Name         string
	Email        string
	CustomerType models.CustomerType
	VisitedAt    time.Time
}

type CustomerWriter interface {
	UpsertCustomerVisit(ctx context.Context, visit CustomerVisit) error
}

type AlertWriter interface {
	SaveAlert(ctx context.Context, alert models.SystemAlert) error
}

type RuleWriter interface {
	SaveRule(ctx context.Context, rule models.QueueControlRule) error
	DeleteRule(ctx context.Context, ruleID string) error
}

// Snapshot is everything loaded from the collaborator at start-up.
type Snapshot struct {
	Locations []models.Location
	Services  []models.Service
	Employees []models.Employee
	Entries   []models.QueueEntry
	Checkins  []models.CheckinEntry
	Rules     []models.QueueControlRule
	Alerts    []models.SystemAlert
}

type Loader interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// Deferrer queues a failed write for retry; a later op with the same key
// replaces an earlier one.
type Deferrer interface {
	Defer(key string, op func(ctx context.Context) error)
}

// Attempt runs a write once. A failed write is handed to d under key and
// reported as pending; the returned error is for logging only.
func Attempt(ctx context.Context, d Deferrer, op string, key string, write func(ctx context.Context) error) (Outcome, error) {
	if err := write(ctx); err != nil {
		if d == nil {
			return Outcome{}, &PersistenceError{Op: op, Err: err}
		}
		d.Defer(key, write)
		return Outcome{PendingRetry: true}, &PersistenceError{Op: op, Err: err}
	}
	return Outcome{Committed: true}, nil
}
