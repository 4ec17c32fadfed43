package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"

	"github.com/jackc/pgx/v5"
)

const entryColumns = `entry_id, location_id, customer, customer_type, services, assigned_employee_id,
	assigned_employee_name, preferred_employee_id, suggested_employee_id, assignment_method, priority,
	status, position, estimated_wait_minutes, joined_at, called_at, service_start_time, completed_at,
	checkin_id, notifications, notes, updated_at`

// SaveEntries upserts entries in one transaction. A new entry or a status
// change appends a link to the entry's audit chain.
func (s *Store) SaveEntries(ctx context.Context, entries []models.QueueEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	for _, e := range entries {
		var previous sql.NullString
		row := tx.QueryRow(ctx, `SELECT status FROM queue_entries WHERE entry_id = $1 FOR UPDATE`, e.ID)
		if err = row.Scan(&previous); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		var written bool
		if written, err = upsertEntry(ctx, tx, e); err != nil {
			return fmt.Errorf("save entry %s: %w", e.ID, err)
		}
		switch {
		case !written:
		case !previous.Valid:
			err = appendEntryEvent(ctx, tx, e, "queue.entry.created", map[string]any{
				"status":      e.Status,
				"location_id": e.LocationID,
				"employee_id": e.AssignedEmployeeID,
				"method":      e.AssignmentMethod,
			})
		case previous.String != string(e.Status):
			err = appendEntryEvent(ctx, tx, e, "queue.entry.status_changed", map[string]any{
				"from":        previous.String,
				"to":          e.Status,
				"employee_id": e.AssignedEmployeeID,
			})
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// upsertEntry writes e unless the stored row is newer.
func upsertEntry(ctx context.Context, tx pgx.Tx, e models.QueueEntry) (bool, error) {
	customer, err := jsonBytes(e.Customer)
	if err != nil {
		return false, err
	}
	services, err := jsonBytes(e.Services)
	if err != nil {
		return false, err
	}
	notifications := e.Notifications
	if notifications == nil {
		notifications = []models.Notification{}
	}
	notes, err := jsonBytes(notifications)
	if err != nil {
		return false, err
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (entry_id) DO UPDATE SET
			location_id = EXCLUDED.location_id,
			customer = EXCLUDED.customer,
			customer_type = EXCLUDED.customer_type,
			services = EXCLUDED.services,
			assigned_employee_id = EXCLUDED.assigned_employee_id,
			assigned_employee_name = EXCLUDED.assigned_employee_name,
			preferred_employee_id = EXCLUDED.preferred_employee_id,
			suggested_employee_id = EXCLUDED.suggested_employee_id,
			assignment_method = EXCLUDED.assignment_method,
			priority = EXCLUDED.priority,
			status = EXCLUDED.status,
			position = EXCLUDED.position,
			estimated_wait_minutes = EXCLUDED.estimated_wait_minutes,
			joined_at = EXCLUDED.joined_at,
			called_at = EXCLUDED.called_at,
			service_start_time = EXCLUDED.service_start_time,
			completed_at = EXCLUDED.completed_at,
			checkin_id = EXCLUDED.checkin_id,
			notifications = EXCLUDED.notifications,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		WHERE queue_entries.updated_at <= EXCLUDED.updated_at
	`, e.ID, e.LocationID, customer, e.CustomerType, services, e.AssignedEmployeeID,
		e.AssignedEmployeeName, e.PreferredEmployeeID, e.SuggestedEmployeeID, e.AssignmentMethod, e.Priority,
		e.Status, e.Position, e.EstimatedWaitMinutes, e.JoinedAt, e.CalledAt, e.ServiceStartTime, e.CompletedAt,
		e.CheckinID, notes, e.Notes, e.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteEntry(ctx context.Context, entryID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_entries WHERE entry_id = $1`, entryID)
	return err
}

func (s *Store) ListEntries(ctx context.Context, locationID string) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE location_id = $1 ORDER BY joined_at, entry_id`, locationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (s *Store) listAllEntries(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM queue_entries ORDER BY joined_at, entry_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (models.QueueEntry, error) {
	var e models.QueueEntry
	var customer, services, notifications []byte
	var calledAt, startedAt, completedAt sql.NullTime
	if err := row.Scan(&e.ID, &e.LocationID, &customer, &e.CustomerType, &services, &e.AssignedEmployeeID,
		&e.AssignedEmployeeName, &e.PreferredEmployeeID, &e.SuggestedEmployeeID, &e.AssignmentMethod, &e.Priority,
		&e.Status, &e.Position, &e.EstimatedWaitMinutes, &e.JoinedAt, &calledAt, &startedAt, &completedAt,
		&e.CheckinID, &notifications, &e.Notes, &e.UpdatedAt); err != nil {
		return models.QueueEntry{}, err
	}
	if err := decodeJSON(customer, &e.Customer); err != nil {
		return models.QueueEntry{}, err
	}
	if err := decodeJSON(services, &e.Services); err != nil {
		return models.QueueEntry{}, err
	}
	if err := decodeJSON(notifications, &e.Notifications); err != nil {
		return models.QueueEntry{}, err
	}
	if len(e.Notifications) == 0 {
		e.Notifications = nil
	}
	e.JoinedAt = e.JoinedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	e.CalledAt = nullTimePtr(calledAt)
	e.ServiceStartTime = nullTimePtr(startedAt)
	e.CompletedAt = nullTimePtr(completedAt)
	return e, nil
}

func appendEntryEvent(ctx context.Context, tx pgx.Tx, e models.QueueEntry, eventType string, payload map[string]any) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.ID); err != nil {
		return err
	}
	raw, err := jsonBytes(payload)
	if err != nil {
		return err
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT entry_seq, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq DESC
		LIMIT 1
	`, e.ID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	nextSeq := lastSeq + 1
	// timestamptz keeps microseconds; hash what will be read back.
	createdAt := e.UpdatedAt.UTC().Truncate(time.Microsecond)
	hash := store.ComputeEntryEventHash(prevHash.String, e.ID, eventType, raw, createdAt, nextSeq)

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entry_events (entry_id, entry_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, nextSeq, eventType, raw, createdAt, prevHash.String, hash)
	return err
}

// EntryEvents returns an entry's audit chain in order.
func (s *Store) EntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entry_id, entry_seq, type, payload, created_at, prev_hash, hash
		FROM queue_entry_events
		WHERE entry_id = $1
		ORDER BY entry_seq
	`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.EntryEvent
	for rows.Next() {
		var ev store.EntryEvent
		var payload []byte
		if err := rows.Scan(&ev.EntryID, &ev.Seq, &ev.Type, &payload, &ev.CreatedAt, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, err
		}
		ev.Payload = payload
		ev.CreatedAt = ev.CreatedAt.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}
