package postgres

import (
	"context"
	"database/sql"

	"qms/orchestrator/internal/models"
)

const checkinColumns = `checkin_id, location_id, customer, customer_type, services, preferred_employee_id,
	checkin_type, status, checkin_code, checkin_time, estimated_arrival_time, actual_arrival_time,
	verification_method, coordinates, queue_entry_id, notes, updated_at`

func (s *Store) SaveCheckin(ctx context.Context, c models.CheckinEntry) error {
	customer, err := jsonBytes(c.Customer)
	if err != nil {
		return err
	}
	services, err := jsonBytes(c.Services)
	if err != nil {
		return err
	}
	var coords []byte
	if c.Coordinates != nil {
		if coords, err = jsonBytes(c.Coordinates); err != nil {
			return err
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkin_entries (`+checkinColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (checkin_id) DO UPDATE SET
			customer = EXCLUDED.customer,
			customer_type = EXCLUDED.customer_type,
			services = EXCLUDED.services,
			preferred_employee_id = EXCLUDED.preferred_employee_id,
			status = EXCLUDED.status,
			estimated_arrival_time = EXCLUDED.estimated_arrival_time,
			actual_arrival_time = EXCLUDED.actual_arrival_time,
			verification_method = EXCLUDED.verification_method,
			coordinates = EXCLUDED.coordinates,
			queue_entry_id = EXCLUDED.queue_entry_id,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		WHERE checkin_entries.updated_at <= EXCLUDED.updated_at
	`, c.ID, c.LocationID, customer, c.CustomerType, services, c.PreferredEmployeeID,
		c.Type, c.Status, c.Code, c.CheckinTime, c.EstimatedArrivalTime, c.ActualArrivalTime,
		c.VerificationMethod, coords, c.QueueEntryID, c.Notes, c.UpdatedAt)
	return err
}

func (s *Store) DeleteCheckins(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM checkin_entries WHERE checkin_id = ANY($1)`, ids)
	return err
}

func (s *Store) listCheckins(ctx context.Context) ([]models.CheckinEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkinColumns+` FROM checkin_entries ORDER BY checkin_time, checkin_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CheckinEntry
	for rows.Next() {
		c, err := scanCheckin(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCheckin(row rowScanner) (models.CheckinEntry, error) {
	var c models.CheckinEntry
	var customer, services, coords []byte
	var eta, arrived sql.NullTime
	if err := row.Scan(&c.ID, &c.LocationID, &customer, &c.CustomerType, &services, &c.PreferredEmployeeID,
		&c.Type, &c.Status, &c.Code, &c.CheckinTime, &eta, &arrived,
		&c.VerificationMethod, &coords, &c.QueueEntryID, &c.Notes, &c.UpdatedAt); err != nil {
		return models.CheckinEntry{}, err
	}
	if err := decodeJSON(customer, &c.Customer); err != nil {
		return models.CheckinEntry{}, err
	}
	if err := decodeJSON(services, &c.Services); err != nil {
		return models.CheckinEntry{}, err
	}
	if len(coords) > 0 {
		c.Coordinates = &models.Coordinates{}
		if err := decodeJSON(coords, c.Coordinates); err != nil {
			return models.CheckinEntry{}, err
		}
	}
	c.CheckinTime = c.CheckinTime.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.EstimatedArrivalTime = nullTimePtr(eta)
	c.ActualArrivalTime = nullTimePtr(arrived)
	return c, nil
}
