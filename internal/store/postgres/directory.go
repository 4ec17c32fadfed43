package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"
)

// LoadSnapshot reads everything the in-memory services start from.
func (s *Store) LoadSnapshot(ctx context.Context) (store.Snapshot, error) {
	var snap store.Snapshot
	var err error
	if snap.Locations, err = s.listLocations(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load locations: %w", err)
	}
	if snap.Services, err = s.listServices(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load services: %w", err)
	}
	if snap.Employees, err = s.listEmployees(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load employees: %w", err)
	}
	if snap.Entries, err = s.listAllEntries(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load queue entries: %w", err)
	}
	if snap.Checkins, err = s.listCheckins(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load checkins: %w", err)
	}
	if snap.Rules, err = s.listRules(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load rules: %w", err)
	}
	if snap.Alerts, err = s.listAlerts(ctx); err != nil {
		return store.Snapshot{}, fmt.Errorf("load alerts: %w", err)
	}
	return snap, nil
}

func (s *Store) listLocations(ctx context.Context) ([]models.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT location_id, name, latitude, longitude, geofence_radius_meters, known_networks
		FROM locations
		ORDER BY location_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Location
	for rows.Next() {
		var l models.Location
		if err := rows.Scan(&l.ID, &l.Name, &l.Latitude, &l.Longitude, &l.GeofenceRadiusMeters, &l.KnownNetworks); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) listServices(ctx context.Context) ([]models.Service, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT service_id, location_id, name, estimated_duration, skill_level_required, assigned_employee_ids, auto_assignment_rules
		FROM services
		ORDER BY service_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Service
	for rows.Next() {
		var svc models.Service
		var rules []byte
		if err := rows.Scan(&svc.ID, &svc.LocationID, &svc.Name, &svc.EstimatedDuration, &svc.SkillLevelRequired, &svc.AssignedEmployeeIDs, &rules); err != nil {
			return nil, err
		}
		if err := decodeJSON(rules, &svc.AutoAssignmentRules); err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *Store) listEmployees(ctx context.Context) ([]models.Employee, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT employee_id, location_id, name, is_active, specialties, service_ids, skill_levels,
			schedule, performance, availability_status, last_status_change, queue_settings
		FROM employees
		ORDER BY employee_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Employee
	for rows.Next() {
		var e models.Employee
		var skills, schedule, performance, settings []byte
		var changed sql.NullTime
		if err := rows.Scan(&e.ID, &e.LocationID, &e.Name, &e.IsActive, &e.Specialties, &e.ServiceIDs, &skills,
			&schedule, &performance, &e.Availability.Status, &changed, &settings); err != nil {
			return nil, err
		}
		for _, field := range []struct {
			raw    []byte
			target any
		}{
			{skills, &e.SkillLevels},
			{schedule, &e.Schedule},
			{performance, &e.Performance},
			{settings, &e.QueueSettings},
		} {
			if err := decodeJSON(field.raw, field.target); err != nil {
				return nil, fmt.Errorf("employee %s: %w", e.ID, err)
			}
		}
		if changed.Valid {
			e.Availability.LastStatusChange = changed.Time.UTC()
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveEmployee upserts a directory record. The directory is owned by an
// external admin surface; this exists for seeding.
func (s *Store) SaveEmployee(ctx context.Context, e models.Employee) error {
	skills, err := jsonBytes(e.SkillLevels)
	if err != nil {
		return err
	}
	schedule, err := jsonBytes(e.Schedule)
	if err != nil {
		return err
	}
	performance, err := jsonBytes(e.Performance)
	if err != nil {
		return err
	}
	settings, err := jsonBytes(e.QueueSettings)
	if err != nil {
		return err
	}
	status := e.Availability.Status
	if status == "" {
		status = models.AvailabilityActive
	}
	var changed *time.Time
	if !e.Availability.LastStatusChange.IsZero() {
		changed = &e.Availability.LastStatusChange
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO employees (employee_id, location_id, name, is_active, specialties, service_ids, skill_levels,
			schedule, performance, availability_status, last_status_change, queue_settings)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (employee_id) DO UPDATE SET
			location_id = EXCLUDED.location_id,
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			specialties = EXCLUDED.specialties,
			service_ids = EXCLUDED.service_ids,
			skill_levels = EXCLUDED.skill_levels,
			schedule = EXCLUDED.schedule,
			performance = EXCLUDED.performance,
			availability_status = EXCLUDED.availability_status,
			last_status_change = EXCLUDED.last_status_change,
			queue_settings = EXCLUDED.queue_settings
	`, e.ID, e.LocationID, e.Name, e.IsActive, nonNil(e.Specialties), nonNil(e.ServiceIDs), skills,
		schedule, performance, status, changed, settings)
	return err
}

func (s *Store) SaveLocation(ctx context.Context, l models.Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (location_id, name, latitude, longitude, geofence_radius_meters, known_networks)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (location_id) DO UPDATE SET
			name = EXCLUDED.name,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			geofence_radius_meters = EXCLUDED.geofence_radius_meters,
			known_networks = EXCLUDED.known_networks
	`, l.ID, l.Name, l.Latitude, l.Longitude, l.GeofenceRadiusMeters, nonNil(l.KnownNetworks))
	return err
}

func (s *Store) SaveService(ctx context.Context, svc models.Service) error {
	rules, err := jsonBytes(svc.AutoAssignmentRules)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO services (service_id, location_id, name, estimated_duration, skill_level_required, assigned_employee_ids, auto_assignment_rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (service_id) DO UPDATE SET
			location_id = EXCLUDED.location_id,
			name = EXCLUDED.name,
			estimated_duration = EXCLUDED.estimated_duration,
			skill_level_required = EXCLUDED.skill_level_required,
			assigned_employee_ids = EXCLUDED.assigned_employee_ids,
			auto_assignment_rules = EXCLUDED.auto_assignment_rules
	`, svc.ID, svc.LocationID, svc.Name, svc.EstimatedDuration, svc.SkillLevelRequired, nonNil(svc.AssignedEmployeeIDs), rules)
	return err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
