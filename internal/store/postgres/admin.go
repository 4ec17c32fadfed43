package postgres

import (
	"context"
	"database/sql"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"
)

// UpsertCustomerVisit records a completed visit, counting repeat visits by
// phone number.
func (s *Store) UpsertCustomerVisit(ctx context.Context, visit store.CustomerVisit) error {
	if visit.VisitedAt.IsZero() {
		visit.VisitedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO customers (phone, name, email, customer_type, visit_count, first_visit_at, last_visit_at)
		VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (phone) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE customers.name END,
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE customers.email END,
			customer_type = EXCLUDED.customer_type,
			visit_count = customers.visit_count + 1,
			last_visit_at = GREATEST(customers.last_visit_at, EXCLUDED.last_visit_at)
	`, visit.Phone, visit.Name, visit.Email, visit.CustomerType, visit.VisitedAt)
	return err
}

// CustomerVisits returns how many completed visits a phone number has.
func (s *Store) CustomerVisits(ctx context.Context, phone string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT visit_count FROM customers WHERE phone = $1`, phone).Scan(&count)
	return count, err
}

func (s *Store) SaveAlert(ctx context.Context, a models.SystemAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO system_alerts (alert_id, location_id, type, severity, message, created_at, resolved, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (alert_id) DO UPDATE SET
			resolved = EXCLUDED.resolved,
			resolved_at = EXCLUDED.resolved_at
	`, a.ID, a.LocationID, a.Type, a.Severity, a.Message, a.CreatedAt, a.Resolved, a.ResolvedAt)
	return err
}

func (s *Store) listAlerts(ctx context.Context) ([]models.SystemAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT alert_id, location_id, type, severity, message, created_at, resolved, resolved_at
		FROM system_alerts
		ORDER BY created_at, alert_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SystemAlert
	for rows.Next() {
		var a models.SystemAlert
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.LocationID, &a.Type, &a.Severity, &a.Message, &a.CreatedAt, &a.Resolved, &resolvedAt); err != nil {
			return nil, err
		}
		a.CreatedAt = a.CreatedAt.UTC()
		a.ResolvedAt = nullTimePtr(resolvedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SaveRule(ctx context.Context, r models.QueueControlRule) error {
	conditions, err := jsonBytes(r.Conditions)
	if err != nil {
		return err
	}
	actions, err := jsonBytes(r.Actions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO queue_control_rules (rule_id, location_id, name, type, conditions, actions, priority, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (rule_id) DO UPDATE SET
			location_id = EXCLUDED.location_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			conditions = EXCLUDED.conditions,
			actions = EXCLUDED.actions,
			priority = EXCLUDED.priority,
			is_active = EXCLUDED.is_active
	`, r.ID, r.LocationID, r.Name, r.Type, conditions, actions, r.Priority, r.IsActive, r.CreatedAt)
	return err
}

func (s *Store) DeleteRule(ctx context.Context, ruleID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM queue_control_rules WHERE rule_id = $1`, ruleID)
	return err
}

func (s *Store) listRules(ctx context.Context) ([]models.QueueControlRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT rule_id, location_id, name, type, conditions, actions, priority, is_active, created_at
		FROM queue_control_rules
		ORDER BY priority, rule_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.QueueControlRule
	for rows.Next() {
		var r models.QueueControlRule
		var conditions, actions []byte
		if err := rows.Scan(&r.ID, &r.LocationID, &r.Name, &r.Type, &conditions, &actions, &r.Priority, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := decodeJSON(conditions, &r.Conditions); err != nil {
			return nil, err
		}
		if err := decodeJSON(actions, &r.Actions); err != nil {
			return nil, err
		}
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
