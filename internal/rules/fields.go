package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/store"
)

type Kind int

const (
	KindNumber Kind = iota + 1
	KindText
	KindBool
)

// Signal names available to rule conditions.
const (
	FieldQueueLength        = "queue_length"
	FieldQueueImbalance     = "queue_imbalance"
	FieldMaxWorkload        = "max_workload"
	FieldMinWorkload        = "min_workload"
	FieldActiveEmployees    = "active_employees"
	FieldAverageWaitMinutes = "average_wait_minutes"
	FieldHourOfDay          = "hour_of_day"
	FieldCustomerType       = "customer_type"
	FieldPriority           = "priority"
	FieldServiceName        = "service_name"
	FieldDayOfWeek          = "day_of_week"
	FieldEmergencyMode      = "emergency_mode"
)

var fieldKinds = map[string]Kind{
	FieldQueueLength:        KindNumber,
	FieldQueueImbalance:     KindNumber,
	FieldMaxWorkload:        KindNumber,
	FieldMinWorkload:        KindNumber,
	FieldActiveEmployees:    KindNumber,
	FieldAverageWaitMinutes: KindNumber,
	FieldHourOfDay:          KindNumber,
	FieldCustomerType:       KindText,
	FieldPriority:           KindText,
	FieldServiceName:        KindText,
	FieldDayOfWeek:          KindText,
	FieldEmergencyMode:      KindBool,
}

var kindOperators = map[Kind][]models.ConditionOperator{
	KindNumber: {models.OpEquals, models.OpGreaterThan, models.OpLessThan, models.OpInRange},
	KindText:   {models.OpEquals, models.OpContains},
	KindBool:   {models.OpEquals},
}

// Signals is the evaluation context. A field absent from every map is
// unknown and any condition on it is false.
type Signals struct {
	Numbers map[string]float64
	Text    map[string]string
	Flags   map[string]bool
}

func NewSignals() Signals {
	return Signals{
		Numbers: make(map[string]float64),
		Text:    make(map[string]string),
		Flags:   make(map[string]bool),
	}
}

// With returns a copy of s overlaid with other.
func (s Signals) With(other Signals) Signals {
	out := NewSignals()
	for _, src := range []Signals{s, other} {
		for k, v := range src.Numbers {
			out.Numbers[k] = v
		}
		for k, v := range src.Text {
			out.Text[k] = v
		}
		for k, v := range src.Flags {
			out.Flags[k] = v
		}
	}
	return out
}

type condition struct {
	field string
	kind  Kind
	op    models.ConditionOperator
	num   float64
	lo    float64
	hi    float64
	text  string
	flag  bool
}

func (c condition) eval(s Signals) bool {
	switch c.kind {
	case KindNumber:
		v, ok := s.Numbers[c.field]
		if !ok {
			return false
		}
		switch c.op {
		case models.OpEquals:
			return v == c.num
		case models.OpGreaterThan:
			return v > c.num
		case models.OpLessThan:
			return v < c.num
		case models.OpInRange:
			return v >= c.lo && v <= c.hi
		}
	case KindText:
		v, ok := s.Text[c.field]
		if !ok {
			return false
		}
		switch c.op {
		case models.OpEquals:
			return strings.EqualFold(v, c.text)
		case models.OpContains:
			return strings.Contains(strings.ToLower(v), strings.ToLower(c.text))
		}
	case KindBool:
		v, ok := s.Flags[c.field]
		return ok && v == c.flag
	}
	return false
}

func compileCondition(i int, raw models.Condition) (condition, error) {
	field := fmt.Sprintf("conditions[%d]", i)
	kind, ok := fieldKinds[raw.Field]
	if !ok {
		return condition{}, store.NewValidationError(field, "unknown field %q", raw.Field)
	}
	if !supports(kind, raw.Operator) {
		return condition{}, store.NewValidationError(field, "operator %q not supported for %s", raw.Operator, raw.Field)
	}
	c := condition{field: raw.Field, kind: kind, op: raw.Operator}
	switch kind {
	case KindNumber:
		if raw.Operator == models.OpInRange {
			lo, hi, err := toRange(raw.Value)
			if err != nil {
				return condition{}, store.NewValidationError(field, "%v", err)
			}
			c.lo, c.hi = lo, hi
			break
		}
		n, err := toNumber(raw.Value)
		if err != nil {
			return condition{}, store.NewValidationError(field, "%v", err)
		}
		c.num = n
	case KindText:
		s, ok := raw.Value.(string)
		if !ok {
			return condition{}, store.NewValidationError(field, "value for %s must be a string", raw.Field)
		}
		c.text = s
	case KindBool:
		switch v := raw.Value.(type) {
		case bool:
			c.flag = v
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return condition{}, store.NewValidationError(field, "value for %s must be a boolean", raw.Field)
			}
			c.flag = b
		default:
			return condition{}, store.NewValidationError(field, "value for %s must be a boolean", raw.Field)
		}
	}
	return c, nil
}

func supports(kind Kind, op models.ConditionOperator) bool {
	for _, candidate := range kindOperators[kind] {
		if candidate == op {
			return true
		}
	}
	return false
}

func toNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not a number", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("value %v is not a number", v)
}

// toRange accepts [lo, hi], {"min": lo, "max": hi} or "lo,hi".
func toRange(v any) (float64, float64, error) {
	var lo, hi any
	switch r := v.(type) {
	case []any:
		if len(r) != 2 {
			return 0, 0, fmt.Errorf("range needs exactly two bounds")
		}
		lo, hi = r[0], r[1]
	case []float64:
		if len(r) != 2 {
			return 0, 0, fmt.Errorf("range needs exactly two bounds")
		}
		lo, hi = r[0], r[1]
	case map[string]any:
		lo, hi = r["min"], r["max"]
	case string:
		parts := strings.Split(r, ",")
		if len(parts) != 2 {
			return 0, 0, fmt.Errorf("range %q must be \"lo,hi\"", r)
		}
		lo, hi = parts[0], parts[1]
	default:
		return 0, 0, fmt.Errorf("value %v is not a range", v)
	}
	a, err := toNumber(lo)
	if err != nil {
		return 0, 0, err
	}
	b, err := toNumber(hi)
	if err != nil {
		return 0, 0, err
	}
	if a > b {
		return 0, 0, fmt.Errorf("range lower bound %v exceeds upper bound %v", a, b)
	}
	return a, b, nil
}

func validateAction(i int, action models.Action) error {
	field := fmt.Sprintf("actions[%d]", i)
	p := action.Parameters
	switch action.Type {
	case models.ActionRebalanceQueue, models.ActionReassign, models.ActionNotifyStaff:
		return nil
	case models.ActionSetPriority:
		if !models.Priority(p["priority"]).Valid() {
			return store.NewValidationError(field, "set_priority needs a valid priority parameter")
		}
	case models.ActionAssignEmployee:
		if p["employee_id"] == "" {
			return store.NewValidationError(field, "assign_employee needs an employee_id parameter")
		}
	case models.ActionLimitService:
		if p["service_id"] == "" {
			return store.NewValidationError(field, "limit_service needs a service_id parameter")
		}
		if n, err := strconv.Atoi(p["max"]); err != nil || n < 0 {
			return store.NewValidationError(field, "limit_service needs a non-negative max parameter")
		}
	case models.ActionRaiseAlert:
		if s := p["severity"]; s != "" && !validSeverity(models.AlertSeverity(s)) {
			return store.NewValidationError(field, "unknown severity %q", s)
		}
	default:
		return store.NewValidationError(field, "unknown action type %q", action.Type)
	}
	return nil
}

func validSeverity(s models.AlertSeverity) bool {
	switch s {
	case models.SeverityLow, models.SeverityMedium, models.SeverityHigh, models.SeverityCritical:
		return true
	}
	return false
}
