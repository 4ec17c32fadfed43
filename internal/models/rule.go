package models

import "time"

type RuleType string

const (
	RuleLoadBalancing     RuleType = "load_balancing"
	RulePriorityOverride  RuleType = "priority_override"
	RuleServiceLimit      RuleType = "service_limit"
	RuleEmergencyProtocol RuleType = "emergency_protocol"
)

type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpGreaterThan ConditionOperator = "greater_than"
	OpLessThan    ConditionOperator = "less_than"
	OpContains    ConditionOperator = "contains"
	OpInRange     ConditionOperator = "in_range"
)

// Condition keeps the raw value as decoded from JSON; rules are compiled into
// typed predicates when registered.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

type ActionType string

const (
	ActionSetPriority    ActionType = "set_priority"
	ActionRebalanceQueue ActionType = "rebalance_queue"
	ActionReassign       ActionType = "reassign"
	ActionAssignEmployee ActionType = "assign_employee"
	ActionLimitService   ActionType = "limit_service"
	ActionNotifyStaff    ActionType = "notify_staff"
	ActionRaiseAlert     ActionType = "raise_alert"
)

type Action struct {
	Type       ActionType        `json:"type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type QueueControlRule struct {
	ID         string      `json:"id"`
	LocationID string      `json:"location_id"`
	Name       string      `json:"name"`
	Type       RuleType    `json:"type"`
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
	Priority   int         `json:"priority"`
	IsActive   bool        `json:"is_active"`
	CreatedAt  time.Time   `json:"created_at"`
}
