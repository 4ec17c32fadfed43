package models

import "time"

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

type AlertType string

const (
	AlertQueueOverflow AlertType = "queue_overflow"
	AlertEmergency     AlertType = "emergency"
	AlertRuleTriggered AlertType = "rule_triggered"
	AlertStaffNotice   AlertType = "staff_notice"
)

type SystemAlert struct {
	ID         string        `json:"id"`
	LocationID string        `json:"location_id"`
	Type       AlertType     `json:"type"`
	Severity   AlertSeverity `json:"severity"`
	Message    string        `json:"message"`
	CreatedAt  time.Time     `json:"created_at"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}
