package models

import "time"

type QueueStatus string

const (
	StatusWaiting     QueueStatus = "waiting"
	StatusCalled      QueueStatus = "called"
	StatusInProgress  QueueStatus = "in_progress"
	StatusCompleted   QueueStatus = "completed"
	StatusNoShow      QueueStatus = "no_show"
	StatusCancelled   QueueStatus = "cancelled"
	StatusTransferred QueueStatus = "transferred"
)

// Active reports whether an entry in this status counts toward workload.
func (s QueueStatus) Active() bool {
	return s == StatusWaiting || s == StatusCalled || s == StatusInProgress
}

func (s QueueStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusCalled, StatusInProgress, StatusCompleted, StatusNoShow, StatusCancelled, StatusTransferred:
		return true
	}
	return false
}

type CustomerType string

const (
	CustomerNew         CustomerType = "new"
	CustomerRegular     CustomerType = "regular"
	CustomerVIP         CustomerType = "vip"
	CustomerAppointment CustomerType = "appointment"
)

type AssignmentMethod string

const (
	AssignManual       AssignmentMethod = "manual"
	AssignAuto         AssignmentMethod = "auto"
	AssignPreferred    AssignmentMethod = "preferred"
	AssignLoadBalanced AssignmentMethod = "load_balanced"
)

type Priority string

const (
	PriorityLow       Priority = "low"
	PriorityNormal    Priority = "normal"
	PriorityHigh      Priority = "high"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityEmergency:
		return true
	}
	return false
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// ServiceRef names a requested service by its stable id and display name.
type ServiceRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Notification struct {
	Type     string    `json:"type"`
	Channel  string    `json:"channel"`
	Message  string    `json:"message"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
	SentAt   time.Time `json:"sent_at"`
}

type QueueEntry struct {
	ID                   string           `json:"id"`
	LocationID           string           `json:"location_id"`
	Customer             Customer         `json:"customer"`
	CustomerType         CustomerType     `json:"customer_type"`
	Services             []ServiceRef     `json:"services"`
	AssignedEmployeeID   string           `json:"assigned_employee_id,omitempty"`
	AssignedEmployeeName string           `json:"assigned_employee_name,omitempty"`
	PreferredEmployeeID  string           `json:"preferred_employee_id,omitempty"`
	SuggestedEmployeeID  string           `json:"suggested_employee_id,omitempty"`
	AssignmentMethod     AssignmentMethod `json:"assignment_method,omitempty"`
	Priority             Priority         `json:"priority"`
	Status               QueueStatus      `json:"status"`
	Position             int              `json:"position"`
	EstimatedWaitMinutes int              `json:"estimated_wait_minutes"`
	JoinedAt             time.Time        `json:"joined_at"`
	CalledAt             *time.Time       `json:"called_at,omitempty"`
	ServiceStartTime     *time.Time       `json:"service_start_time,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	CheckinID            string           `json:"checkin_id,omitempty"`
	Notifications        []Notification   `json:"notifications,omitempty"`
	Notes                string           `json:"notes,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

func (e QueueEntry) ServiceIDs() []string {
	ids := make([]string, 0, len(e.Services))
	for _, svc := range e.Services {
		ids = append(ids, svc.ID)
	}
	return ids
}

// Clone returns a copy that shares no slices or pointers with e.
func (e QueueEntry) Clone() QueueEntry {
	out := e
	out.Services = append([]ServiceRef(nil), e.Services...)
	out.Notifications = append([]Notification(nil), e.Notifications...)
	out.CalledAt = cloneTime(e.CalledAt)
	out.ServiceStartTime = cloneTime(e.ServiceStartTime)
	out.CompletedAt = cloneTime(e.CompletedAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
