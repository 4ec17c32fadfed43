package models

import (
	"strings"
	"time"
)

type SkillLevel string

const (
	SkillBeginner     SkillLevel = "beginner"
	SkillIntermediate SkillLevel = "intermediate"
	SkillExpert       SkillLevel = "expert"
)

// Rank orders skill levels; an unset level ranks 0.
func (s SkillLevel) Rank() int {
	switch s {
	case SkillBeginner:
		return 1
	case SkillIntermediate:
		return 2
	case SkillExpert:
		return 3
	}
	return 0
}

type AvailabilityStatus string

const (
	AvailabilityActive   AvailabilityStatus = "active"
	AvailabilityInactive AvailabilityStatus = "inactive"
	AvailabilityBreak    AvailabilityStatus = "break"
	AvailabilityBusy     AvailabilityStatus = "busy"
)

func (s AvailabilityStatus) Valid() bool {
	switch s {
	case AvailabilityActive, AvailabilityInactive, AvailabilityBreak, AvailabilityBusy:
		return true
	}
	return false
}

type PriorityHandling string

const (
	PriorityStrict   PriorityHandling = "strict"
	PriorityFlexible PriorityHandling = "flexible"
)

// TimeWindow is a wall-clock range in "15:04" form.
type TimeWindow struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (w TimeWindow) Contains(t time.Time) bool {
	now := t.Format("15:04")
	return w.Start <= now && now < w.End
}

type DaySchedule struct {
	Working bool         `json:"working"`
	Start   string       `json:"start,omitempty"`
	End     string       `json:"end,omitempty"`
	Breaks  []TimeWindow `json:"breaks,omitempty"`
}

// WeeklySchedule is keyed by lower-case weekday name ("monday").
type WeeklySchedule map[string]DaySchedule

// WorksOn reports whether the schedule marks t's weekday as a working day.
// An empty schedule is treated as always working.
func (s WeeklySchedule) WorksOn(t time.Time) bool {
	if len(s) == 0 {
		return true
	}
	day, ok := s[strings.ToLower(t.Weekday().String())]
	return ok && day.Working
}

func (s WeeklySchedule) OnBreak(t time.Time) bool {
	day, ok := s[strings.ToLower(t.Weekday().String())]
	if !ok {
		return false
	}
	for _, window := range day.Breaks {
		if window.Contains(t) {
			return true
		}
	}
	return false
}

type Performance struct {
	AverageServiceTime float64 `json:"average_service_time"`
	CustomerRating     float64 `json:"customer_rating"`
	CurrentWorkload    int     `json:"current_workload"`
	Efficiency         float64 `json:"efficiency"`
}

type Availability struct {
	Status           AvailabilityStatus `json:"status"`
	LastStatusChange time.Time          `json:"last_status_change"`
}

type QueueSettings struct {
	MaxQueueSize        int              `json:"max_queue_size"`
	AcceptNewCustomers  bool             `json:"accept_new_customers"`
	TurnSharingEnabled  bool             `json:"turn_sharing_enabled"`
	TurnSharingPartners []string         `json:"turn_sharing_partners,omitempty"`
	PriorityHandling    PriorityHandling `json:"priority_handling,omitempty"`
}

type Employee struct {
	ID            string                `json:"id"`
	LocationID    string                `json:"location_id"`
	Name          string                `json:"name"`
	IsActive      bool                  `json:"is_active"`
	Specialties   []string              `json:"specialties,omitempty"`
	ServiceIDs    []string              `json:"service_ids,omitempty"`
	SkillLevels   map[string]SkillLevel `json:"skill_levels,omitempty"`
	Schedule      WeeklySchedule        `json:"schedule,omitempty"`
	Performance   Performance           `json:"performance"`
	Availability  Availability          `json:"availability"`
	QueueSettings QueueSettings         `json:"queue_settings"`
}

// Eligible is the stage-one filter for auto-assignment: active, scheduled on
// the given day, and accepting new customers below any queue size cap.
func (e Employee) Eligible(at time.Time) bool {
	if !e.IsActive || e.Availability.Status == AvailabilityInactive {
		return false
	}
	if !e.Schedule.WorksOn(at) || !e.QueueSettings.AcceptNewCustomers {
		return false
	}
	if limit := e.QueueSettings.MaxQueueSize; limit > 0 && e.Performance.CurrentWorkload >= limit {
		return false
	}
	return true
}

func (e Employee) Clone() Employee {
	out := e
	out.Specialties = append([]string(nil), e.Specialties...)
	out.ServiceIDs = append([]string(nil), e.ServiceIDs...)
	out.QueueSettings.TurnSharingPartners = append([]string(nil), e.QueueSettings.TurnSharingPartners...)
	if e.SkillLevels != nil {
		out.SkillLevels = make(map[string]SkillLevel, len(e.SkillLevels))
		for k, v := range e.SkillLevels {
			out.SkillLevels[k] = v
		}
	}
	if e.Schedule != nil {
		out.Schedule = make(WeeklySchedule, len(e.Schedule))
		for k, v := range e.Schedule {
			v.Breaks = append([]TimeWindow(nil), v.Breaks...)
			out.Schedule[k] = v
		}
	}
	return out
}
