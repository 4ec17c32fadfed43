package models

type AutoAssignmentRules struct {
	RequireSpecialty      bool     `json:"require_specialty"`
	ConsiderWorkload      *bool    `json:"consider_workload,omitempty"`
	ConsiderRating        *bool    `json:"consider_rating,omitempty"`
	FallbackToAnyEmployee bool     `json:"fallback_to_any_employee"`
	PreferredEmployeeIDs  []string `json:"preferred_employee_ids,omitempty"`
}

func (r AutoAssignmentRules) WorkloadConsidered() bool {
	return r.ConsiderWorkload == nil || *r.ConsiderWorkload
}

func (r AutoAssignmentRules) RatingConsidered() bool {
	return r.ConsiderRating == nil || *r.ConsiderRating
}

type Service struct {
	ID                  string              `json:"id"`
	LocationID          string              `json:"location_id"`
	Name                string              `json:"name"`
	EstimatedDuration   int                 `json:"estimated_duration"`
	SkillLevelRequired  SkillLevel          `json:"skill_level_required,omitempty"`
	AssignedEmployeeIDs []string            `json:"assigned_employee_ids,omitempty"`
	AutoAssignmentRules AutoAssignmentRules `json:"auto_assignment_rules"`
}

func (s Service) Assigned(employeeID string) bool {
	for _, id := range s.AssignedEmployeeIDs {
		if id == employeeID {
			return true
		}
	}
	return false
}

// Location is a physical site with a geofence and known networks used for
// presence verification.
type Location struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Latitude             float64  `json:"latitude"`
	Longitude            float64  `json:"longitude"`
	GeofenceRadiusMeters float64  `json:"geofence_radius_meters,omitempty"`
	KnownNetworks        []string `json:"known_networks,omitempty"`
}
