// Package assign picks the best available employee for a set of requested
// services.
//
// Selection runs in tiers. Employees assigned to every requested service at
// the required skill level are ranked first by preference score, then by
// rating, then by workload. When nobody qualifies, employees whose free-text
// specialties match a requested service name are ranked by rating and
// workload. A service may finally allow falling back to any eligible employee.
package assign

import (
	"sort"
	"strings"
	"time"

	"qms/orchestrator/internal/models"
)

type Tier string

const (
	TierQualified Tier = "qualified"
	TierSpecialty Tier = "specialty"
	TierAny       Tier = "any"
)

// ratingTolerance is the largest rating gap still treated as a tie.
const ratingTolerance = 0.1

type EmployeeSource interface {
	EmployeesAt(locationID string) []models.Employee
}

type ServiceSource interface {
	Service(id string) (models.Service, bool)
}

type Decision struct {
	Employee models.Employee `json:"employee"`
	Tier     Tier            `json:"tier"`
	Score    int             `json:"score"`
}

type Engine struct {
	employees EmployeeSource
	services  ServiceSource
	now       func() time.Time
}

func NewEngine(employees EmployeeSource, services ServiceSource, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{employees: employees, services: services, now: now}
}

// Eligible returns the stage-one candidates at a location ordered by id.
func (e *Engine) Eligible(locationID string) []models.Employee {
	at := e.now()
	var out []models.Employee
	for _, emp := range e.employees.EmployeesAt(locationID) {
		if emp.Eligible(at) {
			out = append(out, emp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select returns the best employee for the requested services, or false
// when no tier produced a candidate.
func (e *Engine) Select(locationID string, requested []models.ServiceRef) (Decision, bool) {
	candidates := e.Eligible(locationID)
	if len(candidates) == 0 || len(requested) == 0 {
		return Decision{}, false
	}

	services := e.resolve(requested)
	rules := combineRules(services)
	names := serviceNames(services)

	var qualified []models.Employee
	for _, emp := range candidates {
		if !qualifies(emp, services) {
			continue
		}
		if rules.requireSpecialty && !matchesSpecialty(emp, names) {
			continue
		}
		qualified = append(qualified, emp)
	}
	if len(qualified) > 0 {
		scores := make(map[string]int, len(qualified))
		for _, emp := range qualified {
			scores[emp.ID] = preferenceScore(emp.ID, services)
		}
		sort.SliceStable(qualified, func(i, j int) bool {
			a, b := qualified[i], qualified[j]
			if scores[a.ID] != scores[b.ID] {
				return scores[a.ID] > scores[b.ID]
			}
			return better(a, b, rules)
		})
		best := qualified[0]
		return Decision{Employee: best, Tier: TierQualified, Score: scores[best.ID]}, true
	}

	var specialists []models.Employee
	for _, emp := range candidates {
		if matchesSpecialty(emp, names) {
			specialists = append(specialists, emp)
		}
	}
	if len(specialists) > 0 {
		sort.SliceStable(specialists, func(i, j int) bool { return better(specialists[i], specialists[j], rules) })
		return Decision{Employee: specialists[0], Tier: TierSpecialty}, true
	}

	if !rules.fallbackToAny {
		return Decision{}, false
	}
	pool := append([]models.Employee(nil), candidates...)
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if a.Performance.CurrentWorkload != b.Performance.CurrentWorkload {
			return a.Performance.CurrentWorkload < b.Performance.CurrentWorkload
		}
		return a.Performance.CustomerRating > b.Performance.CustomerRating
	})
	return Decision{Employee: pool[0], Tier: TierAny}, true
}

// resolve looks up catalog records; unknown ids keep only their name.
func (e *Engine) resolve(requested []models.ServiceRef) []models.Service {
	out := make([]models.Service, 0, len(requested))
	for _, ref := range requested {
		if svc, ok := e.services.Service(ref.ID); ok {
			if svc.Name == "" {
				svc.Name = ref.Name
			}
			out = append(out, svc)
			continue
		}
		out = append(out, models.Service{ID: ref.ID, Name: ref.Name})
	}
	return out
}

type combinedRules struct {
	requireSpecialty bool
	fallbackToAny    bool
	considerRating   bool
	considerWorkload bool
}

func combineRules(services []models.Service) combinedRules {
	var out combinedRules
	for _, svc := range services {
		r := svc.AutoAssignmentRules
		out.requireSpecialty = out.requireSpecialty || r.RequireSpecialty
		out.fallbackToAny = out.fallbackToAny || r.FallbackToAnyEmployee
		out.considerRating = out.considerRating || r.RatingConsidered()
		out.considerWorkload = out.considerWorkload || r.WorkloadConsidered()
	}
	return out
}

// qualifies reports whether emp is assigned to every service at or above the
// required skill level. A service missing from the catalog has no assigned
// employees, so nobody qualifies for it.
func qualifies(emp models.Employee, services []models.Service) bool {
	for _, svc := range services {
		if !svc.Assigned(emp.ID) {
			return false
		}
		if emp.SkillLevels[svc.ID].Rank() < svc.SkillLevelRequired.Rank() {
			return false
		}
	}
	return true
}

func preferenceScore(employeeID string, services []models.Service) int {
	score := 0
	for _, svc := range services {
		for i, id := range svc.AutoAssignmentRules.PreferredEmployeeIDs {
			if id == employeeID {
				if v := 10 - i; v > 0 {
					score += v
				}
				break
			}
		}
	}
	return score
}

// better orders by rating descending (gaps within tolerance tie) and then by
// workload ascending. Candidates arrive sorted by id, so a stable sort keeps
// the result deterministic on full ties.
func better(a, b models.Employee, rules combinedRules) bool {
	if rules.considerRating {
		diff := a.Performance.CustomerRating - b.Performance.CustomerRating
		if diff > ratingTolerance {
			return true
		}
		if diff < -ratingTolerance {
			return false
		}
	}
	if rules.considerWorkload && a.Performance.CurrentWorkload != b.Performance.CurrentWorkload {
		return a.Performance.CurrentWorkload < b.Performance.CurrentWorkload
	}
	return false
}

// NormalizeServiceName lower-cases a service name, drops '&' and turns spaces
// into underscores so it can be compared with specialty tags.
func NormalizeServiceName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.ReplaceAll(n, "&", "")
	n = strings.Join(strings.Fields(n), "_")
	return n
}

func serviceNames(services []models.Service) []string {
	out := make([]string, 0, len(services))
	for _, svc := range services {
		if name := NormalizeServiceName(svc.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func matchesSpecialty(emp models.Employee, names []string) bool {
	for _, name := range names {
		for _, specialty := range emp.Specialties {
			tag := NormalizeServiceName(specialty)
			if tag == "" {
				continue
			}
			if strings.Contains(tag, name) || strings.Contains(name, tag) {
				return true
			}
		}
	}
	return false
}
