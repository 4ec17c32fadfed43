package httpapi

import (
	"net/http"
	"strings"

	"qms/orchestrator/internal/models"
)

type availabilityRequest struct {
	Status string `json:"status" validate:"required,oneof=active inactive break busy"`
}

type conditionRequest struct {
	Field    string `json:"field" validate:"required"`
	Operator string `json:"operator" validate:"required,oneof=equals greater_than less_than contains in_range"`
	Value    any    `json:"value"`
}

type actionRequest struct {
	Type       string            `json:"type" validate:"required"`
	Parameters map[string]string `json:"parameters"`
}

type ruleRequest struct {
	LocationID string             `json:"location_id"`
	Name       string             `json:"name" validate:"required,max=200"`
	Type       string             `json:"type" validate:"required,oneof=load_balancing priority_override service_limit emergency_protocol"`
	Conditions []conditionRequest `json:"conditions" validate:"dive"`
	Actions    []actionRequest    `json:"actions" validate:"required,min=1,dive"`
	Priority   int                `json:"priority"`
	IsActive   *bool              `json:"is_active"`
}

func (r ruleRequest) model() models.QueueControlRule {
	rule := models.QueueControlRule{
		LocationID: r.LocationID,
		Name:       r.Name,
		Type:       models.RuleType(r.Type),
		Priority:   r.Priority,
		IsActive:   r.IsActive == nil || *r.IsActive,
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, models.Condition{Field: c.Field, Operator: models.ConditionOperator(c.Operator), Value: c.Value})
	}
	for _, a := range r.Actions {
		rule.Actions = append(rule.Actions, models.Action{Type: models.ActionType(a.Type), Parameters: a.Parameters})
	}
	return rule
}

type emergencyRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason" validate:"required_if=Active true,max=500"`
}

type emergencyResponse struct {
	LocationID    string               `json:"location_id"`
	ManualControl bool                 `json:"manual_control"`
	Alerts        []models.SystemAlert `json:"alerts"`
}

type previewResponse struct {
	Found      bool   `json:"found"`
	EmployeeID string `json:"employee_id,omitempty"`
	Employee   string `json:"employee_name,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Score      int    `json:"score,omitempty"`
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	employee, err := h.directory.SetAvailability(r.Context(), r.PathValue("id"), models.AvailabilityStatus(req.Status))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, employee)
}

func (h *Handler) handleWorkload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.directory.WorkloadsAt(r.PathValue("id")))
}

// handleAssignmentPreview reports who would receive a customer requesting
// the given comma-separated service ids, without enqueueing anything.
func (h *Handler) handleAssignmentPreview(w http.ResponseWriter, r *http.Request) {
	locationID, ok := requireQuery(w, r, "location_id")
	if !ok {
		return
	}
	raw, ok := requireQuery(w, r, "services")
	if !ok {
		return
	}
	var requested []models.ServiceRef
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		ref := models.ServiceRef{ID: id}
		if svc, ok := h.catalog.Service(id); ok {
			ref.Name = svc.Name
		}
		requested = append(requested, ref)
	}
	decision, found := h.assigner.Select(locationID, requested)
	if !found {
		writeJSON(w, http.StatusOK, previewResponse{})
		return
	}
	writeJSON(w, http.StatusOK, previewResponse{
		Found:      true,
		EmployeeID: decision.Employee.ID,
		Employee:   decision.Employee.Name,
		Tier:       string(decision.Tier),
		Score:      decision.Score,
	})
}

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.Rules(queryParam(r, "location_id")))
}

func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	rule, outcome, err := h.rules.AddRule(r.Context(), req.model())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, rule, outcome)
}

func (h *Handler) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.rules.RemoveRule(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if outcome.PendingRetry {
		w.Header().Set("X-Pending-Retry", "true")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleEmergency(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	locationID := r.PathValue("id")
	resp := emergencyResponse{LocationID: locationID}
	if req.Active {
		resp.Alerts = []models.SystemAlert{h.rules.ActivateEmergencyOverride(r.Context(), locationID, req.Reason)}
	} else {
		resp.Alerts = h.rules.DeactivateEmergencyOverride(r.Context(), locationID)
	}
	resp.ManualControl = h.rules.ManualControl(locationID)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	unresolved := queryParam(r, "unresolved") == "true"
	writeJSON(w, http.StatusOK, h.alerts.List(queryParam(r, "location_id"), unresolved))
}

func (h *Handler) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	alert, outcome, err := h.alerts.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, alert, outcome)
}
