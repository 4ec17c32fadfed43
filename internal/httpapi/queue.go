package httpapi

import (
	"net/http"

	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/queue"
)

type customerRequest struct {
	Name  string `json:"name" validate:"required"`
	Phone string `json:"phone" validate:"max=32"`
	Email string `json:"email" validate:"omitempty,email"`
}

func (c customerRequest) model() models.Customer {
	return models.Customer{Name: c.Name, Phone: c.Phone, Email: c.Email}
}

type serviceRequest struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

func serviceRefs(in []serviceRequest) []models.ServiceRef {
	out := make([]models.ServiceRef, 0, len(in))
	for _, s := range in {
		out = append(out, models.ServiceRef{ID: s.ID, Name: s.Name})
	}
	return out
}

type enqueueRequest struct {
	LocationID          string           `json:"location_id" validate:"required"`
	Customer            customerRequest  `json:"customer"`
	CustomerType        string           `json:"customer_type" validate:"omitempty,oneof=new regular vip appointment"`
	Services            []serviceRequest `json:"services" validate:"required,min=1,dive"`
	PreferredEmployeeID string           `json:"preferred_employee_id"`
	EmployeeID          string           `json:"employee_id"`
	Priority            string           `json:"priority" validate:"omitempty,oneof=low normal high urgent emergency"`
	Notes               string           `json:"notes" validate:"max=500"`
}

type transitionRequest struct {
	Status     string `json:"status" validate:"required,oneof=waiting called in_progress completed no_show cancelled transferred"`
	EmployeeID string `json:"employee_id"`
	Notes      string `json:"notes" validate:"max=500"`
}

type reassignRequest struct {
	EmployeeID string `json:"employee_id" validate:"required"`
}

type callNextRequest struct {
	LocationID string `json:"location_id" validate:"required"`
	EmployeeID string `json:"employee_id"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, outcome, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		LocationID:          req.LocationID,
		Customer:            req.Customer.model(),
		CustomerType:        models.CustomerType(req.CustomerType),
		Services:            serviceRefs(req.Services),
		PreferredEmployeeID: req.PreferredEmployeeID,
		EmployeeID:          req.EmployeeID,
		Priority:            models.Priority(req.Priority),
		Notes:               req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, entry, outcome)
}

func (h *Handler) handleListEntries(w http.ResponseWriter, r *http.Request) {
	locationID, ok := requireQuery(w, r, "location_id")
	if !ok {
		return
	}
	entries := h.queue.Entries(locationID)
	if status := queryParam(r, "status"); status != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, requestIDFrom(r), http.StatusNotFound, "not_found", "queue entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, outcome, err := h.queue.Transition(r.Context(), r.PathValue("id"), models.QueueStatus(req.Status), queue.TransitionOptions{
		EmployeeID: req.EmployeeID,
		Notes:      req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, outcome, err := h.queue.Reassign(r.Context(), r.PathValue("id"), req.EmployeeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}

func (h *Handler) handleRemoveEntry(w http.ResponseWriter, r *http.Request) {
	entry, outcome, err := h.queue.Remove(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, found, outcome, err := h.queue.CallNext(r.Context(), req.LocationID, req.EmployeeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !found {
		writeError(w, requestIDFrom(r), http.StatusConflict, "queue_empty", "no customers waiting")
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}
