package httpapi

import (
	"net/http"
	"time"

	"qms/orchestrator/internal/checkin"
	"qms/orchestrator/internal/models"
)

type addCheckinRequest struct {
	LocationID           string           `json:"location_id" validate:"required"`
	Customer             customerRequest  `json:"customer"`
	CustomerType         string           `json:"customer_type" validate:"omitempty,oneof=new regular vip appointment"`
	Services             []serviceRequest `json:"services" validate:"required,min=1,dive"`
	PreferredEmployeeID  string           `json:"preferred_employee_id"`
	CheckinType          string           `json:"checkin_type" validate:"required,oneof=remote in_store"`
	EstimatedArrivalTime *time.Time       `json:"estimated_arrival_time"`
	Notes                string           `json:"notes" validate:"max=500"`
}

type coordinatesRequest struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
	Accuracy  float64 `json:"accuracy" validate:"gte=0"`
}

type verifyRequest struct {
	Coordinates *coordinatesRequest `json:"coordinates"`
	Network     *checkin.Network    `json:"network"`
}

type verifyResponse struct {
	checkin.VerifyResult
	Reasons []string `json:"reasons,omitempty"`
}

func (h *Handler) handleAddCheckin(w http.ResponseWriter, r *http.Request) {
	var req addCheckinRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	entry, outcome, err := h.checkins.AddCheckin(r.Context(), checkin.AddRequest{
		LocationID:          req.LocationID,
		Customer:            req.Customer.model(),
		CustomerType:        models.CustomerType(req.CustomerType),
		Services:            serviceRefs(req.Services),
		PreferredEmployeeID: req.PreferredEmployeeID,
		Type:                models.CheckinType(req.CheckinType),
		EstimatedArrival:    req.EstimatedArrivalTime,
		Notes:               req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, entry, outcome)
}

func (h *Handler) handleListCheckins(w http.ResponseWriter, r *http.Request) {
	locationID, ok := requireQuery(w, r, "location_id")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.checkins.List(locationID))
}

func (h *Handler) handleCheckinByCode(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.checkins.FindByCode(r.PathValue("code"))
	if !ok {
		writeError(w, requestIDFrom(r), http.StatusNotFound, "not_found", "check-in not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleVerifyCheckin(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	var verify checkin.VerifyRequest
	if req.Coordinates != nil {
		verify.Position = checkin.Fixed(models.Coordinates{
			Latitude:  req.Coordinates.Latitude,
			Longitude: req.Coordinates.Longitude,
			Accuracy:  req.Coordinates.Accuracy,
		})
	}
	verify.Network = req.Network
	result, outcome, err := h.checkins.Verify(r.Context(), r.PathValue("id"), verify)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := verifyResponse{VerifyResult: result}
	if result.Failure != nil {
		resp.Reasons = result.Failure.Reasons
	}
	writeResult(w, http.StatusOK, resp, outcome)
}

func (h *Handler) handleConfirmCheckin(w http.ResponseWriter, r *http.Request) {
	entry, outcome, err := h.checkins.ConfirmByStaff(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}

func (h *Handler) handleCancelCheckin(w http.ResponseWriter, r *http.Request) {
	entry, outcome, err := h.checkins.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}

func (h *Handler) handleConvertCheckin(w http.ResponseWriter, r *http.Request) {
	entry, outcome, err := h.checkins.ConvertToQueue(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, entry, outcome)
}
