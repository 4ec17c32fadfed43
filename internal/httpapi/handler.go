package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"qms/orchestrator/internal/assign"
	"qms/orchestrator/internal/checkin"
	"qms/orchestrator/internal/models"
	"qms/orchestrator/internal/queue"
	"qms/orchestrator/internal/store"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type QueueService interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (models.QueueEntry, store.Outcome, error)
	Get(id string) (models.QueueEntry, bool)
	Entries(locationID string) []models.QueueEntry
	Transition(ctx context.Context, id string, status models.QueueStatus, opts queue.TransitionOptions) (models.QueueEntry, store.Outcome, error)
	CallNext(ctx context.Context, locationID, employeeID string) (models.QueueEntry, bool, store.Outcome, error)
	Remove(ctx context.Context, id string) (models.QueueEntry, store.Outcome, error)
	Reassign(ctx context.Context, id, employeeID string) (models.QueueEntry, store.Outcome, error)
}

type CheckinService interface {
	AddCheckin(ctx context.Context, req checkin.AddRequest) (models.CheckinEntry, store.Outcome, error)
	List(locationID string) []models.CheckinEntry
	FindByCode(code string) (models.CheckinEntry, bool)
	Verify(ctx context.Context, id string, req checkin.VerifyRequest) (checkin.VerifyResult, store.Outcome, error)
	ConfirmByStaff(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error)
	Cancel(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error)
	ConvertToQueue(ctx context.Context, id string) (models.CheckinEntry, store.Outcome, error)
}

type EmployeeDirectory interface {
	SetAvailability(ctx context.Context, id string, status models.AvailabilityStatus) (models.Employee, error)
	WorkloadsAt(locationID string) map[string]int
}

type ServiceCatalog interface {
	Service(id string) (models.Service, bool)
}

type Assigner interface {
	Select(locationID string, requested []models.ServiceRef) (assign.Decision, bool)
}

type RuleService interface {
	AddRule(ctx context.Context, rule models.QueueControlRule) (models.QueueControlRule, store.Outcome, error)
	RemoveRule(ctx context.Context, id string) (store.Outcome, error)
	Rules(locationID string) []models.QueueControlRule
	ManualControl(locationID string) bool
	ActivateEmergencyOverride(ctx context.Context, locationID, reason string) models.SystemAlert
	DeactivateEmergencyOverride(ctx context.Context, locationID string) []models.SystemAlert
}

type AlertService interface {
	List(locationID string, unresolvedOnly bool) []models.SystemAlert
	Resolve(ctx context.Context, id string) (models.SystemAlert, store.Outcome, error)
}

type Options struct {
	Queue     QueueService
	Checkins  CheckinService
	Directory EmployeeDirectory
	Catalog   ServiceCatalog
	Assigner  Assigner
	Rules     RuleService
	Alerts    AlertService
	Logger    *zap.Logger
}

type Handler struct {
	queue     QueueService
	checkins  CheckinService
	directory EmployeeDirectory
	catalog   ServiceCatalog
	assigner  Assigner
	rules     RuleService
	alerts    AlertService
	validate  *validator.Validate
	logger    *zap.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(options Options) *Handler {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		queue:     options.Queue,
		checkins:  options.Checkins,
		directory: options.Directory,
		catalog:   options.Catalog,
		assigner:  options.Assigner,
		rules:     options.Rules,
		alerts:    options.Alerts,
		validate:  validator.New(),
		logger:    logger,
	}
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /api/queue/entries", h.handleEnqueue)
	mux.HandleFunc("GET /api/queue/entries", h.handleListEntries)
	mux.HandleFunc("GET /api/queue/entries/{id}", h.handleGetEntry)
	mux.HandleFunc("POST /api/queue/entries/{id}/transition", h.handleTransition)
	mux.HandleFunc("POST /api/queue/entries/{id}/reassign", h.handleReassign)
	mux.HandleFunc("DELETE /api/queue/entries/{id}", h.handleRemoveEntry)
	mux.HandleFunc("POST /api/queue/call-next", h.handleCallNext)

	mux.HandleFunc("POST /api/checkins", h.handleAddCheckin)
	mux.HandleFunc("GET /api/checkins", h.handleListCheckins)
	mux.HandleFunc("GET /api/checkins/code/{code}", h.handleCheckinByCode)
	mux.HandleFunc("POST /api/checkins/{id}/verify", h.handleVerifyCheckin)
	mux.HandleFunc("POST /api/checkins/{id}/confirm", h.handleConfirmCheckin)
	mux.HandleFunc("POST /api/checkins/{id}/cancel", h.handleCancelCheckin)
	mux.HandleFunc("POST /api/checkins/{id}/convert", h.handleConvertCheckin)

	mux.HandleFunc("POST /api/employees/{id}/availability", h.handleAvailability)
	mux.HandleFunc("GET /api/locations/{id}/workload", h.handleWorkload)
	mux.HandleFunc("GET /api/assignment/preview", h.handleAssignmentPreview)

	mux.HandleFunc("GET /api/rules", h.handleListRules)
	mux.HandleFunc("POST /api/rules", h.handleAddRule)
	mux.HandleFunc("DELETE /api/rules/{id}", h.handleRemoveRule)
	mux.HandleFunc("POST /api/locations/{id}/emergency", h.handleEmergency)
	mux.HandleFunc("GET /api/alerts", h.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/resolve", h.handleResolveAlert)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// decodeRequest reads a JSON body into target and validates its tags. An
// empty body is accepted for requests whose fields are all optional.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target any) bool {
	requestID := requestIDFrom(r)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(e.Field()), e.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func queryParam(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}

// requireQuery writes a 400 when a mandatory query parameter is missing.
func requireQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	value := queryParam(r, key)
	if value == "" {
		writeError(w, requestIDFrom(r), http.StatusBadRequest, "invalid_request", key+" is required")
		return "", false
	}
	return value, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("request_id", requestIDFrom(r)), zap.Error(err))
	}
	writeError(w, requestIDFrom(r), status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, store.ErrVerification):
		return http.StatusConflict, "verification_failed", err.Error()
	case errors.Is(err, store.ErrPersistence):
		return http.StatusServiceUnavailable, "persistence_unavailable", "storage is unavailable, retry later"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// writeResult writes an entity and flags a write still waiting for storage.
func writeResult(w http.ResponseWriter, status int, payload any, outcome store.Outcome) {
	if outcome.PendingRetry {
		w.Header().Set("X-Pending-Retry", "true")
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
