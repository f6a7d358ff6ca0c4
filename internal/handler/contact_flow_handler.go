package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"outbound-rate-limiter/internal/contactflow"
	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/service"
	"outbound-rate-limiter/internal/util"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxEventBytes = 64 << 10

// Admitter is implemented by service.AdmissionService.
type Admitter interface {
	Decide(ctx context.Context, attempt model.Attempt) (model.Decision, error)
	Counter(ctx context.Context, number string) (*service.CounterView, error)
}

// ContactFlowHandler handles HTTP requests carrying contact-flow events
type ContactFlowHandler struct {
	admitter Admitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewContactFlowHandler creates a new contact-flow handler
func NewContactFlowHandler(admitter Admitter, m *metrics.Metrics, logger *zap.Logger) *ContactFlowHandler {
	return &ContactFlowHandler{
		admitter: admitter,
		metrics:  m,
		logger:   logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers the contact-flow and counter routes
func (h *ContactFlowHandler) RegisterRoutes(router chi.Router) {
	router.Post("/contact-flow", h.Decide)
	router.Get("/counters/{phoneNumber}", h.GetCounter)
}

// Decide handles a contact-flow event and answers with the Connect response map.
// @Summary Decide whether an outbound call may proceed
// @Accept json
// @Produce json
// @Param request body events.ConnectEvent true "Contact flow event"
// @Success 200 {object} events.ConnectResponse
// @Failure 400 {object} Response
// @Router /contact-flow [post]
func (h *ContactFlowHandler) Decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var ev events.ConnectEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		h.metrics.IncInvalidEvent()
		h.respondWithError(w, r, http.StatusBadRequest, err, "Invalid event body")
		return
	}

	attempt, err := contactflow.ParseEvent(ev)
	if err != nil {
		h.metrics.IncInvalidEvent()
		h.respondWithError(w, r, http.StatusBadRequest, err, "No decision made")
		return
	}

	decision, err := h.admitter.Decide(ctx, attempt)
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "No decision made")
		return
	}

	h.respondWithJSON(w, http.StatusOK, contactflow.Response(decision))
	h.logger.Debug("Contact flow event handled via HTTP",
		util.String("contact_id", attempt.ContactID),
		util.Bool("allowed", decision.Allowed),
		util.String("request_id", middleware.GetReqID(ctx)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// GetCounter returns the stored counter for a phone number
// @Summary Get counter by phone number
// @Produce json
// @Param phoneNumber path string true "Phone number"
// @Success 200 {object} Response
// @Failure 404 {object} Response
// @Router /counters/{phoneNumber} [get]
func (h *ContactFlowHandler) GetCounter(w http.ResponseWriter, r *http.Request) {
	number := util.NormalizePhoneNumber(chi.URLParam(r, "phoneNumber"))
	if number == "" {
		h.respondWithError(w, r, http.StatusBadRequest, model.ErrInvalidInput, "Phone number is required")
		return
	}

	view, err := h.admitter.Counter(r.Context(), number)
	if err != nil {
		h.respondWithError(w, r, h.getStatusCode(err), err, "Failed to get counter")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, "Counter retrieved successfully"))
}

func (h *ContactFlowHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *ContactFlowHandler) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *ContactFlowHandler) respondWithError(w http.ResponseWriter, r *http.Request, status int, err error, message string) {
	h.logger.Warn("Request failed",
		util.String("path", r.URL.Path),
		util.Int("status", status),
		util.String("request_id", middleware.GetReqID(r.Context())),
		util.ErrorField(err),
	)
	h.respondWithJSON(w, status, errorResponse(err, message))
}
