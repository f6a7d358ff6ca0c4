// Package lambdahandler serves contact-flow invocations from Amazon Connect via AWS Lambda.
package lambdahandler

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/contactflow"
	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
)

// Decider is implemented by service.AdmissionService.
type Decider interface {
	Decide(ctx context.Context, attempt model.Attempt) (model.Decision, error)
}

type Handler struct {
	decider Decider
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func New(decider Decider, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{decider: decider, metrics: m, logger: logger}
}

// Handle answers a contact-flow invocation. Events that cannot be decided return an
// empty response and no error so the contact flow takes its default branch.
func (h *Handler) Handle(ctx context.Context, ev events.ConnectEvent) (events.ConnectResponse, error) {
	logger := h.logger
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		logger = logger.With(zap.String("aws_request_id", lc.AwsRequestID))
	}

	attempt, err := contactflow.ParseEvent(ev)
	if err != nil {
		h.metrics.IncInvalidEvent()
		logger.Warn("No decision made for contact flow event", zap.Error(err))
		return events.ConnectResponse{}, nil
	}

	decision, err := h.decider.Decide(ctx, attempt)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidInput) {
			logger.Error("Admission decision failed",
				zap.String("contact_id", attempt.ContactID),
				zap.Error(err))
		}
		return events.ConnectResponse{}, nil
	}
	return contactflow.Response(decision), nil
}
