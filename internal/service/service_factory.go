package service

import (
	"outbound-rate-limiter/internal/config"
	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/retry"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg              *config.Config
	store            model.CounterStore
	terminator       model.CallTerminator
	sink             model.DecisionSink
	metrics          *metrics.Metrics
	logger           *zap.Logger
	admissionService *AdmissionService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	store model.CounterStore,
	terminator model.CallTerminator,
	sink model.DecisionSink,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:        cfg,
		store:      store,
		terminator: terminator,
		sink:       sink,
		metrics:    m,
		logger:     logger,
	}
}

// AdmissionService returns the admission service instance (singleton)
func (f *ServiceFactory) AdmissionService() *AdmissionService {
	if f.admissionService == nil {
		f.admissionService = NewAdmissionService(
			f.store,
			f.terminator,
			f.sink,
			f.metrics,
			f.logger,
			AdmissionOptions{
				CustomerRateLimit: f.cfg.RateLimit.CustomerRateLimit,
				SystemRateLimit:   f.cfg.RateLimit.SystemRateLimit,
				DecisionTimeout:   f.cfg.RateLimit.DecisionTimeout,
				FailOpen:          f.cfg.FailOpen(),
				TerminatePolicy:   retry.NewConstantPolicy(f.cfg.Connect.TerminateInterval, f.cfg.Connect.TerminateRetries),
			},
		)
	}
	return f.admissionService
}
