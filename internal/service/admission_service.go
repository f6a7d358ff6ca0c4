package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/policy"
	"outbound-rate-limiter/internal/retry"
)

// AdmissionOptions configures the admission controller.
type AdmissionOptions struct {
	CustomerRateLimit int64
	SystemRateLimit   int64
	// DecisionTimeout bounds the whole decision including store and Connect calls.
	DecisionTimeout time.Duration
	// FailOpen lets a side through when its counter store call fails; otherwise it is denied.
	FailOpen bool
	// TerminatePolicy bounds retries of the terminate-call capability. Nil means one attempt.
	TerminatePolicy retry.Policy
}

// AdmissionService decides whether an outbound call attempt may proceed.
type AdmissionService struct {
	store      model.CounterStore
	terminator model.CallTerminator
	sink       model.DecisionSink
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       AdmissionOptions
	now        func() time.Time
}

// NewAdmissionService creates the controller. sink may be nil.
func NewAdmissionService(
	store model.CounterStore,
	terminator model.CallTerminator,
	sink model.DecisionSink,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts AdmissionOptions,
) *AdmissionService {
	if opts.TerminatePolicy == nil {
		opts.TerminatePolicy = retry.NewConstantPolicy(0, 0)
	}
	return &AdmissionService{
		store:      store,
		terminator: terminator,
		sink:       sink,
		metrics:    m,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *AdmissionService) WithClock(now func() time.Time) *AdmissionService {
	s.now = now
	return s
}

// Decide records the attempt for both numbers and applies the configured limits.
func (s *AdmissionService) Decide(ctx context.Context, attempt model.Attempt) (model.Decision, error) {
	return s.DecideWithLimits(ctx, attempt, s.opts.CustomerRateLimit, s.opts.SystemRateLimit, s.now())
}

// DecideWithLimits is Decide with explicit per-class limits and attempt time.
//
// An invalid attempt returns model.ErrInvalidInput before anything is written. Store,
// reset, termination and publish faults are recovered here and reflected on the
// returned Decision; they never surface as an error.
func (s *AdmissionService) DecideWithLimits(ctx context.Context, attempt model.Attempt, customerLimit, systemLimit int64, now time.Time) (model.Decision, error) {
	start := time.Now()

	if err := attempt.Validate(); err != nil {
		s.metrics.IncInvalidEvent()
		s.logger.Warn("Dropping call attempt", zap.Error(err))
		return model.Decision{}, err
	}
	if customerLimit < 1 || systemLimit < 1 {
		return model.Decision{}, fmt.Errorf("%w: rate limits must be positive (customer=%d, system=%d)",
			model.ErrInvalidInput, customerLimit, systemLimit)
	}

	if s.opts.DecisionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.DecisionTimeout)
		defer cancel()
	}

	s.logger.Info("Logging outbound call",
		zap.String("contact_id", attempt.ContactID),
		zap.String("customer_number", attempt.CustomerNumber),
		zap.String("system_number", attempt.SystemNumber))

	customer := model.SideResult{Number: attempt.CustomerNumber, Class: model.ClassCustomer, Limit: customerLimit}
	system := model.SideResult{Number: attempt.SystemNumber, Class: model.ClassSystem, Limit: systemLimit}

	if attempt.CustomerNumber == attempt.SystemNumber {
		// Self-dial: both sides share one key, so record both attempts in one update.
		state, err := s.store.RecordAttempts(ctx, attempt.CustomerNumber, model.ClassCustomer, now, 2)
		customer = s.evaluateSide(ctx, customer, state, err, now, true)
		system = s.evaluateSide(ctx, system, state, err, now, false)
		system.UsageAfter, system.ResetFailed = customer.UsageAfter, customer.ResetFailed
	} else {
		var (
			g                   errgroup.Group
			custState, sysState model.AttemptState
			custErr, sysErr     error
		)
		g.Go(func() error {
			custState, custErr = s.store.RecordAttempt(ctx, attempt.CustomerNumber, model.ClassCustomer, now)
			return nil
		})
		g.Go(func() error {
			sysState, sysErr = s.store.RecordAttempt(ctx, attempt.SystemNumber, model.ClassSystem, now)
			return nil
		})
		_ = g.Wait()

		customer = s.evaluateSide(ctx, customer, custState, custErr, now, true)
		system = s.evaluateSide(ctx, system, sysState, sysErr, now, true)
	}

	decision := aggregate(attempt.ContactID, customer, system, now)

	if !decision.Allowed {
		if err := s.terminate(ctx, attempt.ContactID); err != nil {
			decision.TerminationFailed = true
			s.metrics.IncFault(metrics.FaultTermination)
			s.logger.Error("Denied call could not be terminated",
				zap.String("contact_id", attempt.ContactID),
				zap.String("reason", string(decision.Reason)),
				zap.Error(err))
		}
	}

	s.publish(ctx, decision)
	s.metrics.ObserveDecision(decision.Allowed, string(decision.Reason), time.Since(start))

	s.logger.Info("Call admission decided",
		zap.String("contact_id", decision.ContactID),
		zap.Bool("allowed", decision.Allowed),
		zap.String("reason", string(decision.Reason)),
		zap.Int64("customer_usage", customer.UsageAfter),
		zap.Int64("system_usage", system.UsageAfter),
		zap.Bool("degraded", decision.Degraded),
		zap.Duration("duration", time.Since(start)))

	return decision, nil
}

// evaluateSide applies the windowed policy to one number. Only the primary evaluation
// of a key issues the reset write and counts store faults, so a self-dial produces one of each.
func (s *AdmissionService) evaluateSide(ctx context.Context, side model.SideResult, state model.AttemptState, storeErr error, now time.Time, primary bool) model.SideResult {
	if storeErr != nil {
		side.StoreFailed = true
		side.Outcome = model.OutcomeDenied
		if s.opts.FailOpen {
			side.Outcome = model.OutcomeAllowed
		}
		if primary {
			s.metrics.IncFault(metrics.FaultStoreRecord)
		}
		s.logger.Error("Counter store unavailable",
			zap.String("phone_number", side.Number),
			zap.String("class", string(side.Class)),
			zap.Bool("fail_open", s.opts.FailOpen),
			zap.Error(storeErr))
		s.metrics.ObserveSide(string(side.Class), side.Outcome.String())
		return side
	}

	side.UsageAfter = state.UsageAfter
	side.Outcome = policy.EvaluateState(side.Number, now, side.Limit, state)

	switch side.Outcome {
	case model.OutcomeAllowed:
		if state.FirstAttempt() {
			s.logger.Info("Number is new to rate limiting table, allowing",
				zap.String("phone_number", side.Number),
				zap.String("class", string(side.Class)))
		} else {
			s.logger.Debug("Usage below rate limit, call allowed",
				zap.String("phone_number", side.Number),
				zap.Int64("usage", side.UsageAfter),
				zap.Int64("limit", side.Limit))
		}
	case model.OutcomeDenied:
		s.logger.Warn("Usage reached rate limit, blocking call",
			zap.String("phone_number", side.Number),
			zap.String("class", string(side.Class)),
			zap.Int64("usage", side.UsageAfter),
			zap.Int64("limit", side.Limit))
	case model.OutcomeResetAndAllow:
		if primary {
			if err := s.store.ResetUsage(ctx, side.Number); err != nil {
				side.ResetFailed = true
				s.metrics.IncFault(metrics.FaultStoreReset)
				s.logger.Error("Failed to reset usage after window expiry",
					zap.String("phone_number", side.Number),
					zap.Error(err))
			} else {
				side.UsageAfter = 1
				s.logger.Info("Usage reset for phone number", zap.String("phone_number", side.Number))
			}
		}
	}

	s.metrics.ObserveSide(string(side.Class), side.Outcome.String())
	return side
}

func aggregate(contactID string, customer, system model.SideResult, now time.Time) model.Decision {
	d := model.Decision{
		ContactID: contactID,
		Allowed:   true,
		Customer:  customer,
		System:    system,
		Degraded:  customer.StoreFailed || system.StoreFailed,
		DecidedAt: now,
	}
	switch {
	case customer.Denied():
		d.Allowed = false
		d.Reason = model.ReasonCustomer
	case system.Denied():
		d.Allowed = false
		d.Reason = model.ReasonSystem
	}
	return d
}

func (s *AdmissionService) terminate(ctx context.Context, contactID string) error {
	isRetryable := func(err error) bool {
		return !errors.Is(err, model.ErrContactNotFound)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Retrying stop contact",
			zap.String("contact_id", contactID),
			zap.Duration("backoff", next),
			zap.Error(err))
	}
	return retry.Do(ctx, s.opts.TerminatePolicy, isRetryable, notify, func(ctx context.Context) error {
		return s.terminator.TerminateCall(ctx, contactID)
	})
}

func (s *AdmissionService) publish(ctx context.Context, d model.Decision) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Publish(ctx, d); err != nil {
		s.metrics.IncFault(metrics.FaultPublish)
		s.logger.Warn("Failed to publish decision event",
			zap.String("contact_id", d.ContactID),
			zap.Error(err))
	}
}

// HealthCheck reports whether the counter store is reachable.
func (s *AdmissionService) HealthCheck(ctx context.Context) error {
	return s.store.HealthCheck(ctx)
}

// Counter returns the stored counter for a phone number.
func (s *AdmissionService) Counter(ctx context.Context, number string) (*CounterView, error) {
	rec, err := s.store.GetRecord(ctx, number)
	if err != nil {
		return nil, err
	}
	view := &CounterView{
		PhoneNumber:   rec.PhoneNumber,
		Usage:         rec.UsageCount,
		UpdatedAt:     time.UnixMilli(rec.LastUpdatedAt).UTC(),
		Class:         rec.ClassLabel,
		WindowExpired: s.now().UnixMilli()-rec.LastUpdatedAt > policy.WindowSize.Milliseconds(),
	}
	return view, nil
}

// CounterView is the read model of a counter record.
type CounterView struct {
	PhoneNumber   string    `json:"phone_number"`
	Usage         int64     `json:"usage"`
	UpdatedAt     time.Time `json:"updated_at"`
	Class         string    `json:"class"`
	WindowExpired bool      `json:"window_expired"`
}
