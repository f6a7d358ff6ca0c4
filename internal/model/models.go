package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outbound-rate-limiter/internal/models"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrStoreUnavailable  = errors.New("counter store unavailable")
	ErrRecordNotFound    = errors.New("counter record not found")
	ErrTerminationFailed = errors.New("call termination failed")
	ErrContactNotFound   = errors.New("contact not found")
)

// -------------------- CLASS LABEL --------------------

// ClassLabel tells which side of the call a number represents.
type ClassLabel string

const (
	ClassCustomer ClassLabel = "customer"
	ClassSystem   ClassLabel = "system"
)

// -------------------- POLICY OUTCOME --------------------

// Outcome is the result of evaluating the windowed policy for one number.
type Outcome int

const (
	OutcomeAllowed Outcome = iota
	OutcomeDenied
	OutcomeResetAndAllow
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeDenied:
		return "denied"
	case OutcomeResetAndAllow:
		return "reset_and_allow"
	default:
		return "unknown"
	}
}

// AttemptState is what the counter store returns after recording an attempt.
type AttemptState struct {
	UsageAfter        int64  // usage count after the increment
	PreviousUpdatedAt *int64 // ms since epoch, nil when the record did not exist
}

// FirstAttempt reports whether the record was created by this attempt.
func (s AttemptState) FirstAttempt() bool {
	return s.PreviousUpdatedAt == nil
}

// -------------------- ATTEMPT & DECISION --------------------

// Attempt is a validated outbound call attempt.
type Attempt struct {
	ContactID      string `json:"contact_id"`
	CustomerNumber string `json:"customer_number"`
	SystemNumber   string `json:"system_number"`
}

// Validate checks that all identifying fields are present.
func (a Attempt) Validate() error {
	switch {
	case a.ContactID == "":
		return fmt.Errorf("%w: initial contact ID is missing", ErrInvalidInput)
	case a.CustomerNumber == "":
		return fmt.Errorf("%w: customer number is missing", ErrInvalidInput)
	case a.SystemNumber == "":
		return fmt.Errorf("%w: system number is missing", ErrInvalidInput)
	}
	return nil
}

// Reason names the side that caused a denial.
type Reason string

const (
	ReasonNone     Reason = ""
	ReasonCustomer Reason = "customer"
	ReasonSystem   Reason = "system"
)

// SideResult is the evaluation of one number of the call.
type SideResult struct {
	Number      string     `json:"number"`
	Class       ClassLabel `json:"class"`
	Limit       int64      `json:"limit"`
	UsageAfter  int64      `json:"usage_after"`
	Outcome     Outcome    `json:"-"`
	StoreFailed bool       `json:"store_failed,omitempty"`
	ResetFailed bool       `json:"reset_failed,omitempty"`
}

// Denied reports whether this side blocks the call.
func (r SideResult) Denied() bool {
	return r.Outcome == OutcomeDenied
}

// Decision is the aggregated admission decision for one call attempt.
type Decision struct {
	ContactID         string     `json:"contact_id"`
	Allowed           bool       `json:"allowed"`
	Reason            Reason     `json:"reason,omitempty"`
	Customer          SideResult `json:"customer"`
	System            SideResult `json:"system"`
	Degraded          bool       `json:"degraded,omitempty"`
	TerminationFailed bool       `json:"termination_failed,omitempty"`
	DecidedAt         time.Time  `json:"decided_at"`
}

// -------------------- COLLABORATOR INTERFACES --------------------

// CounterStore records call attempts per phone number with atomic server-side updates.
type CounterStore interface {
	RecordAttempt(ctx context.Context, number string, class ClassLabel, now time.Time) (AttemptState, error)
	RecordAttempts(ctx context.Context, number string, class ClassLabel, now time.Time, n int64) (AttemptState, error)
	ResetUsage(ctx context.Context, number string) error
	GetRecord(ctx context.Context, number string) (*models.CounterRecord, error)
	HealthCheck(ctx context.Context) error
}

// CallTerminator stops a call that has been denied.
type CallTerminator interface {
	TerminateCall(ctx context.Context, contactID string) error
}

// DecisionSink receives every decision for auditing.
type DecisionSink interface {
	Publish(ctx context.Context, decision Decision) error
}
