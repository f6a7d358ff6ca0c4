// Package policy implements the fixed one-minute windowed call limit.
package policy

import (
	"time"

	"outbound-rate-limiter/internal/model"
)

// WindowSize is the length of the rate-limit window. It is not configurable.
const WindowSize = 60 * time.Second

var windowMs = WindowSize.Milliseconds()

// Evaluate decides a single number's outcome from the state returned by the counter store.
//
// usageAfter is the post-increment count, so a rateLimit of N denies the Nth attempt
// inside the window. When the previous attempt is older than the window the caller
// must reset the stored usage and treat the attempt as allowed.
func Evaluate(number string, now time.Time, rateLimit int64, previousUpdatedAt *int64, usageAfter int64) model.Outcome {
	if previousUpdatedAt == nil {
		return model.OutcomeAllowed
	}
	if now.UnixMilli()-*previousUpdatedAt > windowMs {
		return model.OutcomeResetAndAllow
	}
	if usageAfter >= rateLimit {
		return model.OutcomeDenied
	}
	return model.OutcomeAllowed
}

// EvaluateState is Evaluate over an AttemptState.
func EvaluateState(number string, now time.Time, rateLimit int64, state model.AttemptState) model.Outcome {
	return Evaluate(number, now, rateLimit, state.PreviousUpdatedAt, state.UsageAfter)
}
