// Package contactflow converts Amazon Connect contact-flow invocations to and from
// admission attempts and decisions.
package contactflow

import (
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/util"
)

const (
	EventName = "ContactFlowEvent"

	ParamInitialContactID = "InitialContactId"

	KeyResult      = "Result"
	KeyCallAllowed = "CallAllowed"
	KeyReason      = "Reason"
	ResultSuccess  = "SUCCESS"
)

// ParseEvent extracts the call attempt from a contact-flow event.
// It returns model.ErrInvalidInput when the event is not a contact-flow event or a
// required identifier is missing.
func ParseEvent(ev events.ConnectEvent) (model.Attempt, error) {
	if ev.Name != EventName {
		return model.Attempt{}, fmt.Errorf("%w: unexpected event name %q", model.ErrInvalidInput, ev.Name)
	}

	attempt := model.Attempt{
		ContactID:      ev.Details.Parameters[ParamInitialContactID],
		CustomerNumber: util.NormalizePhoneNumber(ev.Details.ContactData.CustomerEndpoint.Address),
		SystemNumber:   util.NormalizePhoneNumber(ev.Details.ContactData.SystemEndpoint.Address),
	}
	if err := attempt.Validate(); err != nil {
		return model.Attempt{}, err
	}
	return attempt, nil
}

// Response renders a decision in the flat string map the contact flow branches on.
func Response(d model.Decision) events.ConnectResponse {
	resp := events.ConnectResponse{
		KeyResult:      ResultSuccess,
		KeyCallAllowed: "true",
	}
	if !d.Allowed {
		resp[KeyCallAllowed] = "false"
		resp[KeyReason] = string(d.Reason)
	}
	return resp
}
