// Package telephony stops denied calls on the contact center.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/connect"
	"github.com/aws/aws-sdk-go-v2/service/connect/types"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/model"
)

// ConnectAPI is the subset of the Amazon Connect client used to stop contacts.
type ConnectAPI interface {
	StopContact(ctx context.Context, params *connect.StopContactInput, optFns ...func(*connect.Options)) (*connect.StopContactOutput, error)
}

// ConnectTerminator stops contacts on one Amazon Connect instance.
type ConnectTerminator struct {
	api        ConnectAPI
	instanceID string
	timeout    time.Duration
	logger     *zap.Logger
}

var _ model.CallTerminator = (*ConnectTerminator)(nil)

func NewConnectTerminator(api ConnectAPI, instanceID string, timeout time.Duration, logger *zap.Logger) *ConnectTerminator {
	return &ConnectTerminator{api: api, instanceID: instanceID, timeout: timeout, logger: logger}
}

// TerminateCall sends StopContact for the given contact. A contact that no longer
// exists is reported as model.ErrContactNotFound so callers do not retry it.
func (t *ConnectTerminator) TerminateCall(ctx context.Context, contactID string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Info("Sending stop contact request",
		zap.String("contact_id", contactID),
		zap.String("instance_id", t.instanceID))

	_, err := t.api.StopContact(ctx, &connect.StopContactInput{
		ContactId:  aws.String(contactID),
		InstanceId: aws.String(t.instanceID),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ContactNotFoundException
	var rnf *types.ResourceNotFoundException
	var invalid *types.InvalidParameterException
	switch {
	case errors.As(err, &notFound), errors.As(err, &rnf):
		return fmt.Errorf("%w: %s: %v", model.ErrContactNotFound, contactID, err)
	case errors.As(err, &invalid):
		return fmt.Errorf("%w: invalid stop contact request: %v", model.ErrTerminationFailed, err)
	}
	return fmt.Errorf("%w: %v", model.ErrTerminationFailed, err)
}

// NoopTerminator only logs; it is used when CONNECT_DRY_RUN is enabled.
type NoopTerminator struct {
	logger *zap.Logger
}

func NewNoopTerminator(logger *zap.Logger) *NoopTerminator {
	return &NoopTerminator{logger: logger}
}

func (t *NoopTerminator) TerminateCall(_ context.Context, contactID string) error {
	t.logger.Warn("Dry run: contact would be stopped", zap.String("contact_id", contactID))
	return nil
}
