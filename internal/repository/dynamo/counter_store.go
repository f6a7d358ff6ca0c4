// Package dynamo stores call counters in the DynamoDB rate-limit table.
//
// Table layout: partition key phoneNumber (S); attributes usage (N), updatedAt (N, ms
// since epoch) and type (S). Older writers stored updatedAt as a string, so reads
// accept both N and S.
package dynamo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/models"
	"outbound-rate-limiter/internal/util"
)

const (
	attrPhoneNumber = "phoneNumber"
	attrUsage       = "usage"
	attrUpdatedAt   = "updatedAt"
	attrType        = "type"

	recordAttemptExpression = "SET #usage = if_not_exists(#usage, :start) + :inc, #type = :type, #updatedat = :updatedat"
	resetUsageExpression    = "SET #usage = :start"
)

// API is the subset of the DynamoDB client used by CounterStore.
type API interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type CounterStore struct {
	api       API
	tableName string
	timeout   time.Duration
}

var _ model.CounterStore = (*CounterStore)(nil)

func NewCounterStore(api API, tableName string, timeout time.Duration) *CounterStore {
	return &CounterStore{api: api, tableName: tableName, timeout: timeout}
}

func (s *CounterStore) RecordAttempt(ctx context.Context, number string, class model.ClassLabel, now time.Time) (model.AttemptState, error) {
	return s.RecordAttempts(ctx, number, class, now, 1)
}

// RecordAttempts issues a single UpdateItem. DynamoDB applies the update expression
// atomically per item and UPDATED_OLD returns the values it replaced.
func (s *CounterStore) RecordAttempts(ctx context.Context, number string, class model.ClassLabel, now time.Time, n int64) (model.AttemptState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.tableName),
		Key:              s.key(number),
		UpdateExpression: aws.String(recordAttemptExpression),
		ExpressionAttributeNames: map[string]string{
			"#usage":     attrUsage,
			"#type":      attrType,
			"#updatedat": attrUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inc":       number64(n),
			":start":     number64(0),
			":type":      &types.AttributeValueMemberS{Value: string(class)},
			":updatedat": number64(now.UnixMilli()),
		},
		ReturnValues: types.ReturnValueUpdatedOld,
	})
	if err != nil {
		util.Error("Failed to record call attempt",
			zap.String("phone_number", number),
			zap.String("table", s.tableName),
			zap.Error(err))
		return model.AttemptState{}, fmt.Errorf("%w: update item: %v", model.ErrStoreUnavailable, err)
	}

	state, err := stateFromOld(out.Attributes, n)
	if err != nil {
		return model.AttemptState{}, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}

	util.Debug("Call attempt recorded",
		zap.String("phone_number", number),
		zap.String("class", string(class)),
		zap.Int64("usage", state.UsageAfter),
		zap.Bool("first_attempt", state.FirstAttempt()))

	return state, nil
}

func (s *CounterStore) ResetUsage(ctx context.Context, number string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tableName),
		Key:                       s.key(number),
		UpdateExpression:          aws.String(resetUsageExpression),
		ExpressionAttributeNames:  map[string]string{"#usage": attrUsage},
		ExpressionAttributeValues: map[string]types.AttributeValue{":start": number64(1)},
	})
	if err != nil {
		util.Error("Failed to reset call usage",
			zap.String("phone_number", number),
			zap.String("table", s.tableName),
			zap.Error(err))
		return fmt.Errorf("%w: reset usage: %v", model.ErrStoreUnavailable, err)
	}

	util.Debug("Call usage reset", zap.String("phone_number", number))
	return nil
}

func (s *CounterStore) GetRecord(ctx context.Context, number string) (*models.CounterRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(number),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get item: %v", model.ErrStoreUnavailable, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrRecordNotFound, number)
	}

	rec := &models.CounterRecord{PhoneNumber: number}
	if v, ok, err := intAttr(out.Item, attrUsage); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	} else if ok {
		rec.UsageCount = v
	}
	if v, ok, err := intAttr(out.Item, attrUpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	} else if ok {
		rec.LastUpdatedAt = v
	}
	if v, ok := out.Item[attrType].(*types.AttributeValueMemberS); ok {
		rec.ClassLabel = v.Value
	}
	return rec, nil
}

func (s *CounterStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.tableName)})
	if err != nil {
		return fmt.Errorf("dynamodb describe table %s: %w", s.tableName, err)
	}
	if out.Table != nil && out.Table.TableStatus != types.TableStatusActive && out.Table.TableStatus != types.TableStatusUpdating {
		return fmt.Errorf("dynamodb table %s is %s", s.tableName, out.Table.TableStatus)
	}
	return nil
}

func (s *CounterStore) key(number string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPhoneNumber: &types.AttributeValueMemberS{Value: number},
	}
}

// stateFromOld rebuilds the post-increment state from the UPDATED_OLD attributes.
// A record without a previous updatedAt counts as a first attempt.
func stateFromOld(old map[string]types.AttributeValue, n int64) (model.AttemptState, error) {
	prevUsage, _, err := intAttr(old, attrUsage)
	if err != nil {
		return model.AttemptState{}, err
	}
	state := model.AttemptState{UsageAfter: prevUsage + n}

	prevUpdatedAt, ok, err := intAttr(old, attrUpdatedAt)
	if err != nil {
		return model.AttemptState{}, err
	}
	if ok {
		state.PreviousUpdatedAt = &prevUpdatedAt
	}
	return state, nil
}

func intAttr(item map[string]types.AttributeValue, name string) (int64, bool, error) {
	av, found := item[name]
	if !found {
		return 0, false, nil
	}
	var raw string
	switch v := av.(type) {
	case *types.AttributeValueMemberN:
		raw = v.Value
	case *types.AttributeValueMemberS:
		raw = v.Value
	default:
		return 0, false, fmt.Errorf("attribute %s has unsupported type %T", name, av)
	}
	i, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("attribute %s: %w", name, err)
	}
	return i, true, nil
}

func number64(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
