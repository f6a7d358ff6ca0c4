package dynamo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbound-rate-limiter/internal/model"
)

type fakeAPI struct {
	mu          sync.Mutex
	updates     []*dynamodb.UpdateItemInput
	updateOut   *dynamodb.UpdateItemOutput
	getOut      *dynamodb.GetItemOutput
	describeOut *dynamodb.DescribeTableOutput
	err         error
}

func (f *fakeAPI) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.err != nil {
		return nil, f.err
	}
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return f.updateOut, nil
}

func (f *fakeAPI) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.getOut, nil
}

func (f *fakeAPI) DescribeTable(_ context.Context, _ *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describeOut, nil
}

func n(v string) *types.AttributeValueMemberN { return &types.AttributeValueMemberN{Value: v} }
func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }

func TestCounterStore_RecordAttempt_FirstAttempt(t *testing.T) {
	api := &fakeAPI{}
	store := NewCounterStore(api, "RateLimitTable", time.Second)
	now := time.UnixMilli(1_700_000_000_000)

	state, err := store.RecordAttempt(context.Background(), "+15551234567", model.ClassCustomer, now)
	require.NoError(t, err)
	assert.True(t, state.FirstAttempt())
	assert.EqualValues(t, 1, state.UsageAfter)

	require.Len(t, api.updates, 1)
	in := api.updates[0]
	assert.Equal(t, "RateLimitTable", aws.ToString(in.TableName))
	assert.Equal(t, recordAttemptExpression, aws.ToString(in.UpdateExpression))
	assert.Equal(t, types.ReturnValueUpdatedOld, in.ReturnValues)
	assert.Equal(t, s("+15551234567"), in.Key["phoneNumber"])
	assert.Equal(t, n("1"), in.ExpressionAttributeValues[":inc"])
	assert.Equal(t, n("0"), in.ExpressionAttributeValues[":start"])
	assert.Equal(t, s("customer"), in.ExpressionAttributeValues[":type"])
	assert.Equal(t, n("1700000000000"), in.ExpressionAttributeValues[":updatedat"])
	assert.Equal(t, "updatedAt", in.ExpressionAttributeNames["#updatedat"])
}

func TestCounterStore_RecordAttempt_ExistingRecord(t *testing.T) {
	tests := []struct {
		name      string
		updatedAt types.AttributeValue
	}{
		{name: "numeric updatedAt", updatedAt: n("1699999990000")},
		{name: "legacy string updatedAt", updatedAt: s("1699999990000")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
				"usage":     n("3"),
				"type":      s("customer"),
				"updatedAt": tt.updatedAt,
			}}}
			store := NewCounterStore(api, "RateLimitTable", time.Second)

			state, err := store.RecordAttempts(context.Background(), "+15551234567", model.ClassCustomer, time.UnixMilli(1_700_000_000_000), 2)
			require.NoError(t, err)
			require.NotNil(t, state.PreviousUpdatedAt)
			assert.EqualValues(t, 1_699_999_990_000, *state.PreviousUpdatedAt)
			assert.EqualValues(t, 5, state.UsageAfter)
			assert.Equal(t, n("2"), api.updates[0].ExpressionAttributeValues[":inc"])
		})
	}
}

func TestCounterStore_RecordAttempt_Errors(t *testing.T) {
	api := &fakeAPI{err: errors.New("throttled")}
	store := NewCounterStore(api, "RateLimitTable", time.Second)
	_, err := store.RecordAttempt(context.Background(), "+1", model.ClassSystem, time.Now())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)

	api = &fakeAPI{updateOut: &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{
		"updatedAt": s("yesterday"),
	}}}
	store = NewCounterStore(api, "RateLimitTable", time.Second)
	_, err = store.RecordAttempt(context.Background(), "+1", model.ClassSystem, time.Now())
	require.ErrorIs(t, err, model.ErrStoreUnavailable)
}

func TestCounterStore_ResetUsage(t *testing.T) {
	api := &fakeAPI{}
	store := NewCounterStore(api, "RateLimitTable", time.Second)

	require.NoError(t, store.ResetUsage(context.Background(), "+15551234567"))
	require.Len(t, api.updates, 1)
	in := api.updates[0]
	assert.Equal(t, resetUsageExpression, aws.ToString(in.UpdateExpression))
	assert.Equal(t, n("1"), in.ExpressionAttributeValues[":start"])

	api.err = errors.New("network")
	require.ErrorIs(t, store.ResetUsage(context.Background(), "+15551234567"), model.ErrStoreUnavailable)
}

func TestCounterStore_GetRecord(t *testing.T) {
	api := &fakeAPI{getOut: &dynamodb.GetItemOutput{Item: map[string]types.AttributeValue{
		"phoneNumber": s("+15551234567"),
		"usage":       n("4"),
		"updatedAt":   n("1234"),
		"type":        s("system"),
	}}}
	store := NewCounterStore(api, "RateLimitTable", time.Second)

	rec, err := store.GetRecord(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.EqualValues(t, 4, rec.UsageCount)
	assert.EqualValues(t, 1234, rec.LastUpdatedAt)
	assert.Equal(t, "system", rec.ClassLabel)

	api.getOut = &dynamodb.GetItemOutput{}
	_, err = store.GetRecord(context.Background(), "+15551234567")
	require.ErrorIs(t, err, model.ErrRecordNotFound)
}

func TestCounterStore_HealthCheck(t *testing.T) {
	api := &fakeAPI{describeOut: &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusActive}}}
	store := NewCounterStore(api, "RateLimitTable", time.Second)
	require.NoError(t, store.HealthCheck(context.Background()))

	api.describeOut = &dynamodb.DescribeTableOutput{Table: &types.TableDescription{TableStatus: types.TableStatusDeleting}}
	require.Error(t, store.HealthCheck(context.Background()))
}
