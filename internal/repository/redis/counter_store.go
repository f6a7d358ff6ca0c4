package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/client"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/models"
	"outbound-rate-limiter/internal/util"
)

const (
	defaultKeyPrefix = "call_rate_limit:"

	fieldUsage     = "usage"
	fieldUpdatedAt = "updatedAt"
	fieldType      = "type"
)

// recordAttemptScript increments usage, stamps type and updatedAt, and returns
// {usage_after, previous_updated_at}; the second element is absent for a new record.
var recordAttemptScript = goredis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'updatedAt')
local usage = redis.call('HINCRBY', KEYS[1], 'usage', ARGV[3])
redis.call('HSET', KEYS[1], 'type', ARGV[1], 'updatedAt', ARGV[2])
if prev then
	return {usage, prev}
end
return {usage}
`)

// CounterStore keeps one hash per phone number. Every write is a single server-side
// command or script, so concurrent attempts never lose increments.
type CounterStore struct {
	client    *client.RedisClient
	keyPrefix string
	timeout   time.Duration
}

var _ model.CounterStore = (*CounterStore)(nil)

func NewCounterStore(c *client.RedisClient, timeout time.Duration) *CounterStore {
	prefix := c.KeyPrefix()
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &CounterStore{client: c, keyPrefix: prefix, timeout: timeout}
}

func (s *CounterStore) RecordAttempt(ctx context.Context, number string, class model.ClassLabel, now time.Time) (model.AttemptState, error) {
	return s.RecordAttempts(ctx, number, class, now, 1)
}

func (s *CounterStore) RecordAttempts(ctx context.Context, number string, class model.ClassLabel, now time.Time, n int64) (model.AttemptState, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := recordAttemptScript.Run(ctx, s.client.Client, []string{s.key(number)},
		string(class), now.UnixMilli(), n).Slice()
	if err != nil {
		util.Error("Failed to record call attempt",
			zap.String("phone_number", number),
			zap.String("class", string(class)),
			zap.Error(err))
		return model.AttemptState{}, fmt.Errorf("%w: record attempt: %v", model.ErrStoreUnavailable, err)
	}

	state, err := parseScriptResult(res)
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

	if err := s.client.Client.HSet(ctx, s.key(number), fieldUsage, 1).Err(); err != nil {
		util.Error("Failed to reset call usage",
			zap.String("phone_number", number),
			zap.Error(err))
		return fmt.Errorf("%w: reset usage: %v", model.ErrStoreUnavailable, err)
	}

	util.Debug("Call usage reset", zap.String("phone_number", number))
	return nil
}

func (s *CounterStore) GetRecord(ctx context.Context, number string) (*models.CounterRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fields, err := s.client.Client.HGetAll(ctx, s.key(number)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get record: %v", model.ErrStoreUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrRecordNotFound, number)
	}

	rec := &models.CounterRecord{PhoneNumber: number, ClassLabel: fields[fieldType]}
	if rec.UsageCount, err = parseInt(fields[fieldUsage]); err != nil {
		return nil, fmt.Errorf("%w: usage: %v", model.ErrStoreUnavailable, err)
	}
	if rec.LastUpdatedAt, err = parseInt(fields[fieldUpdatedAt]); err != nil {
		return nil, fmt.Errorf("%w: updatedAt: %v", model.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func (s *CounterStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *CounterStore) key(number string) string {
	return s.keyPrefix + number
}

func parseScriptResult(res []interface{}) (model.AttemptState, error) {
	if len(res) == 0 || len(res) > 2 {
		return model.AttemptState{}, errors.New("unexpected result format from record attempt script")
	}

	usage, ok := res[0].(int64)
	if !ok {
		return model.AttemptState{}, fmt.Errorf("unexpected usage type %T", res[0])
	}
	state := model.AttemptState{UsageAfter: usage}

	if len(res) == 2 {
		raw, ok := res[1].(string)
		if !ok {
			return model.AttemptState{}, fmt.Errorf("unexpected updatedAt type %T", res[1])
		}
		prev, err := parseInt(raw)
		if err != nil {
			return model.AttemptState{}, fmt.Errorf("updatedAt: %w", err)
		}
		state.PreviousUpdatedAt = &prev
	}
	return state, nil
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
