// Package memory provides an in-process counter store for tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/models"
)

// CounterStore keeps counter records in a map guarded by a mutex.
type CounterStore struct {
	mu      sync.Mutex
	records map[string]models.CounterRecord

	// FailWith, when set, is returned (wrapped in ErrStoreUnavailable) from every operation.
	FailWith error

	writes int
}

var _ model.CounterStore = (*CounterStore)(nil)

func NewCounterStore() *CounterStore {
	return &CounterStore{records: make(map[string]models.CounterRecord)}
}

func (s *CounterStore) RecordAttempt(ctx context.Context, number string, class model.ClassLabel, now time.Time) (model.AttemptState, error) {
	return s.RecordAttempts(ctx, number, class, now, 1)
}

func (s *CounterStore) RecordAttempts(ctx context.Context, number string, class model.ClassLabel, now time.Time, n int64) (model.AttemptState, error) {
	if err := s.check(ctx); err != nil {
		return model.AttemptState{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	rec, found := s.records[number]
	var state model.AttemptState
	if found {
		prev := rec.LastUpdatedAt
		state.PreviousUpdatedAt = &prev
	}
	rec.PhoneNumber = number
	rec.UsageCount += n
	rec.LastUpdatedAt = now.UnixMilli()
	rec.ClassLabel = string(class)
	s.records[number] = rec

	state.UsageAfter = rec.UsageCount
	return state, nil
}

func (s *CounterStore) ResetUsage(ctx context.Context, number string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	rec := s.records[number]
	rec.PhoneNumber = number
	rec.UsageCount = 1
	s.records[number] = rec
	return nil
}

func (s *CounterStore) GetRecord(ctx context.Context, number string) (*models.CounterRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records[number]
	if !found {
		return nil, fmt.Errorf("%w: %s", model.ErrRecordNotFound, number)
	}
	return &rec, nil
}

func (s *CounterStore) HealthCheck(ctx context.Context) error {
	return s.check(ctx)
}

// Writes returns the number of write operations performed so far.
func (s *CounterStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *CounterStore) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
	}
	if s.FailWith != nil {
		return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, s.FailWith)
	}
	return nil
}
