package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"outbound-rate-limiter/internal/metrics"
	"outbound-rate-limiter/internal/model"
	"outbound-rate-limiter/internal/repository/memory"
	"outbound-rate-limiter/internal/retry"
)

const (
	customerNumber = "+15551234567"
	systemNumber   = "+15559990000"
)

type fakeTerminator struct {
	mu    sync.Mutex
	calls []string
	errs  []error
}

func (f *fakeTerminator) TerminateCall(_ context.Context, contactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, contactID)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

type fakeSink struct {
	mu        sync.Mutex
	decisions []model.Decision
	err       error
}

func (f *fakeSink) Publish(_ context.Context, d model.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, d)
	return f.err
}

func (f *fakeSink) published() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decisions)
}

// flakyStore fails operations for selected numbers.
type flakyStore struct {
	*memory.CounterStore
	failRecord map[string]bool
	failReset  bool
}

func (s *flakyStore) RecordAttempt(ctx context.Context, number string, class model.ClassLabel, now time.Time) (model.AttemptState, error) {
	if s.failRecord[number] {
		return model.AttemptState{}, errors.Join(model.ErrStoreUnavailable, errors.New("timeout"))
	}
	return s.CounterStore.RecordAttempt(ctx, number, class, now)
}

func (s *flakyStore) ResetUsage(ctx context.Context, number string) error {
	if s.failReset {
		return model.ErrStoreUnavailable
	}
	return s.CounterStore.ResetUsage(ctx, number)
}

type fixture struct {
	svc        *AdmissionService
	store      *memory.CounterStore
	terminator *fakeTerminator
	sink       *fakeSink
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, store model.CounterStore, opts AdmissionOptions) *fixture {
	t.Helper()
	f := &fixture{terminator: &fakeTerminator{}, sink: &fakeSink{}, metrics: metrics.New()}
	if ms, ok := store.(*memory.CounterStore); ok {
		f.store = ms
	}
	if opts.DecisionTimeout == 0 {
		opts.DecisionTimeout = 8 * time.Second
	}
	f.svc = NewAdmissionService(store, f.terminator, f.sink, f.metrics, zap.NewNop(), opts)
	return f
}

func attempt(contactID string) model.Attempt {
	return model.Attempt{ContactID: contactID, CustomerNumber: customerNumber, SystemNumber: systemNumber}
}

func TestDecide_FirstAttemptAllowed(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{CustomerRateLimit: 1, SystemRateLimit: 1})

	d, err := f.svc.DecideWithLimits(context.Background(), attempt("c-1"), 1, 1, time.UnixMilli(1_000))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.ReasonNone, d.Reason)
	assert.Empty(t, f.terminator.calls)
	assert.EqualValues(t, 1, d.Customer.UsageAfter)
	assert.EqualValues(t, 1, d.System.UsageAfter)
}

func TestDecide_CustomerLimitScenario(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{CustomerRateLimit: 5, SystemRateLimit: 100})
	start := time.UnixMilli(1_700_000_000_000)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		now := start.Add(time.Duration(i) * 2 * time.Second)
		d, err := f.svc.WithClock(func() time.Time { return now }).Decide(ctx, attempt("c-scenario"))
		require.NoError(t, err)
		if i < 5 {
			assert.True(t, d.Allowed, "attempt %d", i)
			continue
		}
		assert.False(t, d.Allowed, "attempt %d", i)
		assert.Equal(t, model.ReasonCustomer, d.Reason)
		assert.EqualValues(t, 5, d.Customer.UsageAfter)
		assert.False(t, d.TerminationFailed)
	}

	assert.Equal(t, []string{"c-scenario"}, f.terminator.calls)
	rec, err := f.store.GetRecord(ctx, customerNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 5, rec.UsageCount)
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("denied", "customer")))
	assert.EqualValues(t, 4, testutil.ToFloat64(f.metrics.DecisionsTotal.WithLabelValues("allowed", "")))
}

func TestDecide_KthAllowedNthDenied(t *testing.T) {
	for _, limit := range []int64{1, 2, 3, 10} {
		f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
		base := time.UnixMilli(5_000_000)
		for k := int64(1); k <= limit; k++ {
			d, err := f.svc.DecideWithLimits(context.Background(), attempt("c"), limit, 1000, base.Add(time.Duration(k)*time.Second))
			require.NoError(t, err)
			// the first attempt for a number is always allowed
			if k < limit || k == 1 {
				assert.True(t, d.Allowed, "limit %d attempt %d", limit, k)
			} else {
				assert.False(t, d.Allowed, "limit %d attempt %d", limit, k)
				assert.EqualValues(t, limit, d.Customer.UsageAfter)
			}
		}
	}
}

func TestDecide_WindowExpiryResets(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
	ctx := context.Background()

	d, err := f.svc.DecideWithLimits(ctx, attempt("c-1"), 2, 100, time.UnixMilli(0))
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = f.svc.DecideWithLimits(ctx, attempt("c-2"), 2, 100, time.UnixMilli(61_000))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, model.OutcomeResetAndAllow, d.Customer.Outcome)
	assert.EqualValues(t, 1, d.Customer.UsageAfter)

	rec, err := f.store.GetRecord(ctx, customerNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.UsageCount)
	assert.EqualValues(t, 61_000, rec.LastUpdatedAt)

	// the window restarts from the reset: the next attempt counts 2 and hits the limit
	d, err = f.svc.DecideWithLimits(ctx, attempt("c-3"), 2, 100, time.UnixMilli(62_000))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ReasonCustomer, d.Reason)
}

func TestDecide_ResetRegardlessOfPriorCount(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		_, err := f.svc.DecideWithLimits(ctx, attempt("c"), 3, 1000, time.UnixMilli(int64(i)*100))
		require.NoError(t, err)
	}
	d, err := f.svc.DecideWithLimits(ctx, attempt("c-late"), 3, 1000, time.UnixMilli(2_900+60_001))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	rec, err := f.store.GetRecord(ctx, customerNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.UsageCount)
}

func TestDecide_BothDeniedReportsCustomer(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
	ctx := context.Background()

	_, err := f.svc.DecideWithLimits(ctx, attempt("c-1"), 2, 2, time.UnixMilli(1_000))
	require.NoError(t, err)
	d, err := f.svc.DecideWithLimits(ctx, attempt("c-2"), 2, 2, time.UnixMilli(2_000))
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.True(t, d.Customer.Denied())
	assert.True(t, d.System.Denied())
	assert.Equal(t, model.ReasonCustomer, d.Reason)
	assert.Equal(t, []string{"c-2"}, f.terminator.calls)
}

func TestDecide_SystemDenied(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
	ctx := context.Background()

	for i, cust := range []string{"+15550000001", "+15550000002", "+15550000003"} {
		a := model.Attempt{ContactID: "c", CustomerNumber: cust, SystemNumber: systemNumber}
		d, err := f.svc.DecideWithLimits(ctx, a, 5, 3, time.UnixMilli(int64(1_000+i)))
		require.NoError(t, err)
		if i < 2 {
			assert.True(t, d.Allowed)
		} else {
			assert.False(t, d.Allowed)
			assert.Equal(t, model.ReasonSystem, d.Reason)
		}
	}
}

func TestDecide_MissingFieldNoWrite(t *testing.T) {
	store := memory.NewCounterStore()
	f := newFixture(t, store, AdmissionOptions{CustomerRateLimit: 5, SystemRateLimit: 5})

	for _, a := range []model.Attempt{
		{ContactID: "c", SystemNumber: systemNumber},
		{ContactID: "c", CustomerNumber: customerNumber},
		{CustomerNumber: customerNumber, SystemNumber: systemNumber},
	} {
		d, err := f.svc.Decide(context.Background(), a)
		require.ErrorIs(t, err, model.ErrInvalidInput)
		assert.Equal(t, model.Decision{}, d)
	}
	assert.Zero(t, store.Writes())
	assert.Empty(t, f.sink.decisions)
	assert.EqualValues(t, 3, testutil.ToFloat64(f.metrics.InvalidEvents))
}

func TestDecide_InvalidLimits(t *testing.T) {
	store := memory.NewCounterStore()
	f := newFixture(t, store, AdmissionOptions{})
	_, err := f.svc.DecideWithLimits(context.Background(), attempt("c"), 0, 5, time.Now())
	require.ErrorIs(t, err, model.ErrInvalidInput)
	assert.Zero(t, store.Writes())
}

func TestDecide_StoreUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		failOpen    bool
		wantAllowed bool
	}{
		{name: "fail open", failOpen: true, wantAllowed: true},
		{name: "fail closed", failOpen: false, wantAllowed: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyStore{CounterStore: memory.NewCounterStore(), failRecord: map[string]bool{customerNumber: true}}
			f := newFixture(t, store, AdmissionOptions{FailOpen: tt.failOpen})

			d, err := f.svc.DecideWithLimits(context.Background(), attempt("c-1"), 5, 5, time.UnixMilli(1_000))
			require.NoError(t, err)
			assert.Equal(t, tt.wantAllowed, d.Allowed)
			assert.True(t, d.Degraded)
			assert.True(t, d.Customer.StoreFailed)
			assert.False(t, d.System.StoreFailed)
			assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.FaultsTotal.WithLabelValues(metrics.FaultStoreRecord)))
			if !tt.wantAllowed {
				assert.Equal(t, model.ReasonCustomer, d.Reason)
				assert.Len(t, f.terminator.calls, 1)
			}
		})
	}
}

func TestDecide_ResetFailureStillAllows(t *testing.T) {
	store := &flakyStore{CounterStore: memory.NewCounterStore(), failReset: true}
	f := newFixture(t, store, AdmissionOptions{})
	ctx := context.Background()

	_, err := f.svc.DecideWithLimits(ctx, attempt("c-1"), 2, 2, time.UnixMilli(0))
	require.NoError(t, err)
	d, err := f.svc.DecideWithLimits(ctx, attempt("c-2"), 2, 2, time.UnixMilli(70_000))
	require.NoError(t, err)

	assert.True(t, d.Allowed)
	assert.True(t, d.Customer.ResetFailed)
	assert.True(t, d.System.ResetFailed)
	assert.EqualValues(t, 2, testutil.ToFloat64(f.metrics.FaultsTotal.WithLabelValues(metrics.FaultStoreReset)))
}

func TestDecide_TerminationFailureKeepsDecision(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{
		TerminatePolicy: retry.NewConstantPolicy(time.Millisecond, 2),
	})
	f.terminator.errs = []error{model.ErrTerminationFailed}
	ctx := context.Background()

	_, err := f.svc.DecideWithLimits(ctx, attempt("c-1"), 2, 100, time.UnixMilli(1_000))
	require.NoError(t, err)
	d, err := f.svc.DecideWithLimits(ctx, attempt("c-2"), 2, 100, time.UnixMilli(2_000))
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, model.ReasonCustomer, d.Reason)
	assert.True(t, d.TerminationFailed)
	assert.Len(t, f.terminator.calls, 3)
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.FaultsTotal.WithLabelValues(metrics.FaultTermination)))
}

func TestDecide_TerminationContactNotFoundNotRetried(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{
		TerminatePolicy: retry.NewConstantPolicy(time.Millisecond, 3),
	})
	f.terminator.errs = []error{model.ErrContactNotFound}

	d, err := f.svc.DecideWithLimits(context.Background(), attempt("c-1"), 1, 1, time.UnixMilli(1_000))
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = f.svc.DecideWithLimits(context.Background(), attempt("c-2"), 1, 1, time.UnixMilli(1_500))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.True(t, d.TerminationFailed)
	assert.Len(t, f.terminator.calls, 1)
}

func TestDecide_SelfDialCombinedUpdate(t *testing.T) {
	store := memory.NewCounterStore()
	f := newFixture(t, store, AdmissionOptions{})
	ctx := context.Background()
	self := model.Attempt{ContactID: "c-self", CustomerNumber: customerNumber, SystemNumber: customerNumber}

	d, err := f.svc.DecideWithLimits(ctx, self, 3, 10, time.UnixMilli(1_000))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 2, d.Customer.UsageAfter)
	assert.EqualValues(t, 2, d.System.UsageAfter)
	assert.Equal(t, 1, store.Writes())

	d, err = f.svc.DecideWithLimits(ctx, self, 3, 10, time.UnixMilli(2_000))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, model.ReasonCustomer, d.Reason)
	assert.EqualValues(t, 4, d.Customer.UsageAfter)

	d, err = f.svc.DecideWithLimits(ctx, self, 3, 10, time.UnixMilli(100_000))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	// one combined update plus a single reset
	assert.Equal(t, 4, store.Writes())
	rec, err := store.GetRecord(ctx, customerNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rec.UsageCount)

	// the reset writes 1 even though the expiring attempt counted twice
	d, err = f.svc.DecideWithLimits(ctx, self, 3, 10, time.UnixMilli(101_000))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.EqualValues(t, 3, d.Customer.UsageAfter)
}

func TestDecide_PublishesDecision(t *testing.T) {
	f := newFixture(t, memory.NewCounterStore(), AdmissionOptions{})
	f.sink.err = errors.New("broker down")

	d, err := f.svc.DecideWithLimits(context.Background(), attempt("c-1"), 5, 5, time.UnixMilli(1_000))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	require.Len(t, f.sink.decisions, 1)
	assert.Equal(t, "c-1", f.sink.decisions[0].ContactID)
	assert.EqualValues(t, 1, testutil.ToFloat64(f.metrics.FaultsTotal.WithLabelValues(metrics.FaultPublish)))
}

func TestDecide_ConcurrentInvocationsCountEveryAttempt(t *testing.T) {
	store := memory.NewCounterStore()
	f := newFixture(t, store, AdmissionOptions{CustomerRateLimit: 1000, SystemRateLimit: 1000})
	const m = 100

	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Decide(context.Background(), attempt("c"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, m, f.sink.published())

	for _, number := range []string{customerNumber, systemNumber} {
		rec, err := store.GetRecord(context.Background(), number)
		require.NoError(t, err)
		assert.EqualValues(t, m, rec.UsageCount)
	}
}

func TestCounter(t *testing.T) {
	store := memory.NewCounterStore()
	f := newFixture(t, store, AdmissionOptions{})
	f.svc.WithClock(func() time.Time { return time.UnixMilli(100_000) })

	_, err := f.svc.Counter(context.Background(), customerNumber)
	require.ErrorIs(t, err, model.ErrRecordNotFound)

	_, err = store.RecordAttempt(context.Background(), customerNumber, model.ClassCustomer, time.UnixMilli(10_000))
	require.NoError(t, err)

	view, err := f.svc.Counter(context.Background(), customerNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 1, view.Usage)
	assert.Equal(t, "customer", view.Class)
	assert.True(t, view.WindowExpired)
}

var _ model.CounterStore = (*flakyStore)(nil)
