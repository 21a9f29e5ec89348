package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payzcore/payzbridge/internal/circuitbreaker"
)

type mockStatusSource struct {
	status *LiveStatus
	err    error
	calls  int
}

func (m *mockStatusSource) LivePaymentStatus(ctx context.Context, paymentID string) (*LiveStatus, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.status, nil
}

func TestPoller_AppliesLiveStatus(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	source := &mockStatusSource{status: &LiveStatus{
		PaymentID:  "pay_test_1",
		Status:     StatusPaid,
		PaidAmount: "100",
		TxHash:     "abcdef1234567890",
		Transactions: []LiveTransaction{
			{TxHash: "abcdef1234567890", Amount: "100", Confirmations: 20},
		},
	}}
	poller := NewPoller(source, engine, store, nil, testLogger())

	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, view.Status)
	assert.True(t, view.IsTerminal)
	assert.True(t, view.IsPaid)
	assert.False(t, view.Stale)
	assert.Len(t, view.Transactions, 1)
	assert.Equal(t, 1, commerce.captureCount())

	// The poll fed the engine: the record is now canonical paid.
	got, err := store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.CanonicalStatus)
}

func TestPoller_DegradesToCachedOnUpstreamFailure(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	engine := NewEngine(store, newMockCommerce(), testLogger())
	newTestRecord(t, store, StatusConfirming, time.Now().Add(time.Hour))

	source := &mockStatusSource{err: errors.New("connection refused")}
	poller := NewPoller(source, engine, store, nil, testLogger())

	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)

	assert.Equal(t, StatusConfirming, view.Status)
	assert.True(t, view.Stale)
	// A degraded answer never claims completion.
	assert.False(t, view.IsTerminal)
	assert.False(t, view.IsPaid)
}

func TestPoller_TerminalRecordSkipsUpstream(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	_, err := engine.Apply(context.Background(), obs(StatusPaid, "100"))
	require.NoError(t, err)

	source := &mockStatusSource{err: errors.New("should not be called")}
	poller := NewPoller(source, engine, store, nil, testLogger())

	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)

	assert.Equal(t, 0, source.calls)
	assert.Equal(t, StatusPaid, view.Status)
	assert.True(t, view.IsTerminal)
	assert.True(t, view.IsPaid)
	assert.False(t, view.Stale)
}

func TestPoller_UnknownPayment(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	engine := NewEngine(store, newMockCommerce(), testLogger())
	poller := NewPoller(&mockStatusSource{}, engine, store, nil, testLogger())

	_, err := poller.Poll(context.Background(), "pay_missing")
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestPoller_BreakerShortCircuits(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	engine := NewEngine(store, newMockCommerce(), testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	source := &mockStatusSource{err: errors.New("connection refused")}
	breaker := circuitbreaker.New("payzcore", 2, time.Minute)
	poller := NewPoller(source, engine, store, breaker, testLogger())

	// Two failures trip the breaker; the third poll never reaches upstream.
	for i := 0; i < 3; i++ {
		view, err := poller.Poll(context.Background(), "pay_test_1")
		require.NoError(t, err)
		assert.True(t, view.Stale)
	}
	assert.Equal(t, 2, source.calls)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestPoller_UpstreamDownExpiresOverdueRecord(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(-10*time.Minute))

	source := &mockStatusSource{err: errors.New("connection refused")}
	poller := NewPoller(source, engine, store, nil, testLogger())

	// The deadline pre-empts any signal: even with upstream unreachable,
	// the poll settles the overdue record instead of serving stale pending.
	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)
	assert.True(t, view.IsTerminal)
	assert.False(t, view.Stale)

	got, err := store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.CanonicalStatus)
	require.Len(t, commerce.cancels, 1)
	assert.Contains(t, commerce.cancels[0], "expired")
}

func TestPoller_OpenBreakerExpiresOverdueRecord(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusConfirming, time.Now().Add(-time.Minute))

	source := &mockStatusSource{err: errors.New("connection refused")}
	breaker := circuitbreaker.New("payzcore", 1, time.Minute)
	breaker.RecordFailure() // trip it

	poller := NewPoller(source, engine, store, breaker, testLogger())

	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, 0, source.calls)
	assert.Equal(t, StatusExpired, view.Status)
	assert.True(t, view.IsTerminal)

	got, err := store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.CanonicalStatus)
}

func TestPoller_OverdueReconciliationFailureStillServesCached(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	commerce.cancelErr = &apiError{code: 503}
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(-10*time.Minute))

	source := &mockStatusSource{err: errors.New("connection refused")}
	poller := NewPoller(source, engine, store, nil, testLogger())

	// Commerce cancel failed: nothing commits, the cached view degrades,
	// and the next poll retries the expiry.
	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.True(t, view.Stale)
	assert.False(t, view.IsTerminal)

	got, err := store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.CanonicalStatus)
}

func TestPoller_SideEffectFailureStillServesCached(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	commerce.captureErr = &apiError{code: 503}
	engine := NewEngine(store, commerce, testLogger())
	newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	source := &mockStatusSource{status: &LiveStatus{
		PaymentID:  "pay_test_1",
		Status:     StatusPaid,
		PaidAmount: "100",
	}}
	poller := NewPoller(source, engine, store, nil, testLogger())

	// Commerce is down: the transition cannot commit, but the client still
	// gets the cached pending view instead of an error.
	view, err := poller.Poll(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)
	assert.True(t, view.Stale)

	got, err := store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.CanonicalStatus)
}
