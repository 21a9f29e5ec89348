package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	ctx := context.Background()

	rec := newTestRecord(t, store, StatusPending, time.Now().Add(time.Hour))

	// Duplicate create is rejected.
	err := store.Create(ctx, rec)
	assert.True(t, errors.Is(err, ErrRecordExists))

	got, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, rec.PaymentID, got.PaymentID)

	// Reads are isolated copies: mutating one does not leak into the store.
	got.CanonicalStatus = StatusPaid
	again, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.CanonicalStatus)

	got.AddTag(TagMarkedPaid)
	require.NoError(t, store.Update(ctx, got))
	updated, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, updated.CanonicalStatus)
	assert.True(t, updated.HasTag(TagMarkedPaid))

	_, err = store.Get(ctx, "pay_missing")
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	err = store.Update(ctx, &PaymentRecord{PaymentID: "pay_missing"})
	assert.True(t, errors.Is(err, ErrRecordNotFound))
}

func TestMemoryStore_RetentionExpiry(t *testing.T) {
	store := NewMemoryStore(time.Hour)
	current := time.Now()
	store.now = func() time.Time { return current }

	rec := &PaymentRecord{
		PaymentID:       "pay_old",
		CanonicalStatus: StatusPaid,
		CreatedAt:       current,
	}
	require.NoError(t, store.Create(context.Background(), rec))

	_, err := store.Get(context.Background(), "pay_old")
	require.NoError(t, err)

	// Past the retention window the record is gone, and its id can be
	// reused.
	current = current.Add(2 * time.Hour)
	_, err = store.Get(context.Background(), "pay_old")
	assert.True(t, errors.Is(err, ErrRecordNotFound))

	rec2 := &PaymentRecord{PaymentID: "pay_old", CreatedAt: current}
	assert.NoError(t, store.Create(context.Background(), rec2))
}
