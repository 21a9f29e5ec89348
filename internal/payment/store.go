package payment

import (
	"context"
)

// Store persists payment records, one per payment id, for the retention
// window. Records past retention behave as absent.
//
// Store implementations do not serialize writers; the engine holds a
// per-payment lock around every read-modify-write.
type Store interface {
	Create(ctx context.Context, rec *PaymentRecord) error
	Get(ctx context.Context, paymentID string) (*PaymentRecord, error)
	Update(ctx context.Context, rec *PaymentRecord) error
	Ping(ctx context.Context) error
}
