package server

import (
	"context"
	"time"

	"github.com/payzcore/payzbridge/internal/monitor"
	"github.com/payzcore/payzbridge/internal/payment"
)

// monitorAdapter bridges the PayzCore API client to the interfaces the
// payment package consumes: live status polls, payment provisioning, and
// manual confirmation forwarding.
type monitorAdapter struct {
	client *monitor.Client
}

func (a *monitorAdapter) LivePaymentStatus(ctx context.Context, paymentID string) (*payment.LiveStatus, error) {
	resp, err := a.client.PaymentStatus(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	txs := make([]payment.LiveTransaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		txs = append(txs, payment.LiveTransaction{
			TxHash:        tx.TxHash,
			Amount:        tx.Amount,
			Confirmations: tx.Confirmations,
			DetectedAt:    tx.DetectedAt,
		})
	}

	return &payment.LiveStatus{
		PaymentID:      resp.PaymentID,
		Status:         payment.Status(resp.Status),
		PaidAmount:     resp.PaidAmount,
		ExpectedAmount: resp.ExpectedAmount,
		TxHash:         resp.TxHash,
		Transactions:   txs,
	}, nil
}

func (a *monitorAdapter) CreatePaymentRequest(ctx context.Context, spec payment.CreateSpec) (*payment.CreatedPayment, error) {
	req := monitor.CreateRequest{
		OrderID:   spec.OrderID,
		OrderName: spec.OrderName,
		Network:   spec.Network,
		Token:     spec.Token,
		Amount:    spec.Amount,
	}
	if spec.ExpiresIn > 0 {
		req.ExpiresInSeconds = int64(spec.ExpiresIn / time.Second)
	}

	resp, err := a.client.CreatePayment(ctx, req)
	if err != nil {
		return nil, err
	}
	return &payment.CreatedPayment{
		PaymentID: resp.PaymentID,
		Address:   resp.Address,
		ExpiresAt: resp.ExpiresAt,
	}, nil
}

func (a *monitorAdapter) ForwardConfirmation(ctx context.Context, paymentID, txHash string) error {
	return a.client.ConfirmTransaction(ctx, paymentID, txHash)
}
