package payment

import (
	"context"
	"log/slog"
	"time"

	"github.com/payzcore/payzbridge/internal/circuitbreaker"
)

// LiveTransaction is one on-chain transaction reported by the monitoring
// service for a payment address.
type LiveTransaction struct {
	TxHash        string    `json:"tx_hash"`
	Amount        string    `json:"amount"`
	Confirmations int       `json:"confirmations"`
	DetectedAt    time.Time `json:"detected_at"`
}

// LiveStatus is the monitoring service's current view of one payment.
type LiveStatus struct {
	PaymentID      string
	Status         Status
	PaidAmount     string
	ExpectedAmount string
	TxHash         string
	Transactions   []LiveTransaction
}

// StatusSource fetches the live status of a payment from the monitoring
// service.
type StatusSource interface {
	LivePaymentStatus(ctx context.Context, paymentID string) (*LiveStatus, error)
}

// StatusView is the client-facing status snapshot served to the live
// payment page.
type StatusView struct {
	PaymentID      string            `json:"payment_id"`
	Order          OrderRef          `json:"order"`
	Status         Status            `json:"status"`
	PaidAmount     string            `json:"paid_amount,omitempty"`
	ExpectedAmount string            `json:"expected_amount"`
	Token          string            `json:"token"`
	Network        string            `json:"network"`
	TxHash         string            `json:"tx_hash,omitempty"`
	ExplorerURL    string            `json:"explorer_url,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at"`
	IsTerminal     bool              `json:"is_terminal"`
	IsPaid         bool              `json:"is_paid"`
	Stale          bool              `json:"stale"` // served from the cached record
	Transactions   []LiveTransaction `json:"transactions,omitempty"`
}

// Poller serves client-driven status polls. Each poll queries the
// monitoring service and feeds the answer through the reconciliation
// engine as a poll-sourced observation, so the client page and the push
// channel converge on the same canonical status.
//
// Upstream failure never surfaces to the client: the poll degrades to the
// last cached record instead, and the circuit breaker stops hammering a
// dead upstream.
type Poller struct {
	source  StatusSource
	engine  *Engine
	store   Store
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewPoller creates a poller. breaker may be nil to disable short-circuiting.
func NewPoller(source StatusSource, engine *Engine, store Store, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Poller {
	return &Poller{source: source, engine: engine, store: store, breaker: breaker, logger: logger}
}

// Poll returns the current status view for a payment, refreshing it from
// the monitoring service when the record is still live.
func (p *Poller) Poll(ctx context.Context, paymentID string) (*StatusView, error) {
	rec, err := p.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	// Terminal records are settled; no reason to hit upstream again.
	if rec.CanonicalStatus.IsTerminal() {
		return viewFromRecord(rec, false), nil
	}

	if p.breaker != nil && !p.breaker.Allow() {
		return p.degradedView(ctx, rec), nil
	}

	live, err := p.source.LivePaymentStatus(ctx, paymentID)
	if err != nil {
		if p.breaker != nil {
			p.breaker.RecordFailure()
		}
		p.logger.Warn("live status fetch failed, serving cached record",
			"payment_id", paymentID, "error", err)
		return p.degradedView(ctx, rec), nil
	}
	if p.breaker != nil {
		p.breaker.RecordSuccess()
	}

	res, err := p.engine.Apply(ctx, Observation{
		PaymentID:      paymentID,
		Status:         live.Status,
		PaidAmount:     live.PaidAmount,
		ExpectedAmount: live.ExpectedAmount,
		TxHash:         live.TxHash,
		Network:        rec.Network,
		ObservedAt:     time.Now().UTC(),
		Source:         SourcePoll,
	})
	if err != nil {
		// A poll-triggered side effect failed (commerce down). The failure
		// is retried on the next poll tick; the client still gets the
		// cached status.
		p.logger.Warn("poll-triggered reconciliation failed",
			"payment_id", paymentID, "error", err)
		return viewFromRecord(rec, true), nil
	}
	if res.Record == nil {
		return viewFromRecord(rec, true), nil
	}

	view := viewFromRecord(res.Record, false)
	view.Transactions = live.Transactions
	return view, nil
}

// degradedView serves a poll when the monitoring service is unreachable.
// The deadline pre-empts any signal, so an overdue record is still
// settled to expired through the engine before the cached view goes out;
// a record must never be left stale past its deadline just because
// upstream is down.
func (p *Poller) degradedView(ctx context.Context, rec *PaymentRecord) *StatusView {
	pollFallbacksTotal.Inc()

	if rec.DeadlinePassed(time.Now().UTC()) {
		res, err := p.engine.Apply(ctx, Observation{
			PaymentID:  rec.PaymentID,
			Status:     rec.CanonicalStatus,
			ObservedAt: time.Now().UTC(),
			Source:     SourcePoll,
		})
		switch {
		case err != nil:
			// Commerce side effect failed; retried on the next poll.
			p.logger.Warn("overdue record reconciliation failed",
				"payment_id", rec.PaymentID, "error", err)
		case res.Record != nil && res.Record.CanonicalStatus.IsTerminal():
			// Settled by deadline; the answer is authoritative without
			// upstream.
			return viewFromRecord(res.Record, false)
		}
	}

	return viewFromRecord(rec, true)
}

// viewFromRecord builds a status view from the local record. A stale view
// never claims terminality or payment, so a degraded answer can not fire
// client-side completion logic.
func viewFromRecord(rec *PaymentRecord, stale bool) *StatusView {
	v := &StatusView{
		PaymentID:      rec.PaymentID,
		Order:          rec.Order,
		Status:         rec.CanonicalStatus,
		PaidAmount:     rec.PaidAmount,
		ExpectedAmount: rec.ExpectedAmount,
		Token:          rec.Token,
		Network:        rec.Network,
		TxHash:         rec.TxHash,
		ExplorerURL:    ExplorerTxURL(rec.Network, rec.TxHash),
		ExpiresAt:      rec.ExpiresAt,
		Stale:          stale,
	}
	if !stale {
		v.IsTerminal = rec.CanonicalStatus.IsTerminal()
		v.IsPaid = rec.CanonicalStatus == StatusPaid || rec.CanonicalStatus == StatusOverpaid
	}
	return v
}
