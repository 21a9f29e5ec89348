package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/payzcore/payzbridge/internal/idgen"
	"github.com/payzcore/payzbridge/internal/syncutil"
	"github.com/payzcore/payzbridge/internal/traces"
)

// Observation outcomes reported to callers and recorded in the audit trail.
const (
	OutcomeApplied        = "applied"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeTerminal       = "terminal"
	OutcomeRegression     = "regression"
	OutcomeUnknownStatus  = "unknown_status"
	OutcomeUnknownPayment = "unknown_payment"
	OutcomeRaceLost       = "race_lost"
)

// CommerceService abstracts the commerce platform operations the engine
// sequences. Each call is independent; the engine decides ordering and
// tolerates partial completion.
type CommerceService interface {
	// OrderFinancialState returns the order's own financial status
	// ("pending", "paid", ...) and whether it has been cancelled.
	OrderFinancialState(ctx context.Context, orderID string) (status string, cancelled bool, err error)
	// RecordCapture records a successful capture transaction on the order.
	RecordCapture(ctx context.Context, orderID, amount, currency string) error
	// CancelOrder cancels the order with a reason note.
	CancelOrder(ctx context.Context, orderID, reason string) error
	// AppendNote appends a timeline note to the order.
	AppendNote(ctx context.Context, orderID, note string) error
	// TagOrder adds tags to the order.
	TagOrder(ctx context.Context, orderID string, tags []string) error
}

// TransitionListener is notified after a canonical status transition has
// been committed. Implementations must not block.
type TransitionListener interface {
	PaymentTransitioned(ctx context.Context, rec *PaymentRecord, from, to Status, source Source)
}

// upstreamError is implemented by gateway errors carrying the upstream
// HTTP status code.
type upstreamError interface {
	UpstreamStatus() int
}

// Result describes the outcome of applying one observation.
type Result struct {
	Record     *PaymentRecord
	Applied    bool   // canonical status changed
	SideEffect string // side-effect tag executed by this call, if any
	Outcome    string
}

// Engine is the reconciliation state machine. It consumes observations from
// both channels, merges them into the canonical status, and dispatches at
// most one effective side effect per logical transition.
type Engine struct {
	store     Store
	commerce  CommerceService
	locks     *syncutil.KeyMutex
	listeners []TransitionListener
	logger    *slog.Logger
	now       func() time.Time
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithListener registers a transition listener.
func WithListener(l TransitionListener) EngineOption {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

// NewEngine creates a reconciliation engine.
func NewEngine(store Store, commerce CommerceService, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		commerce: commerce,
		locks:    syncutil.NewKeyMutex(),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// decision is the outcome of the pure transition policy: the target status,
// the side-effect tag it implies, and the audit outcome.
type decision struct {
	newStatus Status
	tag       string
	outcome   string
}

// decide applies the transition policy to the current record and one
// observation. Pure function of its inputs.
func decide(rec *PaymentRecord, obs Observation, now time.Time) decision {
	// Terminal records never change, whatever the observation says.
	if rec.CanonicalStatus.IsTerminal() {
		return decision{newStatus: rec.CanonicalStatus, outcome: OutcomeTerminal}
	}

	// The deadline pre-empts any signal: a non-terminal record past its
	// expiry reconciles to expired even if the observation says pending.
	if rec.DeadlinePassed(now) {
		return decision{newStatus: StatusExpired, tag: TagOrderCancelledExpired, outcome: OutcomeApplied}
	}

	if !obs.Status.IsValid() {
		return decision{newStatus: rec.CanonicalStatus, outcome: OutcomeUnknownStatus}
	}

	// Finality is monotone: keep the more final state on regression.
	if obs.Status.rank() < rec.CanonicalStatus.rank() {
		return decision{newStatus: rec.CanonicalStatus, outcome: OutcomeRegression}
	}

	d := decision{newStatus: obs.Status, outcome: OutcomeApplied}
	switch obs.Status {
	case StatusPaid, StatusOverpaid:
		d.tag = TagMarkedPaid
	case StatusExpired:
		d.tag = TagOrderCancelledExpired
	case StatusCancelled:
		d.tag = TagOrderCancelledManual
	case StatusPartial:
		d.tag = PartialTag(obs.PaidAmount)
	}
	return d
}

// Apply processes one observation end to end: load, decide, execute the
// implied side effect (if any), and commit.
//
// The per-payment lock is held for the read-modify-write but released
// around the commerce call; the idempotency tag is re-verified at commit
// time, so a concurrent duplicate can at worst issue a second commerce
// call (tolerated upstream via status checks) but never a second commit.
func (e *Engine) Apply(ctx context.Context, obs Observation) (*Result, error) {
	done := observeApply(obs.Source)
	ctx, span := traces.StartSpan(ctx, "payment.apply",
		traces.PaymentID(obs.PaymentID),
		traces.ObservedStatus(string(obs.Status)),
		traces.Source(string(obs.Source)),
	)
	defer span.End()

	unlock, err := e.locks.Lock(ctx, obs.PaymentID)
	if err != nil {
		done("error")
		return nil, err
	}

	rec, err := e.store.Get(ctx, obs.PaymentID)
	if err != nil {
		unlock()
		if errors.Is(err, ErrRecordNotFound) {
			// The record may belong to a different integration, or may have
			// aged out of retention. Acknowledge so the sender stops
			// redelivering, but surface it for manual reconciliation.
			unknownPaymentsTotal.Inc()
			e.logger.Warn("observation for unknown payment",
				"payment_id", obs.PaymentID,
				"status", string(obs.Status),
				"source", string(obs.Source),
			)
			done(OutcomeUnknownPayment)
			return &Result{Outcome: OutcomeUnknownPayment}, nil
		}
		done("error")
		return nil, err
	}

	span.SetAttributes(traces.OrderRef(rec.Order.ID))

	now := e.now()
	d := decide(rec, obs, now)

	switch d.outcome {
	case OutcomeTerminal, OutcomeUnknownStatus, OutcomeRegression:
		// No transition, but the observation is still recorded for audit.
		if d.outcome == OutcomeRegression {
			e.logger.Warn("status regression rejected",
				"payment_id", obs.PaymentID,
				"current", string(rec.CanonicalStatus),
				"observed", string(obs.Status),
			)
		}
		rec.AppendAudit(e.auditEntry(obs, d.outcome, now))
		rec.UpdatedAt = now
		if err := e.store.Update(ctx, rec); err != nil {
			unlock()
			done("error")
			return nil, err
		}
		unlock()
		done(d.outcome)
		return &Result{Record: rec, Outcome: d.outcome}, nil
	}

	if d.tag == "" || rec.HasTag(d.tag) {
		// Pending/confirming movement, or a transition whose side effect
		// already ran: persist the status update without touching commerce.
		outcome := OutcomeApplied
		if d.tag != "" {
			outcome = OutcomeAlreadyApplied
			sideEffectsTotal.WithLabelValues(d.tag, "skipped").Inc()
		}
		from := rec.CanonicalStatus
		e.mutate(rec, obs, d, now, outcome)
		if err := e.store.Update(ctx, rec); err != nil {
			unlock()
			done("error")
			return nil, err
		}
		unlock()
		applied := from != rec.CanonicalStatus
		if applied {
			transitionsTotal.WithLabelValues(string(rec.CanonicalStatus)).Inc()
			e.notify(ctx, rec, from, rec.CanonicalStatus, obs.Source)
		}
		done(outcome)
		return &Result{Record: rec, Applied: applied, Outcome: outcome}, nil
	}

	// A new side effect is required. Release the lock around the slow
	// commerce call; nothing has been persisted yet.
	pre := rec.Clone()
	unlock()

	if err := e.execute(ctx, pre, obs, d); err != nil {
		sideEffectsTotal.WithLabelValues(d.tag, "failed").Inc()
		done("error")
		return nil, err
	}

	// Commit: re-acquire, re-load, re-verify the idempotency tag.
	unlock, err = e.locks.Lock(ctx, obs.PaymentID)
	if err != nil {
		done("error")
		return nil, err
	}
	defer unlock()

	fresh, err := e.store.Get(ctx, obs.PaymentID)
	if err != nil {
		done("error")
		return nil, err
	}

	if fresh.HasTag(d.tag) || (fresh.CanonicalStatus.IsTerminal() && fresh.CanonicalStatus != d.newStatus) {
		// A concurrent writer committed first. The duplicate commerce call
		// was absorbed by the commerce-side status checks; this is success,
		// not an error.
		sideEffectsTotal.WithLabelValues(d.tag, "race_lost").Inc()
		done(OutcomeRaceLost)
		return &Result{Record: fresh, Outcome: OutcomeRaceLost}, nil
	}

	from := fresh.CanonicalStatus
	e.mutate(fresh, obs, d, now, OutcomeApplied)
	fresh.AddTag(d.tag)
	if err := e.store.Update(ctx, fresh); err != nil {
		done("error")
		return nil, err
	}

	sideEffectsTotal.WithLabelValues(d.tag, "applied").Inc()
	transitionsTotal.WithLabelValues(string(fresh.CanonicalStatus)).Inc()
	e.notify(ctx, fresh, from, fresh.CanonicalStatus, obs.Source)
	done(OutcomeApplied)
	return &Result{Record: fresh, Applied: true, SideEffect: d.tag, Outcome: OutcomeApplied}, nil
}

// mutate moves the record to the decided status and records the observation.
func (e *Engine) mutate(rec *PaymentRecord, obs Observation, d decision, now time.Time, outcome string) {
	rec.CanonicalStatus = d.newStatus
	if obs.PaidAmount != "" {
		rec.PaidAmount = obs.PaidAmount
	}
	if obs.TxHash != "" {
		rec.TxHash = obs.TxHash
	}
	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	rec.LastObservedAt = observedAt
	rec.UpdatedAt = now
	rec.AppendAudit(e.auditEntry(obs, outcome, now))
}

func (e *Engine) auditEntry(obs Observation, outcome string, now time.Time) AuditEntry {
	observedAt := obs.ObservedAt
	if observedAt.IsZero() {
		observedAt = now
	}
	return AuditEntry{
		ID:         idgen.WithPrefix("obs_"),
		Source:     obs.Source,
		Status:     string(obs.Status),
		PaidAmount: obs.PaidAmount,
		TxHash:     obs.TxHash,
		Outcome:    outcome,
		ObservedAt: observedAt,
	}
}

// execute performs the commerce side effect implied by the decided status.
// The primary financial action gates success; note and tag failures are
// logged only, since they are safe to lose and must not trigger redelivery
// of the financial action.
func (e *Engine) execute(ctx context.Context, rec *PaymentRecord, obs Observation, d decision) error {
	orderID := rec.Order.ID

	switch d.newStatus {
	case StatusPaid, StatusOverpaid:
		amount := obs.PaidAmount
		if amount == "" {
			amount = rec.ExpectedAmount
		}
		finState, cancelled, err := e.commerce.OrderFinancialState(ctx, orderID)
		if err != nil {
			return e.classifyUpstream("read order state", err)
		}
		if finState == "paid" {
			e.logger.Info("order already paid on commerce side, skipping capture",
				"payment_id", rec.PaymentID, "order_id", orderID)
		} else if cancelled {
			e.logger.Warn("order cancelled on commerce side, skipping capture",
				"payment_id", rec.PaymentID, "order_id", orderID)
		} else {
			if err := e.commerce.RecordCapture(ctx, orderID, amount, rec.Token); err != nil {
				return e.classifyUpstream("record capture", err)
			}
		}
		if err := e.commerce.AppendNote(ctx, orderID, PaidNote(rec, amount, obs.TxHash)); err != nil {
			e.logger.Warn("failed to append paid note", "order_id", orderID, "error", err)
		}
		if err := e.commerce.TagOrder(ctx, orderID, PaidOrderTags(rec.Token)); err != nil {
			e.logger.Warn("failed to tag paid order", "order_id", orderID, "error", err)
		}

	case StatusExpired, StatusCancelled:
		finState, cancelled, err := e.commerce.OrderFinancialState(ctx, orderID)
		if err != nil {
			return e.classifyUpstream("read order state", err)
		}
		if cancelled || finState == "paid" {
			e.logger.Info("order already cancelled or paid, skipping cancel",
				"payment_id", rec.PaymentID, "order_id", orderID, "financial_status", finState)
			return nil
		}
		reason := "Crypto payment cancelled (PayzCore)."
		if d.newStatus == StatusExpired {
			reason = "Crypto payment window expired without full payment (PayzCore)."
		}
		if err := e.commerce.CancelOrder(ctx, orderID, reason); err != nil {
			return e.classifyUpstream("cancel order", err)
		}

	case StatusPartial:
		// The note is the primary action for partials; financial state is
		// never mutated.
		if err := e.commerce.AppendNote(ctx, orderID, PartialNote(rec, obs.PaidAmount)); err != nil {
			return e.classifyUpstream("append partial note", err)
		}
		if err := e.commerce.TagOrder(ctx, orderID, []string{"crypto-partial", "payzcore"}); err != nil {
			e.logger.Warn("failed to tag partial order", "order_id", orderID, "error", err)
		}
	}

	return nil
}

// classifyUpstream wraps a gateway error into the transient/permanent
// taxonomy. 4xx means the order is gone or unfulfillable (no retry); all
// transport failures and 5xx are retryable.
func (e *Engine) classifyUpstream(op string, err error) error {
	var ue upstreamError
	if errors.As(err, &ue) {
		if code := ue.UpstreamStatus(); code >= 400 && code < 500 {
			return fmt.Errorf("%w: %s: %v", ErrUpstreamPermanent, op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstreamTransient, op, err)
}

func (e *Engine) notify(ctx context.Context, rec *PaymentRecord, from, to Status, source Source) {
	for _, l := range e.listeners {
		l.PaymentTransitioned(ctx, rec, from, to, source)
	}
}
