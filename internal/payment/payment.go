// Package payment implements the reconciliation core of the bridge.
//
// The authoritative status of a payment is owned by the PayzCore monitoring
// service and observed through two unreliable channels: signed push
// notifications and client-initiated polls. Both feed the same engine, which
// merges them into one canonical local status per payment and drives
// at-most-once-effective side effects against the commerce platform.
package payment

import (
	"fmt"
	"strings"
	"time"

	"github.com/payzcore/payzbridge/internal/validation"
)

// Status is the canonical local view of a payment's progress.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirming Status = "confirming"
	StatusPartial    Status = "partial"
	StatusPaid       Status = "paid"
	StatusOverpaid   Status = "overpaid"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// rank orders statuses by finality. Transitions may only move to an equal
// or more final rank; a lower-ranked observation is a regression and is
// rejected. -1 marks an unknown status.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusConfirming:
		return 1
	case StatusPartial:
		return 2
	case StatusPaid, StatusOverpaid, StatusExpired, StatusCancelled:
		return 3
	default:
		return -1
	}
}

// IsTerminal returns true once no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusOverpaid, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// IsValid returns true for a known status name.
func (s Status) IsValid() bool { return s.rank() >= 0 }

// Source identifies the channel an observation arrived on.
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Observation is one reported status update from either channel.
type Observation struct {
	PaymentID      string
	Status         Status
	PaidAmount     string
	ExpectedAmount string
	TxHash         string
	Network        string
	ObservedAt     time.Time
	Source         Source
}

// EventKind is the closed set of push notification event names. Unknown
// names map to EventUnknown and are acknowledged as no-ops, never treated
// as a silent fallthrough.
type EventKind string

const (
	EventPaymentDetected   EventKind = "payment.detected"
	EventPaymentConfirming EventKind = "payment.confirming"
	EventPaymentPartial    EventKind = "payment.partial"
	EventPaymentCompleted  EventKind = "payment.completed"
	EventPaymentOverpaid   EventKind = "payment.overpaid"
	EventPaymentExpired    EventKind = "payment.expired"
	EventPaymentCancelled  EventKind = "payment.cancelled"
	EventUnknown           EventKind = ""
)

// ParseEventKind maps a wire event name to its kind.
func ParseEventKind(name string) EventKind {
	switch EventKind(name) {
	case EventPaymentDetected, EventPaymentConfirming, EventPaymentPartial,
		EventPaymentCompleted, EventPaymentOverpaid, EventPaymentExpired,
		EventPaymentCancelled:
		return EventKind(name)
	default:
		return EventUnknown
	}
}

// Side-effect tags: the idempotency ledger entries recording which external
// mutations have already been performed for a record.
const (
	TagMarkedPaid            = "marked_paid"
	TagOrderCancelledExpired = "order_cancelled_expired"
	TagOrderCancelledManual  = "order_cancelled_manual"
	tagPartialNotedPrefix    = "partial_noted:"
)

// PartialTag builds the composite tag for a partial payment at a given paid
// amount. A later top-up produces a different tag (and so a fresh note); an
// unchanged amount does not.
func PartialTag(paidAmount string) string {
	return tagPartialNotedPrefix + validation.NormalizeAmount(paidAmount)
}

// OrderRef identifies the commerce-side order behind a payment.
type OrderRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuditEntry records one observation against a record, accepted or not.
type AuditEntry struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Status     string    `json:"status"`
	PaidAmount string    `json:"paidAmount,omitempty"`
	TxHash     string    `json:"txHash,omitempty"`
	Outcome    string    `json:"outcome"` // applied, duplicate, terminal, regression, unknown_status, deadline
	ObservedAt time.Time `json:"observedAt"`
}

// maxAuditEntries bounds per-record audit growth under pathological
// redelivery storms; the oldest entries are dropped first.
const maxAuditEntries = 100

// PaymentRecord is the unit of reconciliation state, one per payment id.
type PaymentRecord struct {
	PaymentID      string       `json:"paymentId"`
	Order          OrderRef     `json:"order"`
	Network        string       `json:"network"`
	Token          string       `json:"token"`
	ExpectedAmount string       `json:"expectedAmount"`
	Address        string       `json:"address,omitempty"`

	CanonicalStatus Status     `json:"canonicalStatus"`
	PaidAmount      string     `json:"paidAmount,omitempty"`
	TxHash          string     `json:"txHash,omitempty"`
	LastObservedAt  time.Time  `json:"lastObservedAt"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	SideEffectsApplied []string     `json:"sideEffectsApplied,omitempty"`
	Audit              []AuditEntry `json:"audit,omitempty"`
}

// HasTag reports whether a side-effect tag has already been executed.
func (r *PaymentRecord) HasTag(tag string) bool {
	for _, t := range r.SideEffectsApplied {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a side-effect tag if not already present.
func (r *PaymentRecord) AddTag(tag string) {
	if !r.HasTag(tag) {
		r.SideEffectsApplied = append(r.SideEffectsApplied, tag)
	}
}

// DeadlinePassed reports whether the payment deadline has elapsed.
func (r *PaymentRecord) DeadlinePassed(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// AppendAudit records an observation outcome, trimming the oldest entries
// past the bound.
func (r *PaymentRecord) AppendAudit(entry AuditEntry) {
	r.Audit = append(r.Audit, entry)
	if len(r.Audit) > maxAuditEntries {
		r.Audit = r.Audit[len(r.Audit)-maxAuditEntries:]
	}
}

// Clone returns a deep copy of the record.
func (r *PaymentRecord) Clone() *PaymentRecord {
	cp := *r
	if r.SideEffectsApplied != nil {
		cp.SideEffectsApplied = make([]string, len(r.SideEffectsApplied))
		copy(cp.SideEffectsApplied, r.SideEffectsApplied)
	}
	if r.Audit != nil {
		cp.Audit = make([]AuditEntry, len(r.Audit))
		copy(cp.Audit, r.Audit)
	}
	return &cp
}

// explorerBases maps network identifiers to block explorer tx URL prefixes.
var explorerBases = map[string]string{
	"trc20":   "https://tronscan.org/#/transaction/",
	"erc20":   "https://etherscan.io/tx/",
	"bep20":   "https://bscscan.com/tx/",
	"polygon": "https://polygonscan.com/tx/",
	"solana":  "https://solscan.io/tx/",
}

// ExplorerTxURL returns a block explorer link for a transaction hash, or
// empty if the network is unknown or the hash is missing.
func ExplorerTxURL(network, txHash string) string {
	if txHash == "" {
		return ""
	}
	base, ok := explorerBases[strings.ToLower(network)]
	if !ok {
		return ""
	}
	return base + txHash
}

// PaidNote renders the audit note attached to a commerce order when the
// payment completes.
func PaidNote(rec *PaymentRecord, paidAmount, txHash string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Crypto payment received via PayzCore: %s %s on %s.",
		paidAmount, rec.Token, rec.Network)
	if txHash != "" {
		fmt.Fprintf(&b, " Tx: %s", txHash)
		if url := ExplorerTxURL(rec.Network, txHash); url != "" {
			fmt.Fprintf(&b, " (%s)", url)
		}
	}
	return b.String()
}

// PartialNote renders the note for a partial payment.
func PartialNote(rec *PaymentRecord, paidAmount string) string {
	return fmt.Sprintf("Partial crypto payment via PayzCore: %s of %s %s received on %s.",
		paidAmount, rec.ExpectedAmount, rec.Token, rec.Network)
}

// PaidOrderTags are applied to a commerce order when payment completes.
func PaidOrderTags(token string) []string {
	return []string{"crypto-paid", "payzcore", strings.ToLower(token)}
}
