// Package notify delivers payment event notifications to merchant
// endpoints.
//
// Merchants register webhook URLs to hear about reconciliation outcomes
// (paid, partial, expired, cancelled) without polling the bridge. Outbound
// deliveries are signed with the same timestamp+"."+body HMAC scheme the
// bridge itself verifies on inbound notifications.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/payzcore/payzbridge/internal/idgen"
	"github.com/payzcore/payzbridge/internal/payment"
	"github.com/payzcore/payzbridge/internal/signature"
)

// Delivery headers. Receivers verify the same way the bridge verifies
// inbound PayzCore notifications.
const (
	EventHeader = "X-Payzbridge-Event"
)

// EventType represents the type of merchant notification.
type EventType string

const (
	EventPaymentConfirming EventType = "payment.confirming"
	EventPaymentPartial    EventType = "payment.partial"
	EventPaymentPaid       EventType = "payment.paid"
	EventPaymentOverpaid   EventType = "payment.overpaid"
	EventPaymentExpired    EventType = "payment.expired"
	EventPaymentCancelled  EventType = "payment.cancelled"
)

// Event is one merchant notification.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// PaymentData is the payload for payment events.
type PaymentData struct {
	PaymentID      string `json:"paymentId"`
	OrderID        string `json:"orderId"`
	OrderName      string `json:"orderName,omitempty"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previousStatus"`
	PaidAmount     string `json:"paidAmount,omitempty"`
	ExpectedAmount string `json:"expectedAmount"`
	Token          string `json:"token"`
	Network        string `json:"network"`
	TxHash         string `json:"txHash,omitempty"`
	Source         string `json:"source"`
}

// Subscription represents a merchant webhook subscription.
type Subscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"` // Used for HMAC signing
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// Store persists notification subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notification events to subscribed merchant endpoints.
type Dispatcher struct {
	store  Store
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher creates a new notification dispatcher.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// transitionEvent maps a committed status transition to its notification
// event type. Pending movement is internal noise merchants do not need.
func transitionEvent(to payment.Status) (EventType, bool) {
	switch to {
	case payment.StatusConfirming:
		return EventPaymentConfirming, true
	case payment.StatusPartial:
		return EventPaymentPartial, true
	case payment.StatusPaid:
		return EventPaymentPaid, true
	case payment.StatusOverpaid:
		return EventPaymentOverpaid, true
	case payment.StatusExpired:
		return EventPaymentExpired, true
	case payment.StatusCancelled:
		return EventPaymentCancelled, true
	}
	return "", false
}

// PaymentTransitioned implements payment.TransitionListener. Delivery is
// fire-and-forget: a failed notification never blocks or fails
// reconciliation.
func (d *Dispatcher) PaymentTransitioned(_ context.Context, rec *payment.PaymentRecord, from, to payment.Status, source payment.Source) {
	eventType, ok := transitionEvent(to)
	if !ok {
		return
	}

	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data: &PaymentData{
			PaymentID:      rec.PaymentID,
			OrderID:        rec.Order.ID,
			OrderName:      rec.Order.Name,
			Status:         string(to),
			PreviousStatus: string(from),
			PaidAmount:     rec.PaidAmount,
			ExpectedAmount: rec.ExpectedAmount,
			Token:          rec.Token,
			Network:        rec.Network,
			TxHash:         rec.TxHash,
			Source:         string(source),
		},
	}

	// Detach from the request context: deliveries outlive the webhook
	// request that triggered the transition.
	if err := d.Dispatch(context.Background(), event); err != nil {
		d.logger.Warn("notification dispatch failed", "event", string(eventType), "error", err)
	}
}

// Dispatch sends an event to all active subscribers of its type.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		// Send async to avoid blocking
		go d.send(ctx, sub, event)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	ts := event.Timestamp.Format(time.RFC3339)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, string(event.Type))
	req.Header.Set(signature.TimestampHeader, ts)
	if sub.Secret != "" {
		req.Header.Set(signature.SignatureHeader, signature.Sign(sub.Secret, ts, payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		d.updateSuccess(ctx, sub)
	} else {
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("subscription update failed", "id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("subscription update failed", "id", sub.ID, "error", err)
	}
}

// MemoryStore is an in-memory subscription store.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) List(_ context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		result = append(result, sub)
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(_ context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
