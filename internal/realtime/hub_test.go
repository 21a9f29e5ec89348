package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/payzcore/payzbridge/internal/payment"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func transitionEvent(paymentID, to string) *Event {
	return &Event{
		Type:      EventStatusTransition,
		Timestamp: time.Now(),
		Data:      &TransitionEvent{PaymentID: paymentID, To: to},
	}
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllPayments(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllPayments: true}}

	if !h.shouldSend(client, transitionEvent("pay_1", "paid")) {
		t.Error("AllPayments client should receive all events")
	}
}

func TestShouldSend_PaymentIDFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{PaymentIDs: []string{"pay_1"}}}

	if !h.shouldSend(client, transitionEvent("pay_1", "confirming")) {
		t.Error("Should receive events for the subscribed payment")
	}
	if h.shouldSend(client, transitionEvent("pay_2", "confirming")) {
		t.Error("Should NOT receive events for other payments")
	}
}

func TestShouldSend_StatusFilter(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{
		PaymentIDs: []string{"pay_1"},
		Statuses:   []string{"paid", "expired"},
	}}

	if !h.shouldSend(client, transitionEvent("pay_1", "paid")) {
		t.Error("Should receive transitions into subscribed statuses")
	}
	if h.shouldSend(client, transitionEvent("pay_1", "confirming")) {
		t.Error("Should NOT receive transitions into other statuses")
	}
}

func TestShouldSend_EmptySubscription(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{}}

	// No filters and not AllPayments: receives everything with a payload.
	if !h.shouldSend(client, transitionEvent("pay_1", "paid")) {
		t.Error("Empty subscription should receive transition events")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_BroadcastDeliversToSubscribedClient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{PaymentIDs: []string{"pay_1"}}}
	h.register <- client

	rec := &payment.PaymentRecord{
		PaymentID:      "pay_1",
		Order:          payment.OrderRef{ID: "order_1"},
		ExpectedAmount: "100",
		PaidAmount:     "100",
	}
	h.PaymentTransitioned(context.Background(), rec, payment.StatusConfirming, payment.StatusPaid, payment.SourcePush)

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Fatal("empty broadcast message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestHub_BroadcastSkipsOtherPayments(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	defer cancel()

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{PaymentIDs: []string{"pay_other"}}}
	h.register <- client

	rec := &payment.PaymentRecord{PaymentID: "pay_1"}
	h.PaymentTransitioned(context.Background(), rec, payment.StatusPending, payment.StatusConfirming, payment.SourcePoll)

	select {
	case <-client.send:
		t.Fatal("client received an event for a payment it did not subscribe to")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{AllPayments: true}}
	h.register <- client

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}

	if _, ok := <-client.send; ok {
		t.Error("client send channel should be closed after shutdown")
	}
}
