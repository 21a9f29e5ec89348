package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payzcore/payzbridge/internal/signature"
)

const testSecret = "whsec_test"

type mockCreator struct {
	created *CreatedPayment
	err     error
	specs   []CreateSpec
}

func (m *mockCreator) CreatePaymentRequest(ctx context.Context, spec CreateSpec) (*CreatedPayment, error) {
	m.specs = append(m.specs, spec)
	if m.err != nil {
		return nil, m.err
	}
	return m.created, nil
}

type mockConfirmer struct {
	err    error
	hashes []string
}

func (m *mockConfirmer) ForwardConfirmation(ctx context.Context, paymentID, txHash string) error {
	m.hashes = append(m.hashes, txHash)
	return m.err
}

type handlerFixture struct {
	router   *gin.Engine
	store    Store
	commerce *mockCommerce
	creator  *mockCreator
	confirm  *mockConfirmer
	source   *mockStatusSource
}

func setupHandler(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore(time.Hour)
	commerce := newMockCommerce()
	engine := NewEngine(store, commerce, testLogger())
	source := &mockStatusSource{}
	poller := NewPoller(source, engine, store, nil, testLogger())
	creator := &mockCreator{created: &CreatedPayment{
		PaymentID: "pay_new_1",
		Address:   "TXYZnewaddr",
		ExpiresAt: time.Now().Add(30 * time.Minute),
	}}
	confirm := &mockConfirmer{}
	verifier := signature.NewVerifier(testSecret)

	h := NewHandler(store, engine, poller, creator, confirm, verifier, 30*time.Minute)

	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterWebhookRoutes(r.Group("/webhooks"))

	return &handlerFixture{
		router:   r,
		store:    store,
		commerce: commerce,
		creator:  creator,
		confirm:  confirm,
		source:   source,
	}
}

func (f *handlerFixture) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// signedHeaders produces valid push notification auth headers for a body.
func signedHeaders(body []byte) map[string]string {
	ts := time.Now().UTC().Format(time.RFC3339)
	return map[string]string{
		signature.TimestampHeader: ts,
		signature.SignatureHeader: signature.Sign(testSecret, ts, body),
	}
}

func TestHandler_CreatePayment(t *testing.T) {
	f := setupHandler(t)

	body, _ := json.Marshal(CreateRequest{
		OrderID:   "order_1",
		OrderName: "#1001",
		Network:   "TRC20",
		Token:     "usdt",
		Amount:    "100",
	})
	w := f.do(http.MethodPost, "/v1/payments", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	rec, err := f.store.Get(context.Background(), "pay_new_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.CanonicalStatus)
	assert.Equal(t, "trc20", rec.Network)
	assert.Equal(t, "USDT", rec.Token)
	assert.Equal(t, "order_1", rec.Order.ID)
	assert.Equal(t, "TXYZnewaddr", rec.Address)

	require.Len(t, f.creator.specs, 1)
	assert.Equal(t, 30*time.Minute, f.creator.specs[0].ExpiresIn)
}

func TestHandler_CreatePayment_BadAmount(t *testing.T) {
	f := setupHandler(t)

	body, _ := json.Marshal(CreateRequest{
		OrderID: "order_1",
		Network: "trc20",
		Token:   "USDT",
		Amount:  "1,000",
	})
	w := f.do(http.MethodPost, "/v1/payments", body, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.creator.specs)
}

func TestHandler_CreatePayment_UpstreamRejects(t *testing.T) {
	f := setupHandler(t)
	f.creator.err = &apiError{code: 422}

	body, _ := json.Marshal(CreateRequest{
		OrderID: "order_1",
		Network: "trc20",
		Token:   "USDT",
		Amount:  "100",
	})
	w := f.do(http.MethodPost, "/v1/payments", body, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	// A 4xx is permanent: no retries issued.
	assert.Len(t, f.creator.specs, 1)
}

func webhookBody(event, paymentID, status, paidAmount string) []byte {
	body, _ := json.Marshal(map[string]any{
		"event":       event,
		"payment_id":  paymentID,
		"network":     "trc20",
		"paid_amount": paidAmount,
		"status":      status,
		"tx_hash":     "abcdef1234567890",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	return body
}

func TestHandler_Webhook_RejectsBadSignature(t *testing.T) {
	f := setupHandler(t)
	body := webhookBody("payment.completed", "pay_test_1", "paid", "100")

	// No headers at all.
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Valid headers for a different body.
	headers := signedHeaders([]byte(`{"event":"payment.completed"}`))
	w = f.do(http.MethodPost, "/webhooks/payzcore", body, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Stale timestamp with a matching signature.
	ts := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339)
	w = f.do(http.MethodPost, "/webhooks/payzcore", body, map[string]string{
		signature.TimestampHeader: ts,
		signature.SignatureHeader: signature.Sign(testSecret, ts, body),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, 0, f.commerce.captureCount())
}

func TestHandler_Webhook_PaidEndToEnd(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	body := webhookBody("payment.completed", "pay_test_1", "paid", "100")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, true, resp["processed"])

	// Exactly one capture, tagged for the paid token.
	require.Equal(t, 1, f.commerce.captureCount())
	require.Len(t, f.commerce.tags, 1)
	assert.Equal(t, []string{"crypto-paid", "payzcore", "usdt"}, f.commerce.tags[0])

	// A redelivered duplicate is acknowledged but not reprocessed.
	w = f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, false, resp["processed"])
	assert.Equal(t, OutcomeAlreadyApplied, resp["reason"])
	assert.Equal(t, 1, f.commerce.captureCount())
}

func TestHandler_Webhook_EventNameFallback(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	// No explicit status field; the event name alone announces confirming.
	body := webhookBody("payment.confirming", "pay_test_1", "", "")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := f.store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirming, rec.CanonicalStatus)
}

func TestHandler_Webhook_UnknownEvent(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	body := webhookBody("payment.refund_issued", "pay_test_1", "", "")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["processed"])
	assert.Equal(t, "unknown_event", resp["reason"])
}

func TestHandler_Webhook_UnknownPayment(t *testing.T) {
	f := setupHandler(t)

	body := webhookBody("payment.completed", "pay_missing", "paid", "100")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["received"])
	assert.Equal(t, false, resp["processed"])
	assert.Equal(t, OutcomeUnknownPayment, resp["reason"])
}

func TestHandler_Webhook_TransientFailureRequestsRedelivery(t *testing.T) {
	f := setupHandler(t)
	f.commerce.captureErr = &apiError{code: 503}
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	body := webhookBody("payment.completed", "pay_test_1", "paid", "100")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// The record is untouched; the redelivery will retry the transition.
	rec, err := f.store.Get(context.Background(), "pay_test_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, rec.CanonicalStatus)
}

func TestHandler_Webhook_PermanentFailureAcked(t *testing.T) {
	f := setupHandler(t)
	f.commerce.stateErr = &apiError{code: 404}
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	body := webhookBody("payment.completed", "pay_test_1", "paid", "100")
	w := f.do(http.MethodPost, "/webhooks/payzcore", body, signedHeaders(body))
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["processed"])
	assert.Equal(t, "upstream_permanent", resp["reason"])
}

func TestHandler_ConfirmTransaction(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	body, _ := json.Marshal(ConfirmBody{TxHash: "0xABCdef1234567890"})
	w := f.do(http.MethodPost, "/v1/payments/pay_test_1/confirm", body, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	// The 0x prefix is stripped before forwarding.
	require.Len(t, f.confirm.hashes, 1)
	assert.Equal(t, "ABCdef1234567890", f.confirm.hashes[0])
}

func TestHandler_ConfirmTransaction_BadHash(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	for _, hash := range []string{"nothex!", "abc", ""} {
		body, _ := json.Marshal(ConfirmBody{TxHash: hash})
		w := f.do(http.MethodPost, "/v1/payments/pay_test_1/confirm", body, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "hash %q", hash)
	}
	assert.Empty(t, f.confirm.hashes)
}

func TestHandler_ConfirmTransaction_UnknownPayment(t *testing.T) {
	f := setupHandler(t)

	body, _ := json.Marshal(ConfirmBody{TxHash: "abcdef1234567890"})
	w := f.do(http.MethodPost, "/v1/payments/pay_missing/confirm", body, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetStatus(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusConfirming, time.Now().Add(time.Hour))
	f.source.status = &LiveStatus{
		PaymentID: "pay_test_1",
		Status:    StatusConfirming,
	}

	w := f.do(http.MethodGet, "/v1/payments/pay_test_1/status", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var view StatusView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, StatusConfirming, view.Status)
	assert.False(t, view.IsTerminal)

	// The response keys are the documented snake_case names.
	var keys map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &keys))
	for _, k := range []string{"payment_id", "status", "expected_amount", "is_terminal", "is_paid", "stale"} {
		assert.Contains(t, keys, k)
	}

	w = f.do(http.MethodGet, "/v1/payments/pay_missing/status", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_GetPayment(t *testing.T) {
	f := setupHandler(t)
	newTestRecord(t, f.store, StatusPending, time.Now().Add(time.Hour))

	w := f.do(http.MethodGet, "/v1/payments/pay_test_1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Payment PaymentRecord `json:"payment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pay_test_1", resp.Payment.PaymentID)

	w = f.do(http.MethodGet, "/v1/payments/pay_missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
