package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSubscriptionRouter(t *testing.T) (*gin.Engine, *MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	h := NewHandler(store)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	return r, store
}

func TestCreateSubscription(t *testing.T) {
	r, store := setupSubscriptionRouter(t)

	// Public IP literal so the SSRF check needs no DNS.
	body := `{"url": "http://93.184.216.34/hooks/crypto", "events": ["payment.paid", "payment.expired"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"secret"`)

	subs, err := store.List(t.Context())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, strings.HasPrefix(subs[0].ID, "sub_"))
	assert.Equal(t, []EventType{EventPaymentPaid, EventPaymentExpired}, subs[0].Events)
	assert.NotEmpty(t, subs[0].Secret)
}

func TestCreateSubscription_RejectsInternalURL(t *testing.T) {
	r, store := setupSubscriptionRouter(t)

	for _, target := range []string{
		"http://localhost:8080/hook",
		"http://127.0.0.1/hook",
		"http://10.0.0.5/hook",
		"ftp://93.184.216.34/hook",
	} {
		body := `{"url": "` + target + `", "events": ["payment.paid"]}`
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/notifications/subscriptions", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, target)
	}

	subs, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestCreateSubscription_RejectsUnknownEvent(t *testing.T) {
	r, _ := setupSubscriptionRouter(t)

	body := `{"url": "http://93.184.216.34/hook", "events": ["payment.teleported"]}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/subscriptions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "payment.teleported")
}

func TestListAndDeleteSubscription(t *testing.T) {
	r, store := setupSubscriptionRouter(t)

	sub := &Subscription{ID: "sub_1", URL: "http://93.184.216.34/hook", Secret: "topsecret123", Events: []EventType{EventPaymentPaid}, Active: true}
	require.NoError(t, store.Create(t.Context(), sub))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications/subscriptions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sub_1")
	// The shared secret never appears in list responses.
	assert.NotContains(t, w.Body.String(), "topsecret123")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/notifications/subscriptions/sub_1", nil))
	require.Equal(t, http.StatusOK, w.Code)

	subs, err := store.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, subs)
}
