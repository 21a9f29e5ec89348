package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/payzcore/payzbridge/internal/logging"
	"github.com/payzcore/payzbridge/internal/retry"
	"github.com/payzcore/payzbridge/internal/signature"
	"github.com/payzcore/payzbridge/internal/validation"
)

// CreateSpec describes a payment request to provision with the monitoring
// service.
type CreateSpec struct {
	OrderID   string
	OrderName string
	Network   string
	Token     string
	Amount    string
	ExpiresIn time.Duration
}

// CreatedPayment is the monitoring service's answer to a provision call.
type CreatedPayment struct {
	PaymentID string
	Address   string
	ExpiresAt time.Time
}

// RequestCreator provisions new payment requests with the monitoring service.
type RequestCreator interface {
	CreatePaymentRequest(ctx context.Context, spec CreateSpec) (*CreatedPayment, error)
}

// ConfirmForwarder submits a manually-keyed transaction hash to the
// monitoring service for verification.
type ConfirmForwarder interface {
	ForwardConfirmation(ctx context.Context, paymentID, txHash string) error
}

// Handler provides the HTTP surface of the bridge: payment creation, the
// live-page status poll, manual confirmation, and the inbound webhook.
type Handler struct {
	store      Store
	engine     *Engine
	poller     *Poller
	creator    RequestCreator
	confirmer  ConfirmForwarder
	verifier   *signature.Verifier
	paymentTTL time.Duration
}

// NewHandler creates a new payment handler.
func NewHandler(store Store, engine *Engine, poller *Poller, creator RequestCreator,
	confirmer ConfirmForwarder, verifier *signature.Verifier, paymentTTL time.Duration) *Handler {
	return &Handler{
		store:      store,
		engine:     engine,
		poller:     poller,
		creator:    creator,
		confirmer:  confirmer,
		verifier:   verifier,
		paymentTTL: paymentTTL,
	}
}

// RegisterRoutes sets up the payment API routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments", h.CreatePayment)
	r.GET("/payments/:id", h.GetPayment)
	r.GET("/payments/:id/status", h.GetStatus)
	r.POST("/payments/:id/confirm", h.ConfirmTransaction)
}

// RegisterWebhookRoutes sets up the inbound push notification route.
// Mounted outside the public API group: the webhook authenticates with its
// signature, not with API middleware.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payzcore", h.HandleWebhook)
}

// CreateRequest is the payment creation request body.
type CreateRequest struct {
	OrderID   string `json:"order_id" binding:"required"`
	OrderName string `json:"order_name"`
	Network   string `json:"network" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
}

// CreatePayment handles POST /v1/payments. It provisions a payment address
// with the monitoring service (with retry; provisioning is idempotent on
// the upstream side) and creates the local reconciliation record.
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "amount must be a positive decimal string",
		})
		return
	}

	ctx := c.Request.Context()

	var created *CreatedPayment
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		var err error
		created, err = h.creator.CreatePaymentRequest(ctx, CreateSpec{
			OrderID:   req.OrderID,
			OrderName: req.OrderName,
			Network:   req.Network,
			Token:     req.Token,
			Amount:    req.Amount,
			ExpiresIn: h.paymentTTL,
		})
		if err != nil {
			var ue upstreamError
			if errors.As(err, &ue) && ue.UpstreamStatus() >= 400 && ue.UpstreamStatus() < 500 {
				return retry.Permanent(err)
			}
		}
		return err
	})
	if err != nil {
		logging.L(ctx).Error("payment provisioning failed",
			"order_id", req.OrderID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "provisioning_failed",
			"message": "Failed to provision payment with monitoring service",
		})
		return
	}

	now := time.Now().UTC()
	expiresAt := created.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(h.paymentTTL)
	}

	rec := &PaymentRecord{
		PaymentID:       created.PaymentID,
		Order:           OrderRef{ID: req.OrderID, Name: req.OrderName},
		Network:         strings.ToLower(req.Network),
		Token:           strings.ToUpper(req.Token),
		ExpectedAmount:  req.Amount,
		Address:         created.Address,
		CanonicalStatus: StatusPending,
		LastObservedAt:  now,
		ExpiresAt:       expiresAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.store.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrRecordExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_exists",
				"message": "A record for this payment already exists",
			})
			return
		}
		logging.L(ctx).Error("record create failed", "payment_id", rec.PaymentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to persist payment record",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": rec})
}

// GetPayment handles GET /v1/payments/:id — the full local record,
// including the side-effect ledger and audit trail.
func (h *Handler) GetPayment(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load payment record",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// GetStatus handles GET /v1/payments/:id/status — the live-page poll.
// Upstream failure degrades to the cached record, never to an error.
func (h *Handler) GetStatus(c *gin.Context) {
	view, err := h.poller.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load payment status",
		})
		return
	}
	c.JSON(http.StatusOK, view)
}

// ConfirmBody is the manual confirmation request body.
type ConfirmBody struct {
	TxHash string `json:"tx_hash" binding:"required"`
}

// ConfirmTransaction handles POST /v1/payments/:id/confirm — a
// manually-keyed transaction hash forwarded to the monitoring service.
func (h *Handler) ConfirmTransaction(c *gin.Context) {
	var body ConfirmBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txHash, ok := validation.NormalizeTxHash(body.TxHash)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "tx_hash must be a 10-128 char hex string",
		})
		return
	}

	ctx := c.Request.Context()
	paymentID := c.Param("id")

	if _, err := h.store.Get(ctx, paymentID); err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Payment record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "storage_error",
			"message": "Failed to load payment record",
		})
		return
	}

	if err := h.confirmer.ForwardConfirmation(ctx, paymentID, txHash); err != nil {
		var ue upstreamError
		if errors.As(err, &ue) && ue.UpstreamStatus() >= 400 && ue.UpstreamStatus() < 500 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "confirmation_rejected",
				"message": "Monitoring service rejected the transaction hash",
			})
			return
		}
		logging.L(ctx).Warn("confirmation forward failed",
			"payment_id", paymentID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "upstream_error",
			"message": "Failed to reach monitoring service",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "tx_hash": txHash})
}

// webhookPayload is the push notification body sent by the monitoring
// service.
type webhookPayload struct {
	Event          string            `json:"event"`
	PaymentID      string            `json:"payment_id"`
	Network        string            `json:"network"`
	Address        string            `json:"address"`
	ExpectedAmount string            `json:"expected_amount"`
	PaidAmount     string            `json:"paid_amount"`
	TxHash         string            `json:"tx_hash"`
	Status         string            `json:"status"`
	PaidAt         string            `json:"paid_at"`
	Metadata       map[string]string `json:"metadata"`
	Timestamp      string            `json:"timestamp"`
}

// eventStatus maps a push event kind to the status it announces.
func eventStatus(kind EventKind) (Status, bool) {
	switch kind {
	case EventPaymentDetected:
		return StatusPending, true
	case EventPaymentConfirming:
		return StatusConfirming, true
	case EventPaymentPartial:
		return StatusPartial, true
	case EventPaymentCompleted:
		return StatusPaid, true
	case EventPaymentOverpaid:
		return StatusOverpaid, true
	case EventPaymentExpired:
		return StatusExpired, true
	case EventPaymentCancelled:
		return StatusCancelled, true
	}
	return "", false
}

// signatureRejectReason maps a verification error to a metric label.
func signatureRejectReason(err error) string {
	switch {
	case errors.Is(err, signature.ErrMissingHeader):
		return "missing_header"
	case errors.Is(err, signature.ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, signature.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, signature.ErrBadSignatureFormat):
		return "bad_format"
	default:
		return "invalid_signature"
	}
}

// HandleWebhook handles POST /webhooks/payzcore. Response contract: 401 on
// authentication failure, 500 when the sender should redeliver, and 200
// with {received, processed} for every outcome that must not be retried.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	ctx := c.Request.Context()

	if err := h.verifier.Verify(body, c.Request.Header); err != nil {
		reason := signatureRejectReason(err)
		signatureRejectsTotal.WithLabelValues(reason).Inc()
		logging.L(ctx).Warn("push notification rejected", "reason", reason)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid notification signature",
		})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.PaymentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Notification body is not valid JSON",
		})
		return
	}

	// Resolve the announced status: the explicit status field wins, the
	// event name is the fallback. An unrecognized combination is
	// acknowledged as a no-op so the sender does not redeliver forever.
	status := Status(payload.Status)
	if !status.IsValid() {
		kind := ParseEventKind(payload.Event)
		mapped, ok := eventStatus(kind)
		if !ok {
			logging.L(ctx).Warn("unknown push event",
				"event", payload.Event, "status", payload.Status,
				"payment_id", payload.PaymentID)
			c.JSON(http.StatusOK, gin.H{
				"received":  true,
				"processed": false,
				"reason":    "unknown_event",
			})
			return
		}
		status = mapped
	}

	observedAt := time.Now().UTC()
	if t, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		observedAt = t
	}

	res, err := h.engine.Apply(ctx, Observation{
		PaymentID:      payload.PaymentID,
		Status:         status,
		PaidAmount:     payload.PaidAmount,
		ExpectedAmount: payload.ExpectedAmount,
		TxHash:         payload.TxHash,
		Network:        payload.Network,
		ObservedAt:     observedAt,
		Source:         SourcePush,
	})
	if err != nil {
		if errors.Is(err, ErrUpstreamPermanent) {
			// The referenced order is gone or unfulfillable; redelivery
			// cannot help.
			logging.L(ctx).Error("side effect permanently failed",
				"payment_id", payload.PaymentID, "error", err)
			c.JSON(http.StatusOK, gin.H{
				"received":  true,
				"processed": false,
				"reason":    "upstream_permanent",
			})
			return
		}
		// Transient failure (or storage error): ask the sender to redeliver.
		logging.L(ctx).Warn("push processing failed, requesting redelivery",
			"payment_id", payload.PaymentID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Temporary failure, please redeliver",
		})
		return
	}

	resp := gin.H{
		"received":  true,
		"processed": res.Outcome == OutcomeApplied,
	}
	if res.Outcome != OutcomeApplied {
		resp["reason"] = res.Outcome
	}
	c.JSON(http.StatusOK, resp)
}
