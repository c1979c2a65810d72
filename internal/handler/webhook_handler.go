package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/response"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/reconciler"
)

const maxWebhookBody = int64(65536)

// EventHandler applies one raw provider event.
type EventHandler interface {
	HandlePayload(ctx context.Context, payload []byte) (reconciler.Ack, error)
}

// WebhookHandler verifies and applies provider webhooks.
type WebhookHandler struct {
	events EventHandler
	secret string
	logger *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler. An empty secret disables signature
// verification and is only meant for local development against the mock gateway.
func NewWebhookHandler(events EventHandler, secret string, logger *zap.Logger) *WebhookHandler {
	if secret == "" {
		logger.Warn("webhook signature verification disabled")
	}
	return &WebhookHandler{events: events, secret: secret, logger: logger}
}

// RegisterRoutes registers the webhook endpoint.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /api/v1/webhooks/stripe. Every acknowledgement is a 200; only a
// failure the provider should retry answers 5xx.
func (h *WebhookHandler) Receive(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Fail(c, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook body too large")
			return
		}
		response.BadRequest(c, "unreadable webhook body")
		return
	}

	if h.secret != "" {
		if err := webhook.ValidatePayload(payload, c.GetHeader("Stripe-Signature"), h.secret); err != nil {
			h.logger.Warn("rejected webhook with invalid signature", zap.Error(err))
			response.Fail(c, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
			return
		}
	}

	ack, err := h.events.HandlePayload(c.Request.Context(), payload)
	if err != nil {
		_ = c.Error(err)
		response.Fail(c, http.StatusInternalServerError, "webhook_failed", "event not applied, retry later")
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "result": ack})
}
