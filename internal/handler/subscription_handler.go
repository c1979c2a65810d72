package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/adapter"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/response"
)

// SubscriptionService is the lifecycle API the handler exposes. *application.SubscriptionManager
// implements it.
type SubscriptionService interface {
	Subscribe(ctx context.Context, ownerID uuid.UUID, req application.SubscribeRequest) (*application.SubscriptionDTO, error)
	Get(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
	ListForOwner(ctx context.Context, ownerID uuid.UUID) ([]application.SubscriptionDTO, error)
	UpdateQuantity(ctx context.Context, id uuid.UUID, quantity int64) (*application.SubscriptionDTO, error)
	IncrementQuantity(ctx context.Context, id uuid.UUID, count int64) (*application.SubscriptionDTO, error)
	DecrementQuantity(ctx context.Context, id uuid.UUID, count int64) (*application.SubscriptionDTO, error)
	IncrementAndInvoice(ctx context.Context, id uuid.UUID, count int64) (*application.SubscriptionDTO, error)
	Swap(ctx context.Context, id uuid.UUID, plan string, opts ...application.SwapOption) (*application.SubscriptionDTO, error)
	Cancel(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
	CancelNow(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
	Reactivate(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
	Resume(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
	SyncTaxPercentage(ctx context.Context, id uuid.UUID) (*application.SubscriptionDTO, error)
}

// SubscriptionHandler handles HTTP requests for subscription operations.
type SubscriptionHandler struct {
	service SubscriptionService
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(service SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{service: service}
}

// RegisterRoutes registers all subscription routes.
func (h *SubscriptionHandler) RegisterRoutes(r *gin.RouterGroup) {
	owners := r.Group("/owners/:ownerID/subscriptions")
	{
		owners.POST("", h.Subscribe)
		owners.GET("", h.ListForOwner)
	}

	subs := r.Group("/subscriptions/:id")
	{
		subs.GET("", h.Get)
		subs.PUT("/quantity", h.UpdateQuantity)
		subs.POST("/quantity/increment", h.IncrementQuantity)
		subs.POST("/quantity/decrement", h.DecrementQuantity)
		subs.POST("/swap", h.Swap)
		subs.POST("/cancel", h.simple(h.service.Cancel))
		subs.POST("/cancel-now", h.simple(h.service.CancelNow))
		subs.POST("/reactivate", h.simple(h.service.Reactivate))
		subs.POST("/resume", h.simple(h.service.Resume))
		subs.POST("/sync-tax", h.simple(h.service.SyncTaxPercentage))
	}
}

// Subscribe handles POST /api/v1/owners/:ownerID/subscriptions.
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	ownerID, ok := pathID(c, "ownerID")
	if !ok {
		return
	}

	var req application.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Subscribe(c.Request.Context(), ownerID, req)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Created(c, result)
}

// ListForOwner handles GET /api/v1/owners/:ownerID/subscriptions.
func (h *SubscriptionHandler) ListForOwner(c *gin.Context) {
	ownerID, ok := pathID(c, "ownerID")
	if !ok {
		return
	}

	result, err := h.service.ListForOwner(c.Request.Context(), ownerID)
	if err != nil {
		writeError(c, err)
		return
	}

	response.Success(c, result)
}

// Get handles GET /api/v1/subscriptions/:id.
func (h *SubscriptionHandler) Get(c *gin.Context) {
	h.simple(h.service.Get)(c)
}

// UpdateQuantity handles PUT /api/v1/subscriptions/:id/quantity.
func (h *SubscriptionHandler) UpdateQuantity(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req application.QuantityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.UpdateQuantity(c.Request.Context(), id, req.Quantity)
	writeResult(c, result, err)
}

// IncrementQuantity handles POST /api/v1/subscriptions/:id/quantity/increment. With
// "invoice": true the owner is billed immediately.
func (h *SubscriptionHandler) IncrementQuantity(c *gin.Context) {
	id, req, ok := bindCount(c)
	if !ok {
		return
	}

	increment := h.service.IncrementQuantity
	if req.Invoice {
		increment = h.service.IncrementAndInvoice
	}
	result, err := increment(c.Request.Context(), id, req.Count)
	writeResult(c, result, err)
}

// DecrementQuantity handles POST /api/v1/subscriptions/:id/quantity/decrement.
func (h *SubscriptionHandler) DecrementQuantity(c *gin.Context) {
	id, req, ok := bindCount(c)
	if !ok {
		return
	}

	result, err := h.service.DecrementQuantity(c.Request.Context(), id, req.Count)
	writeResult(c, result, err)
}

// Swap handles POST /api/v1/subscriptions/:id/swap.
func (h *SubscriptionHandler) Swap(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req application.SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	var opts []application.SwapOption
	if req.Prorate != nil && !*req.Prorate {
		opts = append(opts, application.WithoutProration())
	}
	switch {
	case req.AnchorNow:
		opts = append(opts, application.AnchorBillingCycleNow())
	case req.AnchorOn != nil:
		opts = append(opts, application.AnchorBillingCycleOn(*req.AnchorOn))
	}

	result, err := h.service.Swap(c.Request.Context(), id, req.Plan, opts...)
	writeResult(c, result, err)
}

// simple adapts an operation that only needs the subscription id.
func (h *SubscriptionHandler) simple(op func(context.Context, uuid.UUID) (*application.SubscriptionDTO, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c, "id")
		if !ok {
			return
		}
		result, err := op(c.Request.Context(), id)
		writeResult(c, result, err)
	}
}

func bindCount(c *gin.Context) (uuid.UUID, application.CountRequest, bool) {
	var req application.CountRequest
	id, ok := pathID(c, "id")
	if !ok {
		return id, req, false
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return id, req, false
		}
	}
	if req.Count == 0 {
		req.Count = 1
	}
	return id, req, true
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// writeResult answers a committed change. A failed invoice still reports the change.
func writeResult(c *gin.Context, result *application.SubscriptionDTO, err error) {
	var invErr *application.InvoiceError
	if errors.As(err, &invErr) && result != nil {
		response.Partial(c, result, "invoice_failed", invErr.Error())
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, result)
}

// writeError maps gateway and persistence failures before the generic domain mapping.
func writeError(c *gin.Context, err error) {
	var gwErr *adapter.GatewayError
	var persistErr *application.PersistenceError
	switch {
	case errors.As(err, &persistErr):
		_ = c.Error(err)
		response.Fail(c, http.StatusInternalServerError, "persistence_failed", persistErr.Error())
	case errors.As(err, &gwErr):
		_ = c.Error(err)
		response.Fail(c, http.StatusBadGateway, "gateway_failed", gwErr.Error())
	default:
		response.Error(c, err)
	}
}
