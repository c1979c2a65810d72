package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/response"
)

// CustomerService manages billing accounts.
type CustomerService interface {
	Register(ctx context.Context, req application.RegisterCustomerRequest) (*application.CustomerDTO, error)
	Get(ctx context.Context, id uuid.UUID) (*application.CustomerDTO, error)
	UpdateTaxPercent(ctx context.Context, id uuid.UUID, percent float64) (*application.CustomerDTO, error)
}

// OwnerLedger lists an owner's charges.
type OwnerLedger interface {
	ListForOwner(ctx context.Context, ownerID uuid.UUID, page, limit int) ([]application.ChargeDTO, int64, error)
}

// CustomerHandler handles HTTP requests for billing accounts.
type CustomerHandler struct {
	customers CustomerService
	ledger    OwnerLedger
}

// NewCustomerHandler creates a new CustomerHandler.
func NewCustomerHandler(customers CustomerService, ledger OwnerLedger) *CustomerHandler {
	return &CustomerHandler{customers: customers, ledger: ledger}
}

// RegisterRoutes registers all customer routes on the given router group.
func (h *CustomerHandler) RegisterRoutes(r *gin.RouterGroup) {
	customers := r.Group("/owners")
	{
		customers.POST("", h.Register)
		customers.GET("/:ownerID", h.Get)
		customers.PUT("/:ownerID/tax", h.UpdateTax)
		customers.GET("/:ownerID/charges", h.ListCharges)
	}
}

// Register handles POST /api/v1/owners
func (h *CustomerHandler) Register(c *gin.Context) {
	var req application.RegisterCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	dto, err := h.customers.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, dto)
}

// Get handles GET /api/v1/owners/:ownerID
func (h *CustomerHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "ownerID")
	if !ok {
		return
	}

	dto, err := h.customers.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, dto)
}

// UpdateTax handles PUT /api/v1/owners/:ownerID/tax
func (h *CustomerHandler) UpdateTax(c *gin.Context) {
	id, ok := pathID(c, "ownerID")
	if !ok {
		return
	}

	var req application.UpdateTaxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	dto, err := h.customers.UpdateTaxPercent(c.Request.Context(), id, req.TaxPercent)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, dto)
}

// ListCharges handles GET /api/v1/owners/:ownerID/charges
func (h *CustomerHandler) ListCharges(c *gin.Context) {
	id, ok := pathID(c, "ownerID")
	if !ok {
		return
	}
	page, limit := pagination(c)

	charges, total, err := h.ledger.ListForOwner(c.Request.Context(), id, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paginated(c, charges, total, page, limit)
}

func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}
