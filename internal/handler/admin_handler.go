package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/Kilat-Pet-Delivery/service-subscription/internal/application"
	"github.com/Kilat-Pet-Delivery/service-subscription/internal/common/response"
)

// Ledger is the operator view of the charge ledger.
type Ledger interface {
	ListAll(ctx context.Context, page, limit int) ([]application.ChargeDTO, int64, error)
	Stats(ctx context.Context) (*application.LedgerStatsDTO, error)
}

// Sweeper repairs local records from the provider.
type Sweeper interface {
	ReconcileSweep(ctx context.Context) (application.SweepResult, error)
}

// AdminHandler handles operator HTTP requests. The routes are expected behind an
// operator-only network boundary.
type AdminHandler struct {
	ledger  Ledger
	sweeper Sweeper
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(ledger Ledger, sweeper Sweeper) *AdminHandler {
	return &AdminHandler{
		ledger:  ledger,
		sweeper: sweeper,
	}
}

// RegisterRoutes registers admin routes.
func (h *AdminHandler) RegisterRoutes(r *gin.RouterGroup) {
	admin := r.Group("/admin")
	{
		admin.GET("/charges", h.ListCharges)
		admin.GET("/stats/charges", h.ChargeStats)
		admin.POST("/reconcile", h.Reconcile)
	}
}

// ListCharges handles GET /api/v1/admin/charges.
func (h *AdminHandler) ListCharges(c *gin.Context) {
	page, limit := pagination(c)

	charges, total, err := h.ledger.ListAll(c.Request.Context(), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paginated(c, charges, total, page, limit)
}

// ChargeStats handles GET /api/v1/admin/stats/charges.
func (h *AdminHandler) ChargeStats(c *gin.Context) {
	stats, err := h.ledger.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, stats)
}

// Reconcile handles POST /api/v1/admin/reconcile. It runs one sweep synchronously.
func (h *AdminHandler) Reconcile(c *gin.Context) {
	result, err := h.sweeper.ReconcileSweep(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, result)
}
