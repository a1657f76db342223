package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sikafo/trustpay/internal/provider"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/job/deposit", h.DepositJob)
	r.POST("/escrow/order/deposit", h.DepositOrder)
	r.GET("/escrow/:id", h.Get)
	r.GET("/escrow/:id/verify", h.Verify)
	r.POST("/escrow/:id/complete", h.MarkCompleted)
	r.POST("/escrow/:id/release", h.Release)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// DepositJob handles POST /v1/escrow/job/deposit
func (h *Handler) DepositJob(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	result, err := h.service.DepositJob(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// DepositOrder handles POST /v1/escrow/order/deposit
func (h *Handler) DepositOrder(c *gin.Context) {
	var req OrderDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	result, err := h.service.DepositOrder(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// Get handles GET /v1/escrow/:id
func (h *Handler) Get(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// Verify handles GET /v1/escrow/:id/verify
//
// Polls the payment provider and confirms the escrow if the provider
// reports the payment complete. Useful when a webhook was missed.
func (h *Handler) Verify(c *gin.Context) {
	tx, vr, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "verification": vr})
}

// MarkCompleted handles POST /v1/escrow/:id/complete
func (h *Handler) MarkCompleted(c *gin.Context) {
	tx, err := h.service.MarkCompleted(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type releaseRequest struct {
	ActorID string `json:"actorId" binding:"required"`
}

// Release handles POST /v1/escrow/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	tx, err := h.service.Release(c.Request.Context(), ReleaseParams{
		EscrowID: c.Param("id"),
		ActorID:  req.ActorID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

type cancelRequest struct {
	CancelledBy string `json:"cancelledBy" binding:"required"`
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	result, err := h.service.CancelOrder(c.Request.Context(), c.Param("id"), req.CancelledBy)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// respondError maps service errors onto the HTTP taxonomy: validation
// 400, missing 404, state conflicts and dispute guards 409, provider
// configuration 501, upstream provider failures 502.
func respondError(c *gin.Context, err error) {
	var transErr *TransitionError
	var provErr *provider.Error
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCurrency):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow_not_found", "message": err.Error()})
	case errors.As(err, &transErr):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": transErr.Error()})
	case errors.Is(err, ErrDisputeActive):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_active", "message": err.Error()})
	case errors.Is(err, ErrJobNotCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "job_not_completed", "message": err.Error()})
	case errors.Is(err, ErrNoCounterparty):
		c.JSON(http.StatusConflict, gin.H{"error": "no_counterparty", "message": err.Error()})
	case errors.Is(err, provider.ErrNotConfigured):
		c.JSON(http.StatusNotImplemented, gin.H{"error": "provider_not_configured", "message": err.Error()})
	case errors.As(err, &provErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": provErr.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow_failed", "message": "Internal error"})
	}
}
