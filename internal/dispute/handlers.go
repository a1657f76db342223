package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes. Review and resolve belong on
// the admin group.
func (h *Handler) RegisterRoutes(r, admin *gin.RouterGroup) {
	r.POST("/disputes/job/:jobId", h.OpenForJob)
	r.POST("/disputes/order/:orderId", h.OpenForOrder)
	r.GET("/disputes", h.List)
	r.GET("/disputes/:id", h.Get)
	admin.POST("/disputes/:id/review", h.StartReview)
	admin.POST("/disputes/:id/resolve", h.Resolve)
}

// OpenForJob handles POST /v1/disputes/job/:jobId
func (h *Handler) OpenForJob(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	disputes, err := h.service.OpenForJob(c.Request.Context(), c.Param("jobId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"disputes": disputes})
}

// OpenForOrder handles POST /v1/disputes/order/:orderId
func (h *Handler) OpenForOrder(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	disputes, err := h.service.OpenForOrder(c.Request.Context(), c.Param("orderId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"disputes": disputes})
}

// List handles GET /v1/disputes
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if raiser := c.Query("raiser"); raiser != "" {
		disputes, err := h.service.ListByRaiser(c.Request.Context(), raiser, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
		return
	}

	disputes, err := h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// StartReview handles POST /admin/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	d, err := h.service.StartReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /admin/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute_not_found", "message": err.Error()})
	case errors.Is(err, ErrNoApplicableEscrow):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_applicable_escrow", "message": err.Error()})
	case errors.Is(err, ErrInvalidReason), errors.Is(err, ErrInvalidScope), errors.Is(err, ErrInvalidOutcome):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrActiveExists):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_exists", "message": err.Error()})
	case errors.Is(err, ErrAlreadyClosed):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_closed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_failed", "message": "Internal error"})
	}
}
