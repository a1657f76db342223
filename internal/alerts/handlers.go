package alerts

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides admin HTTP endpoints for operational alerts.
type Handler struct {
	service *Service
}

// NewHandler creates a new alert handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up alert routes on the admin group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/alerts", h.List)
	r.POST("/alerts/:id/resolve", h.Resolve)
}

// List handles GET /admin/alerts
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	includeResolved := c.Query("all") == "true"

	list, err := h.service.List(c.Request.Context(), includeResolved, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "alerts_failed",
			"message": "Failed to load alerts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": list, "count": len(list)})
}

// Resolve handles POST /admin/alerts/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	err := h.service.Resolve(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "alert_not_found",
				"message": "No unresolved alert with that id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "resolve_failed",
			"message": "Failed to resolve alert",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}
