package trust

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the read endpoint on the public group and the
// signal/recompute endpoints on the admin group.
func (s *Service) RegisterRoutes(r, admin *gin.RouterGroup) {
	r.GET("/trust/:user", s.handleGet)
	admin.PUT("/trust/:user/signals", s.handleUpsertSignals)
	admin.POST("/trust/recompute", s.handleRecompute)
}

func (s *Service) handleGet(c *gin.Context) {
	snap, err := s.Get(c.Request.Context(), c.Param("user"))
	if errors.Is(err, ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no trust snapshot for this user",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Service) handleUpsertSignals(c *gin.Context) {
	var sig Signals
	if err := c.ShouldBindJSON(&sig); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	sig.UserID = c.Param("user")
	if err := s.UpsertSignals(c.Request.Context(), sig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Service) handleRecompute(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "500"))
	n, err := s.RecomputeStale(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": n})
}
