package recon

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the read-model endpoints on the public group
// and the sweep triggers on the admin group.
func (s *Service) RegisterRoutes(r, admin *gin.RouterGroup) {
	r.PUT("/jobs/:id", s.handleUpsertJob)
	r.GET("/jobs/:id", s.handleGetJob)
	r.PUT("/deliveries/:id", s.handleUpsertDelivery)
	r.GET("/deliveries/:id", s.handleGetDelivery)
	r.POST("/deliveries/:id/confirm", s.handleConfirmDelivery)

	admin.POST("/recon/auto-release", s.handleAutoRelease)
	admin.POST("/recon/auto-confirm", s.handleAutoConfirm)
	admin.POST("/recon/stuck-money", s.handleStuckMoney)
}

type jobRequest struct {
	BuyerID     string     `json:"buyerId" binding:"required"`
	WorkerID    string     `json:"workerId"`
	Status      JobStatus  `json:"status" binding:"required"`
	CompletedAt *time.Time `json:"completedAt"`
}

func (s *Service) handleUpsertJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	job := &Job{
		ID:          c.Param("id"),
		BuyerID:     req.BuyerID,
		WorkerID:    req.WorkerID,
		Status:      req.Status,
		CompletedAt: req.CompletedAt,
	}
	if job.Status == JobCompleted && job.CompletedAt == nil {
		now := s.now()
		job.CompletedAt = &now
	}
	if err := s.jobs.Upsert(c.Request.Context(), job); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Service) handleGetJob(c *gin.Context) {
	job, err := s.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrJobNotFound) {
		notFound(c, "job not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type deliveryRequest struct {
	OrderID     string         `json:"orderId" binding:"required"`
	BuyerID     string         `json:"buyerId" binding:"required"`
	DriverID    string         `json:"driverId"`
	Status      DeliveryStatus `json:"status" binding:"required"`
	DeliveredAt *time.Time     `json:"deliveredAt"`
}

func (s *Service) handleUpsertDelivery(c *gin.Context) {
	var req deliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	d := &Delivery{
		ID:          c.Param("id"),
		OrderID:     req.OrderID,
		BuyerID:     req.BuyerID,
		DriverID:    req.DriverID,
		Status:      req.Status,
		DeliveredAt: req.DeliveredAt,
	}
	if d.Status == DeliveryDelivered && d.DeliveredAt == nil {
		now := s.now()
		d.DeliveredAt = &now
	}
	if err := s.deliveries.Upsert(c.Request.Context(), d); err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Service) handleGetDelivery(c *gin.Context) {
	d, err := s.deliveries.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrDeliveryNotFound) {
		notFound(c, "delivery not found")
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Service) handleConfirmDelivery(c *gin.Context) {
	d, err := s.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrDeliveryNotFound):
		notFound(c, "delivery not found")
	case errors.Is(err, ErrNotDelivered):
		c.JSON(http.StatusConflict, gin.H{"error": "not_delivered", "message": err.Error()})
	case err != nil:
		internalError(c, err)
	default:
		c.JSON(http.StatusOK, d)
	}
}

func (s *Service) handleAutoRelease(c *gin.Context) {
	stats, err := s.AutoRelease(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Service) handleAutoConfirm(c *gin.Context) {
	stats, err := s.AutoConfirm(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Service) handleStuckMoney(c *gin.Context) {
	stats, err := s.CheckStuckMoney(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
}

func notFound(c *gin.Context, msg string) {
	c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msg})
}

func internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
