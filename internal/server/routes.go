package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sikafo/trustpay/internal/alerts"
	"github.com/sikafo/trustpay/internal/dispute"
	"github.com/sikafo/trustpay/internal/escrow"
	"github.com/sikafo/trustpay/internal/ledger"
	"github.com/sikafo/trustpay/internal/logging"
	"github.com/sikafo/trustpay/internal/metrics"
)

func (s *Server) setupRoutes() {
	s.healthReg.RegisterRoutes(s.router, s.ready.Load)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	// Real-time notification stream. Clients identify themselves with
	// the user query parameter.
	s.router.GET("/ws", func(c *gin.Context) {
		s.notifyHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())

	wallets := ledger.NewHandler(s.ledger)
	wallets.RegisterRoutes(v1)
	wallets.RegisterAdminRoutes(admin)
	escrow.NewHandler(s.escrows).RegisterRoutes(v1)
	dispute.NewHandler(s.disputes).RegisterRoutes(v1, admin)
	s.trust.RegisterRoutes(v1, admin)
	s.recon.RegisterRoutes(v1, admin)
	alerts.NewHandler(s.alerts).RegisterRoutes(admin)

	v1.POST("/webhooks/:provider", s.webhookIngestHandler)

	admin.GET("/tasks", s.taskStatesHandler)
	admin.POST("/webhooks/drain", s.webhookDrainHandler)
	admin.GET("/webhooks/depth", s.webhookDepthHandler)
	admin.GET("/webhooks/dead", s.webhookDeadHandler)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "trustpay",
		"providers": s.providers.Names(),
		"endpoints": gin.H{
			"api":     "/v1",
			"health":  "/health/ready",
			"metrics": "/metrics",
			"ws":      "/ws",
		},
	})
}

// adminAuthMiddleware guards operational endpoints with a shared
// secret. In development an unset secret leaves the group open so
// local sweeps can be triggered by hand.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := s.cfg.AdminSecret
		if secret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

// signatureHeaderFor maps a gateway to the header carrying its webhook
// signature.
func signatureHeaderFor(providerName string) string {
	switch providerName {
	case "paystack":
		return "x-paystack-signature"
	case "flutterwave":
		return "verif-hash"
	case "stripe":
		return "Stripe-Signature"
	default:
		return "X-Webhook-Signature"
	}
}

// webhookIngestHandler verifies and queues a gateway callback. The
// heavy lifting happens later in the drain task, so the gateway gets a
// fast 200 and retries only on signature or storage failures.
func (s *Server) webhookIngestHandler(c *gin.Context) {
	providerName := c.Param("provider")
	p, err := s.providers.Get(providerName)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_provider",
			"message": "No such payment provider",
		})
		return
	}

	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_body",
			"message": "Could not read request body",
		})
		return
	}

	signature := c.GetHeader(signatureHeaderFor(providerName))
	if !p.VerifyWebhookSignature(body, signature) {
		logging.L(c.Request.Context()).Warn("webhook signature rejected",
			"provider", providerName, "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	ev, err := p.ParseWebhook(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not parse webhook payload",
		})
		return
	}

	item, err := s.queue.Enqueue(c.Request.Context(), providerName, ev.EventID, body)
	if err != nil {
		logging.L(c.Request.Context()).Error("webhook enqueue failed",
			"provider", providerName, "event_id", ev.EventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "enqueue_failed",
			"message": "Could not queue webhook for processing",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "queued", "id": item.ID})
}

func (s *Server) taskStatesHandler(c *gin.Context) {
	states, err := s.runner.States(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": states})
}

func (s *Server) webhookDrainHandler(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	stats, err := s.queue.ProcessQueue(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) webhookDepthHandler(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

func (s *Server) webhookDeadHandler(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	items, err := s.queue.ListDead(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
