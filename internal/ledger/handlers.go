package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for wallets and payouts.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new wallet handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:owner", h.GetWallet)
	r.GET("/wallets/:owner/entries", h.GetHistory)
	r.GET("/wallets/:owner/payouts", h.ListPayouts)
	r.POST("/wallets/:owner/withdraw", h.Withdraw)
}

// GetWallet handles GET /v1/wallets/:owner
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.ledger.GetWallet(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "wallet_lookup_failed",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

// GetHistory handles GET /v1/wallets/:owner/entries
//
// Pages are keyset-based: pass the returned nextCursor back as ?cursor=
// to continue where the previous page ended.
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, next, err := h.ledger.History(c.Request.Context(), c.Param("owner"), c.Query("cursor"), limit)
	if errors.Is(err, ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Malformed pagination cursor",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_failed",
			"message": "Failed to load ledger entries",
		})
		return
	}
	resp := gin.H{"entries": entries, "count": len(entries)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Withdraw handles POST /v1/wallets/:owner/withdraw
//
// The Idempotency-Key header is required: a reused key returns the
// original payout without debiting again.
func (h *Handler) Withdraw(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.OwnerID = c.Param("owner")
	req.IdempotencyKey = c.GetString("idempotencyKey")
	if req.IdempotencyKey != "" {
		req.IdempotencyKey = "withdraw:" + req.IdempotencyKey
	}

	payout, err := h.ledger.RequestPayout(c.Request.Context(), req)
	if err != nil {
		status, code := payoutErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payout": payout})
}

// RegisterAdminRoutes mounts operator-only wallet endpoints.
func (h *Handler) RegisterAdminRoutes(admin *gin.RouterGroup) {
	admin.POST("/wallets/:owner/credit", h.AdminCredit)
}

// AdminCredit handles POST /v1/admin/wallets/:owner/credit
//
// Used for referral rewards and manual adjustments. Idempotent by the
// Idempotency-Key header like every other money movement.
func (h *Handler) AdminCredit(c *gin.Context) {
	var req struct {
		Amount   string            `json:"amount" binding:"required"`
		Currency string            `json:"currency" binding:"required"`
		Reason   string            `json:"reason"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	key := c.GetString("idempotencyKey")
	if key != "" {
		key = "admin_credit:" + key
	}

	entry, err := h.ledger.Credit(c.Request.Context(), MovementParams{
		OwnerID:        c.Param("owner"),
		Amount:         req.Amount,
		Currency:       req.Currency,
		Kind:           KindReferralCredit,
		IdempotencyKey: key,
		RefType:        "admin",
		RefID:          req.Reason,
		Metadata:       req.Metadata,
	})
	if err != nil {
		status, code := payoutErrorStatus(err)
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// ListPayouts handles GET /v1/wallets/:owner/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payouts, err := h.ledger.ListPayouts(c.Request.Context(), c.Param("owner"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "payouts_failed",
			"message": "Failed to load payouts",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

func payoutErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCurrency), errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ErrCurrencyMismatch):
		return http.StatusConflict, "currency_mismatch"
	default:
		return http.StatusInternalServerError, "payout_failed"
	}
}
