package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coinsub/coinsub/internal/validation"
)

// Handler provides HTTP endpoints for escrow entries and merchant balances.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new escrow handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up escrow and balance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/escrow", h.GetByOrder)
	r.GET("/merchants/:merchantId/balances", h.ListBalances)
	r.GET("/merchants/:merchantId/balances/:currency", h.GetBalance)
	r.POST("/merchants/:merchantId/withdrawals", h.Withdraw)
}

// GetByOrder handles GET /v1/orders/:id/escrow
func (h *Handler) GetByOrder(c *gin.Context) {
	entry, err := h.ledger.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow entry for this order",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": entry})
}

// ListBalances handles GET /v1/merchants/:merchantId/balances
func (h *Handler) ListBalances(c *gin.Context) {
	balances, err := h.ledger.Balances(c.Request.Context(), c.Param("merchantId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if balances == nil {
		balances = []*Balance{}
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetBalance handles GET /v1/merchants/:merchantId/balances/:currency
func (h *Handler) GetBalance(c *gin.Context) {
	currency := c.Param("currency")
	if errs := validation.Validate(
		validation.ValidCurrency("currency", currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	b, err := h.ledger.Balance(c.Request.Context(), c.Param("merchantId"), currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}

// WithdrawRequest is the payload for a merchant withdrawal.
type WithdrawRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// Withdraw handles POST /v1/merchants/:merchantId/withdrawals
func (h *Handler) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	b, err := h.ledger.Withdraw(c.Request.Context(), c.Param("merchantId"), req.Currency, req.Amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientAvailable) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_balance",
				"message": "Available balance is less than the requested amount",
			})
			return
		}
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": b})
}
