package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/coinsub/coinsub/internal/escrow"
	"github.com/coinsub/coinsub/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
	ledger  *escrow.Ledger
}

// NewHandler creates a new order handler.
func NewHandler(service *Service, ledger *escrow.Ledger) *Handler {
	return &Handler{service: service, ledger: ledger}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/buyers/:buyerId/orders", h.ListByBuyer)
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("buyerId", req.BuyerID),
		validation.Required("listingId", req.ListingID),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrListingUnavailable):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "listing_unavailable",
				"message": "Listing is inactive or does not exist",
			})
		case errors.Is(err, ErrRateUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "rate_unavailable",
				"message": "Conversion rate for this currency is currently unavailable",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to create order",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
//
// The response reflects the last committed state: order, observed
// transactions, and the escrow entry once one exists.
func (h *Handler) GetOrder(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	o, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	txs, err := h.service.Transactions(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if txs == nil {
		txs = []*Transaction{}
	}

	resp := gin.H{"order": o, "transactions": txs}
	if entry, err := h.ledger.GetByOrder(ctx, id); err == nil {
		resp["escrow"] = entry
	}
	c.JSON(http.StatusOK, resp)
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	o, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
		case errors.Is(err, ErrStatusConflict):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_cancellable",
				"message": "Only orders awaiting payment can be cancelled",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListByBuyer handles GET /v1/buyers/:buyerId/orders
func (h *Handler) ListByBuyer(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	orders, next, err := h.service.ListByBuyer(c.Request.Context(), c.Param("buyerId"), limit, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Invalid pagination cursor",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	resp := gin.H{"orders": orders}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
