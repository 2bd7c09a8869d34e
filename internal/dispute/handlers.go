package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coinsub/coinsub/internal/validation"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new dispute handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up buyer-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/orders/:id/disputes", h.ListByOrder)
}

// RegisterAdminRoutes sets up review/resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/review", h.StartReview)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/reject", h.RejectDispute)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("orderId", req.OrderID),
		validation.Required("buyerId", req.BuyerID),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxIssueLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.resolver.Open(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoActiveEscrow):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "no_active_escrow",
				"message": "Order has no held escrow entry to dispute",
			})
		case errors.Is(err, ErrDisputeOpen):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "dispute_open",
				"message": "An active dispute already exists for this order",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByOrder handles GET /v1/orders/:id/disputes
func (h *Handler) ListByOrder(c *gin.Context) {
	disputes, err := h.resolver.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if disputes == nil {
		disputes = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes})
}

// StartReview handles POST /v1/admin/disputes/:id/review
func (h *Handler) StartReview(c *gin.Context) {
	d, err := h.resolver.StartReview(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/admin/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if req.Outcome == OutcomePartialRefund {
		if errs := validation.Validate(
			validation.ValidAmount("refundAmount", req.RefundAmount),
		); len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
	}

	d, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOutcome):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_outcome",
				"message": "Outcome must be full_refund, partial_refund, or release",
			})
		default:
			h.writeTransitionError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// RejectDispute handles POST /v1/admin/disputes/:id/reject
func (h *Handler) RejectDispute(c *gin.Context) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	_ = c.ShouldBindJSON(&req)

	d, err := h.resolver.Reject(c.Request.Context(), c.Param("id"), req.Resolution)
	if err != nil {
		h.writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Dispute not found",
		})
	case errors.Is(err, ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_active",
			"message": "Dispute has already been closed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
