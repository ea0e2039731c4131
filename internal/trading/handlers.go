package trading

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for trading endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST requests to submit orders
// The Idempotency-Key header is optional; a repeated key replays the
// first result
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		req.UserID = middleware.ActorFrom(c).ID
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")

		result, err := h.service.SubmitOrder(c.Request.Context(), req)
		response.Handle(c, result, err)
	}
}

// GetOrderStatusHandler handles GET requests to retrieve one of the
// caller's orders
// URL parameter: order_id
func (h *GinHandlers) GetOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrderDetail(c.Request.Context(), middleware.ActorFrom(c).ID, orderID)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST requests cancelling an order
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.CancelOrder(c.Request.Context(), middleware.ActorFrom(c).ID, c.Param("order_id"))
		response.Handle(c, result, err)
	}
}

// GetAccountHandler handles GET requests for the caller's balances and
// positions
func (h *GinHandlers) GetAccountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := h.service.GetAccount(c.Request.Context(), middleware.ActorFrom(c).ID)
		response.Handle(c, view, err)
	}
}

type reviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Remark   string `json:"remark"`
}

// ReviewOrderHandler handles POST requests approving or rejecting a gated
// order
func (h *GinHandlers) ReviewOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reviewRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.ReviewOrder(c.Request.Context(), middleware.ActorFrom(c), c.Param("order_id"), req.Decision, req.Remark)
		response.Handle(c, order, err)
	}
}
