package intervention

import (
	"github.com/gin-gonic/gin"

	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

// GinHandlers contains HTTP handlers for administrative interventions
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the HTTP handlers for admin intervention endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// InterveneHandler handles POST requests applying an operation to an order
func (h *GinHandlers) InterveneHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req Request
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Intervene(c.Request.Context(), middleware.ActorFrom(c), req)
		response.Handle(c, result, err)
	}
}

// AdjustFundsHandler handles POST requests recharging or withdrawing cash
func (h *GinHandlers) AdjustFundsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req FundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		account, err := h.service.AdjustFunds(c.Request.Context(), middleware.ActorFrom(c), req)
		response.Handle(c, account, err)
	}
}

type liquidationRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Symbol string `json:"symbol" binding:"required"`
	Remark string `json:"remark"`
}

// LiquidateHandler handles POST requests forcing a position closed
func (h *GinHandlers) LiquidateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req liquidationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.Liquidate(c.Request.Context(), middleware.ActorFrom(c), req.UserID, req.Symbol, req.Remark)
		response.Handle(c, result, err)
	}
}
