package bridge

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/validation"
)

// Handler exposes the exchange endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a bridge handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up bridge routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/exchange", h.Exchange)
}

// Exchange handles POST /v1/exchange
func (h *Handler) Exchange(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId, direction, fromCurrency, toCurrency, and amount are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.ValidCurrency("fromCurrency", req.FromCurrency),
		validation.ValidCurrency("toCurrency", req.ToCurrency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	result, err := h.service.Exchange(c.Request.Context(), req)
	if err != nil {
		c.JSON(statusForCode(CodeOf(err)), gin.H{
			"error":   string(CodeOf(err)),
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"exchange": result})
}

func statusForCode(code Code) int {
	switch code {
	case CodeInvalidAmount, CodeInvalidCurrency:
		return http.StatusBadRequest
	case CodeWalletNotFound, CodeAccountNotFound:
		return http.StatusNotFound
	case CodeInsufficientFunds:
		return http.StatusConflict
	case CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
