package ledger

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/payment"
)

// Handler provides read-only HTTP endpoints over the ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up ledger routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/users/:id/transactions", h.ListUserTransactions)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListTransactions handles GET /v1/transactions with either a status
// filter or a date range.
func (h *Handler) ListTransactions(c *gin.Context) {
	if status := c.Query("status"); status != "" {
		txs, err := h.service.ListByStatus(c.Request.Context(), Status(status), 200)
		if err != nil {
			writePaymentError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
		return
	}

	start, err1 := time.Parse(time.RFC3339, c.Query("start"))
	end, err2 := time.Parse(time.RFC3339, c.Query("end"))
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "provide either ?status= or RFC3339 ?start= and ?end=",
		})
		return
	}

	txs, err := h.service.GetTransactionsByDateRange(c.Request.Context(), start, end)
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// ListUserTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListUserTransactions(c *gin.Context) {
	txs, err := h.service.GetUserTransactions(c.Request.Context(), c.Param("id"))
	if err != nil {
		writePaymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// writePaymentError maps payment error codes onto HTTP statuses.
func writePaymentError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch payment.CodeOf(err) {
	case payment.CodeTransactionNotFound, payment.CodeWalletNotFound, payment.CodeAccountNotFound:
		status = http.StatusNotFound
	case payment.CodeInvalidAmount, payment.CodeInvalidCurrency:
		status = http.StatusBadRequest
	case payment.CodeDuplicateTransaction:
		status = http.StatusConflict
	case payment.CodeUnauthorized:
		status = http.StatusForbidden
	case payment.CodeRateLimitExceeded:
		status = http.StatusTooManyRequests
	}

	body := gin.H{"error": string(payment.CodeOf(err)), "message": err.Error()}
	if body["error"] == "" {
		body["error"] = "internal_error"
	}
	c.JSON(status, body)
}
