package reputation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reputation scores over HTTP.
type Handler struct {
	provider *LedgerProvider
}

// NewHandler creates a reputation handler.
func NewHandler(provider *LedgerProvider) *Handler {
	return &Handler{provider: provider}
}

// RegisterRoutes sets up reputation routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reputation", h.GetReputation)
}

// GetReputation handles GET /v1/users/:id/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	score, err := h.provider.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to compute reputation",
		})
		return
	}
	c.JSON(http.StatusOK, score)
}
