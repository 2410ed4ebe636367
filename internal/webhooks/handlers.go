package webhooks

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradewind-labs/escrowd/internal/logging"
)

// signatureHeaders maps processor names to the header each one signs with.
var signatureHeaders = map[string]string{
	"stripe": "Stripe-Signature",
	"paypal": "Paypal-Transmission-Sig",
	"plaid":  "Plaid-Verification",
}

// Handler exposes the webhook ingress over HTTP.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a webhook handler.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes registers the webhook ingress route.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/:processor", h.handleWebhook)
}

// handleWebhook answers 400 only for unknown processors and signature
// rejections. Every other outcome gets 200 so processors do not mount
// retry storms against failures they cannot fix.
func (h *Handler) handleWebhook(c *gin.Context) {
	name := c.Param("processor")

	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, Outcome{Success: false, Message: "failed to read request body"})
		return
	}

	event := Event{
		Processor: name,
		Payload:   payload,
		Headers:   c.Request.Header,
		Signature: c.GetHeader(signatureHeaders[name]),
	}

	outcome := h.pipeline.Process(c.Request.Context(), event)
	if !outcome.Success {
		logging.L(c.Request.Context()).Warn("webhook rejected",
			"processor", name, "message", outcome.Message)
	}

	status := http.StatusOK
	if outcome.BadRequest {
		status = http.StatusBadRequest
	}
	c.JSON(status, outcome)
}
