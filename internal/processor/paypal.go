package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/payment"
)

// PayPal adapts PayPal REST webhook events. Payments are initiated on the
// client side against PayPal directly, so this adapter is webhook-only; it
// relies on the pipeline's generic HMAC check for signatures.
type PayPal struct{}

// NewPayPal creates the PayPal adapter.
func NewPayPal() *PayPal { return &PayPal{} }

func (p *PayPal) Name() string { return "paypal" }

func (p *PayPal) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	return nil, payment.New(payment.CodeProcessorError, "paypal payments are initiated client-side")
}

func (p *PayPal) CheckStatus(ctx context.Context, processorTxID string) (ledger.Status, error) {
	return "", ErrPollingUnsupported
}

type paypalEvent struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"resource"`
}

func paypalEventAllowed(eventType string) bool {
	return strings.HasPrefix(eventType, "PAYMENT.") || strings.HasPrefix(eventType, "CHECKOUT.")
}

// ParseWebhook extracts transaction info from a PayPal event. The event
// type's last segment (COMPLETED, DENIED, REFUNDED, ...) is the status
// signal; the resource status backs it up when the segment is ambiguous.
func (p *PayPal) ParseWebhook(payload []byte) (*WebhookInfo, error) {
	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, payment.Wrap(payment.CodeProcessorError, "paypal event parse failed", err)
	}

	if !paypalEventAllowed(event.EventType) {
		return nil, fmt.Errorf("%w: %s", ErrEventIgnored, event.EventType)
	}
	if event.Resource.ID == "" {
		return nil, payment.New(payment.CodeProcessorError, "paypal event has no resource id")
	}

	rawStatus := event.Resource.Status
	if rawStatus == "" {
		if i := strings.LastIndex(event.EventType, "."); i >= 0 {
			rawStatus = event.EventType[i+1:]
		}
	}

	return &WebhookInfo{
		EventType:     event.EventType,
		ProcessorTxID: event.Resource.ID,
		RawStatus:     rawStatus,
		Status:        MapStatus(rawStatus),
	}, nil
}
