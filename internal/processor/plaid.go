package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/payment"
)

// Plaid adapts Plaid webhook events (bank transfers). Webhook-only, like
// PayPal; signatures go through the pipeline's generic HMAC check.
type Plaid struct{}

// NewPlaid creates the Plaid adapter.
func NewPlaid() *Plaid { return &Plaid{} }

func (p *Plaid) Name() string { return "plaid" }

func (p *Plaid) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	return nil, payment.New(payment.CodeProcessorError, "plaid transfers are initiated client-side")
}

func (p *Plaid) CheckStatus(ctx context.Context, processorTxID string) (ledger.Status, error) {
	return "", ErrPollingUnsupported
}

type plaidEvent struct {
	WebhookType    string `json:"webhook_type"`
	WebhookCode    string `json:"webhook_code"`
	TransferID     string `json:"transfer_id"`
	ItemID         string `json:"item_id"`
	TransferStatus string `json:"new_transfer_status"`
	EventType      string `json:"event_type"`
}

var plaidWebhookTypes = map[string]bool{
	"TRANSFER":     true,
	"TRANSACTIONS": true,
	"AUTH":         true,
}

// ParseWebhook extracts transfer info from a Plaid event.
func (p *Plaid) ParseWebhook(payload []byte) (*WebhookInfo, error) {
	var event plaidEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, payment.Wrap(payment.CodeProcessorError, "plaid event parse failed", err)
	}

	if !plaidWebhookTypes[event.WebhookType] {
		return nil, fmt.Errorf("%w: %s", ErrEventIgnored, event.WebhookType)
	}

	txID := event.TransferID
	if txID == "" {
		txID = event.ItemID
	}
	if txID == "" {
		return nil, payment.New(payment.CodeProcessorError, "plaid event has no transfer or item id")
	}

	rawStatus := event.TransferStatus
	if rawStatus == "" {
		rawStatus = event.EventType
	}

	return &WebhookInfo{
		EventType:     event.WebhookType + "." + event.WebhookCode,
		ProcessorTxID: txID,
		RawStatus:     rawStatus,
		Status:        MapStatus(rawStatus),
	}, nil
}
