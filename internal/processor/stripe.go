package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/money"
	"github.com/tradewind-labs/escrowd/internal/payment"
)

// Stripe adapts the Stripe API and webhook format. It implements
// SignatureValidator (Stripe-Signature scheme) and WebhookParser.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

// NewStripe creates the Stripe adapter. apiKey may be empty for
// webhook-only deployments; initiation and polling then fail with
// PROCESSOR_ERROR.
func NewStripe(apiKey, webhookSecret string) *Stripe {
	s := &Stripe{webhookSecret: webhookSecret}
	if apiKey != "" {
		s.api = &client.API{}
		s.api.Init(apiKey, nil)
	}
	return s
}

func (s *Stripe) Name() string { return "stripe" }

// InitiatePayment creates a PaymentIntent.
func (s *Stripe) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error) {
	if s.api == nil {
		return nil, payment.New(payment.CodeProcessorError, "stripe api key not configured")
	}

	minor, err := minorUnits(req.Amount, req.Currency)
	if err != nil {
		return nil, payment.Wrap(payment.CodeInvalidAmount, "stripe amount conversion failed", err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.AddMetadata("userId", req.UserID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, payment.Wrap(payment.CodeProcessorError, "stripe payment intent creation failed", err)
	}
	return &PaymentIntent{
		ProcessorTxID: pi.ID,
		RawStatus:     string(pi.Status),
		ClientSecret:  pi.ClientSecret,
	}, nil
}

// CheckStatus polls a PaymentIntent.
func (s *Stripe) CheckStatus(ctx context.Context, processorTxID string) (ledger.Status, error) {
	if s.api == nil {
		return "", payment.New(payment.CodeProcessorError, "stripe api key not configured")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(processorTxID, params)
	if err != nil {
		return "", payment.Wrap(payment.CodeProcessorError, "stripe payment intent lookup failed", err)
	}
	return MapStatus(string(pi.Status)), nil
}

// ValidateSignature verifies the Stripe-Signature header with Stripe's own
// timestamped HMAC scheme.
func (s *Stripe) ValidateSignature(payload []byte, sigHeader string) error {
	if _, err := webhook.ConstructEvent(payload, sigHeader, s.webhookSecret); err != nil {
		return payment.Wrap(payment.CodeInvalidSignature, "stripe signature verification failed", err)
	}
	return nil
}

// stripeEventAllowed is the event-type allowlist.
func stripeEventAllowed(eventType string) bool {
	for _, prefix := range []string{"payment_intent.", "charge.", "checkout.session."} {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// ParseWebhook extracts transaction info from a Stripe event. The event
// type suffix is more reliable than the embedded object status (a failed
// payment_intent reports requires_payment_method), so it takes precedence.
func (s *Stripe) ParseWebhook(payload []byte) (*WebhookInfo, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, payment.Wrap(payment.CodeProcessorError, "stripe event parse failed", err)
	}

	eventType := string(event.Type)
	if !stripeEventAllowed(eventType) {
		return nil, fmt.Errorf("%w: %s", ErrEventIgnored, eventType)
	}
	if event.Data == nil {
		return nil, payment.New(payment.CodeProcessorError, "stripe event has no data object")
	}

	object := event.Data.Object
	txID, _ := object["id"].(string)
	// checkout.session and charge objects reference the payment intent the
	// ledger transaction was keyed on.
	if pi, ok := object["payment_intent"].(string); ok && pi != "" {
		txID = pi
	}
	if txID == "" {
		return nil, payment.New(payment.CodeProcessorError, "stripe event has no transaction id")
	}

	rawStatus, _ := object["status"].(string)
	status := stripeEventStatus(eventType)
	if status == "" {
		status = MapStatus(rawStatus)
	}

	return &WebhookInfo{
		EventType:     eventType,
		ProcessorTxID: txID,
		RawStatus:     rawStatus,
		Status:        status,
	}, nil
}

// stripeEventStatus maps conclusive event-type suffixes; "" means fall back
// to the object status.
func stripeEventStatus(eventType string) ledger.Status {
	switch {
	case strings.HasSuffix(eventType, ".succeeded"), strings.HasSuffix(eventType, ".completed"):
		return ledger.StatusCompleted
	case strings.HasSuffix(eventType, ".payment_failed"), strings.HasSuffix(eventType, ".failed"):
		return ledger.StatusFailed
	case strings.HasSuffix(eventType, ".canceled"):
		return ledger.StatusCancelled
	case strings.HasSuffix(eventType, ".refunded"):
		return ledger.StatusRefunded
	case strings.HasSuffix(eventType, ".processing"):
		return ledger.StatusProcessing
	case strings.HasSuffix(eventType, ".created"), strings.HasSuffix(eventType, ".requires_action"):
		return ledger.StatusPending
	}
	return ""
}

// zeroDecimalCurrencies are charged in whole units on Stripe.
var zeroDecimalCurrencies = map[string]bool{
	"JPY": true, "KRW": true, "VND": true,
}

// minorUnits converts a decimal amount string to the smallest currency unit
// Stripe expects (cents for most currencies).
func minorUnits(amount, currency string) (int64, error) {
	micro, ok := money.Parse(amount)
	if !ok || micro.Sign() <= 0 {
		return 0, fmt.Errorf("invalid amount %q", amount)
	}
	divisor := int64(10_000) // micro-units -> cents
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		divisor = 1_000_000
	}
	v := micro.Int64() / divisor
	if v <= 0 {
		return 0, fmt.Errorf("amount %q is below the smallest %s unit", amount, currency)
	}
	return v, nil
}
