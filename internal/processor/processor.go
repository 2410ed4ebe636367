// Package processor holds the pluggable payment-processor adapters and the
// registry the webhook pipeline and reconciler look them up in.
//
// The base Processor interface covers payment initiation and status polling.
// Adapters advertise extra capabilities by implementing the optional
// interfaces: SignatureValidator for processors with their own signature
// scheme, WebhookParser for processors that deliver webhooks. The pipeline
// discovers capabilities with type assertions, never reflection.
package processor

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tradewind-labs/escrowd/internal/ledger"
)

// Sentinel results from adapter calls.
var (
	// ErrEventIgnored marks a webhook event type outside the adapter's
	// allowlist. Not a failure: the delivery is acknowledged and dropped.
	ErrEventIgnored = errors.New("event type not handled")

	// ErrPollingUnsupported marks adapters that only learn status via
	// webhooks. The reconciler skips these when re-polling stale
	// transactions.
	ErrPollingUnsupported = errors.New("status polling not supported")
)

// PaymentRequest asks an adapter to start a payment with its processor.
type PaymentRequest struct {
	Amount   string
	Currency string
	UserID   string
	Metadata map[string]string
}

// PaymentIntent is the processor-side handle for an initiated payment.
type PaymentIntent struct {
	ProcessorTxID string
	RawStatus     string
	ClientSecret  string
}

// WebhookInfo is the processor-neutral extraction of one webhook event.
type WebhookInfo struct {
	EventType     string
	ProcessorTxID string
	RawStatus     string
	Status        ledger.Status
}

// Processor is the base adapter contract.
type Processor interface {
	Name() string
	InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentIntent, error)
	CheckStatus(ctx context.Context, processorTxID string) (ledger.Status, error)
}

// SignatureValidator is implemented by adapters whose processor defines its
// own signature scheme (Stripe). Others fall back to the pipeline's generic
// HMAC comparison.
type SignatureValidator interface {
	ValidateSignature(payload []byte, sigHeader string) error
}

// WebhookParser is implemented by adapters that receive webhooks.
type WebhookParser interface {
	ParseWebhook(payload []byte) (*WebhookInfo, error)
}

// MapStatus translates a raw processor status string to the canonical
// vocabulary. Adapters consult their own tables first and fall back here;
// anything unrecognized lands in needs_review so the event still leaves an
// audit trail.
func MapStatus(raw string) ledger.Status {
	switch strings.ToLower(raw) {
	case "succeeded", "completed", "success", "processed", "settled":
		return ledger.StatusCompleted
	case "failed", "failure", "error", "denied", "declined":
		return ledger.StatusFailed
	case "processing", "in_progress", "posted":
		return ledger.StatusProcessing
	case "pending", "requires_action", "requires_capture", "requires_confirmation", "requires_payment_method", "created":
		return ledger.StatusPending
	case "refunded", "reversed", "returned":
		return ledger.StatusRefunded
	case "canceled", "cancelled":
		return ledger.StatusCancelled
	}
	return ledger.StatusNeedsReview
}

// Registry maps processor names to adapters.
type Registry struct {
	mu         sync.RWMutex
	processors map[string]Processor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processors: make(map[string]Processor)}
}

// Register adds or replaces an adapter under its own name.
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Name()] = p
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[name]
	return p, ok
}

// Names lists the registered processor names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.processors))
	for name := range r.processors {
		names = append(names, name)
	}
	return names
}
