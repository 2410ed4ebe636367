// Package webhooks ingests payment-processor webhook deliveries and
// reconciles them into the transaction ledger.
//
// Processors deliver at-least-once; the ledger's idempotent update entry
// point turns that into at-most-once effect. The pipeline never touches
// escrow state directly. Escrow advancement happens in a separate
// reconciliation pass that watches the ledger, keeping this path fast and
// processor-agnostic.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/processor"
)

// Event is one webhook delivery. Ephemeral: consumed once, never persisted.
type Event struct {
	Processor string
	Payload   []byte
	Headers   http.Header
	Signature string
}

// Outcome is the pipeline's verdict on one delivery.
type Outcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`

	// Ignored marks an allowlist miss: acknowledged so the processor
	// stops retrying, but nothing was applied.
	Ignored bool `json:"-"`

	// BadRequest marks failures the HTTP layer should answer 400 for
	// (unknown processor, signature rejection). Everything else gets 200
	// to avoid processor retry storms.
	BadRequest bool `json:"-"`
}

func failure(message string) Outcome {
	return Outcome{Success: false, Message: message}
}

func badRequest(message string) Outcome {
	return Outcome{Success: false, Message: message, BadRequest: true}
}

// Ledger is the slice of the ledger service the pipeline needs.
type Ledger interface {
	FindByProcessorTransactionID(ctx context.Context, processorTxID, processorName string) (*ledger.Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status ledger.Status, reason string, metadata map[string]any) (*ledger.Transaction, error)
}

// Pipeline validates, extracts, resolves, and applies webhook deliveries.
type Pipeline struct {
	registry *processor.Registry
	ledger   Ledger
	secrets  map[string]string // processor name -> webhook secret
	logger   *slog.Logger
}

// NewPipeline creates a pipeline. secrets maps processor names to their
// webhook secrets; a missing entry means deliveries from that processor are
// accepted unsigned (logged at Warn on every delivery).
func NewPipeline(registry *processor.Registry, ldg Ledger, secrets map[string]string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if secrets == nil {
		secrets = map[string]string{}
	}
	return &Pipeline{registry: registry, ledger: ldg, secrets: secrets, logger: logger}
}

// Process runs one delivery through the pipeline. Steps short-circuit to a
// failed Outcome; only an applied update or an allowlist miss succeeds.
func (p *Pipeline) Process(ctx context.Context, event Event) Outcome {
	adapter, ok := p.registry.Get(event.Processor)
	if !ok {
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "unknown_processor").Inc()
		return badRequest(fmt.Sprintf("unknown processor %q", event.Processor))
	}

	if outcome, ok := p.verifySignature(adapter, event); !ok {
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "invalid_signature").Inc()
		return outcome
	}

	parser, ok := adapter.(processor.WebhookParser)
	if !ok {
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "error").Inc()
		return failure(fmt.Sprintf("processor %q does not deliver webhooks", event.Processor))
	}

	info, err := parser.ParseWebhook(event.Payload)
	if err != nil {
		if errors.Is(err, processor.ErrEventIgnored) {
			metrics.WebhooksTotal.WithLabelValues(event.Processor, "ignored").Inc()
			return Outcome{Success: true, Ignored: true, Message: err.Error()}
		}
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "extraction_failed").Inc()
		return failure(fmt.Sprintf("extraction failed: %v", err))
	}

	tx, err := p.ledger.FindByProcessorTransactionID(ctx, info.ProcessorTxID, event.Processor)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "unresolved").Inc()
		return failure(fmt.Sprintf("no transaction for %s/%s", event.Processor, info.ProcessorTxID))
	}

	_, err = p.ledger.UpdateTransactionStatus(ctx, tx.ID, info.Status,
		"webhook:"+event.Processor,
		map[string]any{
			"webhookPayload": string(event.Payload),
			"receivedAt":     time.Now().UTC().Format(time.RFC3339),
		})
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues(event.Processor, "apply_failed").Inc()
		return failure(fmt.Sprintf("status update failed: %v", err))
	}

	metrics.WebhooksTotal.WithLabelValues(event.Processor, "ok").Inc()
	p.logger.Info("webhook applied",
		"processor", event.Processor,
		"eventType", info.EventType,
		"transactionId", tx.ID,
		"status", info.Status)
	return Outcome{Success: true, Message: fmt.Sprintf("transaction %s -> %s", tx.ID, info.Status)}
}

// verifySignature applies the signature policy. Returns ok=false with the
// outcome to return when verification fails.
func (p *Pipeline) verifySignature(adapter processor.Processor, event Event) (Outcome, bool) {
	secret := p.secrets[event.Processor]
	if secret == "" {
		// No secret configured: accept unsigned, loudly. Deployments
		// that expect signed deliveries should treat this log line as a
		// misconfiguration alarm.
		p.logger.Warn("accepting webhook without signature verification; no secret configured",
			"processor", event.Processor)
		return Outcome{}, true
	}

	if event.Signature == "" {
		return badRequest("missing signature"), false
	}

	if validator, ok := adapter.(processor.SignatureValidator); ok {
		if err := validator.ValidateSignature(event.Payload, event.Signature); err != nil {
			return badRequest(fmt.Sprintf("signature verification failed: %v", err)), false
		}
		return Outcome{}, true
	}

	if !verifyHMAC(event.Payload, event.Signature, secret) {
		return badRequest("signature verification failed"), false
	}
	return Outcome{}, true
}

// Sign computes the generic signature for a payload: hex HMAC-SHA256 over
// the raw body. Exported for tests and for local delivery tooling.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifyHMAC(payload []byte, signature, secret string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(expected, mac.Sum(nil))
}
