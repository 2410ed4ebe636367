package webhooks

import (
	"context"
	"testing"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/processor"
)

func newTestPipeline(secrets map[string]string) (*Pipeline, *ledger.Service) {
	reg := processor.NewRegistry()
	reg.Register(processor.NewStripe("", ""))
	reg.Register(processor.NewPayPal())
	reg.Register(processor.NewPlaid())

	svc := ledger.NewService(ledger.NewMemoryStore(), nil)
	return NewPipeline(reg, svc, secrets, nil), svc
}

func seedTransaction(t *testing.T, svc *ledger.Service, processorName, processorTxID string) *ledger.Transaction {
	t.Helper()
	tx, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
		UserID: "user_1", Type: ledger.TypeDeposit, Amount: "100", Currency: "USD",
		ProcessorName: processorName, ProcessorTxID: processorTxID,
	})
	if err != nil {
		t.Fatalf("seed transaction failed: %v", err)
	}
	return tx
}

func TestProcessStripeSucceeded(t *testing.T) {
	pipe, svc := newTestPipeline(nil)
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "stripe", "pi_1")

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1","object":"payment_intent","status":"succeeded"}}}`)
	outcome := pipe.Process(ctx, Event{Processor: "stripe", Payload: payload})
	if !outcome.Success {
		t.Fatalf("Process failed: %s", outcome.Message)
	}

	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
	last := tx.StatusHistory[len(tx.StatusHistory)-1]
	if last.Reason != "webhook:stripe" {
		t.Errorf("reason = %q, want webhook:stripe", last.Reason)
	}
	if tx.Metadata["webhookPayload"] == nil || tx.Metadata["receivedAt"] == nil {
		t.Errorf("webhook metadata missing: %+v", tx.Metadata)
	}
}

func TestProcessDuplicateDeliveryIsIdempotent(t *testing.T) {
	pipe, svc := newTestPipeline(nil)
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "stripe", "pi_dup")

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_dup","object":"payment_intent","status":"succeeded"}}}`)

	if outcome := pipe.Process(ctx, Event{Processor: "stripe", Payload: payload}); !outcome.Success {
		t.Fatalf("first delivery failed: %s", outcome.Message)
	}
	afterFirst, _ := svc.Get(ctx, seeded.ID)

	if outcome := pipe.Process(ctx, Event{Processor: "stripe", Payload: payload}); !outcome.Success {
		t.Fatalf("redelivery failed: %s", outcome.Message)
	}
	afterSecond, _ := svc.Get(ctx, seeded.ID)

	if afterSecond.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", afterSecond.Status)
	}
	growth := len(afterSecond.StatusHistory) - len(afterFirst.StatusHistory)
	if growth > 1 {
		t.Errorf("redelivery grew history by %d entries, want at most 1", growth)
	}
}

func TestProcessTerminalStatusNotRegressed(t *testing.T) {
	pipe, svc := newTestPipeline(nil)
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "stripe", "pi_done")

	succeeded := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_done","object":"payment_intent","status":"succeeded"}}}`)
	pipe.Process(ctx, Event{Processor: "stripe", Payload: succeeded})

	// A stale out-of-order processing event arrives after completion.
	stale := []byte(`{"id":"evt_0","type":"payment_intent.processing","data":{"object":{"id":"pi_done","object":"payment_intent","status":"processing"}}}`)
	outcome := pipe.Process(ctx, Event{Processor: "stripe", Payload: stale})
	if !outcome.Success {
		t.Fatalf("stale delivery should be acknowledged: %s", outcome.Message)
	}

	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status regressed to %s", tx.Status)
	}
}

func TestProcessValidHMACSignature(t *testing.T) {
	secret := "whsec_test"
	pipe, svc := newTestPipeline(map[string]string{"paypal": secret})
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "paypal", "CAP-1")

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED"}}`)
	outcome := pipe.Process(ctx, Event{
		Processor: "paypal",
		Payload:   payload,
		Signature: Sign(payload, secret),
	})
	if !outcome.Success {
		t.Fatalf("signed delivery failed: %s", outcome.Message)
	}

	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
}

func TestProcessTamperedPayloadRejected(t *testing.T) {
	secret := "whsec_test"
	pipe, svc := newTestPipeline(map[string]string{"paypal": secret})
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "paypal", "CAP-2")

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2","status":"COMPLETED"}}`)
	sig := Sign(payload, secret)
	tampered := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2","status":"DENIED"}}`)

	outcome := pipe.Process(ctx, Event{Processor: "paypal", Payload: tampered, Signature: sig})
	if outcome.Success {
		t.Fatal("tampered payload accepted")
	}
	if !outcome.BadRequest {
		t.Error("signature failure should be a bad request")
	}

	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusPending {
		t.Errorf("transaction changed despite rejected signature: %s", tx.Status)
	}
}

func TestProcessMissingSignatureWithSecretConfigured(t *testing.T) {
	pipe, svc := newTestPipeline(map[string]string{"paypal": "whsec_test"})
	seedTransaction(t, svc, "paypal", "CAP-3")

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-3","status":"COMPLETED"}}`)
	outcome := pipe.Process(context.Background(), Event{Processor: "paypal", Payload: payload})
	if outcome.Success || !outcome.BadRequest {
		t.Errorf("unsigned delivery with configured secret must be rejected: %+v", outcome)
	}
}

func TestProcessNoSecretSkipsVerification(t *testing.T) {
	pipe, svc := newTestPipeline(nil)
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "paypal", "CAP-4")

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-4","status":"COMPLETED"}}`)
	outcome := pipe.Process(ctx, Event{Processor: "paypal", Payload: payload})
	if !outcome.Success {
		t.Fatalf("unsigned delivery without secret should pass: %s", outcome.Message)
	}
	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want completed", tx.Status)
	}
}

func TestProcessIgnoredEventType(t *testing.T) {
	pipe, _ := newTestPipeline(nil)

	payload := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	outcome := pipe.Process(context.Background(), Event{Processor: "stripe", Payload: payload})
	if !outcome.Success || !outcome.Ignored {
		t.Errorf("allowlist miss should be an ignored success: %+v", outcome)
	}
}

func TestProcessUnresolvedTransaction(t *testing.T) {
	pipe, _ := newTestPipeline(nil)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_ghost","object":"payment_intent","status":"succeeded"}}}`)
	outcome := pipe.Process(context.Background(), Event{Processor: "stripe", Payload: payload})
	if outcome.Success {
		t.Fatal("unresolvable event should fail")
	}
	if outcome.BadRequest {
		t.Error("resolution failure is not a bad request; processor retries cannot fix it either way")
	}
}

func TestProcessUnknownProcessor(t *testing.T) {
	pipe, _ := newTestPipeline(nil)
	outcome := pipe.Process(context.Background(), Event{Processor: "square", Payload: []byte(`{}`)})
	if outcome.Success || !outcome.BadRequest {
		t.Errorf("unknown processor should be a bad request: %+v", outcome)
	}
}

func TestProcessUnmappedStatusLandsInNeedsReview(t *testing.T) {
	pipe, svc := newTestPipeline(nil)
	ctx := context.Background()
	seeded := seedTransaction(t, svc, "paypal", "CAP-5")

	payload := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.SOMETHING_NEW","resource":{"id":"CAP-5","status":"SOMETHING_NEW"}}`)
	outcome := pipe.Process(ctx, Event{Processor: "paypal", Payload: payload})
	if !outcome.Success {
		t.Fatalf("delivery failed: %s", outcome.Message)
	}

	tx, _ := svc.Get(ctx, seeded.ID)
	if tx.Status != ledger.StatusNeedsReview {
		t.Errorf("status = %s, want needs_review", tx.Status)
	}
}
