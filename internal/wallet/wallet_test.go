package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradewind-labs/escrowd/internal/circuitbreaker"
	"github.com/tradewind-labs/escrowd/internal/payment"
)

func TestStubProviderProvisionIdempotent(t *testing.T) {
	p := NewStubProvider()
	ctx := context.Background()

	w1, err := p.Provision(ctx, "user_1", "USDC")
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	w2, err := p.Provision(ctx, "user_1", "USDC")
	if err != nil {
		t.Fatalf("second Provision failed: %v", err)
	}
	if w1.ID != w2.ID {
		t.Errorf("provision not idempotent: %s vs %s", w1.ID, w2.ID)
	}
}

func TestStubProviderFind(t *testing.T) {
	p := NewStubProvider()
	ctx := context.Background()

	if _, err := p.Find(ctx, "user_1", "USDC"); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("expected ErrWalletNotFound, got %v", err)
	}

	p.Provision(ctx, "user_1", "USDC")
	w, err := p.Find(ctx, "user_1", "USDC")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if w.UserID != "user_1" || w.Currency != "USDC" {
		t.Errorf("unexpected wallet: %+v", w)
	}
}

func TestStubProviderTransferProof(t *testing.T) {
	p := NewStubProvider()
	receipt, err := p.Transfer(context.Background(), TransferRequest{
		FromID: "wal_a", ToID: "wal_b", Amount: "10", Currency: "USDC",
	})
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if receipt.Signature == "" {
		t.Error("transfer should produce a settlement proof")
	}
}

type slowProvider struct{ delay time.Duration }

func (s *slowProvider) Provision(ctx context.Context, userID, currency string) (*Wallet, error) {
	select {
	case <-time.After(s.delay):
		return &Wallet{ID: "wal_slow"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *slowProvider) Find(ctx context.Context, userID, currency string) (*Wallet, error) {
	return nil, ErrWalletNotFound
}

func (s *slowProvider) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	select {
	case <-time.After(s.delay):
		return &Receipt{Signature: "sig_slow"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestGuardTimeout(t *testing.T) {
	g := NewGuard(&slowProvider{delay: time.Second}, 10*time.Millisecond, circuitbreaker.New(5, time.Minute))

	_, err := g.Transfer(context.Background(), TransferRequest{FromID: "a", ToID: "b", Amount: "1", Currency: "USDC"})
	if payment.CodeOf(err) != payment.CodeProcessingError {
		t.Errorf("timeout should map to PROCESSING_ERROR, got %v", err)
	}
}

type failingProvider struct{}

func (f *failingProvider) Provision(ctx context.Context, userID, currency string) (*Wallet, error) {
	return nil, errors.New("provider down")
}
func (f *failingProvider) Find(ctx context.Context, userID, currency string) (*Wallet, error) {
	return nil, errors.New("provider down")
}
func (f *failingProvider) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return nil, errors.New("provider down")
}

func TestGuardCircuitOpensAfterFailures(t *testing.T) {
	breaker := circuitbreaker.New(3, time.Minute)
	g := NewGuard(&failingProvider{}, time.Second, breaker)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		g.Find(ctx, "user_1", "USDC")
	}
	if breaker.State(breakerKey) != circuitbreaker.StateOpen {
		t.Fatalf("circuit should be open, is %s", breaker.State(breakerKey))
	}

	_, err := g.Find(ctx, "user_1", "USDC")
	if payment.CodeOf(err) != payment.CodeProcessingError {
		t.Errorf("open circuit should map to PROCESSING_ERROR, got %v", err)
	}
}

func TestGuardNotFoundDoesNotTrip(t *testing.T) {
	breaker := circuitbreaker.New(2, time.Minute)
	g := NewGuard(NewStubProvider(), time.Second, breaker)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Find(ctx, "ghost", "USDC")
		if !errors.Is(err, ErrWalletNotFound) {
			t.Fatalf("expected ErrWalletNotFound, got %v", err)
		}
	}
	if breaker.State(breakerKey) != circuitbreaker.StateClosed {
		t.Error("not-found responses must not trip the circuit")
	}
}
