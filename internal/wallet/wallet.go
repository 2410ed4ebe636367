// Package wallet abstracts the settlement-layer wallet provider behind an
// opaque interface. Custody mechanics live entirely on the provider side;
// this package only deals in handles and transfer receipts.
package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tradewind-labs/escrowd/internal/circuitbreaker"
	"github.com/tradewind-labs/escrowd/internal/payment"
)

// ErrWalletNotFound is returned when no wallet exists for a user/currency
// pair and none can be created.
var ErrWalletNotFound = errors.New("wallet not found")

// Wallet is an opaque settlement-layer handle.
type Wallet struct {
	ID       string `json:"id"`
	UserID   string `json:"userId"`
	Currency string `json:"currency"`
	Address  string `json:"address"`
}

// TransferRequest moves funds between two wallet handles.
type TransferRequest struct {
	FromID    string
	ToID      string
	Amount    string
	Currency  string
	Reference string
}

// Receipt is the provider's proof of a completed transfer.
type Receipt struct {
	Signature   string    `json:"signature"`
	CompletedAt time.Time `json:"completedAt"`
}

// Provider is the wallet-provider collaborator contract.
type Provider interface {
	// Provision creates a wallet for userID in currency. Idempotent per
	// (userID, currency).
	Provision(ctx context.Context, userID, currency string) (*Wallet, error)

	// Find returns the existing wallet for (userID, currency) or
	// ErrWalletNotFound.
	Find(ctx context.Context, userID, currency string) (*Wallet, error)

	// Transfer moves funds and returns a settlement proof.
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
}

// StubProvider is an in-memory Provider for development and tests.
// Handles are deterministic per (userID, currency); transfers always
// succeed and produce a random proof.
type StubProvider struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
}

// NewStubProvider creates an empty stub provider.
func NewStubProvider() *StubProvider {
	return &StubProvider{wallets: make(map[string]*Wallet)}
}

func walletKey(userID, currency string) string {
	return userID + "/" + currency
}

func (s *StubProvider) Provision(ctx context.Context, userID, currency string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey(userID, currency)
	if w, ok := s.wallets[key]; ok {
		return w, nil
	}
	w := &Wallet{
		ID:       fmt.Sprintf("wal_%s_%s", userID, currency),
		UserID:   userID,
		Currency: currency,
		Address:  fmt.Sprintf("addr_%s_%s", currency, userID),
	}
	s.wallets[key] = w
	return w, nil
}

func (s *StubProvider) Find(ctx context.Context, userID, currency string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w, nil
}

func (s *StubProvider) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return &Receipt{
		Signature:   fmt.Sprintf("sig_%x", b),
		CompletedAt: time.Now().UTC(),
	}, nil
}

const breakerKey = "wallet-provider"

// Guard wraps a Provider with a bounded timeout and a circuit breaker so
// no caller can block indefinitely on the settlement layer. Timeouts and
// open-circuit rejections surface as PROCESSING_ERROR.
type Guard struct {
	provider Provider
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
}

// NewGuard creates a guarded provider.
func NewGuard(provider Provider, timeout time.Duration, breaker *circuitbreaker.Breaker) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &Guard{provider: provider, breaker: breaker, timeout: timeout}
}

func (g *Guard) Provision(ctx context.Context, userID, currency string) (*Wallet, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Wallet, error) {
		return g.provider.Provision(ctx, userID, currency)
	})
}

func (g *Guard) Find(ctx context.Context, userID, currency string) (*Wallet, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Wallet, error) {
		return g.provider.Find(ctx, userID, currency)
	})
}

func (g *Guard) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	return guarded(g, ctx, func(ctx context.Context) (*Receipt, error) {
		return g.provider.Transfer(ctx, req)
	})
}

func guarded[T any](g *Guard, ctx context.Context, call func(context.Context) (*T, error)) (*T, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, payment.New(payment.CodeProcessingError, "wallet provider circuit open")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := call(ctx)
	switch {
	case err == nil:
		g.breaker.RecordSuccess(breakerKey)
		return result, nil
	case errors.Is(err, ErrWalletNotFound):
		// Not a provider fault; does not count against the circuit.
		g.breaker.RecordSuccess(breakerKey)
		return nil, err
	case errors.Is(err, context.DeadlineExceeded):
		g.breaker.RecordFailure(breakerKey)
		return nil, payment.Wrap(payment.CodeProcessingError, "wallet provider call timed out", err)
	default:
		g.breaker.RecordFailure(breakerKey)
		return nil, payment.Wrap(payment.CodeProcessingError, "wallet provider call failed", err)
	}
}
