package bridge

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/payment"
	"github.com/tradewind-labs/escrowd/internal/wallet"
)

// recordingLedger captures the async SWAP record.
type recordingLedger struct {
	ch  chan ledger.CreateParams
	err error
}

func newRecordingLedger() *recordingLedger {
	return &recordingLedger{ch: make(chan ledger.CreateParams, 1)}
}

func (r *recordingLedger) CreateTransaction(ctx context.Context, params ledger.CreateParams) (*ledger.Transaction, error) {
	r.ch <- params
	if r.err != nil {
		return nil, r.err
	}
	return &ledger.Transaction{ID: "txn_test"}, nil
}

func (r *recordingLedger) wait(t *testing.T) ledger.CreateParams {
	t.Helper()
	select {
	case params := <-r.ch:
		return params
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ledger record")
		return ledger.CreateParams{}
	}
}

func newTestBridge(t *testing.T) (*Service, *wallet.StubProvider, *recordingLedger) {
	t.Helper()
	wallets := wallet.NewStubProvider()
	ldg := newRecordingLedger()
	svc := NewService(NewStaticRates(), wallets, ldg, 0, nil)
	return svc, wallets, ldg
}

func TestExchangeFiatToCrypto(t *testing.T) {
	svc, _, ldg := newTestBridge(t)

	result, err := svc.Exchange(context.Background(), Request{
		UserID:       "user_1",
		Direction:    FiatToCrypto,
		FromCurrency: "USD",
		ToCurrency:   "SOL",
		Amount:       "1000",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	// 0.5% of 1000 is 5; (1000-5) at 150 USD/SOL converts to 6.633333.
	if result.FeeAmount != "5.000000" {
		t.Errorf("FeeAmount = %q", result.FeeAmount)
	}
	if result.ConvertedAmount != "6.633333" {
		t.Errorf("ConvertedAmount = %q", result.ConvertedAmount)
	}
	if result.WalletID == "" {
		t.Error("expected a provisioned destination wallet")
	}
	if result.ExchangeID == "" {
		t.Error("expected an exchange id")
	}

	record := ldg.wait(t)
	if record.Type != ledger.TypeSwap {
		t.Errorf("recorded type = %s, want swap", record.Type)
	}
	if record.SourceID != result.ExchangeID {
		t.Errorf("record SourceID = %q, want exchange id", record.SourceID)
	}
	if record.Metadata["targetCurrency"] != "SOL" {
		t.Errorf("record metadata = %v", record.Metadata)
	}
}

func TestExchangeCryptoToFiat(t *testing.T) {
	svc, wallets, ldg := newTestBridge(t)
	ctx := context.Background()

	if _, err := wallets.Provision(ctx, "user_1", "SOL"); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	result, err := svc.Exchange(ctx, Request{
		UserID:       "user_1",
		Direction:    CryptoToFiat,
		FromCurrency: "SOL",
		ToCurrency:   "USD",
		Amount:       "2",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}

	// 0.5% of 2 is 0.01; 1.99 SOL at 150 USD/SOL is 298.50.
	if result.FeeAmount != "0.010000" {
		t.Errorf("FeeAmount = %q", result.FeeAmount)
	}
	if result.ConvertedAmount != "298.500000" {
		t.Errorf("ConvertedAmount = %q", result.ConvertedAmount)
	}
	ldg.wait(t)
}

func TestExchangeValidation(t *testing.T) {
	svc, _, _ := newTestBridge(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  Request
		code Code
	}{
		{"zero amount", Request{UserID: "u", Direction: FiatToCrypto, FromCurrency: "USD", ToCurrency: "SOL", Amount: "0"}, CodeInvalidAmount},
		{"negative amount", Request{UserID: "u", Direction: FiatToCrypto, FromCurrency: "USD", ToCurrency: "SOL", Amount: "-3"}, CodeInvalidAmount},
		{"garbage amount", Request{UserID: "u", Direction: FiatToCrypto, FromCurrency: "USD", ToCurrency: "SOL", Amount: "many"}, CodeInvalidAmount},
		{"fiat to fiat", Request{UserID: "u", Direction: FiatToCrypto, FromCurrency: "USD", ToCurrency: "EUR", Amount: "10"}, CodeInvalidCurrency},
		{"crypto to crypto", Request{UserID: "u", Direction: CryptoToFiat, FromCurrency: "SOL", ToCurrency: "BTC", Amount: "10"}, CodeInvalidCurrency},
		{"unknown currency", Request{UserID: "u", Direction: FiatToCrypto, FromCurrency: "XYZ", ToCurrency: "SOL", Amount: "10"}, CodeInvalidCurrency},
		{"reversed classes", Request{UserID: "u", Direction: CryptoToFiat, FromCurrency: "USD", ToCurrency: "SOL", Amount: "10"}, CodeInvalidCurrency},
		{"unknown direction", Request{UserID: "u", Direction: "SIDEWAYS", FromCurrency: "USD", ToCurrency: "SOL", Amount: "10"}, CodeProcessingError},
	}
	for _, tc := range cases {
		_, err := svc.Exchange(ctx, tc.req)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if got := CodeOf(err); got != tc.code {
			t.Errorf("%s: code = %s, want %s", tc.name, got, tc.code)
		}
	}
}

func TestExchangeWalletNotFound(t *testing.T) {
	svc, _, _ := newTestBridge(t)

	_, err := svc.Exchange(context.Background(), Request{
		UserID:       "user_without_wallet",
		Direction:    CryptoToFiat,
		FromCurrency: "SOL",
		ToCurrency:   "USD",
		Amount:       "1",
	})
	if got := CodeOf(err); got != CodeWalletNotFound {
		t.Fatalf("code = %s, want WALLET_NOT_FOUND (err: %v)", got, err)
	}
}

func TestExchangeDestinationWalletPassthrough(t *testing.T) {
	svc, _, ldg := newTestBridge(t)

	result, err := svc.Exchange(context.Background(), Request{
		UserID:              "user_1",
		Direction:           FiatToCrypto,
		FromCurrency:        "EUR",
		ToCurrency:          "USDC",
		Amount:              "100",
		DestinationWalletID: "wal_external",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if result.WalletID != "wal_external" {
		t.Errorf("WalletID = %q, want wal_external", result.WalletID)
	}
	ldg.wait(t)
}

// failingRates always errors, standing in for an unreachable oracle.
type failingRates struct{}

func (failingRates) Rate(ctx context.Context, from, to string) (*big.Rat, error) {
	return nil, errors.New("oracle unreachable")
}

func TestExchangeRateLookupFailure(t *testing.T) {
	svc := NewService(failingRates{}, wallet.NewStubProvider(), nil, 0, nil)

	_, err := svc.Exchange(context.Background(), Request{
		UserID:       "user_1",
		Direction:    FiatToCrypto,
		FromCurrency: "USD",
		ToCurrency:   "SOL",
		Amount:       "10",
	})
	if got := CodeOf(err); got != CodeExchangeFailed {
		t.Fatalf("code = %s, want EXCHANGE_FAILED", got)
	}
}

func TestExchangeSurvivesLedgerFailure(t *testing.T) {
	svc, _, ldg := newTestBridge(t)
	ldg.err = errors.New("ledger down")

	result, err := svc.Exchange(context.Background(), Request{
		UserID:       "user_1",
		Direction:    FiatToCrypto,
		FromCurrency: "USD",
		ToCurrency:   "BTC",
		Amount:       "500",
	})
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	if result.ConvertedAmount == "" {
		t.Error("expected a converted amount")
	}
	ldg.wait(t) // the record was attempted even though it failed
}

func TestFromPaymentErrorIsTotal(t *testing.T) {
	valid := map[Code]bool{
		CodeInvalidAmount:     true,
		CodeInvalidCurrency:   true,
		CodeInsufficientFunds: true,
		CodeExchangeFailed:    true,
		CodeWalletNotFound:    true,
		CodeAccountNotFound:   true,
		CodeRateLimitExceeded: true,
		CodeProcessingError:   true,
	}

	for _, code := range payment.Codes {
		converted := FromPaymentError(payment.New(code, "boundary test"))
		if converted == nil {
			t.Fatalf("payment code %s converted to nil", code)
		}
		if !valid[converted.Code] {
			t.Errorf("payment code %s mapped to unknown bridge code %s", code, converted.Code)
		}
	}

	// Unknown codes fall back rather than crossing the boundary raw.
	unknown := FromPaymentError(payment.New("SOMETHING_NEW", "future code"))
	if unknown.Code != CodeProcessingError {
		t.Errorf("unknown code mapped to %s, want PROCESSING_ERROR", unknown.Code)
	}
}

func TestFromPaymentErrorPreservesCause(t *testing.T) {
	pe := payment.New(payment.CodeInsufficientFunds, "balance too low")
	be := FromPaymentError(pe)

	if be.Code != CodeInsufficientFunds {
		t.Errorf("code = %s", be.Code)
	}
	if !errors.Is(be, pe) {
		t.Error("expected the payment error preserved in the chain")
	}
	if payment.CodeOf(be) != payment.CodeInsufficientFunds {
		t.Error("expected payment.CodeOf to still see the original code")
	}
}

func TestStaticRatesCross(t *testing.T) {
	rates := NewStaticRates()
	ctx := context.Background()

	rate, err := rates.Rate(ctx, "USD", "USDC")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Cmp(big.NewRat(1, 1)) != 0 {
		t.Errorf("USD→USDC rate = %s, want 1", rate)
	}

	rate, err = rates.Rate(ctx, "BTC", "USD")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Cmp(big.NewRat(65_000, 1)) != 0 {
		t.Errorf("BTC→USD rate = %s", rate)
	}

	if _, err := rates.Rate(ctx, "XAU", "USD"); err == nil {
		t.Error("expected error for unknown currency")
	}

	rates.SetRate("SOL", big.NewRat(200, 1))
	rate, err = rates.Rate(ctx, "SOL", "USD")
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if rate.Cmp(big.NewRat(200, 1)) != 0 {
		t.Errorf("overridden SOL→USD rate = %s, want 200", rate)
	}
}
