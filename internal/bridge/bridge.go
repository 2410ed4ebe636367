// Package bridge converts between fiat and crypto-denominated settlement.
// It layers currency-class validation, rate lookup, and fee computation on
// top of the wallet provider and the ledger, and owns its own error domain:
// payment errors never cross this boundary unconverted.
package bridge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/metrics"
	"github.com/tradewind-labs/escrowd/internal/money"
	"github.com/tradewind-labs/escrowd/internal/wallet"
)

// Direction of an exchange.
type Direction string

const (
	FiatToCrypto Direction = "FIAT_TO_CRYPTO"
	CryptoToFiat Direction = "CRYPTO_TO_FIAT"
)

// DefaultFeeBps is the exchange fee when none is configured: 0.5%.
const DefaultFeeBps = 50

var fiatCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true,
	"CAD": true, "AUD": true, "CNY": true,
}

var cryptoCurrencies = map[string]bool{
	"SOL": true, "USDC": true, "BTC": true, "ETH": true,
}

// IsFiat reports whether code is a supported fiat currency.
func IsFiat(code string) bool { return fiatCurrencies[code] }

// IsCrypto reports whether code is a supported crypto currency.
func IsCrypto(code string) bool { return cryptoCurrencies[code] }

// Request is an exchange order.
type Request struct {
	UserID       string    `json:"userId" binding:"required"`
	Direction    Direction `json:"direction" binding:"required"`
	FromCurrency string    `json:"fromCurrency" binding:"required"`
	ToCurrency   string    `json:"toCurrency" binding:"required"`
	Amount       string    `json:"amount" binding:"required"`

	// DestinationWalletID skips destination provisioning when set.
	DestinationWalletID string `json:"destinationWalletId"`
}

// Result is a completed exchange.
type Result struct {
	ExchangeID      string    `json:"exchangeId"`
	UserID          string    `json:"userId"`
	Direction       Direction `json:"direction"`
	FromCurrency    string    `json:"fromCurrency"`
	ToCurrency      string    `json:"toCurrency"`
	Amount          string    `json:"amount"`
	FeeAmount       string    `json:"feeAmount"`
	ConvertedAmount string    `json:"convertedAmount"`
	Rate            string    `json:"rate"`
	WalletID        string    `json:"walletId"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Ledger is the slice of the ledger service the bridge records into.
type Ledger interface {
	CreateTransaction(ctx context.Context, params ledger.CreateParams) (*ledger.Transaction, error)
}

// Service executes exchanges.
type Service struct {
	rates   RateSource
	wallets wallet.Provider
	ledger  Ledger
	feeBps  int64
	logger  *slog.Logger

	// recordTimeout bounds the fire-and-forget ledger write.
	recordTimeout time.Duration
}

// NewService creates a bridge service. feeBps <= 0 selects the default fee.
func NewService(rates RateSource, wallets wallet.Provider, ldg Ledger, feeBps int64, logger *slog.Logger) *Service {
	if feeBps <= 0 {
		feeBps = DefaultFeeBps
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		rates:         rates,
		wallets:       wallets,
		ledger:        ldg,
		feeBps:        feeBps,
		logger:        logger,
		recordTimeout: 10 * time.Second,
	}
}

// Exchange validates, prices, and settles one exchange order. The SWAP
// ledger record is written asynchronously: a recording failure is logged
// with the exchange reference but the returned result stands.
func (s *Service) Exchange(ctx context.Context, req Request) (*Result, error) {
	amount, ok := money.Parse(req.Amount)
	if !ok || amount.Sign() <= 0 {
		s.countExchange(req.Direction, "invalid")
		return nil, Newf(CodeInvalidAmount, "amount must be a positive decimal, got %q", req.Amount)
	}
	if err := validateCurrencyClasses(req.Direction, req.FromCurrency, req.ToCurrency); err != nil {
		s.countExchange(req.Direction, "invalid")
		return nil, err
	}

	wal, err := s.resolveWallet(ctx, req)
	if err != nil {
		s.countExchange(req.Direction, "failed")
		return nil, err
	}

	rate, err := s.rates.Rate(ctx, req.FromCurrency, req.ToCurrency)
	if err != nil {
		s.countExchange(req.Direction, "failed")
		return nil, fromError(err, CodeExchangeFailed, "failed to look up exchange rate")
	}

	fee := money.PercentOf(amount, s.feeBps)
	net := new(big.Int).Sub(amount, fee)
	converted := money.ApplyRate(net, rate)

	result := &Result{
		ExchangeID:      generateExchangeID(),
		UserID:          req.UserID,
		Direction:       req.Direction,
		FromCurrency:    req.FromCurrency,
		ToCurrency:      req.ToCurrency,
		Amount:          req.Amount,
		FeeAmount:       money.Format(fee),
		ConvertedAmount: money.Format(converted),
		Rate:            rate.FloatString(8),
		WalletID:        wal.ID,
		CreatedAt:       time.Now().UTC(),
	}

	go s.recordSwap(result)

	s.countExchange(req.Direction, "success")
	return result, nil
}

// resolveWallet provisions the destination wallet for FIAT_TO_CRYPTO, or
// resolves the existing source wallet for CRYPTO_TO_FIAT.
func (s *Service) resolveWallet(ctx context.Context, req Request) (*wallet.Wallet, error) {
	switch req.Direction {
	case FiatToCrypto:
		if req.DestinationWalletID != "" {
			return &wallet.Wallet{ID: req.DestinationWalletID, UserID: req.UserID, Currency: req.ToCurrency}, nil
		}
		wal, err := s.wallets.Provision(ctx, req.UserID, req.ToCurrency)
		if err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				return nil, Newf(CodeWalletNotFound, "no %s wallet for user %s and provisioning failed", req.ToCurrency, req.UserID)
			}
			return nil, fromError(err, CodeProcessingError, "wallet provisioning failed")
		}
		return wal, nil
	case CryptoToFiat:
		wal, err := s.wallets.Find(ctx, req.UserID, req.FromCurrency)
		if err != nil {
			if errors.Is(err, wallet.ErrWalletNotFound) {
				return nil, Newf(CodeWalletNotFound, "no %s wallet for user %s", req.FromCurrency, req.UserID)
			}
			return nil, fromError(err, CodeProcessingError, "wallet lookup failed")
		}
		return wal, nil
	default:
		return nil, Newf(CodeProcessingError, "unknown exchange direction %q", req.Direction)
	}
}

func validateCurrencyClasses(direction Direction, from, to string) *Error {
	switch direction {
	case FiatToCrypto:
		if !IsFiat(from) || !IsCrypto(to) {
			return Newf(CodeInvalidCurrency, "%s requires a fiat source and crypto target, got %s→%s", direction, from, to)
		}
	case CryptoToFiat:
		if !IsCrypto(from) || !IsFiat(to) {
			return Newf(CodeInvalidCurrency, "%s requires a crypto source and fiat target, got %s→%s", direction, from, to)
		}
	default:
		return Newf(CodeProcessingError, "unknown exchange direction %q", direction)
	}
	return nil
}

// recordSwap writes the SWAP ledger record. Best effort: the exchange
// result has already been returned; drift shows up in reconciliation.
func (s *Service) recordSwap(result *Result) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.recordTimeout)
	defer cancel()

	_, err := s.ledger.CreateTransaction(ctx, ledger.CreateParams{
		UserID:   result.UserID,
		Type:     ledger.TypeSwap,
		Amount:   result.Amount,
		Currency: result.FromCurrency,
		SourceID: result.ExchangeID,
		Metadata: map[string]any{
			"direction":       string(result.Direction),
			"rate":            result.Rate,
			"feeAmount":       result.FeeAmount,
			"targetCurrency":  result.ToCurrency,
			"convertedAmount": result.ConvertedAmount,
			"walletId":        result.WalletID,
		},
	})
	if err != nil {
		s.logger.Error("failed to record exchange in ledger",
			"exchangeId", result.ExchangeID, "userId", result.UserID, "error", err)
	}
}

func (s *Service) countExchange(direction Direction, result string) {
	d := string(direction)
	if d == "" {
		d = "unknown"
	}
	metrics.ExchangesTotal.WithLabelValues(d, result).Inc()
}

func generateExchangeID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("exg_%x", b)
}
