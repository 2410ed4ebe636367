package reputation

import (
	"context"
	"time"

	"github.com/tradewind-labs/escrowd/internal/ledger"
)

// TransactionSource is the slice of the ledger the provider reads.
type TransactionSource interface {
	GetUserTransactions(ctx context.Context, userID string) ([]*ledger.Transaction, error)
}

// LedgerProvider computes reputation from a user's ledger history.
type LedgerProvider struct {
	source     TransactionSource
	calculator *Calculator
}

// NewLedgerProvider creates a ledger-backed reputation provider.
func NewLedgerProvider(source TransactionSource) *LedgerProvider {
	return &LedgerProvider{source: source, calculator: NewCalculator()}
}

// Get returns the full score for a user. Users with no history score as new.
func (p *LedgerProvider) Get(ctx context.Context, userID string) (*Score, error) {
	txns, err := p.source.GetUserTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.calculator.Calculate(userID, metricsFrom(txns)), nil
}

// Score returns just the numeric score, for dispute resolution.
func (p *LedgerProvider) Score(ctx context.Context, userID string) (float64, error) {
	score, err := p.Get(ctx, userID)
	if err != nil {
		return 0, err
	}
	return score.Score, nil
}

func metricsFrom(txns []*ledger.Transaction) Metrics {
	m := Metrics{}

	for _, tx := range txns {
		m.TotalTransactions++
		m.TotalVolume += parseAmount(tx.Amount)

		switch tx.Status {
		case ledger.StatusCompleted:
			m.CompletedTxns++
		case ledger.StatusFailed, ledger.StatusCancelled:
			m.FailedTxns++
		case ledger.StatusRefunded, ledger.StatusNeedsReview:
			m.DisputedTxns++
		}

		if m.FirstSeen.IsZero() || tx.CreatedAt.Before(m.FirstSeen) {
			m.FirstSeen = tx.CreatedAt
		}
		if tx.CreatedAt.After(m.LastActive) {
			m.LastActive = tx.CreatedAt
		}
	}

	if !m.FirstSeen.IsZero() {
		m.DaysActive = int(time.Since(m.FirstSeen).Hours() / 24)
		if m.DaysActive < 1 {
			m.DaysActive = 1
		}
	}
	return m
}
