package bridge

import (
	"context"
	"fmt"
	"math/big"
	"sync"
)

// RateSource supplies the exchange rate between two currencies. The rate is
// multiplicative: amount-in-from-units * rate = amount-in-to-units.
type RateSource interface {
	Rate(ctx context.Context, from, to string) (*big.Rat, error)
}

// StaticRates is a fixed rate table quoting every supported currency in
// USD. Cross rates derive from the USD quotes. Real deployments substitute
// a live oracle behind the same interface.
type StaticRates struct {
	mu  sync.RWMutex
	usd map[string]*big.Rat // currency -> USD value of one unit
}

// NewStaticRates builds the default table.
func NewStaticRates() *StaticRates {
	quote := func(num, den int64) *big.Rat { return big.NewRat(num, den) }
	return &StaticRates{
		usd: map[string]*big.Rat{
			"USD": quote(1, 1),
			"EUR": quote(108, 100),
			"GBP": quote(127, 100),
			"JPY": quote(1, 155),
			"CAD": quote(100, 136),
			"AUD": quote(100, 152),
			"CNY": quote(100, 724),

			"SOL":  quote(150, 1),
			"USDC": quote(1, 1),
			"BTC":  quote(65_000, 1),
			"ETH":  quote(3_200, 1),
		},
	}
}

// SetRate overrides the USD quote for a currency.
func (s *StaticRates) SetRate(currency string, usdValue *big.Rat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usd[currency] = usdValue
}

// Rate returns the from→to conversion rate.
func (s *StaticRates) Rate(ctx context.Context, from, to string) (*big.Rat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fromUSD, ok := s.usd[from]
	if !ok {
		return nil, fmt.Errorf("no rate for currency %s", from)
	}
	toUSD, ok := s.usd[to]
	if !ok {
		return nil, fmt.Errorf("no rate for currency %s", to)
	}
	return new(big.Rat).Quo(fromUSD, toUSD), nil
}
