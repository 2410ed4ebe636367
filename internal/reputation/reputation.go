// Package reputation scores marketplace users from their ledger history.
//
// The score feeds reputation-weighted dispute resolution: when both parties
// dig in, the party with the longer, cleaner payment record wins the
// automatic award. Scores are computed on demand from the transaction
// ledger; there is no cached snapshot because dispute sweeps read a handful
// of scores per run at most.
package reputation

import (
	"math"
	"strconv"
	"time"
)

// Score is a user's computed reputation.
type Score struct {
	UserID     string     `json:"userId"`
	Score      float64    `json:"score"` // 0-100
	Tier       Tier       `json:"tier"`
	Components Components `json:"components"`

	Metrics Metrics `json:"metrics"`

	CalculatedAt time.Time `json:"calculatedAt"`
}

// Tier buckets scores into human-readable levels.
type Tier string

const (
	TierNew         Tier = "new"         // 0-19
	TierEmerging    Tier = "emerging"    // 20-39
	TierEstablished Tier = "established" // 40-59
	TierTrusted     Tier = "trusted"     // 60-79
	TierElite       Tier = "elite"       // 80-100
)

// Components breaks down the score.
type Components struct {
	VolumeScore   float64 `json:"volumeScore"`
	ActivityScore float64 `json:"activityScore"`
	SuccessScore  float64 `json:"successScore"`
	AgeScore      float64 `json:"ageScore"`
	DisputeScore  float64 `json:"disputeScore"`
}

// Metrics are the raw ledger-derived inputs.
type Metrics struct {
	TotalTransactions int       `json:"totalTransactions"`
	TotalVolume       float64   `json:"totalVolume"`
	CompletedTxns     int       `json:"completedTxns"`
	FailedTxns        int       `json:"failedTxns"`
	DisputedTxns      int       `json:"disputedTxns"`
	FirstSeen         time.Time `json:"firstSeen"`
	LastActive        time.Time `json:"lastActive"`
	DaysActive        int       `json:"daysActive"`
}

// Weights for score components (must sum to 1.0).
type Weights struct {
	Volume   float64
	Activity float64
	Success  float64
	Age      float64
	Disputes float64
}

// DefaultWeights leans on success rate and dispute cleanliness, since the
// score's main consumer is dispute resolution.
var DefaultWeights = Weights{
	Volume:   0.15,
	Activity: 0.15,
	Success:  0.30,
	Age:      0.15,
	Disputes: 0.25,
}

// Calculator computes reputation scores.
type Calculator struct {
	weights Weights
}

// NewCalculator creates a calculator with the default weights.
func NewCalculator() *Calculator {
	return &Calculator{weights: DefaultWeights}
}

// NewCalculatorWithWeights creates a calculator with custom weights.
func NewCalculatorWithWeights(w Weights) *Calculator {
	return &Calculator{weights: w}
}

// Calculate computes a reputation score from metrics.
func (c *Calculator) Calculate(userID string, m Metrics) *Score {
	comp := Components{}

	// Volume: logarithmic, caps at 100k units.
	if m.TotalVolume > 0 {
		comp.VolumeScore = math.Min(100, 25*math.Log10(m.TotalVolume+1))
	}

	// Activity: logarithmic, caps at 1000 transactions.
	if m.TotalTransactions > 0 {
		comp.ActivityScore = math.Min(100, 33.3*math.Log10(float64(m.TotalTransactions)+1))
	}

	// Success rate: neutral until there is enough history to judge.
	if m.TotalTransactions < 5 {
		comp.SuccessScore = 50
	} else {
		settled := m.CompletedTxns + m.FailedTxns
		if settled == 0 {
			comp.SuccessScore = 50
		} else {
			comp.SuccessScore = float64(m.CompletedTxns) / float64(settled) * 100
		}
	}

	// Age: logarithmic on days active, caps around a year.
	if m.DaysActive > 0 {
		comp.AgeScore = math.Min(100, 33.3*math.Log10(float64(m.DaysActive)+1))
	}

	// Disputes: start from 100, each disputed or refunded transaction
	// erodes trust faster than a plain failure.
	comp.DisputeScore = 100
	if m.TotalTransactions > 0 {
		disputeRate := float64(m.DisputedTxns) / float64(m.TotalTransactions)
		comp.DisputeScore = math.Max(0, 100-disputeRate*400)
	}

	score := c.weights.Volume*comp.VolumeScore +
		c.weights.Activity*comp.ActivityScore +
		c.weights.Success*comp.SuccessScore +
		c.weights.Age*comp.AgeScore +
		c.weights.Disputes*comp.DisputeScore

	score = math.Max(0, math.Min(100, score))

	return &Score{
		UserID:       userID,
		Score:        math.Round(score*10) / 10,
		Tier:         getTier(score),
		Components:   comp,
		Metrics:      m,
		CalculatedAt: time.Now(),
	}
}

func getTier(score float64) Tier {
	switch {
	case score >= 80:
		return TierElite
	case score >= 60:
		return TierTrusted
	case score >= 40:
		return TierEstablished
	case score >= 20:
		return TierEmerging
	default:
		return TierNew
	}
}

func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
