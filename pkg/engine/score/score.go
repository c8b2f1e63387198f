// Package score holds the pure scoring functions for the candidate pool:
// recency decay, visit normalization, and the dynamic promotion threshold.
package score

import (
	"math"
	"time"
)

// Config carries the scoring weights and thresholds. It is immutable once
// constructed and passed into the stores explicitly so tests can inject
// alternate weights.
type Config struct {
	// TimeWeight and VisitWeight combine the two component scores.
	TimeWeight  float64
	VisitWeight float64
	// HalfLife is the elapsed time after which the recency score halves.
	HalfLife time.Duration
	// ThresholdCeiling is the asymptotic upper bound of the promotion
	// threshold as the pool grows.
	ThresholdCeiling float64
}

// DefaultConfig returns the production weights: 0.7 recency, 0.3 frequency,
// one hour half-life, 0.95 threshold ceiling.
func DefaultConfig() Config {
	return Config{
		TimeWeight:       0.7,
		VisitWeight:      0.3,
		HalfLife:         time.Hour,
		ThresholdCeiling: 0.95,
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.TimeWeight == 0 && c.VisitWeight == 0 {
		c.TimeWeight, c.VisitWeight = def.TimeWeight, def.VisitWeight
	}
	if c.HalfLife == 0 {
		c.HalfLife = def.HalfLife
	}
	if c.ThresholdCeiling == 0 {
		c.ThresholdCeiling = def.ThresholdCeiling
	}
	return c
}

// TimeScore returns the exponential half-life decay of the elapsed time since
// lastAccessed, normalized to [0,1]. A just-touched candidate scores 1.
func (c Config) TimeScore(now, lastAccessed time.Time) float64 {
	elapsed := now.Sub(lastAccessed)
	if elapsed <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(elapsed)/float64(c.HalfLife))
}

// VisitScore normalizes a candidate's visit count over the pool maximum,
// yielding [0,1]. The pool's most-visited candidate scores 1.
func (c Config) VisitScore(visits, maxVisitsInPool int) float64 {
	if visits <= 0 || maxVisitsInPool <= 0 {
		return 0
	}
	if visits >= maxVisitsInPool {
		return 1
	}
	return float64(visits) / float64(maxVisitsInPool)
}

// Composite combines the component scores with the configured weights.
func (c Config) Composite(timeScore, visitScore float64) float64 {
	return c.TimeWeight*timeScore + c.VisitWeight*visitScore
}

// PromotionThreshold returns the score a candidate must reach to move into
// the profile pool, given the current pool size n. The bar rises with pool
// size and approaches the ceiling asymptotically.
//
// For n <= 1 the formula yields 0, so a singleton candidate is immediately
// promotion-eligible. That matches the source system; see the pool tests,
// which pin this behavior down explicitly.
func (c Config) PromotionThreshold(n int) float64 {
	if n <= 1 {
		return 0
	}
	return c.ThresholdCeiling * (1 - 1/float64(n))
}
