// Package confidence folds per-stage scores into the headline number. Scores
// combine by minimum: one weak link dominates.
package confidence

import "math"

// Config holds aggregation constants
type Config struct {
	MultiToolPenalty   float64 // deducted once when more than MultiToolFreeCalls ran
	MultiToolFreeCalls int
	StoreThreshold     float64 // outcomes below this are not learned from
}

// DefaultConfig returns the default constants
func DefaultConfig() Config {
	return Config{MultiToolPenalty: 10, MultiToolFreeCalls: 2, StoreThreshold: 70}
}

// Inputs are the scores known for one execution. Nil entries were not
// measured and do not take part.
type Inputs struct {
	GroundTruth   float64
	Validation    float64
	ResultQuality *float64
	Historical    *float64
	Failed        bool // execution or result validation failed
}

// Aggregator combines scores. The zero value is not usable; use New.
type Aggregator struct {
	cfg Config
}

// New creates an aggregator
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// ForExecution is the minimum of the present inputs, or 0 for a failed call
func (a *Aggregator) ForExecution(in Inputs) float64 {
	if in.Failed {
		return 0
	}
	c := math.Min(in.GroundTruth, in.Validation)
	if in.ResultQuality != nil {
		c = math.Min(c, *in.ResultQuality)
	}
	if in.Historical != nil {
		c = math.Min(c, *in.Historical)
	}
	return clamp(c)
}

// Overall is the minimum over executions minus the chain penalty when more
// than the free number of calls were chained. With no executions it is the
// fallback score (ground truth and validation only).
func (a *Aggregator) Overall(perExecution []float64, fallback float64) float64 {
	if len(perExecution) == 0 {
		return clamp(fallback)
	}
	c := math.Inf(1)
	for _, v := range perExecution {
		c = math.Min(c, v)
	}
	if len(perExecution) > a.cfg.MultiToolFreeCalls {
		c -= a.cfg.MultiToolPenalty
	}
	return clamp(c)
}

// ShouldStore reports whether an outcome is trusted enough to learn from
func (a *Aggregator) ShouldStore(c float64) bool {
	return c >= a.cfg.StoreThreshold
}

func clamp(v float64) float64 {
	return math.Round(math.Max(0, math.Min(100, v))*100) / 100
}
