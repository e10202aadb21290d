package optimization

import (
	"fmt"
	"math"
)

// PerformanceEvaluator computes expected return, volatility and Sharpe ratio.
type PerformanceEvaluator struct {
	riskFreeRate float64
}

// NewPerformanceEvaluator creates an evaluator for the given risk-free rate.
func NewPerformanceEvaluator(riskFreeRate float64) *PerformanceEvaluator {
	return &PerformanceEvaluator{riskFreeRate: riskFreeRate}
}

// Evaluate computes wᵗμ, √(wᵗΣw) and (wᵗμ − r_f)/√(wᵗΣw). Weights naming an
// asset outside the posterior universe are rejected. For a zero-volatility
// portfolio the return and volatility are still filled in, SharpeRatio is
// NaN and ErrDegenerateMetric is returned.
func (pe *PerformanceEvaluator) Evaluate(w Weights, post *Posterior) (PerformanceMetrics, error) {
	if post == nil || post.Cov == nil {
		return PerformanceMetrics{}, fmt.Errorf("%w: no posterior inputs", ErrInsufficientData)
	}
	known := make(map[string]bool, len(post.Assets))
	for _, a := range post.Assets {
		known[a] = true
	}
	for a := range w {
		if !known[a] {
			return PerformanceMetrics{}, fmt.Errorf("%w: weight for unknown asset %s", ErrAssetMismatch, a)
		}
	}

	ret, vol := portfolioStats(w.Vector(post.Assets), post)
	metrics := PerformanceMetrics{ExpectedReturn: ret, Volatility: vol}
	if vol == 0 {
		metrics.SharpeRatio = math.NaN()
		return metrics, fmt.Errorf("%w: portfolio volatility is zero", ErrDegenerateMetric)
	}
	metrics.SharpeRatio = (ret - pe.riskFreeRate) / vol
	return metrics, nil
}
