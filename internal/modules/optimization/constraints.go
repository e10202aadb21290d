// Package optimization implements the Black-Litterman allocation pipeline:
// return and covariance estimation, the equilibrium prior, view blending,
// constrained mean-variance optimisation and the efficient frontier.
package optimization

import (
	"fmt"
	"math"
)

// Constraint defaults.
const (
	DefaultLowerBound  = 0.0
	DefaultUpperBound  = 1.0
	DefaultCleanCutoff = 0.01 // 1% dust threshold
)

// Bounds is an inclusive weight interval.
type Bounds struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
}

// Constraints configures the optimizer. Lower/Upper apply to every asset
// unless PerAsset overrides them.
type Constraints struct {
	Lower         float64           `json:"lower" yaml:"lower"`
	Upper         float64           `json:"upper" yaml:"upper"`
	PerAsset      map[string]Bounds `json:"per_asset,omitempty" yaml:"per_asset,omitempty"`
	L2Gamma       float64           `json:"l2_gamma" yaml:"l2_gamma"`
	CleanCutoff   float64           `json:"clean_cutoff" yaml:"clean_cutoff"`
	MaxIterations int               `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
}

// DefaultConstraints returns long-only [0, 1] bounds with 1% cleaning.
func DefaultConstraints() Constraints {
	return Constraints{
		Lower:         DefaultLowerBound,
		Upper:         DefaultUpperBound,
		CleanCutoff:   DefaultCleanCutoff,
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate checks the global settings.
func (c Constraints) Validate() error {
	if math.IsNaN(c.Lower) || math.IsNaN(c.Upper) || c.Lower > c.Upper {
		return fmt.Errorf("invalid weight bounds [%v, %v]", c.Lower, c.Upper)
	}
	for asset, b := range c.PerAsset {
		if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower > b.Upper {
			return fmt.Errorf("invalid weight bounds [%v, %v] for %s", b.Lower, b.Upper, asset)
		}
	}
	if c.L2Gamma < 0 {
		return fmt.Errorf("l2 gamma must be non-negative, got %v", c.L2Gamma)
	}
	if c.CleanCutoff < 0 {
		return fmt.Errorf("clean cutoff must be non-negative, got %v", c.CleanCutoff)
	}
	return nil
}

// boundsFor returns lower and upper vectors ordered by assets.
func (c Constraints) boundsFor(assets []string) ([]float64, []float64) {
	lower := make([]float64, len(assets))
	upper := make([]float64, len(assets))
	for i, a := range assets {
		lower[i], upper[i] = c.Lower, c.Upper
		if b, ok := c.PerAsset[a]; ok {
			lower[i], upper[i] = b.Lower, b.Upper
		}
	}
	return lower, upper
}

// budgetFeasible reports whether some weight vector within bounds sums to 1.
func budgetFeasible(lower, upper []float64) bool {
	var lo, hi float64
	for i := range lower {
		lo += lower[i]
		hi += upper[i]
	}
	return lo <= 1+1e-12 && hi >= 1-1e-12
}

// greedyFill starts every weight at its lower bound and tops up assets in
// order until the budget is spent. It returns false if the bounds cannot
// reach a full budget.
func greedyFill(order []int, lower, upper []float64) ([]float64, bool) {
	w := append([]float64(nil), lower...)
	remaining := 1.0
	for _, l := range lower {
		remaining -= l
	}
	if remaining < -1e-12 {
		return nil, false
	}
	for _, i := range order {
		if remaining <= 0 {
			break
		}
		add := math.Min(upper[i]-lower[i], remaining)
		w[i] += add
		remaining -= add
	}
	if remaining > 1e-12 {
		return nil, false
	}
	return w, true
}

// redistribute spreads amount over the non-frozen positive weights,
// proportionally to their size and respecting bounds. It returns what could
// not be placed.
func redistribute(w []float64, amount float64, lower, upper []float64, frozen []bool) float64 {
	for iter := 0; iter <= len(w) && math.Abs(amount) > 1e-15; iter++ {
		var total float64
		var candidates []int
		for i := range w {
			if frozen[i] || w[i] <= 0 {
				continue
			}
			room := upper[i] - w[i]
			if amount < 0 {
				room = w[i] - lower[i]
			}
			if room > 1e-15 {
				candidates = append(candidates, i)
				total += w[i]
			}
		}
		if len(candidates) == 0 || total <= 0 {
			break
		}
		placed := 0.0
		for _, i := range candidates {
			share := amount * w[i] / total
			next := math.Max(lower[i], math.Min(upper[i], w[i]+share))
			placed += next - w[i]
			w[i] = next
		}
		amount -= placed
	}
	return amount
}

// cleanWeights zeroes allocations smaller than cutoff (where zero is within
// bounds) and hands their mass back to the remaining positions. If bounds
// leave no room for the freed mass the input is returned unchanged.
func cleanWeights(x, lower, upper []float64, cutoff float64) []float64 {
	w := append([]float64(nil), x...)
	if cutoff <= 0 {
		return w
	}
	frozen := make([]bool, len(w))
	var freed float64
	for i, v := range w {
		if v != 0 && math.Abs(v) < cutoff && lower[i] <= 0 && upper[i] >= 0 {
			freed += v
			w[i] = 0
			frozen[i] = true
		}
	}
	if freed == 0 {
		return w
	}
	if left := redistribute(w, freed, lower, upper, frozen); math.Abs(left) > 1e-12 {
		return append([]float64(nil), x...)
	}
	return w
}

// snapToBounds clips solver output into bounds and restores the budget.
func snapToBounds(x, lower, upper []float64) []float64 {
	w := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		w[i] = math.Max(lower[i], math.Min(upper[i], v))
		sum += w[i]
	}
	if residual := 1 - sum; residual != 0 {
		redistribute(w, residual, lower, upper, make([]bool, len(w)))
	}
	return w
}
