package optimization

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// PricePoint is a single close price observation.
type PricePoint struct {
	Date  time.Time `json:"date" yaml:"date"`
	Close float64   `json:"close" yaml:"close"`
}

// PriceSeries maps an asset identifier to its chronological price history.
type PriceSeries map[string][]PricePoint

// ReturnMatrix holds periodic simple returns, one row per period and one
// column per asset. Column order follows Assets.
type ReturnMatrix struct {
	Assets  []string
	Dates   []time.Time
	Data    *mat.Dense
	Dropped []string // assets removed for excessive missing data
}

// Periods returns the number of return rows.
func (rm *ReturnMatrix) Periods() int {
	if rm.Data == nil {
		return 0
	}
	r, _ := rm.Data.Dims()
	return r
}

// CovarianceMatrix is a symmetric matrix indexed by Assets in order.
type CovarianceMatrix struct {
	Assets []string
	Sigma  *mat.SymDense
}

// Dim returns the number of assets covered by the matrix.
func (c *CovarianceMatrix) Dim() int {
	return len(c.Assets)
}

// Slice converts the matrix to a row-major [][]float64.
func (c *CovarianceMatrix) Slice() [][]float64 {
	n := c.Dim()
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		out[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			out[i][j] = c.Sigma.At(i, j)
		}
	}
	return out
}

// NewCovarianceMatrix builds a CovarianceMatrix from a row-major slice. The
// upper triangle is mirrored, so the result is symmetric even if the input
// carries floating drift below the diagonal.
func NewCovarianceMatrix(assets []string, cov [][]float64) (*CovarianceMatrix, error) {
	n := len(assets)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty asset list", ErrInsufficientData)
	}
	if len(cov) != n {
		return nil, fmt.Errorf("%w: covariance has %d rows for %d assets", ErrAssetMismatch, len(cov), n)
	}
	sigma := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		if len(cov[i]) != n {
			return nil, fmt.Errorf("%w: covariance row %d has %d columns, expected %d", ErrAssetMismatch, i, len(cov[i]), n)
		}
		for j := i; j < n; j++ {
			if math.IsNaN(cov[i][j]) || math.IsInf(cov[i][j], 0) {
				return nil, fmt.Errorf("%w: non-finite covariance at (%d,%d)", ErrSingularInput, i, j)
			}
			sigma.SetSym(i, j, cov[i][j])
		}
	}
	return &CovarianceMatrix{Assets: append([]string(nil), assets...), Sigma: sigma}, nil
}

// View is an investor opinion on an asset's expected return. When Versus is
// set the view is relative: Asset outperforms Versus by Return.
type View struct {
	Asset      string  `json:"asset" yaml:"asset"`
	Versus     string  `json:"versus,omitempty" yaml:"versus,omitempty"`
	Return     float64 `json:"return" yaml:"return"`
	Confidence float64 `json:"confidence" yaml:"confidence"`
}

// IsRelative reports whether the view compares two assets.
func (v View) IsRelative() bool {
	return v.Versus != ""
}

// Weights maps asset to portfolio fraction.
type Weights map[string]float64

// Vector returns the weights ordered by assets; missing assets read as zero.
func (w Weights) Vector(assets []string) []float64 {
	out := make([]float64, len(assets))
	for i, a := range assets {
		out[i] = w[a]
	}
	return out
}

// Sum returns the total allocation.
func (w Weights) Sum() float64 {
	var s float64
	for _, v := range w {
		s += v
	}
	return s
}

func weightsFromVector(assets []string, x []float64) Weights {
	w := make(Weights, len(assets))
	for i, a := range assets {
		w[a] = x[i]
	}
	return w
}

// PerformanceMetrics summarises a weight vector under given inputs.
type PerformanceMetrics struct {
	ExpectedReturn float64 `json:"expected_return"`
	Volatility     float64 `json:"volatility"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
}

// FrontierPoint is one (volatility, expected return) pair on the frontier.
type FrontierPoint struct {
	Volatility     float64 `json:"volatility"`
	ExpectedReturn float64 `json:"expected_return"`
	MaxSharpe      bool    `json:"max_sharpe,omitempty"`
	MinVolatility  bool    `json:"min_volatility,omitempty"`
}

// FrontierCurve is ordered by increasing expected return. MaxSharpe is also
// present inside Points, flagged.
type FrontierCurve struct {
	Points     []FrontierPoint `json:"points"`
	MaxSharpe  FrontierPoint   `json:"max_sharpe"`
	Infeasible int             `json:"infeasible_targets"`
}

// Degenerate reports whether the frontier collapsed to a single portfolio.
func (fc *FrontierCurve) Degenerate() bool {
	return len(fc.Points) == 1
}

func vecOf(m map[string]float64, assets []string) []float64 {
	out := make([]float64, len(assets))
	for i, a := range assets {
		out[i] = m[a]
	}
	return out
}

func mapOf(assets []string, v []float64) map[string]float64 {
	out := make(map[string]float64, len(assets))
	for i, a := range assets {
		out[a] = v[i]
	}
	return out
}

func sameAssets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
