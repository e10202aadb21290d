package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// CovarianceMethod selects the risk model.
type CovarianceMethod string

const (
	CovarianceSample     CovarianceMethod = "sample"
	CovarianceLedoitWolf CovarianceMethod = "ledoit_wolf"
)

// DefaultPeriodsPerYear annualises weekly returns.
const DefaultPeriodsPerYear = 52

// minVariance is the per-period variance below which an asset is treated as flat.
const minVariance = 1e-18

// CovarianceEstimator builds annualised covariance matrices from returns.
type CovarianceEstimator struct {
	periodsPerYear float64
	method         CovarianceMethod
	log            zerolog.Logger
}

// NewCovarianceEstimator creates a new covariance estimator.
func NewCovarianceEstimator(periodsPerYear float64, method CovarianceMethod, log zerolog.Logger) *CovarianceEstimator {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	if method == "" {
		method = CovarianceSample
	}
	return &CovarianceEstimator{
		periodsPerYear: periodsPerYear,
		method:         method,
		log:            log.With().Str("component", "risk_model").Logger(),
	}
}

// Estimate returns the covariance of rm scaled by the periods-per-year factor.
// Every asset must show some variation; a flat series makes the matrix
// rank-deficient and is reported as ErrSingularInput.
func (ce *CovarianceEstimator) Estimate(rm *ReturnMatrix) (*CovarianceMatrix, error) {
	if rm == nil || rm.Data == nil {
		return nil, fmt.Errorf("%w: no returns", ErrInsufficientData)
	}
	t, n := rm.Data.Dims()
	if t < MinReturnPeriods {
		return nil, fmt.Errorf("%w: need at least %d periods for covariance, got %d", ErrInsufficientData, MinReturnPeriods, t)
	}
	if n != len(rm.Assets) {
		return nil, fmt.Errorf("%w: return matrix has %d columns for %d assets", ErrAssetMismatch, n, len(rm.Assets))
	}

	var sigma *mat.SymDense
	switch ce.method {
	case CovarianceSample:
		sigma = mat.NewSymDense(n, nil)
		stat.CovarianceMatrix(sigma, rm.Data, nil)
	case CovarianceLedoitWolf:
		sigma = ledoitWolf(rm.Data)
	default:
		return nil, fmt.Errorf("unknown covariance method: %s", ce.method)
	}

	var flat []string
	for i := 0; i < n; i++ {
		if sigma.At(i, i) < minVariance {
			flat = append(flat, rm.Assets[i])
		}
	}
	if len(flat) > 0 {
		return nil, fmt.Errorf("%w: %d of %d assets have no return variation: %v", ErrSingularInput, len(flat), n, flat)
	}

	sigma.ScaleSym(ce.periodsPerYear, sigma)

	ce.log.Debug().
		Str("method", string(ce.method)).
		Int("assets", n).
		Int("periods", t).
		Float64("periods_per_year", ce.periodsPerYear).
		Msg("Estimated covariance matrix")

	return &CovarianceMatrix{Assets: append([]string(nil), rm.Assets...), Sigma: sigma}, nil
}

// ledoitWolf shrinks the (biased) sample covariance towards a scaled identity
// with the Ledoit-Wolf (2004) optimal intensity.
func ledoitWolf(x mat.Matrix) *mat.SymDense {
	t, n := x.Dims()

	centered := mat.DenseCopyOf(x)
	for j := 0; j < n; j++ {
		col := mat.Col(nil, j, x)
		m := stat.Mean(col, nil)
		for i := 0; i < t; i++ {
			centered.Set(i, j, col[i]-m)
		}
	}

	s := mat.NewSymDense(n, nil)
	s.SymOuterK(1/float64(t), centered.T())

	var mu float64
	for i := 0; i < n; i++ {
		mu += s.At(i, i)
	}
	mu /= float64(n)

	// d2 = ||S - mu*I||_F^2
	var d2 float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := s.At(i, j)
			if i == j {
				v -= mu
			}
			d2 += v * v
		}
	}

	// b2 = (1/t^2) * sum_k ||x_k x_k' - S||_F^2
	var b2 float64
	for k := 0; k < t; k++ {
		for i := 0; i < n; i++ {
			xi := centered.At(k, i)
			for j := 0; j < n; j++ {
				v := xi*centered.At(k, j) - s.At(i, j)
				b2 += v * v
			}
		}
	}
	b2 /= float64(t) * float64(t)

	shrinkage := 0.0
	if d2 > 0 {
		shrinkage = math.Min(b2, d2) / d2
	}

	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := (1 - shrinkage) * s.At(i, j)
			if i == j {
				v += shrinkage * mu
			}
			out.SetSym(i, j, v)
		}
	}
	return out
}
