package optimization

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// PriorMode selects how market weights for the equilibrium prior are formed.
type PriorMode string

const (
	// PriorMarketCap derives market weights from supplied capitalisations.
	PriorMarketCap PriorMode = "market_cap"
	// PriorEqualWeight uses 1/n market weights; used when no caps are available.
	PriorEqualWeight PriorMode = "equal_weight"
)

// Black-Litterman defaults.
const (
	DefaultRiskAversion = 2.5
	DefaultTau          = 0.05
)

// EquilibriumModel derives market-implied returns by reverse optimisation.
type EquilibriumModel struct {
	riskAversion float64
	riskFreeRate float64
	log          zerolog.Logger
}

// NewEquilibriumModel creates an equilibrium model. A non-positive risk
// aversion falls back to DefaultRiskAversion.
func NewEquilibriumModel(riskAversion, riskFreeRate float64, log zerolog.Logger) *EquilibriumModel {
	if riskAversion <= 0 {
		riskAversion = DefaultRiskAversion
	}
	return &EquilibriumModel{
		riskAversion: riskAversion,
		riskFreeRate: riskFreeRate,
		log:          log.With().Str("component", "equilibrium").Logger(),
	}
}

// MarketWeights normalises capitalisations to weights ordered by assets.
// The key set of caps must match assets exactly. Zero, negative or NaN caps
// get weight zero; if no asset has a positive cap ErrInsufficientData is
// returned.
func MarketWeights(assets []string, caps map[string]float64) ([]float64, error) {
	if len(caps) != len(assets) {
		return nil, fmt.Errorf("%w: %d market caps for %d assets", ErrAssetMismatch, len(caps), len(assets))
	}
	w := make([]float64, len(assets))
	var total float64
	for i, a := range assets {
		c, ok := caps[a]
		if !ok {
			return nil, fmt.Errorf("%w: no market cap for %s", ErrAssetMismatch, a)
		}
		if c > 0 && !math.IsInf(c, 0) {
			w[i] = c
			total += c
		}
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: no positive market capitalisation", ErrInsufficientData)
	}
	for i := range w {
		w[i] /= total
	}
	return w, nil
}

// EqualWeights returns 1/n for every asset.
func EqualWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// ImpliedReturns computes π = δ·Σ·w_mkt + r_f.
func (em *EquilibriumModel) ImpliedReturns(cov *CovarianceMatrix, marketWeights []float64) ([]float64, error) {
	n := cov.Dim()
	if n == 0 {
		return nil, fmt.Errorf("%w: empty covariance matrix", ErrInsufficientData)
	}
	if len(marketWeights) != n {
		return nil, fmt.Errorf("%w: %d market weights for %d assets", ErrAssetMismatch, len(marketWeights), n)
	}

	var sigmaW mat.VecDense
	sigmaW.MulVec(cov.Sigma, mat.NewVecDense(n, append([]float64(nil), marketWeights...)))

	pi := make([]float64, n)
	for i := 0; i < n; i++ {
		pi[i] = em.riskAversion*sigmaW.AtVec(i) + em.riskFreeRate
	}
	return pi, nil
}

// Prior builds the equilibrium return vector for cov according to mode.
func (em *EquilibriumModel) Prior(cov *CovarianceMatrix, mode PriorMode, caps map[string]float64) ([]float64, error) {
	var w []float64
	switch mode {
	case PriorMarketCap:
		var err error
		if w, err = MarketWeights(cov.Assets, caps); err != nil {
			return nil, err
		}
	case PriorEqualWeight, "":
		w = EqualWeights(cov.Dim())
	default:
		return nil, fmt.Errorf("unknown prior mode: %s", mode)
	}

	em.log.Debug().
		Str("mode", string(mode)).
		Float64("risk_aversion", em.riskAversion).
		Msg("Computing equilibrium returns")

	return em.ImpliedReturns(cov, w)
}

// Posterior holds Black-Litterman outputs aligned with Assets.
type Posterior struct {
	Assets  []string
	Returns []float64
	Cov     *CovarianceMatrix
}

// ViewBlender combines the equilibrium prior with investor views.
type ViewBlender struct {
	tau float64
	log zerolog.Logger
}

// NewViewBlender creates a Black-Litterman blender. A non-positive tau
// falls back to DefaultTau.
func NewViewBlender(tau float64, log zerolog.Logger) *ViewBlender {
	if tau <= 0 {
		tau = DefaultTau
	}
	return &ViewBlender{
		tau: tau,
		log: log.With().Str("component", "black_litterman").Logger(),
	}
}

// ValidateViews checks that every view targets known assets with a
// confidence in (0, 1].
func ValidateViews(assets []string, views []View) error {
	idx := make(map[string]bool, len(assets))
	for _, a := range assets {
		idx[a] = true
	}
	for i, v := range views {
		if !idx[v.Asset] {
			return fmt.Errorf("%w: view %d references unknown asset %q", ErrInvalidView, i, v.Asset)
		}
		if v.IsRelative() {
			if !idx[v.Versus] {
				return fmt.Errorf("%w: view %d references unknown asset %q", ErrInvalidView, i, v.Versus)
			}
			if v.Versus == v.Asset {
				return fmt.Errorf("%w: view %d compares %q with itself", ErrInvalidView, i, v.Asset)
			}
		}
		if math.IsNaN(v.Confidence) || v.Confidence <= 0 || v.Confidence > 1 {
			return fmt.Errorf("%w: view %d confidence %v outside (0, 1]", ErrInvalidView, i, v.Confidence)
		}
		if math.IsNaN(v.Return) || math.IsInf(v.Return, 0) {
			return fmt.Errorf("%w: view %d has non-finite return", ErrInvalidView, i)
		}
	}
	return nil
}

// Blend returns the posterior mean and covariance.
//
//	μ_BL = π + τΣPᵗ(PτΣPᵗ + Ω)⁻¹(Q − Pπ)
//	Σ_BL = Σ + τΣ − τΣPᵗ(PτΣPᵗ + Ω)⁻¹PτΣ
//
// which equals the textbook [(τΣ)⁻¹ + PᵗΩ⁻¹P]⁻¹ form without inverting Σ.
// Ω is diagonal with Ω_kk = τ(PΣPᵗ)_kk·(1−c_k)/c_k. With no views the prior
// is returned unchanged.
func (vb *ViewBlender) Blend(pi []float64, cov *CovarianceMatrix, views []View) (*Posterior, error) {
	n := cov.Dim()
	if len(pi) != n {
		return nil, fmt.Errorf("%w: %d prior returns for %d assets", ErrAssetMismatch, len(pi), n)
	}
	if err := ValidateViews(cov.Assets, views); err != nil {
		return nil, err
	}

	if len(views) == 0 {
		sigma := mat.NewSymDense(n, nil)
		sigma.CopySym(cov.Sigma)
		return &Posterior{
			Assets:  append([]string(nil), cov.Assets...),
			Returns: append([]float64(nil), pi...),
			Cov:     &CovarianceMatrix{Assets: append([]string(nil), cov.Assets...), Sigma: sigma},
		}, nil
	}

	idx := make(map[string]int, n)
	for i, a := range cov.Assets {
		idx[a] = i
	}

	k := len(views)
	P := mat.NewDense(k, n, nil)
	Q := mat.NewVecDense(k, nil)
	for i, v := range views {
		P.Set(i, idx[v.Asset], 1)
		if v.IsRelative() {
			P.Set(i, idx[v.Versus], -1)
		}
		Q.SetVec(i, v.Return)
	}

	tauSigma := mat.NewSymDense(n, nil)
	tauSigma.ScaleSym(vb.tau, cov.Sigma)

	// PS = P·τΣ (k×n); A = PS·Pᵗ + Ω (k×k)
	var PS mat.Dense
	PS.Mul(P, tauSigma)
	var A mat.Dense
	A.Mul(&PS, P.T())
	for i, v := range views {
		base := A.At(i, i)
		A.Set(i, i, base+base*(1-v.Confidence)/v.Confidence)
	}

	// residual = Q − Pπ
	piVec := mat.NewVecDense(n, append([]float64(nil), pi...))
	var residual mat.VecDense
	residual.MulVec(P, piVec)
	residual.SubVec(Q, &residual)

	var z mat.VecDense
	if err := solveVec(&z, &A, &residual); err != nil {
		return nil, fmt.Errorf("%w: view covariance: %v", ErrSingularInput, err)
	}

	var shift mat.VecDense
	shift.MulVec(PS.T(), &z)
	posterior := make([]float64, n)
	for i := 0; i < n; i++ {
		posterior[i] = pi[i] + shift.AtVec(i)
	}

	var X mat.Dense
	if err := solveDense(&X, &A, &PS); err != nil {
		return nil, fmt.Errorf("%w: view covariance: %v", ErrSingularInput, err)
	}
	var reduction mat.Dense
	reduction.Mul(PS.T(), &X)

	sigmaBL := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			red := (reduction.At(i, j) + reduction.At(j, i)) / 2
			sigmaBL.SetSym(i, j, cov.Sigma.At(i, j)+tauSigma.At(i, j)-red)
		}
	}

	vb.log.Debug().
		Int("views", k).
		Float64("tau", vb.tau).
		Msg("Blended views with equilibrium")

	return &Posterior{
		Assets:  append([]string(nil), cov.Assets...),
		Returns: posterior,
		Cov:     &CovarianceMatrix{Assets: append([]string(nil), cov.Assets...), Sigma: sigmaBL},
	}, nil
}
