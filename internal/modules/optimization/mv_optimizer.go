package optimization

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Objective selects what the optimizer solves for.
type Objective string

const (
	ObjectiveMaxSharpe     Objective = "max_sharpe"
	ObjectiveMinVolatility Objective = "min_volatility"
	ObjectiveTargetReturn  Objective = "target_return"
)

// OptimizeResult is the outcome of a single objective. Status carries
// infeasibility instead of an error so callers can compose fallbacks.
type OptimizeResult struct {
	Status         SolveStatus
	Objective      Objective
	Weights        Weights // cleaned
	RawWeights     Weights
	ObjectiveValue float64 // Sharpe ratio for max_sharpe, volatility otherwise
	Iterations     int
	FellBack       bool
}

// Solved reports whether the result carries usable weights.
func (r *OptimizeResult) Solved() bool {
	return r != nil && r.Status == StatusSolved
}

// MVOptimizer performs constrained mean-variance optimisation.
type MVOptimizer struct {
	constraints  Constraints
	riskFreeRate float64
	log          zerolog.Logger
}

// NewMVOptimizer creates a new mean-variance optimizer.
func NewMVOptimizer(constraints Constraints, riskFreeRate float64, log zerolog.Logger) *MVOptimizer {
	return &MVOptimizer{
		constraints:  constraints,
		riskFreeRate: riskFreeRate,
		log:          log.With().Str("component", "mv_optimizer").Logger(),
	}
}

// Optimize solves objective and, when max_sharpe cannot be solved, retries
// min_volatility on a fresh solver. ErrOptimizationFailed is returned only
// if no attempt succeeds.
func (mvo *MVOptimizer) Optimize(post *Posterior, objective Objective, targetReturn float64) (*OptimizeResult, error) {
	res, err := mvo.Solve(post, objective, targetReturn)
	if err != nil {
		return nil, err
	}
	if res.Solved() {
		return res, nil
	}
	if objective != ObjectiveMaxSharpe {
		return nil, fmt.Errorf("%w: %s: %s", ErrOptimizationFailed, objective, res.Status)
	}

	mvo.log.Warn().
		Str("status", res.Status.String()).
		Float64("risk_free_rate", mvo.riskFreeRate).
		Msg("Max Sharpe optimization failed, falling back to min volatility")

	fallback, err := mvo.Solve(post, ObjectiveMinVolatility, 0)
	if err != nil {
		return nil, err
	}
	if !fallback.Solved() {
		return nil, fmt.Errorf("%w: max_sharpe %s, min_volatility %s", ErrOptimizationFailed, res.Status, fallback.Status)
	}
	fallback.FellBack = true
	return fallback, nil
}

// Solve runs exactly one objective on a freshly built solver. Input errors
// are returned as errors; an unsolvable program is reported via Status.
func (mvo *MVOptimizer) Solve(post *Posterior, objective Objective, targetReturn float64) (*OptimizeResult, error) {
	if err := mvo.validate(post); err != nil {
		return nil, err
	}
	assets := post.Assets
	lower, upper := mvo.constraints.boundsFor(assets)
	if !budgetFeasible(lower, upper) {
		return &OptimizeResult{Status: StatusInfeasible, Objective: objective}, nil
	}

	var x []float64
	var status SolveStatus
	var iterations int
	switch objective {
	case ObjectiveMaxSharpe:
		x, status, iterations = mvo.solveMaxSharpe(post, lower, upper)
	case ObjectiveMinVolatility:
		x, status, iterations = mvo.solveMinVolatility(post, lower, upper)
	case ObjectiveTargetReturn:
		x, status, iterations = mvo.solveTargetReturn(post, lower, upper, targetReturn)
	default:
		return nil, fmt.Errorf("unknown objective: %s", objective)
	}

	mvo.log.Debug().
		Str("objective", string(objective)).
		Str("status", status.String()).
		Int("iterations", iterations).
		Msg("QP solve finished")

	if status != StatusSolved {
		return &OptimizeResult{Status: status, Objective: objective, Iterations: iterations}, nil
	}

	raw := snapToBounds(x, lower, upper)
	cleaned := cleanWeights(raw, lower, upper, mvo.constraints.CleanCutoff)

	ret, vol := portfolioStats(cleaned, post)
	value := vol
	if objective == ObjectiveMaxSharpe && vol > 0 {
		value = (ret - mvo.riskFreeRate) / vol
	}

	return &OptimizeResult{
		Status:         StatusSolved,
		Objective:      objective,
		Weights:        weightsFromVector(assets, cleaned),
		RawWeights:     weightsFromVector(assets, raw),
		ObjectiveValue: value,
		Iterations:     iterations,
	}, nil
}

// MaxReturn is the highest expected return reachable within bounds.
func (mvo *MVOptimizer) MaxReturn(post *Posterior) (float64, bool) {
	lower, upper := mvo.constraints.boundsFor(post.Assets)
	w, ok := greedyFill(orderBy(post.Returns, true), lower, upper)
	if !ok {
		return 0, false
	}
	return floats.Dot(w, post.Returns), true
}

func (mvo *MVOptimizer) validate(post *Posterior) error {
	if post == nil || post.Cov == nil {
		return fmt.Errorf("%w: no posterior inputs", ErrInsufficientData)
	}
	n := len(post.Assets)
	if n == 0 {
		return fmt.Errorf("%w: empty universe", ErrInsufficientData)
	}
	if len(post.Returns) != n || !sameAssets(post.Assets, post.Cov.Assets) {
		return fmt.Errorf("%w: returns and covariance are not aligned", ErrAssetMismatch)
	}
	for i, r := range post.Returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("%w: non-finite expected return for %s", ErrSingularInput, post.Assets[i])
		}
	}
	return mvo.constraints.Validate()
}

// quadratic returns Q = 2(Σ + γI) padded to dim, plus a small ridge so the
// KKT system stays solvable when Σ is only semi-definite.
func (mvo *MVOptimizer) quadratic(sigma *mat.SymDense, dim int) *mat.SymDense {
	n, _ := sigma.Dims()
	var trace float64
	for i := 0; i < n; i++ {
		trace += sigma.At(i, i)
	}
	ridge := 1e-10 * math.Max(trace/float64(n), 1e-12)

	q := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			var v float64
			if i < n && j < n {
				v = 2 * sigma.At(i, j)
				if i == j {
					v += 2 * mvo.constraints.L2Gamma
				}
			}
			if i == j {
				v += ridge
			}
			q.SetSym(i, j, v)
		}
	}
	return q
}

// boxRows encodes lower ≤ x ≤ upper as Gx ≤ h.
func boxRows(lower, upper []float64) (*mat.Dense, []float64) {
	n := len(lower)
	G := mat.NewDense(2*n, n, nil)
	h := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		G.Set(2*i, i, 1)
		h[2*i] = upper[i]
		G.Set(2*i+1, i, -1)
		h[2*i+1] = -lower[i]
	}
	return G, h
}

func (mvo *MVOptimizer) solveMinVolatility(post *Posterior, lower, upper []float64) ([]float64, SolveStatus, int) {
	n := len(post.Assets)
	x0, ok := centerPoint(lower, upper)
	if !ok {
		return nil, StatusInfeasible, 0
	}

	G, h := boxRows(lower, upper)
	prob := qpProblem{
		Q: mvo.quadratic(post.Cov.Sigma, n),
		A: mat.NewDense(1, n, ones(n)),
		b: []float64{1},
		G: G,
		h: h,
	}
	res := newQPSolver(prob, mvo.constraints.MaxIterations).Solve(x0)
	return res.X, res.Status, res.Iterations
}

func (mvo *MVOptimizer) solveTargetReturn(post *Posterior, lower, upper []float64, target float64) ([]float64, SolveStatus, int) {
	n := len(post.Assets)
	mu := post.Returns
	wLo, okLo := greedyFill(orderBy(mu, false), lower, upper)
	wHi, okHi := greedyFill(orderBy(mu, true), lower, upper)
	if !okLo || !okHi {
		return nil, StatusInfeasible, 0
	}
	rLo, rHi := floats.Dot(wLo, mu), floats.Dot(wHi, mu)
	span := rHi - rLo
	tol := 1e-10 * math.Max(1, math.Abs(rHi))

	if span <= tol {
		if math.Abs(target-rHi) > tol {
			return nil, StatusInfeasible, 0
		}
		// Every feasible portfolio earns the same return.
		return mvo.solveMinVolatility(post, lower, upper)
	}
	if target < rLo-tol || target > rHi+tol {
		return nil, StatusInfeasible, 0
	}
	target = math.Max(rLo, math.Min(rHi, target))

	x0, ok := centerPoint(lower, upper)
	if !ok {
		return nil, StatusInfeasible, 0
	}
	// Slide from the centre towards the extreme portfolio on the target's side.
	rC := floats.Dot(x0, mu)
	edge, rEdge := wHi, rHi
	if target < rC {
		edge, rEdge = wLo, rLo
	}
	if math.Abs(rEdge-rC) > tol {
		beta := (target - rC) / (rEdge - rC)
		for i := range x0 {
			x0[i] += beta * (edge[i] - x0[i])
		}
	}

	A := mat.NewDense(2, n, nil)
	for i := 0; i < n; i++ {
		A.Set(0, i, 1)
		A.Set(1, i, mu[i])
	}
	G, h := boxRows(lower, upper)
	prob := qpProblem{
		Q: mvo.quadratic(post.Cov.Sigma, n),
		A: A,
		b: []float64{1, target},
		G: G,
		h: h,
	}
	res := newQPSolver(prob, mvo.constraints.MaxIterations).Solve(x0)
	return res.X, res.Status, res.Iterations
}

// solveMaxSharpe uses the homogenised program over z = (y, κ):
//
//	minimise  yᵗ(Σ+γI)y
//	s.t.      (μ − r_f)ᵗy = 1,  1ᵗy = κ,  l·κ ≤ y ≤ u·κ,  κ ≥ 0
//
// and recovers w = y/κ. It is infeasible when no portfolio within bounds
// beats the risk-free rate.
func (mvo *MVOptimizer) solveMaxSharpe(post *Posterior, lower, upper []float64) ([]float64, SolveStatus, int) {
	n := len(post.Assets)
	excess := make([]float64, n)
	for i, r := range post.Returns {
		excess[i] = r - mvo.riskFreeRate
	}

	wStar, ok := greedyFill(orderBy(excess, true), lower, upper)
	if !ok {
		return nil, StatusInfeasible, 0
	}
	best := floats.Dot(wStar, excess)
	if best <= 1e-12 {
		return nil, StatusInfeasible, 0
	}

	// Start between the best-excess vertex and the centre of the box so the
	// initial point is not degenerate, keeping its excess return positive.
	w0, ok := centerPoint(lower, upper)
	if !ok {
		return nil, StatusInfeasible, 0
	}
	theta := 0.5
	if centre := floats.Dot(w0, excess); centre < best/2 {
		theta = 0.5 * best / (best - centre)
	}
	for i := range w0 {
		w0[i] = theta*w0[i] + (1-theta)*wStar[i]
	}

	kappa0 := 1 / floats.Dot(w0, excess)
	z0 := make([]float64, n+1)
	for i := 0; i < n; i++ {
		z0[i] = w0[i] * kappa0
	}
	z0[n] = kappa0

	A := mat.NewDense(2, n+1, nil)
	for i := 0; i < n; i++ {
		A.Set(0, i, excess[i])
		A.Set(1, i, 1)
	}
	A.Set(1, n, -1)

	G := mat.NewDense(2*n+1, n+1, nil)
	for i := 0; i < n; i++ {
		G.Set(2*i, i, 1)
		G.Set(2*i, n, -upper[i])
		G.Set(2*i+1, i, -1)
		G.Set(2*i+1, n, lower[i])
	}
	G.Set(2*n, n, -1)

	prob := qpProblem{
		Q: mvo.quadratic(post.Cov.Sigma, n+1),
		A: A,
		b: []float64{1, 0},
		G: G,
		h: make([]float64, 2*n+1),
	}
	res := newQPSolver(prob, mvo.constraints.MaxIterations).Solve(z0)
	if res.Status != StatusSolved {
		return nil, res.Status, res.Iterations
	}
	kappa := res.X[n]
	if kappa <= 1e-14 {
		return nil, StatusNotConverged, res.Iterations
	}
	w := make([]float64, n)
	for i := 0; i < n; i++ {
		w[i] = res.X[i] / kappa
	}
	return w, StatusSolved, res.Iterations
}

// centerPoint returns lower + t·(upper − lower) with t chosen so the weights
// sum to 1. For uniform [0, 1] bounds this is the equal-weight portfolio.
func centerPoint(lower, upper []float64) ([]float64, bool) {
	var lo, hi float64
	for i := range lower {
		lo += lower[i]
		hi += upper[i]
	}
	w := append([]float64(nil), lower...)
	if hi-lo <= 1e-15 {
		return w, math.Abs(lo-1) <= 1e-12
	}
	t := (1 - lo) / (hi - lo)
	if t < -1e-12 || t > 1+1e-12 {
		return nil, false
	}
	t = math.Max(0, math.Min(1, t))
	for i := range w {
		w[i] += t * (upper[i] - lower[i])
	}
	return w, true
}

// portfolioStats returns wᵗμ and √(wᵗΣw).
func portfolioStats(w []float64, post *Posterior) (float64, float64) {
	n := len(w)
	var variance float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			variance += w[i] * post.Cov.Sigma.At(i, j) * w[j]
		}
	}
	return floats.Dot(w, post.Returns), math.Sqrt(math.Max(variance, 0))
}

// orderBy returns asset indices sorted by values, descending when desc.
// Ties keep index order.
func orderBy(values []float64, desc bool) []int {
	idx := identityOrder(len(values))
	sort.SliceStable(idx, func(a, b int) bool {
		if desc {
			return values[idx[a]] > values[idx[b]]
		}
		return values[idx[a]] < values[idx[b]]
	})
	return idx
}

func identityOrder(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func ones(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = 1
	}
	return v
}
