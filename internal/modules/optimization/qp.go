package optimization

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// SolveStatus is the discriminated outcome of a single solve.
type SolveStatus int

const (
	StatusSolved SolveStatus = iota
	StatusInfeasible
	StatusNotConverged
)

func (s SolveStatus) String() string {
	switch s {
	case StatusSolved:
		return "solved"
	case StatusInfeasible:
		return "infeasible"
	case StatusNotConverged:
		return "not_converged"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DefaultMaxIterations caps active-set iterations per solve.
const DefaultMaxIterations = 500

var errNoProgress = errors.New("KKT system is singular")

// qpProblem is
//
//	minimise ½xᵗQx + cᵗx  subject to  Ax = b,  Gx ≤ h.
//
// Q must be positive definite on the null space of the equality rows.
type qpProblem struct {
	Q *mat.SymDense
	c []float64
	A *mat.Dense
	b []float64
	G *mat.Dense
	h []float64
}

// qpSolver is a primal active-set method for small dense convex QPs. A solver
// owns its working set, so every attempt must use a fresh instance.
type qpSolver struct {
	prob    qpProblem
	maxIter int
	n       int
	active  []bool
}

type qpResult struct {
	Status     SolveStatus
	X          []float64
	Iterations int
}

func newQPSolver(prob qpProblem, maxIter int) *qpSolver {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	n, _ := prob.Q.Dims()
	mi := 0
	if prob.G != nil {
		mi, _ = prob.G.Dims()
	}
	return &qpSolver{
		prob:    prob,
		maxIter: maxIter,
		n:       n,
		active:  make([]bool, mi),
	}
}

// Solve runs the active-set iterations from the feasible point x0.
func (s *qpSolver) Solve(x0 []float64) qpResult {
	const (
		feasTol = 1e-8
		stepTol = 1e-11
		dualTol = 1e-10
	)

	x := append([]float64(nil), x0...)
	if !s.feasible(x, feasTol) {
		return qpResult{Status: StatusInfeasible, X: x}
	}

	me := 0
	if s.prob.A != nil {
		me, _ = s.prob.A.Dims()
	}
	mi := len(s.active)

	// After a zero-length step the working set changes without moving x.
	// Bland's rule (lowest index) then picks which constraint to drop so
	// degenerate vertices cannot cycle.
	stalled := false

	for it := 0; it < s.maxIter; it++ {
		g := s.gradient(x)

		rows := make([]int, 0, mi)
		for i := 0; i < mi; i++ {
			if s.active[i] {
				rows = append(rows, i)
			}
		}

		p, lambda, err := s.step(g, me, rows)
		if err != nil {
			return qpResult{Status: StatusNotConverged, X: x, Iterations: it}
		}

		if maxAbs(p) <= stepTol*math.Max(1, maxAbs(x)) {
			// Stationary on the working set; drop the inequality with the
			// most positive multiplier, or stop if none is positive.
			worst, worstVal := -1, dualTol*math.Max(1, maxAbs(g))
			for k, row := range rows {
				if l := lambda[me+k]; l > worstVal {
					worst, worstVal = row, l
					if stalled {
						break
					}
				}
			}
			if worst < 0 {
				return qpResult{Status: StatusSolved, X: x, Iterations: it + 1}
			}
			s.active[worst] = false
			continue
		}

		alpha, block := 1.0, -1
		pn := maxAbs(p)
		for i := 0; i < mi; i++ {
			if s.active[i] {
				continue
			}
			gp := rowDot(s.prob.G, i, p)
			if gp <= 1e-10*pn {
				continue
			}
			slack := s.prob.h[i] - rowDot(s.prob.G, i, x)
			if slack < 0 {
				slack = 0
			}
			if a := slack / gp; a < alpha {
				alpha, block = a, i
			}
		}
		for j := range x {
			x[j] += alpha * p[j]
		}
		if block >= 0 {
			s.active[block] = true
		}
		stalled = alpha == 0
	}
	return qpResult{Status: StatusNotConverged, X: x, Iterations: s.maxIter}
}

// step solves the equality-constrained subproblem on the working set:
//
//	[ Q  −Wᵗ ] [p]   [−g]
//	[ W   0  ] [λ] = [ 0]
//
// where W stacks the equality rows and the active inequality rows.
func (s *qpSolver) step(g []float64, me int, rows []int) ([]float64, []float64, error) {
	n := s.n
	k := me + len(rows)
	kkt := mat.NewDense(n+k, n+k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			kkt.Set(i, j, s.prob.Q.At(i, j))
		}
	}
	setRow := func(r int, src *mat.Dense, srcRow int) {
		for j := 0; j < n; j++ {
			v := src.At(srcRow, j)
			kkt.Set(n+r, j, v)
			kkt.Set(j, n+r, -v)
		}
	}
	for r := 0; r < me; r++ {
		setRow(r, s.prob.A, r)
	}
	for r, row := range rows {
		setRow(me+r, s.prob.G, row)
	}

	rhs := mat.NewVecDense(n+k, nil)
	for i := 0; i < n; i++ {
		rhs.SetVec(i, -g[i])
	}

	var sol mat.VecDense
	if err := solveVec(&sol, kkt, rhs); err != nil {
		return nil, nil, err
	}
	p := make([]float64, n)
	for i := 0; i < n; i++ {
		p[i] = sol.AtVec(i)
	}
	lambda := make([]float64, k)
	for i := 0; i < k; i++ {
		lambda[i] = sol.AtVec(n + i)
	}
	return p, lambda, nil
}

func (s *qpSolver) gradient(x []float64) []float64 {
	g := make([]float64, s.n)
	for i := 0; i < s.n; i++ {
		var v float64
		for j := 0; j < s.n; j++ {
			v += s.prob.Q.At(i, j) * x[j]
		}
		if s.prob.c != nil {
			v += s.prob.c[i]
		}
		g[i] = v
	}
	return g
}

func (s *qpSolver) feasible(x []float64, tol float64) bool {
	if len(x) != s.n {
		return false
	}
	if s.prob.A != nil {
		me, _ := s.prob.A.Dims()
		for i := 0; i < me; i++ {
			if math.Abs(rowDot(s.prob.A, i, x)-s.prob.b[i]) > tol*math.Max(1, math.Abs(s.prob.b[i])) {
				return false
			}
		}
	}
	for i := range s.active {
		if rowDot(s.prob.G, i, x) > s.prob.h[i]+tol {
			return false
		}
	}
	return true
}

// objective evaluates ½xᵗQx + cᵗx.
func (s *qpSolver) objective(x []float64) float64 {
	var v float64
	for i := 0; i < s.n; i++ {
		for j := 0; j < s.n; j++ {
			v += 0.5 * x[i] * s.prob.Q.At(i, j) * x[j]
		}
		if s.prob.c != nil {
			v += s.prob.c[i] * x[i]
		}
	}
	return v
}

func rowDot(m *mat.Dense, row int, x []float64) float64 {
	var v float64
	for j := range x {
		v += m.At(row, j) * x[j]
	}
	return v
}

func maxAbs(x []float64) float64 {
	var m float64
	for _, v := range x {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return m
}

// solveVec solves a·x = b. Ill-conditioned systems are accepted as long as
// the solution is finite.
func solveVec(dst *mat.VecDense, a mat.Matrix, b mat.Vector) error {
	if err := dst.SolveVec(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return err
		}
	}
	for i := 0; i < dst.Len(); i++ {
		if v := dst.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return errNoProgress
		}
	}
	return nil
}

// solveDense solves a·X = b with the same tolerance rules as solveVec.
func solveDense(dst *mat.Dense, a, b mat.Matrix) error {
	if err := dst.Solve(a, b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return err
		}
	}
	r, c := dst.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := dst.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return errNoProgress
			}
		}
	}
	return nil
}
