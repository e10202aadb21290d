package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// minimise x² + y²  s.t.  x + y = 1,  x ≤ 0.3
func boundedProblem() qpProblem {
	return qpProblem{
		Q: mat.NewSymDense(2, []float64{2, 0, 0, 2}),
		A: mat.NewDense(1, 2, []float64{1, 1}),
		b: []float64{1},
		G: mat.NewDense(1, 2, []float64{1, 0}),
		h: []float64{0.3},
	}
}

func TestQPSolver_ActiveBound(t *testing.T) {
	res := newQPSolver(boundedProblem(), 0).Solve([]float64{0, 1})
	require.Equal(t, StatusSolved, res.Status)
	assert.InDeltaSlice(t, []float64{0.3, 0.7}, res.X, 1e-10)
	assert.Equal(t, 2, res.Iterations)
}

func TestQPSolver_ReleasesBound(t *testing.T) {
	prob := boundedProblem()
	prob.h = []float64{0.8}

	// Starting on the bound, the multiplier has the wrong sign and the
	// constraint is dropped.
	s := newQPSolver(prob, 0)
	s.active[0] = true
	res := s.Solve([]float64{0.8, 0.2})
	require.Equal(t, StatusSolved, res.Status)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, res.X, 1e-10)
}

func TestQPSolver_InfeasibleStart(t *testing.T) {
	res := newQPSolver(boundedProblem(), 0).Solve([]float64{1, 0})
	assert.Equal(t, StatusInfeasible, res.Status)
}

func TestQPSolver_IterationCap(t *testing.T) {
	res := newQPSolver(boundedProblem(), 1).Solve([]float64{0, 1})
	assert.Equal(t, StatusNotConverged, res.Status)
	assert.Equal(t, 1, res.Iterations)
}

func TestQPSolver_Objective(t *testing.T) {
	s := newQPSolver(boundedProblem(), 0)
	assert.InDelta(t, 0.58, s.objective([]float64{0.3, 0.7}), 1e-12)
}

func TestSolveStatus_String(t *testing.T) {
	assert.Equal(t, "solved", StatusSolved.String())
	assert.Equal(t, "infeasible", StatusInfeasible.String())
	assert.Equal(t, "not_converged", StatusNotConverged.String())
	assert.Equal(t, "status(7)", SolveStatus(7).String())
}
