package optimization

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformanceEvaluator_Evaluate(t *testing.T) {
	post := twoAssetPosterior(t, []float64{0.12, 0.08})

	metrics, err := NewPerformanceEvaluator(0.02).Evaluate(Weights{"A": 0.5, "B": 0.5}, post)
	require.NoError(t, err)

	assert.InDelta(t, 0.10, metrics.ExpectedReturn, 1e-12)
	assert.InDelta(t, math.Sqrt(0.0375), metrics.Volatility, 1e-12)
	assert.InDelta(t, 0.08/math.Sqrt(0.0375), metrics.SharpeRatio, 1e-12)
}

func TestPerformanceEvaluator_MissingAssetsReadAsZero(t *testing.T) {
	post := twoAssetPosterior(t, []float64{0.12, 0.08})

	metrics, err := NewPerformanceEvaluator(0).Evaluate(Weights{"A": 1}, post)
	require.NoError(t, err)
	assert.InDelta(t, 0.12, metrics.ExpectedReturn, 1e-12)
	assert.InDelta(t, 0.2, metrics.Volatility, 1e-12)
}

func TestPerformanceEvaluator_ZeroVolatility(t *testing.T) {
	post := twoAssetPosterior(t, []float64{0.12, 0.08})

	metrics, err := NewPerformanceEvaluator(0).Evaluate(Weights{}, post)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDegenerateMetric)
	assert.True(t, math.IsNaN(metrics.SharpeRatio))
	assert.Equal(t, 0.0, metrics.Volatility)
}

func TestPerformanceEvaluator_UnknownAsset(t *testing.T) {
	post := twoAssetPosterior(t, []float64{0.12, 0.08})

	_, err := NewPerformanceEvaluator(0).Evaluate(Weights{"A": 0.5, "Z": 0.5}, post)
	assert.ErrorIs(t, err, ErrAssetMismatch)

	_, err = NewPerformanceEvaluator(0).Evaluate(Weights{"A": 1}, nil)
	assert.ErrorIs(t, err, ErrInsufficientData)
}
