package optimization

import "errors"

// Error kinds surfaced by the pipeline. Stages wrap them with context, so
// callers should test with errors.Is.
var (
	// ErrInsufficientData means too few valid periods or assets remain.
	ErrInsufficientData = errors.New("insufficient data")
	// ErrSingularInput means a covariance (or view) matrix is degenerate.
	ErrSingularInput = errors.New("singular input")
	// ErrAssetMismatch means two inputs disagree on the asset set.
	ErrAssetMismatch = errors.New("asset mismatch")
	// ErrInvalidView means a view references an unknown asset or has a bad confidence.
	ErrInvalidView = errors.New("invalid view")
	// ErrOptimizationFailed means both the requested objective and its fallback failed.
	ErrOptimizationFailed = errors.New("optimization failed")
	// ErrDegenerateMetric means a Sharpe ratio was requested for a zero-volatility portfolio.
	ErrDegenerateMetric = errors.New("degenerate metric")
)
