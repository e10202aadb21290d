package optimization

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultLookback is the price history window loaded from the store.
const DefaultLookback = 365 * 24 * time.Hour

// Params holds the numeric configuration of one pipeline run.
type Params struct {
	RiskAversion       float64          `json:"risk_aversion" yaml:"risk_aversion"`
	Tau                float64          `json:"tau" yaml:"tau"`
	RiskFreeRate       float64          `json:"risk_free_rate" yaml:"risk_free_rate"`
	PeriodsPerYear     float64          `json:"periods_per_year" yaml:"periods_per_year"`
	CovarianceMethod   CovarianceMethod `json:"covariance_method" yaml:"covariance_method"`
	PriorMode          PriorMode        `json:"prior_mode" yaml:"prior_mode"`
	MaxMissingFraction float64          `json:"max_missing_fraction" yaml:"max_missing_fraction"`
	FrontierPoints     int              `json:"frontier_points" yaml:"frontier_points"`
	Objective          Objective        `json:"objective" yaml:"objective"`
	TargetReturn       float64          `json:"target_return,omitempty" yaml:"target_return,omitempty"`
	Constraints        Constraints      `json:"constraints" yaml:"constraints"`
}

// DefaultParams returns the standard configuration: δ=2.5, τ=0.05, r_f=0,
// weekly returns, sample covariance, max Sharpe with long-only bounds.
func DefaultParams() Params {
	return Params{
		RiskAversion:       DefaultRiskAversion,
		Tau:                DefaultTau,
		PeriodsPerYear:     DefaultPeriodsPerYear,
		CovarianceMethod:   CovarianceSample,
		PriorMode:          PriorMarketCap,
		MaxMissingFraction: DefaultMaxMissingFraction,
		FrontierPoints:     DefaultFrontierPoints,
		Objective:          ObjectiveMaxSharpe,
		Constraints:        DefaultConstraints(),
	}
}

// Request is the input of one pipeline run. Prices take precedence over
// Returns; when both are empty prices are loaded from the service's source.
type Request struct {
	Universe     []string             `json:"universe" yaml:"universe"`
	Prices       PriceSeries          `json:"prices,omitempty" yaml:"prices,omitempty"`
	Returns      map[string][]float64 `json:"returns,omitempty" yaml:"returns,omitempty"`
	MarketCaps   map[string]float64   `json:"market_caps,omitempty" yaml:"market_caps,omitempty"`
	Views        []View               `json:"views,omitempty" yaml:"views,omitempty"`
	Params       Params               `json:"params" yaml:"params"`
	SkipFrontier bool                 `json:"skip_frontier,omitempty" yaml:"skip_frontier,omitempty"`
}

// Result is the output of one pipeline run.
type Result struct {
	RunID            string             `json:"run_id"`
	Assets           []string           `json:"assets"`
	PriorReturns     map[string]float64 `json:"prior_returns"`
	PosteriorReturns map[string]float64 `json:"posterior_returns"`
	Covariance       [][]float64        `json:"posterior_covariance"`
	Weights          Weights            `json:"weights"`
	Metrics          PerformanceMetrics `json:"metrics"`
	Objective        Objective          `json:"objective"`
	FellBack         bool               `json:"fell_back"`
	Frontier         *FrontierCurve     `json:"frontier,omitempty"`
	Dropped          []string           `json:"dropped,omitempty"`
	Warnings         []string           `json:"warnings,omitempty"`
	Duration         time.Duration      `json:"duration_ns"`
}

// OptimizerService runs the allocation pipeline. It holds no per-run state;
// every Run builds its own estimators and solvers.
type OptimizerService struct {
	prices PriceSource
	caps   MarketCapSource
	now    func() time.Time
	log    zerolog.Logger
}

// NewOptimizerService creates a new optimizer service. Both sources may be
// nil, in which case requests must carry their own inputs.
func NewOptimizerService(prices PriceSource, caps MarketCapSource, log zerolog.Logger) *OptimizerService {
	return &OptimizerService{
		prices: prices,
		caps:   caps,
		now:    time.Now,
		log:    log.With().Str("service", "optimizer").Logger(),
	}
}

// Run executes returns → covariance → prior → blend → optimise → metrics →
// frontier for req.
func (s *OptimizerService) Run(req Request) (*Result, error) {
	start := s.now()
	p := req.Params
	if len(req.Universe) == 0 {
		return nil, fmt.Errorf("%w: empty universe", ErrInsufficientData)
	}
	if p.Objective == "" {
		p.Objective = ObjectiveMaxSharpe
	}

	rm, err := s.returns(req, p)
	if err != nil {
		return nil, err
	}
	result := &Result{
		RunID:   uuid.New().String(),
		Assets:  append([]string(nil), rm.Assets...),
		Dropped: rm.Dropped,
	}
	for _, a := range rm.Dropped {
		result.Warnings = append(result.Warnings, fmt.Sprintf("dropped %s: too much missing price data", a))
	}
	views, caps := s.pruneInputs(req, rm.Dropped, result)

	cov, err := NewCovarianceEstimator(p.PeriodsPerYear, p.CovarianceMethod, s.log).Estimate(rm)
	if err != nil {
		return nil, err
	}

	mode := p.PriorMode
	if mode == PriorMarketCap && len(caps) == 0 {
		if caps, err = s.storedCaps(rm.Assets); err != nil {
			return nil, err
		}
	}
	if mode == PriorMarketCap && len(caps) == 0 {
		mode = PriorEqualWeight
		result.Warnings = append(result.Warnings, "no market caps available, using equal-weight prior")
	}
	pi, err := NewEquilibriumModel(p.RiskAversion, p.RiskFreeRate, s.log).Prior(cov, mode, caps)
	if err != nil {
		return nil, err
	}

	post, err := NewViewBlender(p.Tau, s.log).Blend(pi, cov, views)
	if err != nil {
		return nil, err
	}

	optimizer := NewMVOptimizer(p.Constraints, p.RiskFreeRate, s.log)
	res, err := optimizer.Optimize(post, p.Objective, p.TargetReturn)
	if err != nil {
		return nil, err
	}

	metrics, err := NewPerformanceEvaluator(p.RiskFreeRate).Evaluate(res.Weights, post)
	if err != nil {
		return nil, err
	}

	if !req.SkipFrontier {
		frontier, err := NewFrontierGenerator(optimizer, p.FrontierPoints, s.log).Generate(post)
		if err != nil {
			return nil, err
		}
		result.Frontier = frontier
	}

	result.PriorReturns = mapOf(post.Assets, pi)
	result.PosteriorReturns = mapOf(post.Assets, post.Returns)
	result.Covariance = post.Cov.Slice()
	result.Weights = res.Weights
	result.Metrics = metrics
	result.Objective = res.Objective
	result.FellBack = res.FellBack
	result.Duration = s.now().Sub(start)

	s.log.Info().
		Str("run_id", result.RunID).
		Int("assets", len(result.Assets)).
		Int("views", len(views)).
		Str("objective", string(result.Objective)).
		Bool("fell_back", result.FellBack).
		Float64("sharpe", metrics.SharpeRatio).
		Dur("duration", result.Duration).
		Msg("Optimization complete")

	return result, nil
}

func (s *OptimizerService) returns(req Request, p Params) (*ReturnMatrix, error) {
	if len(req.Prices) == 0 && len(req.Returns) > 0 {
		return ReturnsFromSeries(req.Universe, req.Returns)
	}
	prices := req.Prices
	if len(prices) == 0 {
		if s.prices == nil {
			return nil, fmt.Errorf("%w: request carries no prices and no price store is configured", ErrInsufficientData)
		}
		var err error
		prices, err = s.prices.LoadPrices(req.Universe, s.now().Add(-DefaultLookback))
		if err != nil {
			return nil, fmt.Errorf("failed to load prices: %w", err)
		}
	}
	return NewReturnsEstimator(ReturnsOptions{MaxMissingFraction: p.MaxMissingFraction}, s.log).
		Estimate(req.Universe, prices)
}

// pruneInputs removes views and market caps that refer to dropped assets.
func (s *OptimizerService) pruneInputs(req Request, dropped []string, result *Result) ([]View, map[string]float64) {
	gone := make(map[string]bool, len(dropped))
	for _, a := range dropped {
		gone[a] = true
	}

	views := make([]View, 0, len(req.Views))
	for _, v := range req.Views {
		if gone[v.Asset] || (v.IsRelative() && gone[v.Versus]) {
			result.Warnings = append(result.Warnings, fmt.Sprintf("ignored view on dropped asset %s", v.Asset))
			continue
		}
		views = append(views, v)
	}

	var caps map[string]float64
	if req.MarketCaps != nil {
		caps = make(map[string]float64, len(req.MarketCaps))
		for a, c := range req.MarketCaps {
			if !gone[a] {
				caps[a] = c
			}
		}
	}
	return views, caps
}

func (s *OptimizerService) storedCaps(assets []string) (map[string]float64, error) {
	if s.caps == nil {
		return nil, nil
	}
	caps, err := s.caps.LoadMarketCaps(assets)
	if err != nil {
		return nil, fmt.Errorf("failed to load market caps: %w", err)
	}
	if len(caps) != 0 && len(caps) != len(assets) {
		s.log.Warn().
			Int("caps", len(caps)).
			Int("assets", len(assets)).
			Msg("Stored market caps incomplete, using equal-weight prior")
		return nil, nil
	}
	return caps, nil
}

// IsInputError reports whether err stems from caller-supplied data rather
// than the optimizer or the environment.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInsufficientData) ||
		errors.Is(err, ErrAssetMismatch) ||
		errors.Is(err, ErrInvalidView) ||
		errors.Is(err, ErrSingularInput) ||
		errors.Is(err, ErrDegenerateMetric)
}
