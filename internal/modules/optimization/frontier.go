package optimization

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
)

// DefaultFrontierPoints is the default sweep resolution.
const DefaultFrontierPoints = 50

// FrontierGenerator traces the efficient frontier by sweeping target returns
// between the minimum-volatility return and the maximum achievable return.
type FrontierGenerator struct {
	optimizer *MVOptimizer
	points    int
	log       zerolog.Logger
}

// NewFrontierGenerator creates a frontier generator. points below 2 fall back
// to DefaultFrontierPoints.
func NewFrontierGenerator(optimizer *MVOptimizer, points int, log zerolog.Logger) *FrontierGenerator {
	if points < 2 {
		points = DefaultFrontierPoints
	}
	return &FrontierGenerator{
		optimizer: optimizer,
		points:    points,
		log:       log.With().Str("component", "frontier").Logger(),
	}
}

// Generate returns the frontier for post. When the minimum-volatility return
// and the maximum achievable return coincide the curve holds exactly one
// point, flagged as both minimum volatility and maximum Sharpe.
func (fg *FrontierGenerator) Generate(post *Posterior) (*FrontierCurve, error) {
	minVol, err := fg.optimizer.Solve(post, ObjectiveMinVolatility, 0)
	if err != nil {
		return nil, err
	}
	if !minVol.Solved() {
		return nil, fmt.Errorf("%w: frontier minimum volatility: %s", ErrOptimizationFailed, minVol.Status)
	}
	rMin, vMin := portfolioStats(minVol.RawWeights.Vector(post.Assets), post)
	rMax, ok := fg.optimizer.MaxReturn(post)
	if !ok {
		return nil, fmt.Errorf("%w: bounds admit no fully invested portfolio", ErrOptimizationFailed)
	}

	anchor := FrontierPoint{Volatility: vMin, ExpectedReturn: rMin, MinVolatility: true}
	if rMax-rMin <= 1e-10*math.Max(1, math.Abs(rMax)) {
		anchor.MaxSharpe = true
		fg.log.Debug().Float64("return", rMin).Msg("Frontier collapsed to a single portfolio")
		return &FrontierCurve{Points: []FrontierPoint{anchor}, MaxSharpe: anchor}, nil
	}

	targets := floats.Span(make([]float64, fg.points), rMin, rMax)
	sweep := make([]FrontierPoint, 0, len(targets))
	infeasible := 0
	for _, target := range targets[1:] {
		res, err := fg.optimizer.Solve(post, ObjectiveTargetReturn, target)
		if err != nil {
			return nil, err
		}
		if !res.Solved() {
			infeasible++
			continue
		}
		ret, vol := portfolioStats(res.RawWeights.Vector(post.Assets), post)
		sweep = append(sweep, FrontierPoint{Volatility: vol, ExpectedReturn: ret})
	}

	sharpe, err := fg.optimizer.Optimize(post, ObjectiveMaxSharpe, 0)
	if err != nil {
		return nil, err
	}

	var best FrontierPoint
	if sharpe.FellBack {
		anchor.MaxSharpe = true
		best = anchor
	} else {
		ret, vol := portfolioStats(sharpe.RawWeights.Vector(post.Assets), post)
		best = FrontierPoint{Volatility: vol, ExpectedReturn: ret, MaxSharpe: true}
		if ret <= rMin || vol <= vMin {
			anchor.MaxSharpe = true
			best = anchor
		}
	}

	points := efficientChain(anchor, best, sweep)
	if infeasible > 0 {
		fg.log.Warn().
			Int("infeasible", infeasible).
			Int("targets", len(targets)-1).
			Msg("Some frontier targets could not be solved")
	}

	return &FrontierCurve{Points: points, MaxSharpe: best, Infeasible: infeasible}, nil
}

// efficientChain orders points by expected return and keeps those that
// extend a non-decreasing (volatility, return) path running from the anchor
// through the max-Sharpe point.
func efficientChain(anchor, best FrontierPoint, sweep []FrontierPoint) []FrontierPoint {
	sort.SliceStable(sweep, func(i, j int) bool {
		return sweep[i].ExpectedReturn < sweep[j].ExpectedReturn
	})

	const tol = 1e-9
	below := func(a, b FrontierPoint) bool {
		return a.ExpectedReturn <= b.ExpectedReturn+tol*math.Max(1, math.Abs(b.ExpectedReturn)) &&
			a.Volatility <= b.Volatility+tol*math.Max(1, b.Volatility)
	}

	out := []FrontierPoint{anchor}
	last := anchor
	if !best.MinVolatility {
		for _, p := range sweep {
			if below(last, p) && below(p, best) {
				out = append(out, p)
				last = p
			}
		}
		out = append(out, best)
		last = best
	}
	for _, p := range sweep {
		if below(last, p) && p.ExpectedReturn > last.ExpectedReturn {
			out = append(out, p)
			last = p
		}
	}
	return out
}
