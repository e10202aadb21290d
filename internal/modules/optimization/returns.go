package optimization

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// Defaults for price alignment.
const (
	DefaultMaxMissingFraction = 0.30
	MinReturnPeriods          = 2
)

// ReturnsOptions configures the ReturnsEstimator.
type ReturnsOptions struct {
	MaxMissingFraction float64 // assets missing more than this share of the grid are dropped
	MinPeriods         int     // minimum surviving return rows (never below 2)
}

// ReturnsEstimator aligns price histories and converts them to simple returns.
type ReturnsEstimator struct {
	opts ReturnsOptions
	log  zerolog.Logger
}

// NewReturnsEstimator creates a new returns estimator.
func NewReturnsEstimator(opts ReturnsOptions, log zerolog.Logger) *ReturnsEstimator {
	if opts.MaxMissingFraction <= 0 || opts.MaxMissingFraction > 1 {
		opts.MaxMissingFraction = DefaultMaxMissingFraction
	}
	if opts.MinPeriods < MinReturnPeriods {
		opts.MinPeriods = MinReturnPeriods
	}
	return &ReturnsEstimator{
		opts: opts,
		log:  log.With().Str("component", "returns").Logger(),
	}
}

// Estimate builds the return matrix for universe from prices.
//
// The date grid is the union of every asset's observation dates. Assets with
// too many gaps are dropped, then the first period and every period with a
// non-finite return for any remaining asset are removed.
func (re *ReturnsEstimator) Estimate(universe []string, prices PriceSeries) (*ReturnMatrix, error) {
	if len(universe) == 0 {
		return nil, fmt.Errorf("%w: empty universe", ErrInsufficientData)
	}
	seen := make(map[string]bool, len(universe))
	for _, a := range universe {
		if seen[a] {
			return nil, fmt.Errorf("%w: duplicate asset %q in universe", ErrAssetMismatch, a)
		}
		seen[a] = true
	}

	dates := unionDates(universe, prices)
	if len(dates) < MinReturnPeriods+1 {
		return nil, fmt.Errorf("%w: only %d price dates available", ErrInsufficientData, len(dates))
	}

	index := make(map[int64]int, len(dates))
	for i, d := range dates {
		index[d.Unix()] = i
	}

	var kept []string
	var dropped []string
	aligned := make([][]float64, 0, len(universe))
	for _, asset := range universe {
		col := make([]float64, len(dates))
		for i := range col {
			col[i] = math.NaN()
		}
		seen := make(map[int64]bool, len(prices[asset]))
		for _, p := range prices[asset] {
			if seen[p.Date.Unix()] {
				return nil, fmt.Errorf("%w: duplicate price for %s on %s", ErrAssetMismatch, asset, p.Date.Format("2006-01-02"))
			}
			seen[p.Date.Unix()] = true
			if p.Close > 0 && !math.IsInf(p.Close, 0) {
				col[index[p.Date.Unix()]] = p.Close
			}
		}

		missing := 0
		for _, v := range col {
			if math.IsNaN(v) {
				missing++
			}
		}
		frac := float64(missing) / float64(len(dates))
		if frac > re.opts.MaxMissingFraction {
			re.log.Warn().
				Str("asset", asset).
				Float64("missing_fraction", frac).
				Msg("Dropping asset with excessive missing prices")
			dropped = append(dropped, asset)
			continue
		}
		kept = append(kept, asset)
		aligned = append(aligned, col)
	}

	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: every asset exceeded the missing-data threshold", ErrInsufficientData)
	}

	n := len(kept)
	rows := make([]float64, 0, (len(dates)-1)*n)
	var rowDates []time.Time
	for t := 1; t < len(dates); t++ {
		row := make([]float64, n)
		valid := true
		for j := 0; j < n; j++ {
			r := aligned[j][t]/aligned[j][t-1] - 1
			if math.IsNaN(r) || math.IsInf(r, 0) {
				valid = false
				break
			}
			row[j] = r
		}
		if !valid {
			continue
		}
		rows = append(rows, row...)
		rowDates = append(rowDates, dates[t])
	}

	if len(rowDates) < re.opts.MinPeriods {
		return nil, fmt.Errorf("%w: %d valid return periods, need at least %d", ErrInsufficientData, len(rowDates), re.opts.MinPeriods)
	}

	re.log.Debug().
		Int("assets", n).
		Int("periods", len(rowDates)).
		Int("dropped", len(dropped)).
		Msg("Built return matrix")

	return &ReturnMatrix{
		Assets:  kept,
		Dates:   rowDates,
		Data:    mat.NewDense(len(rowDates), n, rows),
		Dropped: dropped,
	}, nil
}

func unionDates(universe []string, prices PriceSeries) []time.Time {
	set := make(map[int64]time.Time)
	for _, asset := range universe {
		for _, p := range prices[asset] {
			set[p.Date.Unix()] = p.Date
		}
	}
	dates := make([]time.Time, 0, len(set))
	for _, d := range set {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}

// ReturnsFromSeries builds a ReturnMatrix directly from per-asset return
// rows that are already aligned. Used when the caller holds returns rather
// than prices.
func ReturnsFromSeries(assets []string, series map[string][]float64) (*ReturnMatrix, error) {
	if len(assets) == 0 {
		return nil, fmt.Errorf("%w: empty universe", ErrInsufficientData)
	}
	periods := -1
	for _, a := range assets {
		s, ok := series[a]
		if !ok {
			return nil, fmt.Errorf("%w: no returns for %s", ErrAssetMismatch, a)
		}
		if periods >= 0 && len(s) != periods {
			return nil, fmt.Errorf("%w: inconsistent return lengths for %s", ErrAssetMismatch, a)
		}
		periods = len(s)
	}

	data := make([]float64, 0, periods*len(assets))
	count := 0
	for t := 0; t < periods; t++ {
		row := make([]float64, len(assets))
		valid := true
		for j, a := range assets {
			v := series[a][t]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				valid = false
				break
			}
			row[j] = v
		}
		if valid {
			data = append(data, row...)
			count++
		}
	}
	if count < MinReturnPeriods {
		return nil, fmt.Errorf("%w: %d valid return periods", ErrInsufficientData, count)
	}
	return &ReturnMatrix{
		Assets: append([]string(nil), assets...),
		Data:   mat.NewDense(count, len(assets), data),
	}, nil
}
