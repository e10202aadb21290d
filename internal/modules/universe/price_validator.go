package universe

import (
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
)

const (
	// Validation thresholds
	maxPriceMultiplier    = 10.0   // Close > 10x recent average is abnormal
	minPriceMultiplier    = 0.1    // Close < 0.1x recent average is abnormal
	maxPriceChangePercent = 1000.0 // >1000% period change is a spike
	minPriceChangePercent = -90.0  // <-90% period change is a crash
	contextWindow         = 30     // Use the last 30 observations for context
)

// InterpolationLog records when a price was repaired
type InterpolationLog struct {
	Date              time.Time
	OriginalClose     float64
	InterpolatedClose float64
	Method            string // "linear", "forward_fill", "backward_fill"
	Reason            string
}

// PriceValidator catches bad ticks in fetched close series before they
// reach the store, where a single spike would dominate a covariance estimate.
type PriceValidator struct {
	log zerolog.Logger
}

// NewPriceValidator creates a new price validator
func NewPriceValidator(log zerolog.Logger) *PriceValidator {
	return &PriceValidator{
		log: log.With().Str("component", "price_validator").Logger(),
	}
}

// ValidatePrice checks a close against the preceding observations, oldest
// first. Returns (isValid, reason).
func (v *PriceValidator) ValidatePrice(price optimization.PricePoint, history []optimization.PricePoint) (bool, string) {
	if price.Close <= 0 {
		return false, "non_positive"
	}
	if len(history) == 0 {
		return true, ""
	}

	prevClose := history[len(history)-1].Close
	if prevClose > 0 {
		changePercent := ((price.Close - prevClose) / prevClose) * 100.0
		if changePercent > maxPriceChangePercent {
			return false, "spike_detected"
		}
		if changePercent < minPriceChangePercent {
			return false, "crash_detected"
		}
	}

	recent := history
	if len(recent) > contextWindow {
		recent = recent[len(recent)-contextWindow:]
	}
	var sum float64
	for _, p := range recent {
		sum += p.Close
	}
	avg := sum / float64(len(recent))

	if price.Close > avg*maxPriceMultiplier {
		return false, "price_too_high"
	}
	if price.Close < avg*minPriceMultiplier {
		return false, "price_too_low"
	}
	return true, ""
}

// Interpolate replaces an abnormal close using the nearest valid neighbours.
// Either neighbour may be nil.
func (v *PriceValidator) Interpolate(price optimization.PricePoint, before, after *optimization.PricePoint) (optimization.PricePoint, string) {
	out := price
	switch {
	case before != nil && after != nil:
		total := after.Date.Sub(before.Date).Hours()
		if total <= 0 {
			out.Close = before.Close
			return out, "forward_fill"
		}
		frac := price.Date.Sub(before.Date).Hours() / total
		out.Close = before.Close + (after.Close-before.Close)*frac
		return out, "linear"
	case before != nil:
		out.Close = before.Close
		return out, "forward_fill"
	case after != nil:
		out.Close = after.Close
		return out, "backward_fill"
	}
	return out, "no_interpolation"
}

// ValidateAndInterpolate checks a chronological series and repairs abnormal
// closes. Points that cannot be repaired are dropped.
func (v *PriceValidator) ValidateAndInterpolate(symbol string, points []optimization.PricePoint) ([]optimization.PricePoint, []InterpolationLog) {
	if len(points) == 0 {
		return points, nil
	}

	result := make([]optimization.PricePoint, 0, len(points))
	var logs []InterpolationLog

	for i, p := range points {
		valid, reason := v.ValidatePrice(p, result)
		if valid {
			result = append(result, p)
			continue
		}

		var before, after *optimization.PricePoint
		if len(result) > 0 {
			before = &result[len(result)-1]
		}
		for j := i + 1; j < len(points); j++ {
			if ok, _ := v.ValidatePrice(points[j], result); ok {
				after = &points[j]
				break
			}
		}

		repaired, method := v.Interpolate(p, before, after)
		if method == "no_interpolation" || repaired.Close <= 0 {
			v.log.Warn().
				Str("symbol", symbol).
				Time("date", p.Date).
				Float64("close", p.Close).
				Str("reason", reason).
				Msg("Dropped abnormal price")
			continue
		}

		logs = append(logs, InterpolationLog{
			Date:              p.Date,
			OriginalClose:     p.Close,
			InterpolatedClose: repaired.Close,
			Method:            method,
			Reason:            reason,
		})
		v.log.Warn().
			Str("symbol", symbol).
			Time("date", p.Date).
			Float64("original_close", p.Close).
			Float64("interpolated_close", repaired.Close).
			Str("method", method).
			Str("reason", reason).
			Msg("Interpolated abnormal price")

		result = append(result, repaired)
	}

	return result, logs
}
