package handlers

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/vicanso/go-charts/v2"
)

// renderFrontier plots expected return against volatility, both in percent.
func renderFrontier(curve *optimization.FrontierCurve, assets []string) ([]byte, error) {
	if len(curve.Points) < 2 {
		return nil, errors.New("not enough frontier points")
	}

	returns := make([]float64, len(curve.Points))
	labels := make([]string, len(curve.Points))
	yMin, yMax := curve.Points[0].ExpectedReturn*100, curve.Points[0].ExpectedReturn*100
	for i, p := range curve.Points {
		returns[i] = p.ExpectedReturn * 100
		labels[i] = fmt.Sprintf("%.1f%%", p.Volatility*100)
		if returns[i] < yMin {
			yMin = returns[i]
		}
		if returns[i] > yMax {
			yMax = returns[i]
		}
	}
	pad := (yMax - yMin) * 0.05
	if pad == 0 {
		pad = 0.5
	}
	yMin -= pad
	yMax += pad

	split := len(labels) / 5
	if split < 3 {
		split = 3
	}

	best := curve.MaxSharpe
	title := "Efficient frontier\n" + fmt.Sprintf("max Sharpe at %.1f%% vol, %.1f%% return", best.Volatility*100, best.ExpectedReturn*100)
	if len(assets) > 0 && len(assets) <= 8 {
		title += " • " + strings.Join(assets, ", ")
	}

	p, err := charts.LineRender(
		[][]float64{returns},
		charts.TitleTextOptionFunc(title),
		charts.XAxisOptionFunc(charts.XAxisOption{
			Data:        labels,
			SplitNumber: split,
			BoundaryGap: charts.FalseFlag(),
		}),
		charts.YAxisOptionFunc(charts.YAxisOption{
			Min:         &yMin,
			Max:         &yMax,
			DivideCount: 5,
		}),
		charts.ThemeOptionFunc(charts.ThemeLight),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render chart: %w", err)
	}

	buf, err := p.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate chart bytes: %w", err)
	}
	return buf, nil
}
