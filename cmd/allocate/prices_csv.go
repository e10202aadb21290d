package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/modules/optimization"
)

const csvDateLayout = "2006-01-02"

// readPricesCSV parses a wide price table: a date column followed by one
// close column per asset. Blank cells are missing observations. The asset
// order of the header is returned alongside the series.
func readPricesCSV(r io.Reader) ([]string, optimization.PriceSeries, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("price file is empty")
		}
		return nil, nil, fmt.Errorf("failed to read header: %w", err)
	}
	if len(header) < 2 {
		return nil, nil, fmt.Errorf("header needs a date column and at least one asset, got %d columns", len(header))
	}

	assets := make([]string, 0, len(header)-1)
	seen := make(map[string]bool, len(header)-1)
	for _, col := range header[1:] {
		asset := strings.ToUpper(strings.TrimSpace(col))
		if asset == "" {
			return nil, nil, fmt.Errorf("header has an empty asset column")
		}
		if seen[asset] {
			return nil, nil, fmt.Errorf("duplicate asset column %s", asset)
		}
		seen[asset] = true
		assets = append(assets, asset)
	}

	series := make(optimization.PriceSeries, len(assets))
	dates := make(map[time.Time]int)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: %w", line, err)
		}

		date, err := time.Parse(csvDateLayout, strings.TrimSpace(record[0]))
		if err != nil {
			return nil, nil, fmt.Errorf("line %d: invalid date %q", line, record[0])
		}
		if first, ok := dates[date]; ok {
			return nil, nil, fmt.Errorf("line %d: duplicate date %s (first seen on line %d)", line, record[0], first)
		}
		dates[date] = line
		for i, cell := range record[1:] {
			cell = strings.TrimSpace(cell)
			if cell == "" {
				continue
			}
			price, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("line %d: invalid price %q for %s", line, cell, assets[i])
			}
			series[assets[i]] = append(series[assets[i]], optimization.PricePoint{Date: date, Close: price})
		}
	}

	return assets, series, nil
}
