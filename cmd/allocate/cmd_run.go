package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/allocator/internal/modules/optimization"
)

// runCmd runs the allocation pipeline offline
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute an allocation from a price file",
	Long: `Run the allocation pipeline on a CSV price file. The CSV has a date
column (YYYY-MM-DD) and one close-price column per asset.

The optional YAML request file carries the universe, market caps, views and
parameters. Parameters it leaves out keep their defaults; an empty universe
means every column of the price file.

Examples:
  allocate run --prices prices.csv
  allocate run --prices prices.csv --config request.yaml --json`,
	RunE: runAllocation,
}

// Run command flags
var (
	runPricesPath string
	runConfigPath string
	runJSON       bool
	runNoFrontier bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPricesPath, "prices", "", "CSV file with a date column and one column per asset")
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "YAML request file (views, market caps, parameters)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
	runCmd.Flags().BoolVar(&runNoFrontier, "no-frontier", false, "Skip the efficient frontier sweep")
	_ = runCmd.MarkFlagRequired("prices")
}

func runAllocation(cmd *cobra.Command, args []string) error {
	f, err := os.Open(runPricesPath)
	if err != nil {
		return fmt.Errorf("failed to open price file: %w", err)
	}
	defer f.Close()

	assets, prices, err := readPricesCSV(f)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", runPricesPath, err)
	}

	req, err := loadRequest(runConfigPath)
	if err != nil {
		return err
	}
	if len(req.Universe) == 0 {
		req.Universe = assets
	}
	req.Prices = prices
	req.SkipFrontier = req.SkipFrontier || runNoFrontier

	log.Debug().
		Int("assets", len(req.Universe)).
		Int("views", len(req.Views)).
		Str("objective", string(req.Params.Objective)).
		Msg("Running allocation")

	result, err := optimization.NewOptimizerService(nil, nil, log).Run(req)
	if err != nil {
		return fmt.Errorf("allocation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	return printResult(out, result)
}

// loadRequest reads the YAML request file on top of the default parameters.
func loadRequest(path string) (optimization.Request, error) {
	req := optimization.Request{Params: optimization.DefaultParams()}
	if path == "" {
		return req, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return req, fmt.Errorf("failed to read request file: %w", err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("failed to parse request file %s: %w", path, err)
	}
	if err := req.Params.Constraints.Validate(); err != nil {
		return req, fmt.Errorf("invalid constraints in %s: %w", path, err)
	}
	return req, nil
}

func printResult(out io.Writer, result *optimization.Result) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "ASSET\tWEIGHT\tPRIOR\tPOSTERIOR")
	for _, asset := range sortedByWeight(result) {
		fmt.Fprintf(tw, "%s\t%6.2f%%\t%7.3f%%\t%7.3f%%\n",
			asset,
			100*result.Weights[asset],
			100*result.PriorReturns[asset],
			100*result.PosteriorReturns[asset])
	}
	fmt.Fprintln(tw)

	m := result.Metrics
	fmt.Fprintf(tw, "Objective\t%s\n", result.Objective)
	if result.FellBack {
		fmt.Fprintln(tw, "Fallback\tmax Sharpe infeasible, used min volatility")
	}
	fmt.Fprintf(tw, "Expected return\t%.3f%%\n", 100*m.ExpectedReturn)
	fmt.Fprintf(tw, "Volatility\t%.3f%%\n", 100*m.Volatility)
	fmt.Fprintf(tw, "Sharpe ratio\t%.3f\n", m.SharpeRatio)
	if result.Frontier != nil {
		fmt.Fprintf(tw, "Frontier points\t%d\n", len(result.Frontier.Points))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, w := range result.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return nil
}

// sortedByWeight orders assets by descending weight, then by name.
func sortedByWeight(result *optimization.Result) []string {
	assets := append([]string(nil), result.Assets...)
	sort.SliceStable(assets, func(i, j int) bool {
		wi, wj := result.Weights[assets[i]], result.Weights[assets[j]]
		if wi != wj {
			return wi > wj
		}
		return assets[i] < assets[j]
	})
	return assets
}
