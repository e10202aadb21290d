// Package main is the offline command line for the allocator.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/allocator/pkg/logger"
)

var (
	logLevel string
	log      zerolog.Logger
)

// rootCmd is the base command for the allocate CLI
var rootCmd = &cobra.Command{
	Use:   "allocate",
	Short: "Black–Litterman portfolio allocation",
	Long: `allocate blends market-implied equilibrium returns with investor views
and solves a constrained mean-variance problem for portfolio weights.

Examples:
  allocate run --prices prices.csv --config request.yaml
  allocate run --prices prices.csv --json
  allocate sync --tickers AAPL,MSFT,GOOGL`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Logs go to stderr so --json output stays clean
		log = logger.New(logger.Config{
			Level:  logLevel,
			Pretty: true,
			Output: os.Stderr,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
