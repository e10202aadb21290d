package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/allocator/internal/config"
	"github.com/aristath/allocator/internal/di"
)

// syncCmd fetches price history into the local store
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch price history and market caps into the local store",
	Long: `Fetch price history and market caps from Yahoo Finance into the sqlite
price store under DATA_DIR. Without --tickers the configured
DEFAULT_UNIVERSE is refreshed.

Examples:
  allocate sync --tickers AAPL,MSFT
  allocate sync --timeout 2m`,
	RunE: runSync,
}

// Sync command flags
var (
	syncTickers string
	syncTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVar(&syncTickers, "tickers", "", "Comma separated symbols (default: DEFAULT_UNIVERSE)")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 5*time.Minute, "Overall timeout for the sync")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	symbols := parseTickers(syncTickers)
	if len(symbols) == 0 {
		symbols = cfg.DefaultUniverse
	}

	container, _, err := di.Wire(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to wire dependencies: %w", err)
	}
	defer container.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	report, err := container.SyncService.Sync(ctx, symbols)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Synced %d symbols, %d rows written, %d market caps, %d prices repaired\n",
		report.Run.Symbols-report.Run.Failed, report.Run.RowsWritten, report.MarketCaps, report.Interpolated)

	failed := make([]string, 0, len(report.Failed))
	for symbol := range report.Failed {
		failed = append(failed, symbol)
	}
	sort.Strings(failed)
	for _, symbol := range failed {
		fmt.Fprintf(out, "failed: %s: %s\n", symbol, report.Failed[symbol])
	}
	return nil
}

func parseTickers(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}
