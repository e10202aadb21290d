package universe

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/allocator/internal/database"
	"github.com/aristath/allocator/internal/modules/optimization"
	"github.com/rs/zerolog"
)

// HistoryDB provides access to stored close prices and market caps
type HistoryDB struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryDB creates a new history database accessor
func NewHistoryDB(db *sql.DB, log zerolog.Logger) *HistoryDB {
	return &HistoryDB{
		db:  db,
		log: log.With().Str("component", "history_db").Logger(),
	}
}

// SyncRun records the outcome of one price refresh.
type SyncRun struct {
	ID          int64     `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Symbols     int       `json:"symbols"`
	Failed      int       `json:"failed"`
	RowsWritten int       `json:"rows_written"`
}

// LoadPrices returns the close prices of symbols observed on or after since,
// in ascending date order. Symbols without stored prices are absent.
func (h *HistoryDB) LoadPrices(symbols []string, since time.Time) (optimization.PriceSeries, error) {
	series := make(optimization.PriceSeries, len(symbols))
	if len(symbols) == 0 {
		return series, nil
	}

	query := fmt.Sprintf(`
		SELECT symbol, date, close
		FROM daily_prices
		WHERE symbol IN (%s) AND date >= ?
		ORDER BY symbol, date ASC
	`, placeholders(len(symbols)))

	args := make([]interface{}, 0, len(symbols)+1)
	for _, s := range symbols {
		args = append(args, s)
	}
	args = append(args, since.Unix())

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily prices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var dateUnix int64
		var p optimization.PricePoint
		if err := rows.Scan(&symbol, &dateUnix, &p.Close); err != nil {
			return nil, fmt.Errorf("failed to scan daily price: %w", err)
		}
		p.Date = time.Unix(dateUnix, 0).UTC()
		series[symbol] = append(series[symbol], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily prices: %w", err)
	}

	h.log.Debug().
		Int("requested", len(symbols)).
		Int("found", len(series)).
		Msg("Loaded stored prices")
	return series, nil
}

// LoadMarketCaps returns the stored market caps of symbols. Symbols without
// a stored cap are absent from the result.
func (h *HistoryDB) LoadMarketCaps(symbols []string) (map[string]float64, error) {
	caps := make(map[string]float64, len(symbols))
	if len(symbols) == 0 {
		return caps, nil
	}

	query := fmt.Sprintf(`SELECT symbol, market_cap FROM market_caps WHERE symbol IN (%s)`, placeholders(len(symbols)))
	args := make([]interface{}, len(symbols))
	for i, s := range symbols {
		args[i] = s
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query market caps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var symbol string
		var mc float64
		if err := rows.Scan(&symbol, &mc); err != nil {
			return nil, fmt.Errorf("failed to scan market cap: %w", err)
		}
		caps[symbol] = mc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating market caps: %w", err)
	}
	return caps, nil
}

// UpsertPrices inserts or replaces the close prices of one symbol in a
// single transaction and returns the number of rows written.
func (h *HistoryDB) UpsertPrices(symbol string, points []optimization.PricePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	written := 0
	err := database.WithTransaction(h.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO daily_prices (symbol, date, close, source)
			VALUES (?, ?, ?, 'yahoo')
			ON CONFLICT(symbol, date) DO UPDATE SET close = excluded.close, source = excluded.source
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			day := p.Date.UTC().Truncate(24 * time.Hour)
			if _, err := stmt.Exec(symbol, day.Unix(), p.Close); err != nil {
				return fmt.Errorf("failed to insert price for %s on %s: %w", symbol, day.Format("2006-01-02"), err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	h.log.Debug().Str("symbol", symbol).Int("rows", written).Msg("Stored prices")
	return written, nil
}

// UpsertMarketCaps stores the given caps, stamped with at.
func (h *HistoryDB) UpsertMarketCaps(caps map[string]float64, at time.Time) error {
	if len(caps) == 0 {
		return nil
	}
	return database.WithTransaction(h.db, func(tx *sql.Tx) error {
		for symbol, mc := range caps {
			_, err := tx.Exec(`
				INSERT INTO market_caps (symbol, market_cap, updated_at)
				VALUES (?, ?, ?)
				ON CONFLICT(symbol) DO UPDATE SET market_cap = excluded.market_cap, updated_at = excluded.updated_at
			`, symbol, mc, at.Unix())
			if err != nil {
				return fmt.Errorf("failed to store market cap for %s: %w", symbol, err)
			}
		}
		return nil
	})
}

// Symbols lists every symbol with at least one stored price.
func (h *HistoryDB) Symbols() ([]string, error) {
	rows, err := h.db.Query(`SELECT DISTINCT symbol FROM daily_prices ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// RecordSyncRun appends run to the sync log and returns its id.
func (h *HistoryDB) RecordSyncRun(run SyncRun) (int64, error) {
	res, err := h.db.Exec(`
		INSERT INTO sync_runs (started_at, finished_at, symbols, failed, rows_written)
		VALUES (?, ?, ?, ?, ?)
	`, run.StartedAt.Unix(), run.FinishedAt.Unix(), run.Symbols, run.Failed, run.RowsWritten)
	if err != nil {
		return 0, fmt.Errorf("failed to record sync run: %w", err)
	}
	return res.LastInsertId()
}

// LastSyncRun returns the most recent sync run, or nil when none was recorded.
func (h *HistoryDB) LastSyncRun() (*SyncRun, error) {
	var run SyncRun
	var started, finished int64
	err := h.db.QueryRow(`
		SELECT id, started_at, finished_at, symbols, failed, rows_written
		FROM sync_runs
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&run.ID, &started, &finished, &run.Symbols, &run.Failed, &run.RowsWritten)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last sync run: %w", err)
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	run.FinishedAt = time.Unix(finished, 0).UTC()
	return &run, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
