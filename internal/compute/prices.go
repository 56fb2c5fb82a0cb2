package compute

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/clients/eodhd"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// FetchAndStorePricesForIssuer refreshes the issuer's daily adjusted close
// series. Incremental: when prices exist, only the last 30 days before the
// latest stored date onward are re-fetched; the upsert makes overlaps safe.
func FetchAndStorePricesForIssuer(ctx context.Context, tx queue.DBTX, client *eodhd.Client, cfg *config.Config, issuerCIK string) error {
	if cfg.EODHDAPIKey == "" {
		return fmt.Errorf("EODHD_API_KEY is not set")
	}

	var ticker sql.NullString
	err := tx.QueryRow("SELECT current_ticker FROM issuer_master WHERE issuer_cik=?", issuerCIK).Scan(&ticker)
	if err != nil || ticker.String == "" {
		return fmt.Errorf("no current_ticker for issuer_cik=%s, cannot fetch prices", issuerCIK)
	}

	symbol, err := client.ResolveSymbol(ctx, ticker.String)
	if err != nil {
		return err
	}

	end := time.Now().UTC().Format("2006-01-02")
	start := incrementalStart(tx, "SELECT MAX(date) FROM issuer_prices_daily WHERE issuer_cik=?", issuerCIK)

	prices, err := client.FetchEODPrices(ctx, symbol, start, end)
	if err != nil {
		return err
	}

	updatedAt := domain.NowISO()
	for _, p := range prices {
		if _, err := tx.Exec(`
			INSERT INTO issuer_prices_daily (issuer_cik, date, adj_close, source_ticker, updated_at)
			VALUES (?,?,?,?,?)
			ON CONFLICT(issuer_cik, date) DO UPDATE SET
				adj_close=excluded.adj_close,
				source_ticker=excluded.source_ticker,
				updated_at=excluded.updated_at`,
			issuerCIK, p.Date, p.AdjClose, symbol, updatedAt,
		); err != nil {
			return fmt.Errorf("failed to upsert issuer price: %w", err)
		}
	}
	return nil
}

// FetchAndStoreBenchmarkPrices refreshes the benchmark series used for
// excess-return outcomes. Returns the resolved EODHD symbol.
func FetchAndStoreBenchmarkPrices(ctx context.Context, tx queue.DBTX, client *eodhd.Client, cfg *config.Config, symbol string) (string, error) {
	if cfg.EODHDAPIKey == "" {
		return "", fmt.Errorf("EODHD_API_KEY is not set")
	}

	symIn := strings.TrimSpace(symbol)
	if symIn == "" {
		symIn = strings.TrimSpace(cfg.BenchmarkSymbol)
	}
	if symIn == "" {
		return "", fmt.Errorf("BENCHMARK_SYMBOL is blank")
	}

	sym, err := client.ResolveSymbol(ctx, symIn)
	if err != nil {
		return "", err
	}

	end := time.Now().UTC().Format("2006-01-02")
	start := incrementalStart(tx, "SELECT MAX(date) FROM benchmark_prices_daily WHERE symbol=?", sym)

	prices, err := client.FetchEODPrices(ctx, sym, start, end)
	if err != nil {
		return "", err
	}

	updatedAt := domain.NowISO()
	for _, p := range prices {
		if _, err := tx.Exec(`
			INSERT INTO benchmark_prices_daily (symbol, date, adj_close, updated_at)
			VALUES (?,?,?,?)
			ON CONFLICT(symbol, date) DO UPDATE SET
				adj_close=excluded.adj_close,
				updated_at=excluded.updated_at`,
			sym, p.Date, p.AdjClose, updatedAt,
		); err != nil {
			return "", fmt.Errorf("failed to upsert benchmark price: %w", err)
		}
	}
	return sym, nil
}

func incrementalStart(tx queue.DBTX, maxDateQuery string, arg interface{}) string {
	var maxDate sql.NullString
	if err := tx.QueryRow(maxDateQuery, arg).Scan(&maxDate); err == nil && maxDate.String != "" {
		if t, perr := time.Parse("2006-01-02", maxDate.String[:10]); perr == nil {
			return t.AddDate(0, 0, -30).Format("2006-01-02")
		}
	}
	return "2000-01-01"
}
