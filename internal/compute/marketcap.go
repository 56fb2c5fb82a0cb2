package compute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/clients/eodhd"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// BucketMarketCap maps a market cap in dollars to a coarse size bucket.
func BucketMarketCap(mcap *int64) string {
	if mcap == nil {
		return "unknown"
	}
	switch {
	case *mcap < 300_000_000:
		return "micro"
	case *mcap < 2_000_000_000:
		return "small"
	case *mcap < 10_000_000_000:
		return "mid"
	case *mcap < 200_000_000_000:
		return "large"
	default:
		return "mega"
	}
}

func isStale(ts string, maxAge time.Duration) bool {
	if ts == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return true
	}
	return time.Since(t) > maxAge
}

// FetchAndStoreMarketCap refreshes fundamentals for a ticker: raw payload
// into issuer_fundamentals_cache, the cap + bucket into market_cap_cache,
// and a denormalized snapshot onto the ticker's events. A fresh cache entry
// short-circuits the EODHD call entirely.
func FetchAndStoreMarketCap(ctx context.Context, tx queue.DBTX, client *eodhd.Client, cfg *config.Config, ticker string) error {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return fmt.Errorf("ticker is blank")
	}

	var cachedAt sql.NullString
	err := tx.QueryRow("SELECT market_cap_updated_at FROM market_cap_cache WHERE ticker=?", t).Scan(&cachedAt)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check market cap cache: %w", err)
	}
	if cachedAt.String != "" && !isStale(cachedAt.String, time.Duration(cfg.MarketCapMaxAgeDays)*24*time.Hour) {
		return nil
	}

	symbol, err := client.ResolveSymbol(ctx, t)
	if err != nil {
		return err
	}
	payload, err := client.FetchFundamentals(ctx, symbol)
	if err != nil {
		return err
	}

	highlights := subMap(payload, "Highlights")
	sharesStats := subMap(payload, "SharesStats")
	general := subMap(payload, "General")
	technicals := subMap(payload, "Technicals")

	marketCap := toInt64(firstNonNil(highlights, "MarketCapitalization", "MarketCapitalizationUSD", "MarketCapitalizationUsd"))
	peRatio := toFloat(firstNonNil(highlights, "PERatio", "PeRatio", "peRatio"))
	eps := toFloat(firstNonNil(highlights, "EarningsShare", "EPS", "Eps", "eps"))
	sharesOutstanding := toFloat(firstNonNil(sharesStats, "SharesOutstanding"))
	if sharesOutstanding == nil {
		sharesOutstanding = toFloat(firstNonNil(highlights, "SharesOutstanding"))
	}
	if sharesOutstanding == nil {
		sharesOutstanding = toFloat(payload["SharesOutstanding"])
	}
	sector, _ := firstNonNil(general, "Sector", "sector").(string)
	beta := toFloat(firstNonNil(technicals, "Beta", "beta"))

	now := domain.NowISO()
	bucket := BucketMarketCap(marketCap)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal fundamentals: %w", err)
	}

	// Full payload kept so more fields can be extracted later without a
	// refetch.
	if _, err := tx.Exec(`
		INSERT INTO issuer_fundamentals_cache
			(ticker, eodhd_symbol, market_cap, pe_ratio, eps, shares_outstanding, sector, beta, fundamentals_json, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ticker) DO UPDATE SET
			eodhd_symbol=excluded.eodhd_symbol,
			market_cap=excluded.market_cap,
			pe_ratio=excluded.pe_ratio,
			eps=excluded.eps,
			shares_outstanding=excluded.shares_outstanding,
			sector=excluded.sector,
			beta=excluded.beta,
			fundamentals_json=excluded.fundamentals_json,
			updated_at=excluded.updated_at`,
		t, symbol, int64Ptr(marketCap), floatPtr(peRatio), floatPtr(eps), floatPtr(sharesOutstanding),
		nullIfEmpty(sector), floatPtr(beta), string(payloadJSON), now,
	); err != nil {
		return fmt.Errorf("failed to upsert fundamentals cache: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO market_cap_cache (ticker, market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at)
		VALUES (?,?,?, 'eodhd', ?)
		ON CONFLICT(ticker) DO UPDATE SET
			market_cap=excluded.market_cap,
			market_cap_bucket=excluded.market_cap_bucket,
			market_cap_source=excluded.market_cap_source,
			market_cap_updated_at=excluded.market_cap_updated_at`,
		t, int64Ptr(marketCap), bucket, now,
	); err != nil {
		return fmt.Errorf("failed to upsert market cap cache: %w", err)
	}

	// Snapshot onto events for the UI and AI inputs.
	if _, err := tx.Exec(`
		UPDATE insider_events
		SET market_cap=?, market_cap_bucket=?, market_cap_updated_at=?
		WHERE ticker=?`,
		int64Ptr(marketCap), bucket, now, t,
	); err != nil {
		return fmt.Errorf("failed to denormalize market cap: %w", err)
	}

	return nil
}

func subMap(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}

func firstNonNil(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toInt64(v interface{}) *int64 {
	f := toFloat(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

func toFloat(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(n), 64); err == nil {
			return &f
		}
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func int64Ptr(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}
