package compute

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "compute_test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testCfg() *config.Config {
	return &config.Config{
		ParseVersion:    "form4_parse_v1.1",
		TrendVersion:    "trend_v1",
		OutcomesVersion: "outcomes_v2",
		StatsVersion:    "stats_v2",
		ClusterVersion:  "cluster_v1",
		BenchmarkSymbol: "SPY.US",
	}
}

// seedDailyPrices inserts n consecutive calendar-day closes starting at
// start, and returns the dates and closes in series order.
func seedDailyPrices(t *testing.T, db *database.DB, table, keyCol, key, start string, closes []float64) []string {
	t.Helper()

	d, err := time.Parse("2006-01-02", start)
	require.NoError(t, err)

	dates := make([]string, len(closes))
	for i, c := range closes {
		dates[i] = d.AddDate(0, 0, i).Format("2006-01-02")
		_, err := db.Exec(
			"INSERT INTO "+table+" ("+keyCol+", date, adj_close, updated_at) VALUES (?,?,?,?)",
			key, dates[i], c, "2024-01-01T00:00:00.000000Z",
		)
		require.NoError(t, err)
	}
	return dates
}

func rampingCloses(n int, base, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = base + float64(i)*step
	}
	return out
}

// insertEvent seeds a minimal insider_events row for trend/outcomes/cluster
// tests that do not go through aggregation.
type eventSeed struct {
	IssuerCIK      string
	OwnerKey       string
	Accession      string
	Ticker         string
	EventTradeDate string
	HasBuy         bool
	BuyTradeDate   string
	BuyVWAP        float64
	BuyDollars     float64
	BuyPctChange   float64
	HasSell        bool
	SellTradeDate  string
	SellVWAP       float64
	SellDollars    float64
	IsOfficer      bool
}

func insertEvent(t *testing.T, db *database.DB, ev eventSeed) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO insider_events (
			issuer_cik, owner_key, accession_number, ticker, filing_date, event_trade_date,
			is_officer,
			has_buy, buy_trade_date, buy_vwap_price, buy_dollars_total, buy_pct_holdings_change,
			has_sell, sell_trade_date, sell_vwap_price, sell_dollars_total,
			parse_version, event_computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.IssuerCIK, ev.OwnerKey, ev.Accession, nullIfEmpty(ev.Ticker), "2024-01-02", nullIfEmpty(ev.EventTradeDate),
		boolToInt(ev.IsOfficer),
		boolToInt(ev.HasBuy), nullIfEmpty(ev.BuyTradeDate), zeroToNull(ev.BuyVWAP), zeroToNull(ev.BuyDollars), zeroToNull(ev.BuyPctChange),
		boolToInt(ev.HasSell), nullIfEmpty(ev.SellTradeDate), zeroToNull(ev.SellVWAP), zeroToNull(ev.SellDollars),
		"form4_parse_v1.1", "2024-01-02T00:00:00.000000Z",
	)
	require.NoError(t, err)
}

func zeroToNull(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}
