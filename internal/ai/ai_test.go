package ai

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
	"github.com/aristath/insiderscope/internal/domain"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "ai_test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func testCfg() *config.Config {
	return &config.Config{
		GeminiAPIKey:    "test-key",
		GeminiModel:     "gemini-test",
		AITemperature:   0.5,
		AIMaxTokens:     5000,
		AIInputVersion:  "ai_input_v2",
		AIOutputVersion: "ai_output_v1",
		PromptVersion:   "prompt_ai_v4",
		BenchmarkSymbol: "SPY.US",
	}
}

type eventSeed struct {
	Key        domain.EventKey
	Ticker     string
	FilingDate string
	TradeDate  string
	OwnerName  string
	OwnerTitle string
	IsOfficer  bool
	IsDirector bool

	HasBuy       bool
	BuyShares    float64
	BuyDollars   float64
	BuyVWAP      float64
	BuyAfter     float64
	BuyPctChange float64

	HasSell bool
}

func seedEvent(t *testing.T, db *database.DB, ev eventSeed) {
	t.Helper()

	filingDate := ev.FilingDate
	if filingDate == "" {
		filingDate = "2024-02-28"
	}

	_, err := db.Exec(`
		INSERT INTO insider_events (
			issuer_cik, owner_key, accession_number, ticker, filing_date, event_trade_date,
			owner_name_display, owner_title, is_officer, is_director,
			has_buy, buy_trade_date, buy_shares_total, buy_dollars_total, buy_vwap_price,
			buy_shares_owned_following, buy_pct_holdings_change, buy_vwap_is_partial,
			has_sell,
			parse_version, event_computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Key.IssuerCIK, ev.Key.OwnerKey, ev.Key.AccessionNumber,
		zeroStrToNull(ev.Ticker), filingDate, zeroStrToNull(ev.TradeDate),
		zeroStrToNull(ev.OwnerName), zeroStrToNull(ev.OwnerTitle), b2i(ev.IsOfficer), b2i(ev.IsDirector),
		b2i(ev.HasBuy), zeroStrToNull(ev.TradeDate), zeroToNull(ev.BuyShares), zeroToNull(ev.BuyDollars), zeroToNull(ev.BuyVWAP),
		zeroToNull(ev.BuyAfter), zeroToNull(ev.BuyPctChange), 0,
		b2i(ev.HasSell),
		"form4_parse_v1.1", "2024-02-28T00:00:00.000000Z",
	)
	require.NoError(t, err)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func zeroToNull(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

func zeroStrToNull(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
