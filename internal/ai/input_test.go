package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/database"
	"github.com/aristath/insiderscope/internal/domain"
)

func seedJudgeableEvent(t *testing.T, db *database.DB) domain.EventKey {
	t.Helper()

	ek := domain.EventKey{
		IssuerCIK:       "0000320193",
		OwnerKey:        "cik:0000000001",
		AccessionNumber: "0000320193-24-000001",
	}
	seedEvent(t, db, eventSeed{
		Key:          ek,
		Ticker:       "aapl",
		FilingDate:   "2024-02-28",
		TradeDate:    "2024-02-26",
		OwnerName:    "DOE JANE",
		OwnerTitle:   "Chief Executive Officer",
		IsOfficer:    true,
		HasBuy:       true,
		BuyShares:    100,
		BuyDollars:   50000,
		BuyVWAP:      500,
		BuyAfter:     1100,
		BuyPctChange: 10,
	})

	_, err := db.Exec(`
		INSERT INTO market_cap_cache (ticker, market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at)
		VALUES ('AAPL', 500000000, 'mid', 'eodhd', '2024-02-27T00:00:00.000000Z')`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO issuer_news (ticker, published_at, title, source, url, sentiment, news_json, fetched_at)
		VALUES ('AAPL', '2024-02-25T12:00:00Z', 'Results beat estimates', 'wire', 'https://example.com/n1', 0.4, '{}', '2024-02-26T00:00:00.000000Z'),
		       ('AAPL', '2024-02-20T12:00:00Z', 'Product recall', 'wire', 'https://example.com/n2', -0.2, '{}', '2024-02-26T00:00:00.000000Z')`)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO insider_issuer_stats (
			issuer_cik, owner_key, side, eligible_n_60d, win_rate_60d, avg_return_60d,
			eligible_n_180d, win_rate_180d, avg_return_180d, stats_version, computed_at
		) VALUES (?,?,'buy',4,0.75,0.08,2,0.5,0.03,'stats_v2','2024-02-27T00:00:00.000000Z')`,
		ek.IssuerCIK, ek.OwnerKey)
	require.NoError(t, err)

	_, err = db.Exec(`
		INSERT INTO form4_rows_raw (
			accession_number, issuer_cik, owner_key, is_derivative, transaction_code, raw_payload_json
		) VALUES (?,?,?,0,'P',?)`,
		ek.AccessionNumber, ek.IssuerCIK, ek.OwnerKey,
		`{"footnotes":[{"id":"F1","text":"  Purchase made pursuant to a Rule   10b5-1 trading plan. "}]}`)
	require.NoError(t, err)

	return ek
}

func TestBuildAIInputShape(t *testing.T) {
	db := newTestDB(t)
	ek := seedJudgeableEvent(t, db)

	input, err := BuildAIInput(db.Conn(), testCfg(), ek)
	require.NoError(t, err)

	assert.Equal(t, "ai_input_v2", input["schema_version"])
	assert.NotEmpty(t, input["asof_utc"])

	event := input["event"].(map[string]interface{})
	assert.Equal(t, ek.IssuerCIK, event["issuer_cik"])
	assert.Equal(t, "DOE JANE", event["owner_name"])
	assert.Equal(t, true, event["is_officer"])

	buy := event["buy"].(map[string]interface{})
	assert.Equal(t, true, buy["has_buy"])
	assert.Equal(t, 100.0, buy["shares"])
	assert.Equal(t, 1000.0, buy["shares_owned_before_estimate"])
	assert.InDelta(t, 10.0, buy["holdings_change_pct"].(float64), 1e-9)
	assert.InDelta(t, 1.1, buy["holdings_change_multiple"].(float64), 1e-9)
	// 50000 / 500M market cap.
	assert.InDelta(t, 0.01, buy["trade_value_pct_market_cap"].(float64), 1e-9)

	sell := event["sell"].(map[string]interface{})
	assert.Equal(t, false, sell["has_sell"])
	assert.Nil(t, sell["shares"])

	issuerCtx := input["issuer_context"].(map[string]interface{})
	assert.Equal(t, "AAPL", issuerCtx["ticker"])
	assert.Equal(t, 500000000.0, issuerCtx["market_cap"])
	assert.Equal(t, "mid", issuerCtx["market_cap_bucket"])
	news := issuerCtx["news"].([]interface{})
	require.Len(t, news, 2)
	assert.Equal(t, "Results beat estimates", news[0].(map[string]interface{})["title"])

	clusterCtx := input["cluster_context"].(map[string]interface{})
	buyCluster := clusterCtx["buy_cluster"].(map[string]interface{})
	assert.Equal(t, false, buyCluster["cluster_flag"])
	assert.Equal(t, 14, buyCluster["window_days"])

	stats := input["insider_stats"].(map[string]interface{})
	statsBuy := stats["buy"].(map[string]interface{})
	assert.Equal(t, 4, statsBuy["eligible_n_60d"])
	assert.InDelta(t, 0.75, statsBuy["win_rate_60d"].(float64), 1e-9)
	statsSell := stats["sell"].(map[string]interface{})
	assert.Equal(t, 0, statsSell["eligible_n_60d"])
	assert.Nil(t, statsSell["win_rate_60d"])

	history := input["insider_history"].(map[string]interface{})
	assert.Equal(t, "all_prior_before_current_filing", history["history_scope"])
	assert.Nil(t, history["last_buy_filing_date"])

	recent := input["issuer_recent_activity"].(map[string]interface{})
	assert.Equal(t, 30, recent["window_days"])
	assert.Equal(t, 0, recent["events_total"])

	dq := input["data_quality"].(map[string]interface{})
	assert.Equal(t, false, dq["trend_missing"])
	assert.Nil(t, dq["trend_missing_reason"])
	pctMissing := dq["pct_holdings_change_missing"].(map[string]interface{})
	assert.Equal(t, false, pctMissing["buy"])
	assert.Equal(t, true, pctMissing["sell"])

	bench := input["benchmark"].(map[string]interface{})
	assert.Equal(t, "SPY.US", bench["symbol"])

	footnotes := input["filing_context"].(map[string]interface{})["footnotes"].([]interface{})
	require.Len(t, footnotes, 1)
	assert.Equal(t, "Purchase made pursuant to a Rule 10b5-1 trading plan.", footnotes[0])

	baseline := input["baseline"].(map[string]interface{})
	buyBase := baseline["buy"].(map[string]interface{})
	assert.NotNil(t, buyBase["rating"])
	sellBase := baseline["sell"].(map[string]interface{})
	assert.Nil(t, sellBase["rating"])
}

func TestBuildAIInputCountsPriorHistory(t *testing.T) {
	db := newTestDB(t)
	ek := seedJudgeableEvent(t, db)

	// An older buy by the same owner and a buy by somebody else.
	seedEvent(t, db, eventSeed{
		Key:        domain.EventKey{IssuerCIK: ek.IssuerCIK, OwnerKey: ek.OwnerKey, AccessionNumber: "acc-old"},
		Ticker:     "AAPL",
		FilingDate: "2023-11-01", TradeDate: "2023-10-30",
		HasBuy: true, BuyShares: 50, BuyVWAP: 400, BuyAfter: 1000,
	})
	seedEvent(t, db, eventSeed{
		Key:        domain.EventKey{IssuerCIK: ek.IssuerCIK, OwnerKey: "cik:0000000002", AccessionNumber: "acc-other"},
		Ticker:     "AAPL",
		FilingDate: "2024-02-20", TradeDate: "2024-02-19",
		HasBuy: true, BuyShares: 10, BuyVWAP: 400, BuyAfter: 100,
	})

	input, err := BuildAIInput(db.Conn(), testCfg(), ek)
	require.NoError(t, err)

	history := input["insider_history"].(map[string]interface{})
	assert.Equal(t, 1, history["prior_buy_events_total"])
	assert.Equal(t, 1, history["prior_buy_events_12m"])
	assert.Equal(t, 0, history["prior_sell_events_total"])
	assert.Equal(t, "2023-11-01", history["last_buy_filing_date"])

	// The other owner's filing shows up as issuer-level recent activity.
	recent := input["issuer_recent_activity"].(map[string]interface{})
	assert.Equal(t, 1, recent["events_total"])
	assert.Equal(t, 1, recent["buy_events"])
	assert.Equal(t, 1, recent["unique_insiders"])
}

func TestBuildAIInputMissingEvent(t *testing.T) {
	db := newTestDB(t)
	_, err := BuildAIInput(db.Conn(), testCfg(), domain.EventKey{
		IssuerCIK: "0000000000", OwnerKey: "cik:0000000009", AccessionNumber: "none",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "event not found")
}

func TestInputsHashIgnoresVolatileFields(t *testing.T) {
	db := newTestDB(t)
	ek := seedJudgeableEvent(t, db)

	first, err := BuildAIInput(db.Conn(), testCfg(), ek)
	require.NoError(t, err)
	second, err := BuildAIInput(db.Conn(), testCfg(), ek)
	require.NoError(t, err)

	// asof_utc differs between builds but must not affect the hash.
	h1, err := InputsHash(first)
	require.NoError(t, err)
	h2, err := InputsHash(second)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Staleness days tick over daily; the hash must not churn with them.
	mutated := deepCopyMap(first)
	mutated["data_quality"].(map[string]interface{})["market_cap_staleness_days"] = 99
	h3, err := InputsHash(mutated)
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	// Content changes do change the hash.
	mutated2 := deepCopyMap(first)
	mutated2["event"].(map[string]interface{})["buy"].(map[string]interface{})["shares"] = 999.0
	h4, err := InputsHash(mutated2)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)

	// Canonicalization must not mutate the original input.
	assert.NotNil(t, first["asof_utc"])
}

func TestMarshalCanonicalSortsKeysCompact(t *testing.T) {
	s, err := MarshalCanonical(map[string]interface{}{
		"b": 1,
		"a": map[string]interface{}{"z": true, "y": "x<y"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"y":"x<y","z":true},"b":1}`, s)
}
