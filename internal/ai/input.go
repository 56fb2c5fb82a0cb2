package ai

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/identity"
	"github.com/aristath/insiderscope/internal/queue"
)

// eventRow mirrors the insider_events columns the input builder reads.
type eventRow struct {
	IssuerCIK       string
	OwnerKey        string
	AccessionNumber string
	Ticker          sql.NullString
	FilingDate      sql.NullString
	EventTradeDate  sql.NullString

	OwnerCIK         sql.NullString
	OwnerNameDisplay sql.NullString
	OwnerTitle       sql.NullString
	IsOfficer        sql.NullInt64
	IsDirector       sql.NullInt64
	IsTenPercent     sql.NullInt64

	HasBuy      int
	BuyDate     sql.NullString
	BuyShares   sql.NullFloat64
	BuyDollars  sql.NullFloat64
	BuyVWAP     sql.NullFloat64
	BuyAfter    sql.NullFloat64
	BuyPct      sql.NullFloat64
	BuyPartial  sql.NullInt64
	HasSell     int
	SellDate    sql.NullString
	SellShares  sql.NullFloat64
	SellDollars sql.NullFloat64
	SellVWAP    sql.NullFloat64
	SellAfter   sql.NullFloat64
	SellPct     sql.NullFloat64
	SellPartial sql.NullInt64

	NonOpenMarketRows int
	DerivativeRows    int

	TrendAnchorDate sql.NullString
	TrendClose      sql.NullFloat64
	TrendRet20      sql.NullFloat64
	TrendRet60      sql.NullFloat64
	TrendDistHigh   sql.NullFloat64
	TrendDistLow    sql.NullFloat64
	TrendAboveSMA50 sql.NullInt64
	TrendAbove200   sql.NullInt64
	TrendMissing    sql.NullString

	ClusterFlagBuy  sql.NullInt64
	ClusterIDBuy    sql.NullString
	ClusterFlagSell sql.NullInt64
	ClusterIDSell   sql.NullString
}

func loadEventRow(tx queue.DBTX, ek domain.EventKey) (*eventRow, error) {
	var r eventRow
	err := tx.QueryRow(`
		SELECT issuer_cik, owner_key, accession_number, ticker, filing_date, event_trade_date,
		       owner_cik, owner_name_display, owner_title, is_officer, is_director, is_ten_percent_owner,
		       has_buy, buy_trade_date, buy_shares_total, buy_dollars_total, buy_vwap_price,
		       buy_shares_owned_following, buy_pct_holdings_change, buy_vwap_is_partial,
		       has_sell, sell_trade_date, sell_shares_total, sell_dollars_total, sell_vwap_price,
		       sell_shares_owned_following, sell_pct_holdings_change, sell_vwap_is_partial,
		       non_open_market_row_count, derivative_row_count,
		       trend_anchor_trading_date, trend_close, trend_ret_20d, trend_ret_60d,
		       trend_dist_52w_high, trend_dist_52w_low, trend_above_sma_50, trend_above_sma_200,
		       trend_missing_reason,
		       cluster_flag_buy, cluster_id_buy, cluster_flag_sell, cluster_id_sell
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	).Scan(
		&r.IssuerCIK, &r.OwnerKey, &r.AccessionNumber, &r.Ticker, &r.FilingDate, &r.EventTradeDate,
		&r.OwnerCIK, &r.OwnerNameDisplay, &r.OwnerTitle, &r.IsOfficer, &r.IsDirector, &r.IsTenPercent,
		&r.HasBuy, &r.BuyDate, &r.BuyShares, &r.BuyDollars, &r.BuyVWAP,
		&r.BuyAfter, &r.BuyPct, &r.BuyPartial,
		&r.HasSell, &r.SellDate, &r.SellShares, &r.SellDollars, &r.SellVWAP,
		&r.SellAfter, &r.SellPct, &r.SellPartial,
		&r.NonOpenMarketRows, &r.DerivativeRows,
		&r.TrendAnchorDate, &r.TrendClose, &r.TrendRet20, &r.TrendRet60,
		&r.TrendDistHigh, &r.TrendDistLow, &r.TrendAboveSMA50, &r.TrendAbove200,
		&r.TrendMissing,
		&r.ClusterFlagBuy, &r.ClusterIDBuy, &r.ClusterFlagSell, &r.ClusterIDSell,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("event not found: %s", ek)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &r, nil
}

// BuildAIInput assembles the ai_input_v2 document from persisted computed
// fields. The model is never asked to do arithmetic, so every derived figure
// the prompt mentions is precomputed here.
func BuildAIInput(tx queue.DBTX, cfg *config.Config, ek domain.EventKey) (map[string]interface{}, error) {
	row, err := loadEventRow(tx, ek)
	if err != nil {
		return nil, err
	}

	ticker := strings.ToUpper(strings.TrimSpace(row.Ticker.String))

	issuerContext, mcapStaleDays, err := buildIssuerContext(tx, ticker)
	if err != nil {
		return nil, err
	}

	buyCluster, err := fetchClusterContext(tx, row.ClusterIDBuy, row.ClusterFlagBuy)
	if err != nil {
		return nil, err
	}
	sellCluster, err := fetchClusterContext(tx, row.ClusterIDSell, row.ClusterFlagSell)
	if err != nil {
		return nil, err
	}

	statsBuy, err := fetchStats(tx, ek.IssuerCIK, ek.OwnerKey, "buy")
	if err != nil {
		return nil, err
	}
	statsSell, err := fetchStats(tx, ek.IssuerCIK, ek.OwnerKey, "sell")
	if err != nil {
		return nil, err
	}

	benchmarkSymbol := resolveBenchmarkSymbol(tx, cfg)

	trendMissing := row.TrendMissing.String != ""
	trendContext := map[string]interface{}{
		"price_reference": map[string]interface{}{
			"trade_date":           nullStr(row.EventTradeDate),
			"nearest_trading_date": nullStr(row.TrendAnchorDate),
			"close":                nullF(row.TrendClose),
		},
		"pre_returns": map[string]interface{}{
			"ret_20d": nullF(row.TrendRet20),
			"ret_60d": nullF(row.TrendRet60),
		},
		"range_position": map[string]interface{}{
			"dist_52w_high": nullF(row.TrendDistHigh),
			"dist_52w_low":  nullF(row.TrendDistLow),
		},
		"moving_averages": map[string]interface{}{
			"above_sma_50":  nullBool(row.TrendAboveSMA50),
			"above_sma_200": nullBool(row.TrendAbove200),
		},
	}

	event := map[string]interface{}{
		"issuer_cik":           row.IssuerCIK,
		"ticker":               nullStr(row.Ticker),
		"accession_number":     row.AccessionNumber,
		"filing_date":          nullStr(row.FilingDate),
		"event_trade_date":     nullStr(row.EventTradeDate),
		"owner_key":            row.OwnerKey,
		"owner_cik":            nullStr(row.OwnerCIK),
		"owner_name":           nullStr(row.OwnerNameDisplay),
		"owner_title":          nullStr(row.OwnerTitle),
		"is_officer":           nullBool(row.IsOfficer),
		"is_director":          nullBool(row.IsDirector),
		"is_ten_percent_owner": nullBool(row.IsTenPercent),
		"buy":                  sidePayload(row, "buy", issuerContext),
		"sell":                 sidePayload(row, "sell", issuerContext),
		"other_activity_summary": map[string]interface{}{
			"non_open_market_row_count": row.NonOpenMarketRows,
			"derivative_row_count":      row.DerivativeRows,
			"notes":                     nil,
		},
	}

	insiderHistory, err := fetchInsiderHistory(tx, ek.IssuerCIK, ek.OwnerKey, row.FilingDate.String, ek.AccessionNumber)
	if err != nil {
		return nil, err
	}
	recentActivity, err := fetchIssuerRecentActivity(tx, ek.IssuerCIK, row.FilingDate.String, ek.AccessionNumber)
	if err != nil {
		return nil, err
	}

	dataQuality := map[string]interface{}{
		"buy_vwap_is_partial":  nullBool(row.BuyPartial),
		"sell_vwap_is_partial": nullBool(row.SellPartial),
		"pct_holdings_change_missing": map[string]interface{}{
			"buy":  !row.BuyPct.Valid,
			"sell": !row.SellPct.Valid,
		},
		"trend_missing":             trendMissing,
		"trend_missing_reason":      nullStr(row.TrendMissing),
		"market_cap_staleness_days": mcapStaleDays,
	}

	footnotes, err := fetchFilingFootnotes(tx, ek.IssuerCIK, ek.AccessionNumber)
	if err != nil {
		return nil, err
	}

	aiInput := map[string]interface{}{
		"schema_version": cfg.AIInputVersion,
		"asof_utc":       domain.NowISO(),
		"event":          event,
		"issuer_context": issuerContext,
		"cluster_context": map[string]interface{}{
			"buy_cluster":  buyCluster,
			"sell_cluster": sellCluster,
		},
		"insider_stats": map[string]interface{}{
			"buy":   statsBuy,
			"sell":  statsSell,
			"notes": "avg_return_* are excess returns vs benchmark (trade_return - benchmark_return); see $.benchmark.symbol",
		},
		"insider_history":        insiderHistory,
		"issuer_recent_activity": recentActivity,
		"trend_context":          trendContext,
		"data_quality":           dataQuality,
		"benchmark":              map[string]interface{}{"symbol": benchmarkSymbol},
		"filing_context": map[string]interface{}{
			"footnotes": footnotes,
			"notes":     "Footnotes are extracted from the filing when available; treat as context, not as definitive intent.",
		},
	}

	// Deterministic anchor the model adjusts from, rather than guessing.
	aiInput["baseline"] = computeBaseline(aiInput)
	return aiInput, nil
}

func sidePayload(row *eventRow, side string, issuerContext map[string]interface{}) map[string]interface{} {
	var has bool
	var tradeDate sql.NullString
	var shares, dollars, vwap, after sql.NullFloat64
	if side == "buy" {
		has = row.HasBuy == 1
		tradeDate, shares, dollars, vwap, after = row.BuyDate, row.BuyShares, row.BuyDollars, row.BuyVWAP, row.BuyAfter
	} else {
		has = row.HasSell == 1
		tradeDate, shares, dollars, vwap, after = row.SellDate, row.SellShares, row.SellDollars, row.SellVWAP, row.SellAfter
	}

	var before, pct, multiple, tradeValuePctMcap interface{}
	if shares.Valid && after.Valid && shares.Float64 > 0 {
		var b float64
		if side == "buy" {
			b = after.Float64 - shares.Float64
		} else {
			b = after.Float64 + shares.Float64
		}
		before = b
		if b > 0 {
			pct = shares.Float64 / b * 100.0
			multiple = after.Float64 / b
		}
	}

	if dollars.Valid && dollars.Float64 > 0 {
		if mc := asFloat(issuerContext["market_cap"]); mc != nil && *mc > 0 {
			tradeValuePctMcap = dollars.Float64 / *mc * 100.0
		}
	}

	return map[string]interface{}{
		"has_" + side: has,
		"trade_date":  nullStr(tradeDate),
		"shares":      nullF(shares),
		"dollars":     nullF(dollars),
		"vwap_price":  nullF(vwap),

		"trade_value_pct_market_cap": tradeValuePctMcap,

		"shares_owned_before_estimate": before,
		"shares_owned_after":           nullF(after),
		"holdings_change_pct":          pct,      // percent units: 190 means +190%
		"holdings_change_multiple":     multiple, // after/before: 2.9 means 2.9x
	}
}

func buildIssuerContext(tx queue.DBTX, ticker string) (map[string]interface{}, interface{}, error) {
	ctx := map[string]interface{}{
		"ticker":                nullIfBlank(ticker),
		"market_cap":            nil,
		"market_cap_bucket":     nil,
		"market_cap_source":     nil,
		"market_cap_updated_at": nil,
	}
	if ticker == "" {
		return ctx, nil, nil
	}

	var mcap sql.NullInt64
	var bucket, source, updatedAt sql.NullString
	err := tx.QueryRow(
		"SELECT market_cap, market_cap_bucket, market_cap_source, market_cap_updated_at FROM market_cap_cache WHERE ticker=?",
		ticker,
	).Scan(&mcap, &bucket, &source, &updatedAt)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to load market cap cache: %w", err)
	}

	var staleDays interface{}
	if err == nil {
		if mcap.Valid {
			ctx["market_cap"] = float64(mcap.Int64)
		}
		ctx["market_cap_bucket"] = nullStr(bucket)
		ctx["market_cap_source"] = nullStr(source)
		ctx["market_cap_updated_at"] = nullStr(updatedAt)
		if updatedAt.String != "" {
			staleDays = isoDateDiffDays(updatedAt.String, time.Now().UTC())
		}
	}

	var symbol sql.NullString
	var fMcap sql.NullInt64
	var pe, eps, sharesOut sql.NullFloat64
	var fUpdated sql.NullString
	err = tx.QueryRow(`
		SELECT eodhd_symbol, market_cap, pe_ratio, eps, shares_outstanding, updated_at
		FROM issuer_fundamentals_cache WHERE ticker=?`, ticker,
	).Scan(&symbol, &fMcap, &pe, &eps, &sharesOut, &fUpdated)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to load fundamentals cache: %w", err)
	}
	if err == nil {
		fundamentals := map[string]interface{}{
			"eodhd_symbol":       nullStr(symbol),
			"market_cap":         nil,
			"pe_ratio":           nullF(pe),
			"eps":                nullF(eps),
			"shares_outstanding": nullF(sharesOut),
			"updated_at":         nullStr(fUpdated),
		}
		if fMcap.Valid {
			fundamentals["market_cap"] = float64(fMcap.Int64)
		}
		ctx["fundamentals"] = fundamentals
	}

	// A handful of recent headlines; more bloats the prompt without adding
	// signal.
	rows, err := tx.Query(`
		SELECT published_at, title, source, url, sentiment
		FROM issuer_news WHERE ticker=?
		ORDER BY published_at DESC LIMIT 8`, ticker)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load news: %w", err)
	}
	defer rows.Close()

	var news []interface{}
	for rows.Next() {
		var publishedAt, title, source, url sql.NullString
		var sentiment sql.NullFloat64
		if err := rows.Scan(&publishedAt, &title, &source, &url, &sentiment); err != nil {
			return nil, nil, fmt.Errorf("failed to scan news row: %w", err)
		}
		news = append(news, map[string]interface{}{
			"published_at": nullStr(publishedAt),
			"title":        nullStr(title),
			"source":       nullStr(source),
			"url":          nullStr(url),
			"sentiment":    nullF(sentiment),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(news) > 0 {
		ctx["news"] = news
	}

	return ctx, staleDays, nil
}

func fetchClusterContext(tx queue.DBTX, clusterID sql.NullString, flag sql.NullInt64) (map[string]interface{}, error) {
	empty := func(flagged bool, id interface{}) map[string]interface{} {
		return map[string]interface{}{
			"cluster_flag":            flagged,
			"cluster_id":              id,
			"window_days":             14,
			"unique_insiders":         nil,
			"total_dollars":           nil,
			"execs_involved":          nil,
			"max_pct_holdings_change": nil,
		}
	}

	if !flag.Valid || flag.Int64 == 0 || clusterID.String == "" {
		return empty(false, nil), nil
	}

	var uniqueInsiders int
	var totalDollars float64
	var execsInvolved int
	var maxPct sql.NullFloat64
	err := tx.QueryRow(
		"SELECT unique_insiders, total_dollars, execs_involved, max_pct_holdings_change FROM clusters WHERE cluster_id=?",
		clusterID.String,
	).Scan(&uniqueInsiders, &totalDollars, &execsInvolved, &maxPct)
	if err == sql.ErrNoRows {
		return empty(true, clusterID.String), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster: %w", err)
	}

	return map[string]interface{}{
		"cluster_flag":            true,
		"cluster_id":              clusterID.String,
		"window_days":             14,
		"unique_insiders":         uniqueInsiders,
		"total_dollars":           totalDollars,
		"execs_involved":          execsInvolved == 1,
		"max_pct_holdings_change": nullF(maxPct),
	}, nil
}

func fetchStats(tx queue.DBTX, issuerCIK, ownerKey, side string) (map[string]interface{}, error) {
	var n60, n180 int
	var win60, avg60, win180, avg180 sql.NullFloat64
	err := tx.QueryRow(`
		SELECT eligible_n_60d, win_rate_60d, avg_return_60d, eligible_n_180d, win_rate_180d, avg_return_180d
		FROM insider_issuer_stats WHERE issuer_cik=? AND owner_key=? AND side=?`,
		issuerCIK, ownerKey, side,
	).Scan(&n60, &win60, &avg60, &n180, &win180, &avg180)
	if err == sql.ErrNoRows {
		return map[string]interface{}{
			"eligible_n_60d": 0, "win_rate_60d": nil, "avg_return_60d": nil,
			"eligible_n_180d": 0, "win_rate_180d": nil, "avg_return_180d": nil,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}
	return map[string]interface{}{
		"eligible_n_60d": n60, "win_rate_60d": nullF(win60), "avg_return_60d": nullF(avg60),
		"eligible_n_180d": n180, "win_rate_180d": nullF(win180), "avg_return_180d": nullF(avg180),
	}, nil
}

func fetchInsiderHistory(tx queue.DBTX, issuerCIK, ownerKey, filingDate, accession string) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"window_years":            nil,
		"history_scope":           "all_prior_before_current_filing",
		"prior_buy_events_total":  nil,
		"prior_sell_events_total": nil,
		"prior_buy_events_12m":    nil,
		"prior_sell_events_12m":   nil,
		"last_buy_filing_date":    nil,
		"last_sell_filing_date":   nil,
	}

	curDate, err := time.Parse("2006-01-02", filingDate)
	if err != nil {
		return out, nil
	}
	cutoff12m := curDate.AddDate(0, 0, -365).Format("2006-01-02")
	cur := curDate.Format("2006-01-02")

	var buyTotal, sellTotal, buy12m, sell12m sql.NullInt64
	err = tx.QueryRow(`
		SELECT
			SUM(CASE WHEN has_buy=1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN has_sell=1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN has_buy=1 AND filing_date>=? THEN 1 ELSE 0 END),
			SUM(CASE WHEN has_sell=1 AND filing_date>=? THEN 1 ELSE 0 END)
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND filing_date<? AND accession_number<>?`,
		cutoff12m, cutoff12m, issuerCIK, ownerKey, cur, accession,
	).Scan(&buyTotal, &sellTotal, &buy12m, &sell12m)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load insider history: %w", err)
	}

	out["prior_buy_events_total"] = nullInt(buyTotal)
	out["prior_sell_events_total"] = nullInt(sellTotal)
	out["prior_buy_events_12m"] = nullInt(buy12m)
	out["prior_sell_events_12m"] = nullInt(sell12m)

	var lastBuy, lastSell sql.NullString
	err = tx.QueryRow(`
		SELECT MAX(filing_date) FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND has_buy=1 AND filing_date<? AND accession_number<>?`,
		issuerCIK, ownerKey, cur, accession,
	).Scan(&lastBuy)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load last buy date: %w", err)
	}
	err = tx.QueryRow(`
		SELECT MAX(filing_date) FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND has_sell=1 AND filing_date<? AND accession_number<>?`,
		issuerCIK, ownerKey, cur, accession,
	).Scan(&lastSell)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load last sell date: %w", err)
	}
	out["last_buy_filing_date"] = nullStr(lastBuy)
	out["last_sell_filing_date"] = nullStr(lastSell)

	return out, nil
}

func fetchIssuerRecentActivity(tx queue.DBTX, issuerCIK, filingDate, accession string) (map[string]interface{}, error) {
	out := map[string]interface{}{
		"window_days":     30,
		"events_total":    nil,
		"buy_events":      nil,
		"sell_events":     nil,
		"unique_insiders": nil,
	}

	curDate, err := time.Parse("2006-01-02", filingDate)
	if err != nil {
		return out, nil
	}
	cutoff30 := curDate.AddDate(0, 0, -30).Format("2006-01-02")
	cur := curDate.Format("2006-01-02")

	var eventsTotal, uniqueInsiders int
	var buyEvents, sellEvents sql.NullInt64
	err = tx.QueryRow(`
		SELECT COUNT(*),
		       SUM(CASE WHEN has_buy=1 THEN 1 ELSE 0 END),
		       SUM(CASE WHEN has_sell=1 THEN 1 ELSE 0 END),
		       COUNT(DISTINCT owner_key)
		FROM insider_events
		WHERE issuer_cik=? AND filing_date>=? AND filing_date<? AND accession_number<>?`,
		issuerCIK, cutoff30, cur, accession,
	).Scan(&eventsTotal, &buyEvents, &sellEvents, &uniqueInsiders)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load issuer recent activity: %w", err)
	}

	out["events_total"] = eventsTotal
	out["buy_events"] = nullInt(buyEvents)
	out["sell_events"] = nullInt(sellEvents)
	out["unique_insiders"] = uniqueInsiders
	return out, nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// fetchFilingFootnotes pulls footnote texts persisted with the raw rows.
// Deduped and truncated so they stay within the prompt's token budget.
func fetchFilingFootnotes(tx queue.DBTX, issuerCIK, accession string) ([]interface{}, error) {
	rows, err := tx.Query(
		"SELECT raw_payload_json FROM form4_rows_raw WHERE issuer_cik=? AND accession_number=? ORDER BY row_id ASC",
		issuerCIK, accession,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load raw rows for footnotes: %w", err)
	}
	defer rows.Close()

	out := []interface{}{}
	seen := map[string]bool{}
	for rows.Next() {
		var raw sql.NullString
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan raw payload: %w", err)
		}
		if raw.String == "" {
			continue
		}
		var payload struct {
			Footnotes []json.RawMessage `json:"footnotes"`
		}
		if json.Unmarshal([]byte(raw.String), &payload) != nil {
			continue
		}
		for _, f := range payload.Footnotes {
			txt := footnoteText(f)
			if txt == "" {
				continue
			}
			txt = whitespaceRe.ReplaceAllString(strings.TrimSpace(txt), " ")
			if len(txt) > 400 {
				txt = txt[:397] + "..."
			}
			if seen[txt] {
				continue
			}
			seen[txt] = true
			out = append(out, txt)
			if len(out) >= 20 {
				return out, nil
			}
		}
	}
	return out, rows.Err()
}

// footnoteText accepts both the {"id","text"} objects the parser writes and
// bare strings.
func footnoteText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		return obj.Text
	}
	return ""
}

func resolveBenchmarkSymbol(tx queue.DBTX, cfg *config.Config) string {
	var resolved sql.NullString
	_ = tx.QueryRow("SELECT value FROM app_config WHERE key='benchmark_symbol_resolved'").Scan(&resolved)
	for _, s := range []string{strings.TrimSpace(resolved.String), strings.TrimSpace(cfg.BenchmarkSymbol)} {
		if s != "" {
			return s
		}
	}
	return "SPY.US"
}

// CanonicalizeForHash strips volatile fields so re-runs on the same
// underlying event dedupe instead of spamming ai_outputs.
func CanonicalizeForHash(aiInput map[string]interface{}) map[string]interface{} {
	obj := deepCopyMap(aiInput)
	delete(obj, "asof_utc")
	if dq, ok := obj["data_quality"].(map[string]interface{}); ok {
		if _, present := dq["market_cap_staleness_days"]; present {
			dq["market_cap_staleness_days"] = nil
		}
	}
	return obj
}

// InputsHash is the SHA-256 of the canonical compact JSON encoding with
// sorted keys.
func InputsHash(aiInput map[string]interface{}) (string, error) {
	canonical, err := MarshalCanonical(CanonicalizeForHash(aiInput))
	if err != nil {
		return "", err
	}
	return identity.Sha256Hex(canonical), nil
}

// MarshalCanonical encodes with sorted keys, compact separators, and no
// HTML escaping.
func MarshalCanonical(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("failed to encode canonical json: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func deepCopyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return deepCopyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

func isoDateDiffDays(dateStr string, now time.Time) interface{} {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000000Z", "2006-01-02"} {
		if d, err := time.Parse(layout, dateStr); err == nil {
			return int(now.Sub(d).Hours() / 24)
		}
	}
	return nil
}

func nullStr(s sql.NullString) interface{} {
	if !s.Valid {
		return nil
	}
	return s.String
}

func nullF(f sql.NullFloat64) interface{} {
	if !f.Valid {
		return nil
	}
	return f.Float64
}

func nullInt(n sql.NullInt64) interface{} {
	if !n.Valid {
		return nil
	}
	return int(n.Int64)
}

func nullBool(n sql.NullInt64) interface{} {
	if !n.Valid {
		return nil
	}
	return n.Int64 != 0
}

func nullIfBlank(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
