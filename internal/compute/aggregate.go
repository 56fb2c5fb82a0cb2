// Package compute derives everything downstream of parsing: event rollups,
// price series, market cap, news, trend context, outcomes, per-owner stats,
// and buy/sell clusters.
package compute

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// rawRow is one form4_rows_raw row as the aggregator reads it.
type rawRow struct {
	RowID                int64
	IsDerivative         bool
	TransactionCode      string
	TransactionDate      string
	SharesAbs            *float64
	Price                *float64
	SharesOwnedFollowing *float64
	OwnerCIK             string
	OwnerNameRaw         string
	OwnerNameNormalized  string
	RawPayloadJSON       string
}

// sideRollup summarizes the open-market transactions of one side (P or S)
// of one event. pct_holdings_change is a percent value, not a ratio.
type sideRollup struct {
	Has                    bool
	TradeDate              string
	LastTxDate             string
	SharesTotal            *float64
	DollarsTotal           *float64
	VWAPPrice              *float64
	PricedSharesTotal      float64
	UnpricedSharesTotal    *float64
	VWAPIsPartial          bool
	SharesOwnedFollowing   *float64
	PctHoldingsChange      *float64
	PctChangeMissingReason string
}

// AggregateAccession rolls up the raw rows of an accession into
// insider_events, one event per reporting owner. Re-aggregation clears the
// derived trend/outcomes/stats/cluster/AI fields so they are recomputed.
func AggregateAccession(tx queue.DBTX, cfg *config.Config, accession string) ([]domain.EventKey, error) {
	var issuerCIK string
	var filingDate sql.NullString
	err := tx.QueryRow("SELECT issuer_cik, filing_date FROM filings WHERE accession_number=?", accession).
		Scan(&issuerCIK, &filingDate)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no filings row found for accession %s", accession)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load filing: %w", err)
	}

	var ticker sql.NullString
	err = tx.QueryRow("SELECT current_ticker FROM issuer_master WHERE issuer_cik=?", issuerCIK).Scan(&ticker)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load issuer: %w", err)
	}

	// Market cap snapshot from cache, so events created after an MCAP run
	// still carry it.
	var marketCap sql.NullFloat64
	var marketCapBucket, marketCapUpdatedAt sql.NullString
	if ticker.String != "" {
		err = tx.QueryRow(
			"SELECT market_cap, market_cap_bucket, market_cap_updated_at FROM market_cap_cache WHERE ticker=?",
			ticker.String,
		).Scan(&marketCap, &marketCapBucket, &marketCapUpdatedAt)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to load market cap cache: %w", err)
		}
	}

	ownerKeys, err := distinctOwnerKeys(tx, accession, issuerCIK)
	if err != nil {
		return nil, err
	}

	var eventKeys []domain.EventKey
	for _, ownerKey := range ownerKeys {
		ek := domain.EventKey{IssuerCIK: issuerCIK, OwnerKey: ownerKey, AccessionNumber: accession}
		eventKeys = append(eventKeys, ek)

		rows, err := loadRawRows(tx, accession, issuerCIK, ownerKey)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			continue
		}

		first := rows[0]
		ownerNameDisplay := first.OwnerNameRaw
		if ownerNameDisplay == "" {
			ownerNameDisplay = first.OwnerNameNormalized
		}

		var ownerTitle interface{}
		var isOfficer, isDirector, isTen interface{}
		if first.RawPayloadJSON != "" {
			var payload struct {
				ReportingOwner struct {
					OfficerTitle      *string `json:"officer_title"`
					IsOfficer         *bool   `json:"is_officer"`
					IsDirector        *bool   `json:"is_director"`
					IsTenPercentOwner *bool   `json:"is_ten_percent_owner"`
				} `json:"reporting_owner"`
			}
			if json.Unmarshal([]byte(first.RawPayloadJSON), &payload) == nil {
				ro := payload.ReportingOwner
				if ro.OfficerTitle != nil {
					ownerTitle = *ro.OfficerTitle
				}
				isOfficer = boolIntPtr(ro.IsOfficer)
				isDirector = boolIntPtr(ro.IsDirector)
				isTen = boolIntPtr(ro.IsTenPercentOwner)
			}
		}

		derivativeRowCount := 0
		nonOpenMarketRowCount := 0
		for _, r := range rows {
			if r.IsDerivative {
				derivativeRowCount++
			} else if r.TransactionCode != "P" && r.TransactionCode != "S" {
				nonOpenMarketRowCount++
			}
		}

		buyRoll := rollupSide(rows, "P")
		sellRoll := rollupSide(rows, "S")

		// Earliest transaction date anywhere in the filing, not side-specific.
		eventTradeDate := ""
		for _, r := range rows {
			if r.TransactionDate != "" && (eventTradeDate == "" || r.TransactionDate < eventTradeDate) {
				eventTradeDate = r.TransactionDate
			}
		}

		now := domain.NowISO()

		_, err = tx.Exec(`
			INSERT INTO insider_events (
				issuer_cik, owner_key, accession_number,
				ticker, filing_date, event_trade_date,
				owner_cik, owner_name_display, owner_title,
				is_officer, is_director, is_ten_percent_owner,
				has_buy, buy_trade_date, buy_last_tx_date,
				buy_shares_total, buy_dollars_total, buy_vwap_price,
				buy_priced_shares_total, buy_unpriced_shares_total, buy_vwap_is_partial,
				buy_shares_owned_following, buy_pct_holdings_change, buy_pct_change_missing_reason,
				has_sell, sell_trade_date, sell_last_tx_date,
				sell_shares_total, sell_dollars_total, sell_vwap_price,
				sell_priced_shares_total, sell_unpriced_shares_total, sell_vwap_is_partial,
				sell_shares_owned_following, sell_pct_holdings_change, sell_pct_change_missing_reason,
				non_open_market_row_count, derivative_row_count,
				parse_version, event_computed_at,
				market_cap, market_cap_bucket, market_cap_updated_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
			ON CONFLICT(issuer_cik, owner_key, accession_number) DO UPDATE SET
				ticker=excluded.ticker,
				filing_date=excluded.filing_date,
				event_trade_date=excluded.event_trade_date,
				owner_cik=excluded.owner_cik,
				owner_name_display=excluded.owner_name_display,
				owner_title=excluded.owner_title,
				is_officer=excluded.is_officer,
				is_director=excluded.is_director,
				is_ten_percent_owner=excluded.is_ten_percent_owner,
				has_buy=excluded.has_buy,
				buy_trade_date=excluded.buy_trade_date,
				buy_last_tx_date=excluded.buy_last_tx_date,
				buy_shares_total=excluded.buy_shares_total,
				buy_dollars_total=excluded.buy_dollars_total,
				buy_vwap_price=excluded.buy_vwap_price,
				buy_priced_shares_total=excluded.buy_priced_shares_total,
				buy_unpriced_shares_total=excluded.buy_unpriced_shares_total,
				buy_vwap_is_partial=excluded.buy_vwap_is_partial,
				buy_shares_owned_following=excluded.buy_shares_owned_following,
				buy_pct_holdings_change=excluded.buy_pct_holdings_change,
				buy_pct_change_missing_reason=excluded.buy_pct_change_missing_reason,
				has_sell=excluded.has_sell,
				sell_trade_date=excluded.sell_trade_date,
				sell_last_tx_date=excluded.sell_last_tx_date,
				sell_shares_total=excluded.sell_shares_total,
				sell_dollars_total=excluded.sell_dollars_total,
				sell_vwap_price=excluded.sell_vwap_price,
				sell_priced_shares_total=excluded.sell_priced_shares_total,
				sell_unpriced_shares_total=excluded.sell_unpriced_shares_total,
				sell_vwap_is_partial=excluded.sell_vwap_is_partial,
				sell_shares_owned_following=excluded.sell_shares_owned_following,
				sell_pct_holdings_change=excluded.sell_pct_holdings_change,
				sell_pct_change_missing_reason=excluded.sell_pct_change_missing_reason,
				non_open_market_row_count=excluded.non_open_market_row_count,
				derivative_row_count=excluded.derivative_row_count,
				parse_version=excluded.parse_version,
				event_computed_at=excluded.event_computed_at,
				trend_computed_at=NULL,
				outcomes_computed_at=NULL,
				stats_computed_at=NULL,
				cluster_computed_at=NULL,
				ai_computed_at=NULL,
				trend_anchor_trading_date=NULL,
				trend_close=NULL,
				trend_ret_20d=NULL,
				trend_ret_60d=NULL,
				trend_dist_52w_high=NULL,
				trend_dist_52w_low=NULL,
				trend_above_sma_50=NULL,
				trend_above_sma_200=NULL,
				trend_missing_reason=NULL,
				cluster_flag_buy=NULL,
				cluster_id_buy=NULL,
				cluster_flag_sell=NULL,
				cluster_id_sell=NULL,
				ai_buy_rating=NULL,
				ai_sell_rating=NULL,
				ai_confidence=NULL,
				ai_model_id=NULL,
				ai_prompt_version=NULL,
				ai_generated_at=NULL,
				market_cap=COALESCE(excluded.market_cap, insider_events.market_cap),
				market_cap_bucket=COALESCE(excluded.market_cap_bucket, insider_events.market_cap_bucket),
				market_cap_updated_at=COALESCE(excluded.market_cap_updated_at, insider_events.market_cap_updated_at)`,
			issuerCIK, ownerKey, accession,
			nullIfEmpty(ticker.String), nullIfEmpty(filingDate.String), nullIfEmpty(eventTradeDate),
			nullIfEmpty(first.OwnerCIK), nullIfEmpty(ownerNameDisplay), ownerTitle,
			isOfficer, isDirector, isTen,
			boolToInt(buyRoll.Has), nullIfEmpty(buyRoll.TradeDate), nullIfEmpty(buyRoll.LastTxDate),
			floatPtr(buyRoll.SharesTotal), floatPtr(buyRoll.DollarsTotal), floatPtr(buyRoll.VWAPPrice),
			buyRoll.PricedSharesTotal, floatPtr(buyRoll.UnpricedSharesTotal), boolToInt(buyRoll.VWAPIsPartial),
			floatPtr(buyRoll.SharesOwnedFollowing), floatPtr(buyRoll.PctHoldingsChange), nullIfEmpty(buyRoll.PctChangeMissingReason),
			boolToInt(sellRoll.Has), nullIfEmpty(sellRoll.TradeDate), nullIfEmpty(sellRoll.LastTxDate),
			floatPtr(sellRoll.SharesTotal), floatPtr(sellRoll.DollarsTotal), floatPtr(sellRoll.VWAPPrice),
			sellRoll.PricedSharesTotal, floatPtr(sellRoll.UnpricedSharesTotal), boolToInt(sellRoll.VWAPIsPartial),
			floatPtr(sellRoll.SharesOwnedFollowing), floatPtr(sellRoll.PctHoldingsChange), nullIfEmpty(sellRoll.PctChangeMissingReason),
			nonOpenMarketRowCount, derivativeRowCount,
			cfg.ParseVersion, now,
			nullFloat(marketCap), nullIfEmpty(marketCapBucket.String), nullIfEmpty(marketCapUpdatedAt.String),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert insider_event %s: %w", ek, err)
		}
	}

	// Normalize the issuer's events onto its current ticker so the UI and
	// clustering see one symbol.
	if ticker.String != "" {
		if _, err := tx.Exec("UPDATE insider_events SET ticker=? WHERE issuer_cik=?", ticker.String, issuerCIK); err != nil {
			return nil, fmt.Errorf("failed to normalize event tickers: %w", err)
		}
	}

	return eventKeys, nil
}

func distinctOwnerKeys(tx queue.DBTX, accession, issuerCIK string) ([]string, error) {
	rows, err := tx.Query(
		"SELECT DISTINCT owner_key FROM form4_rows_raw WHERE accession_number=? AND issuer_cik=?",
		accession, issuerCIK,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load owner keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan owner key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func loadRawRows(tx queue.DBTX, accession, issuerCIK, ownerKey string) ([]rawRow, error) {
	rows, err := tx.Query(`
		SELECT row_id, is_derivative, COALESCE(transaction_code,''), COALESCE(transaction_date,''),
		       shares_abs, price, shares_owned_following,
		       COALESCE(owner_cik,''), COALESCE(owner_name_raw,''), COALESCE(owner_name_normalized,''),
		       COALESCE(raw_payload_json,'')
		FROM form4_rows_raw
		WHERE accession_number=? AND issuer_cik=? AND owner_key=?
		ORDER BY row_id ASC`,
		accession, issuerCIK, ownerKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load raw rows: %w", err)
	}
	defer rows.Close()

	var out []rawRow
	for rows.Next() {
		var r rawRow
		var isDeriv int
		var sharesAbs, price, sof sql.NullFloat64
		if err := rows.Scan(&r.RowID, &isDeriv, &r.TransactionCode, &r.TransactionDate,
			&sharesAbs, &price, &sof,
			&r.OwnerCIK, &r.OwnerNameRaw, &r.OwnerNameNormalized, &r.RawPayloadJSON); err != nil {
			return nil, fmt.Errorf("failed to scan raw row: %w", err)
		}
		r.IsDerivative = isDeriv != 0
		if sharesAbs.Valid {
			r.SharesAbs = &sharesAbs.Float64
		}
		if price.Valid {
			r.Price = &price.Float64
		}
		if sof.Valid {
			r.SharesOwnedFollowing = &sof.Float64
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// rollupSide aggregates open-market non-derivative rows for one transaction
// code ("P" buys, "S" sells). The VWAP covers priced shares only; unpriced
// legs mark the VWAP partial instead of skewing it.
func rollupSide(rows []rawRow, code string) sideRollup {
	var side []rawRow
	for _, r := range rows {
		if !r.IsDerivative && r.TransactionCode == code {
			side = append(side, r)
		}
	}
	if len(side) == 0 {
		return sideRollup{}
	}

	out := sideRollup{Has: true}

	for _, r := range side {
		if r.TransactionDate == "" {
			continue
		}
		if out.TradeDate == "" || r.TransactionDate < out.TradeDate {
			out.TradeDate = r.TransactionDate
		}
		if out.LastTxDate == "" || r.TransactionDate > out.LastTxDate {
			out.LastTxDate = r.TransactionDate
		}
	}

	var sharesTotal float64
	haveShares := false
	for _, r := range side {
		if r.SharesAbs != nil {
			sharesTotal += *r.SharesAbs
			haveShares = true
		}
	}
	if haveShares {
		out.SharesTotal = &sharesTotal
	}

	var pricedShares, dollars float64
	for _, r := range side {
		if r.SharesAbs != nil && r.Price != nil && *r.Price > 0 {
			pricedShares += *r.SharesAbs
			dollars += *r.SharesAbs * *r.Price
		}
	}
	out.PricedSharesTotal = pricedShares
	if haveShares {
		unpriced := sharesTotal - pricedShares
		out.UnpricedSharesTotal = &unpriced
	}
	if pricedShares > 0 {
		vwap := dollars / pricedShares
		out.VWAPPrice = &vwap
		out.DollarsTotal = &dollars
	}
	if haveShares && sharesTotal > 0 {
		out.VWAPIsPartial = pricedShares < sharesTotal
	}

	// shares_owned_following comes from the last transaction leg (by date,
	// then row order), not the max value.
	var lastSOF *rawRow
	for i := range side {
		r := &side[i]
		if r.SharesOwnedFollowing == nil {
			continue
		}
		if lastSOF == nil ||
			r.TransactionDate > lastSOF.TransactionDate ||
			(r.TransactionDate == lastSOF.TransactionDate && r.RowID > lastSOF.RowID) {
			lastSOF = r
		}
	}
	if lastSOF != nil {
		out.SharesOwnedFollowing = lastSOF.SharesOwnedFollowing
	}

	switch {
	case !haveShares || sharesTotal <= 0:
		out.PctChangeMissingReason = "missing_shares_total"
	case out.SharesOwnedFollowing == nil:
		out.PctChangeMissingReason = "missing_shares_owned_following"
	default:
		// Buy:  after = before + bought. Sell: after = before - sold.
		var sharesBefore float64
		if code == "P" {
			sharesBefore = *out.SharesOwnedFollowing - sharesTotal
		} else {
			sharesBefore = *out.SharesOwnedFollowing + sharesTotal
		}
		if sharesBefore <= 0 {
			out.PctChangeMissingReason = "nonpositive_shares_before"
		} else {
			pct := (sharesTotal / sharesBefore) * 100.0
			out.PctHoldingsChange = &pct
		}
	}

	return out
}

func boolIntPtr(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func floatPtr(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f sql.NullFloat64) interface{} {
	if !f.Valid {
		return nil
	}
	return f.Float64
}
