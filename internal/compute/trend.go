package compute

import (
	"database/sql"
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// ComputeTrendForEvent computes price context for an event from adjusted
// closes. The anchor trading day is the first trading day on/after the
// earliest open-market trade date (falling back to event_trade_date).
// Lookbacks: 20/60 day pre-returns, 52-week distances over the trailing 252
// trading days, SMA-50/200 position.
func ComputeTrendForEvent(tx queue.DBTX, ek domain.EventKey) error {
	var eventTradeDate, buyTradeDate, sellTradeDate sql.NullString
	var hasBuy, hasSell int
	err := tx.QueryRow(`
		SELECT event_trade_date, has_buy, has_sell, buy_trade_date, sell_trade_date
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	).Scan(&eventTradeDate, &hasBuy, &hasSell, &buyTradeDate, &sellTradeDate)
	if err == sql.ErrNoRows {
		return fmt.Errorf("event not found: %s", ek)
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	// Anchor on open-market dates when present; grants and exercises in the
	// same filing can carry earlier dates.
	tradeDate := eventTradeDate.String
	var openMarketDates []string
	if hasBuy == 1 && buyTradeDate.String != "" {
		openMarketDates = append(openMarketDates, buyTradeDate.String)
	}
	if hasSell == 1 && sellTradeDate.String != "" {
		openMarketDates = append(openMarketDates, sellTradeDate.String)
	}
	if len(openMarketDates) > 0 {
		tradeDate = openMarketDates[0]
		for _, d := range openMarketDates[1:] {
			if d < tradeDate {
				tradeDate = d
			}
		}
	}
	if tradeDate == "" {
		return setTrendMissing(tx, ek, "missing_event_trade_date")
	}

	dates, closes, err := loadIssuerPrices(tx, ek.IssuerCIK)
	if err != nil {
		return err
	}
	if len(dates) == 0 {
		return setTrendMissing(tx, ek, "missing_price_series")
	}

	anchor := -1
	for idx, d := range dates {
		if d >= tradeDate {
			anchor = idx
			break
		}
	}
	if anchor < 0 {
		return setTrendMissing(tx, ek, "anchor_not_found")
	}

	switch {
	case anchor < 199:
		return setTrendMissing(tx, ek, "insufficient_history_for_sma200")
	case anchor < 251:
		return setTrendMissing(tx, ek, "insufficient_history_for_52w")
	}

	anchorDate := dates[anchor]
	closeAnchor := closes[anchor]

	ret20 := closeAnchor/closes[anchor-20] - 1.0
	ret60 := closeAnchor/closes[anchor-60] - 1.0

	window := closes[anchor-251 : anchor+1]
	high52, low52 := window[0], window[0]
	for _, c := range window {
		if c > high52 {
			high52 = c
		}
		if c < low52 {
			low52 = c
		}
	}
	distHigh := closeAnchor/high52 - 1.0
	distLow := closeAnchor/low52 - 1.0

	sma50 := stat.Mean(closes[anchor-49:anchor+1], nil)
	sma200 := stat.Mean(closes[anchor-199:anchor+1], nil)

	_, err = tx.Exec(`
		UPDATE insider_events
		SET trend_anchor_trading_date=?, trend_close=?,
		    trend_ret_20d=?, trend_ret_60d=?,
		    trend_dist_52w_high=?, trend_dist_52w_low=?,
		    trend_above_sma_50=?, trend_above_sma_200=?,
		    trend_missing_reason=NULL,
		    trend_computed_at=?
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		anchorDate, closeAnchor, ret20, ret60, distHigh, distLow,
		boolToInt(closeAnchor > sma50), boolToInt(closeAnchor > sma200),
		domain.NowISO(),
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to store trend for %s: %w", ek, err)
	}
	return nil
}

func loadIssuerPrices(tx queue.DBTX, issuerCIK string) ([]string, []float64, error) {
	rows, err := tx.Query(
		"SELECT date, adj_close FROM issuer_prices_daily WHERE issuer_cik=? ORDER BY date ASC",
		issuerCIK,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load price series: %w", err)
	}
	defer rows.Close()

	var dates []string
	var closes []float64
	for rows.Next() {
		var d string
		var c float64
		if err := rows.Scan(&d, &c); err != nil {
			return nil, nil, fmt.Errorf("failed to scan price row: %w", err)
		}
		dates = append(dates, d)
		closes = append(closes, c)
	}
	return dates, closes, rows.Err()
}

func setTrendMissing(tx queue.DBTX, ek domain.EventKey, reason string) error {
	_, err := tx.Exec(`
		UPDATE insider_events
		SET trend_anchor_trading_date=NULL,
		    trend_close=NULL,
		    trend_ret_20d=NULL,
		    trend_ret_60d=NULL,
		    trend_dist_52w_high=NULL,
		    trend_dist_52w_low=NULL,
		    trend_above_sma_50=NULL,
		    trend_above_sma_200=NULL,
		    trend_missing_reason=?,
		    trend_computed_at=?
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		reason, domain.NowISO(), ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to mark trend missing for %s: %w", ek, err)
	}
	return nil
}
