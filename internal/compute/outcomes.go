package compute

import (
	"database/sql"
	"fmt"

	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

// ComputeOutcomesForEvent computes +60/+180 trading-day forward returns for
// the buy and sell sides of an event, plus benchmark-relative excess returns.
//
// Benchmark returns use the same sign convention as the trade side:
//
//	buy:  (bench_future / bench_anchor) - 1
//	sell: (bench_anchor - bench_future) / bench_anchor
func ComputeOutcomesForEvent(tx queue.DBTX, cfg *config.Config, ek domain.EventKey) error {
	var issuerCIK string
	var buyTradeDate, sellTradeDate sql.NullString
	var buyVWAP, sellVWAP sql.NullFloat64
	var hasBuy, hasSell int
	err := tx.QueryRow(`
		SELECT issuer_cik, buy_trade_date, sell_trade_date, buy_vwap_price, sell_vwap_price, has_buy, has_sell
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	).Scan(&issuerCIK, &buyTradeDate, &sellTradeDate, &buyVWAP, &sellVWAP, &hasBuy, &hasSell)
	if err == sql.ErrNoRows {
		return fmt.Errorf("event not found: %s", ek)
	}
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	dates, closes, err := loadIssuerPrices(tx, ek.IssuerCIK)
	if err != nil {
		return err
	}

	benchSymbol := benchmarkSymbol(tx, cfg)
	benchDates, benchCloses, err := loadBenchmarkPrices(tx, benchSymbol)
	if err != nil {
		return err
	}

	// Self-heal: kick off a benchmark fetch once when the series is missing.
	if len(benchDates) == 0 {
		if err := queue.Enqueue(tx, queue.JobTypeFetchBenchmark, "BENCH|"+benchSymbol,
			map[string]interface{}{"symbol": benchSymbol},
			queue.EnqueueOptions{Priority: 120},
		); err != nil {
			return fmt.Errorf("failed to enqueue benchmark fetch: %w", err)
		}
	}

	var benchMissing interface{}
	if len(benchDates) == 0 {
		benchMissing = "missing_benchmark_series"
	}

	if len(dates) == 0 {
		if hasBuy == 1 {
			if err := upsertMissingOutcome(tx, cfg, ek, "buy", buyTradeDate, buyVWAP, "missing_price_series", benchSymbol, benchMissing); err != nil {
				return err
			}
		}
		if hasSell == 1 {
			if err := upsertMissingOutcome(tx, cfg, ek, "sell", sellTradeDate, sellVWAP, "missing_price_series", benchSymbol, benchMissing); err != nil {
				return err
			}
		}
		return touchOutcomes(tx, ek)
	}

	if hasBuy == 1 {
		err = computeOutcomeSide(tx, cfg, ek, "buy", buyTradeDate, buyVWAP, dates, closes, benchSymbol, benchDates, benchCloses)
	} else {
		err = deleteOutcome(tx, ek, "buy")
	}
	if err != nil {
		return err
	}

	if hasSell == 1 {
		err = computeOutcomeSide(tx, cfg, ek, "sell", sellTradeDate, sellVWAP, dates, closes, benchSymbol, benchDates, benchCloses)
	} else {
		err = deleteOutcome(tx, ek, "sell")
	}
	if err != nil {
		return err
	}

	return touchOutcomes(tx, ek)
}

// benchmarkSymbol prefers the resolved symbol recorded by the benchmark
// fetch job over the configured one.
func benchmarkSymbol(tx queue.DBTX, cfg *config.Config) string {
	var resolved sql.NullString
	_ = tx.QueryRow("SELECT value FROM app_config WHERE key='benchmark_symbol_resolved'").Scan(&resolved)
	for _, s := range []string{resolved.String, cfg.BenchmarkSymbol} {
		if s != "" {
			return s
		}
	}
	return "SPY.US"
}

func loadBenchmarkPrices(tx queue.DBTX, symbol string) ([]string, []float64, error) {
	rows, err := tx.Query(
		"SELECT date, adj_close FROM benchmark_prices_daily WHERE symbol=? ORDER BY date ASC",
		symbol,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load benchmark series: %w", err)
	}
	defer rows.Close()

	var dates []string
	var closes []float64
	for rows.Next() {
		var d string
		var c float64
		if err := rows.Scan(&d, &c); err != nil {
			return nil, nil, fmt.Errorf("failed to scan benchmark row: %w", err)
		}
		dates = append(dates, d)
		closes = append(closes, c)
	}
	return dates, closes, rows.Err()
}

// anchorIndex returns the index of the first trading day on/after tradeDate,
// or -1 when the series ends before it.
func anchorIndex(dates []string, tradeDate string) int {
	for idx, d := range dates {
		if d >= tradeDate {
			return idx
		}
	}
	return -1
}

func benchReturn(b0, bf float64, side string) float64 {
	if side == "buy" {
		return bf/b0 - 1.0
	}
	return (b0 - bf) / b0
}

func computeOutcomeSide(
	tx queue.DBTX,
	cfg *config.Config,
	ek domain.EventKey,
	side string,
	tradeDate sql.NullString,
	p0 sql.NullFloat64,
	dates []string,
	closes []float64,
	benchSymbol string,
	benchDates []string,
	benchCloses []float64,
) error {
	var benchMissing interface{}
	if len(benchDates) == 0 {
		benchMissing = "missing_benchmark_series"
	}

	if tradeDate.String == "" {
		return upsertMissingOutcome(tx, cfg, ek, side, tradeDate, p0, "missing_trade_date", benchSymbol, benchMissing)
	}
	if !p0.Valid || p0.Float64 <= 0 {
		return upsertMissingOutcome(tx, cfg, ek, side, tradeDate, p0, "missing_or_bad_p0", benchSymbol, benchMissing)
	}

	i := anchorIndex(dates, tradeDate.String)
	if i < 0 {
		return upsertMissingOutcome(tx, cfg, ek, side, tradeDate, p0, "anchor_not_found", benchSymbol, benchMissing)
	}

	anchorDate := dates[i]
	p0f := p0.Float64

	var futureDate60, futurePrice60, return60, missing60 interface{}
	var futureDate180, futurePrice180, return180, missing180 interface{}

	if i+60 < len(dates) {
		futureDate60 = dates[i+60]
		fp := closes[i+60]
		futurePrice60 = fp
		if side == "buy" {
			return60 = fp/p0f - 1.0
		} else {
			return60 = (p0f - fp) / p0f
		}
	} else {
		missing60 = "insufficient_future_data"
	}

	if i+180 < len(dates) {
		futureDate180 = dates[i+180]
		fp := closes[i+180]
		futurePrice180 = fp
		if side == "buy" {
			return180 = fp/p0f - 1.0
		} else {
			return180 = (p0f - fp) / p0f
		}
	} else {
		missing180 = "insufficient_future_data"
	}

	var benchReturn60, benchReason60, benchReturn180, benchReason180 interface{}
	if len(benchDates) == 0 {
		benchReason60 = "missing_benchmark_series"
		benchReason180 = "missing_benchmark_series"
	} else if bi := anchorIndex(benchDates, tradeDate.String); bi < 0 {
		benchReason60 = "benchmark_anchor_not_found"
		benchReason180 = "benchmark_anchor_not_found"
	} else if b0 := benchCloses[bi]; b0 <= 0 {
		benchReason60 = "benchmark_bad_p0"
		benchReason180 = "benchmark_bad_p0"
	} else {
		if bi+60 < len(benchDates) {
			benchReturn60 = benchReturn(b0, benchCloses[bi+60], side)
		} else {
			benchReason60 = "insufficient_benchmark_future_data"
		}
		if bi+180 < len(benchDates) {
			benchReturn180 = benchReturn(b0, benchCloses[bi+180], side)
		} else {
			benchReason180 = "insufficient_benchmark_future_data"
		}
	}

	// Excess returns only when both legs are available.
	var excess60, excess180 interface{}
	if r, ok := return60.(float64); ok {
		if br, ok := benchReturn60.(float64); ok {
			excess60 = r - br
		}
	}
	if r, ok := return180.(float64); ok {
		if br, ok := benchReturn180.(float64); ok {
			excess180 = r - br
		}
	}

	_, err := tx.Exec(`
		INSERT INTO event_outcomes (
			issuer_cik, owner_key, accession_number, side,
			trade_date, anchor_trading_date, p0,
			future_date_60d, future_price_60d, return_60d, missing_reason_60d,
			bench_symbol, bench_return_60d, bench_missing_reason_60d, excess_return_60d,
			future_date_180d, future_price_180d, return_180d, missing_reason_180d,
			bench_return_180d, bench_missing_reason_180d, excess_return_180d,
			outcomes_version, computed_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(issuer_cik, owner_key, accession_number, side) DO UPDATE SET
			trade_date=excluded.trade_date,
			anchor_trading_date=excluded.anchor_trading_date,
			p0=excluded.p0,
			future_date_60d=excluded.future_date_60d,
			future_price_60d=excluded.future_price_60d,
			return_60d=excluded.return_60d,
			missing_reason_60d=excluded.missing_reason_60d,
			bench_symbol=excluded.bench_symbol,
			bench_return_60d=excluded.bench_return_60d,
			bench_missing_reason_60d=excluded.bench_missing_reason_60d,
			excess_return_60d=excluded.excess_return_60d,
			future_date_180d=excluded.future_date_180d,
			future_price_180d=excluded.future_price_180d,
			return_180d=excluded.return_180d,
			missing_reason_180d=excluded.missing_reason_180d,
			bench_return_180d=excluded.bench_return_180d,
			bench_missing_reason_180d=excluded.bench_missing_reason_180d,
			excess_return_180d=excluded.excess_return_180d,
			outcomes_version=excluded.outcomes_version,
			computed_at=excluded.computed_at`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, side,
		tradeDate.String, anchorDate, p0f,
		futureDate60, futurePrice60, return60, missing60,
		benchSymbol, benchReturn60, benchReason60, excess60,
		futureDate180, futurePrice180, return180, missing180,
		benchReturn180, benchReason180, excess180,
		cfg.OutcomesVersion, domain.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert outcomes for %s side=%s: %w", ek, side, err)
	}
	return nil
}

// upsertMissingOutcome records a row where trade returns could not be
// computed, still carrying the benchmark missing reason when known.
func upsertMissingOutcome(
	tx queue.DBTX,
	cfg *config.Config,
	ek domain.EventKey,
	side string,
	tradeDate sql.NullString,
	p0 sql.NullFloat64,
	reason string,
	benchSymbol string,
	benchMissing interface{},
) error {
	var tradeDateVal, p0Val interface{}
	if tradeDate.String != "" {
		tradeDateVal = tradeDate.String
	}
	if p0.Valid {
		p0Val = p0.Float64
	}

	_, err := tx.Exec(`
		INSERT INTO event_outcomes (
			issuer_cik, owner_key, accession_number, side,
			trade_date, anchor_trading_date, p0,
			future_date_60d, future_price_60d, return_60d, missing_reason_60d,
			bench_symbol, bench_return_60d, bench_missing_reason_60d, excess_return_60d,
			future_date_180d, future_price_180d, return_180d, missing_reason_180d,
			bench_return_180d, bench_missing_reason_180d, excess_return_180d,
			outcomes_version, computed_at
		) VALUES (?,?,?,?,?,NULL,?,NULL,NULL,NULL,?,?,NULL,?,NULL,NULL,NULL,NULL,?,NULL,?,NULL,?,?)
		ON CONFLICT(issuer_cik, owner_key, accession_number, side) DO UPDATE SET
			trade_date=excluded.trade_date,
			anchor_trading_date=NULL,
			p0=excluded.p0,
			future_date_60d=NULL,
			future_price_60d=NULL,
			return_60d=NULL,
			missing_reason_60d=excluded.missing_reason_60d,
			bench_symbol=excluded.bench_symbol,
			bench_return_60d=NULL,
			bench_missing_reason_60d=excluded.bench_missing_reason_60d,
			excess_return_60d=NULL,
			future_date_180d=NULL,
			future_price_180d=NULL,
			return_180d=NULL,
			missing_reason_180d=excluded.missing_reason_180d,
			bench_return_180d=NULL,
			bench_missing_reason_180d=excluded.bench_missing_reason_180d,
			excess_return_180d=NULL,
			outcomes_version=excluded.outcomes_version,
			computed_at=excluded.computed_at`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, side,
		tradeDateVal, p0Val,
		reason, benchSymbol, benchMissing,
		reason, benchMissing,
		cfg.OutcomesVersion, domain.NowISO(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert missing outcomes for %s side=%s: %w", ek, side, err)
	}
	return nil
}

func deleteOutcome(tx queue.DBTX, ek domain.EventKey, side string) error {
	_, err := tx.Exec(
		"DELETE FROM event_outcomes WHERE issuer_cik=? AND owner_key=? AND accession_number=? AND side=?",
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, side,
	)
	if err != nil {
		return fmt.Errorf("failed to delete outcomes for %s side=%s: %w", ek, side, err)
	}
	return nil
}

func touchOutcomes(tx queue.DBTX, ek domain.EventKey) error {
	_, err := tx.Exec(`
		UPDATE insider_events SET outcomes_computed_at=?
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		domain.NowISO(), ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to touch outcomes timestamp for %s: %w", ek, err)
	}
	return nil
}
