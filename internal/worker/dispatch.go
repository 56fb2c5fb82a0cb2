package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/compute"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
	"github.com/aristath/insiderscope/internal/sec"
)

// runJob executes one job inside the caller's transaction and enqueues
// whatever downstream work it unlocks.
func (w *Worker) runJob(ctx context.Context, tx *sql.Tx, jobType queue.JobType, payload map[string]interface{}) error {
	switch jobType {
	case queue.JobTypeFetchAccessionDocs, queue.JobTypeIngestAccession:
		return w.runFetchAccession(ctx, tx, payload)
	case queue.JobTypeParseAccessionDocs:
		return w.runParseAccession(tx, payload)
	case queue.JobTypeBackfillDiscover:
		return w.runBackfillDiscover(ctx, tx, payload)
	case queue.JobTypeBackfillBatch:
		return w.runBackfillBatch(tx, payload)
	case queue.JobTypeAggregateAccession:
		return w.runAggregateAccession(tx, payload)
	case queue.JobTypeFetchEODPrices:
		return w.runFetchPrices(ctx, tx, payload)
	case queue.JobTypeFetchBenchmark:
		return w.runFetchBenchmark(ctx, tx, payload)
	case queue.JobTypeFetchMarketCap:
		return compute.FetchAndStoreMarketCap(ctx, tx, w.eodhd, w.cfg, payloadStr(payload, "ticker"))
	case queue.JobTypeFetchNews:
		return compute.FetchAndStoreNews(ctx, tx, w.eodhd, w.cfg, payloadStr(payload, "ticker"))
	case queue.JobTypeComputeTrend:
		return compute.ComputeTrendForEvent(tx, eventKeyFromPayload(payload))
	case queue.JobTypeComputeOutcomes:
		return w.runComputeOutcomes(tx, payload)
	case queue.JobTypeComputeStats:
		return compute.ComputeStatsForOwnerIssuer(tx, w.cfg, domain.OwnerIssuerKey{
			IssuerCIK: domain.ZeroPadCIK(payloadStr(payload, "issuer_cik")),
			OwnerKey:  payloadStr(payload, "owner_key"),
		})
	case queue.JobTypeComputeClusters:
		return compute.ComputeClustersForTicker(tx, w.cfg, payloadStr(payload, "ticker"))
	case queue.JobTypeRunAI:
		return w.runAI(ctx, tx, payload)
	case queue.JobTypeReparseTicker:
		return w.runReparseTicker(tx, payload)
	}
	return fmt.Errorf("unknown job_type: %s", jobType)
}

func eventKeyFromPayload(payload map[string]interface{}) domain.EventKey {
	return domain.EventKey{
		IssuerCIK:       domain.ZeroPadCIK(payloadStr(payload, "issuer_cik")),
		OwnerKey:        payloadStr(payload, "owner_key"),
		AccessionNumber: payloadStr(payload, "accession_number"),
	}
}

// ingestSource labels where a filing came from. Only poller-discovered
// filings request AI so backfills and reparses cannot flood the model API.
func ingestSource(payload map[string]interface{}, aiRequested bool) string {
	if s := payloadStr(payload, "ingest_source"); s != "" {
		return s
	}
	if aiRequested {
		return "poller"
	}
	return "manual"
}

func (w *Worker) runFetchAccession(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) error {
	accession := payloadStr(payload, "accession_number")
	aiRequested := payloadBool(payload, "ai_requested")
	source := ingestSource(payload, aiRequested)

	_, err := sec.FetchAccessionDocument(ctx, tx, w.sec, accession, sec.FetchOptions{
		IssuerCIKHint:  payloadStr(payload, "issuer_cik_hint", "issuer_cik"),
		FilingDateHint: payloadStr(payload, "filing_date"),
		FormTypeHint:   payloadStr(payload, "form_type"),
		Force:          payloadBool(payload, "force"),
	})
	if err != nil {
		return err
	}

	return enqueue(tx, queue.JobTypeParseAccessionDocs,
		fmt.Sprintf("PARSE|%s|%s", accession, w.cfg.ParseVersion),
		map[string]interface{}{
			"accession_number": accession,
			"ingest_source":    source,
			"ai_requested":     aiRequested,
		},
		queue.EnqueueOptions{Priority: 20, RequeueIfExists: true, PromoteIfPending: true})
}

func (w *Worker) runParseAccession(tx *sql.Tx, payload map[string]interface{}) error {
	accession := payloadStr(payload, "accession_number")
	aiRequested := payloadBool(payload, "ai_requested")
	source := ingestSource(payload, aiRequested)

	res, err := sec.ParseAccessionDocument(tx, w.cfg, accession)
	if err != nil {
		return err
	}

	if err := enqueue(tx, queue.JobTypeAggregateAccession,
		fmt.Sprintf("AGG|%s|%s", accession, w.cfg.ParseVersion),
		map[string]interface{}{
			"accession_number": accession,
			"ingest_source":    source,
			"ai_requested":     aiRequested,
		},
		queue.EnqueueOptions{Priority: 20, RequeueIfExists: true, PromoteIfPending: true}); err != nil {
		return err
	}

	// Enrichment fans out once the parse reveals the issuer and ticker.
	if res.IssuerCIK != "" {
		if err := enqueue(tx, queue.JobTypeFetchEODPrices,
			"PRICES|"+res.IssuerCIK,
			map[string]interface{}{"issuer_cik": res.IssuerCIK},
			queue.EnqueueOptions{Priority: 10, RequeueIfExists: true}); err != nil {
			return err
		}
	}
	if res.Ticker != "" {
		if err := enqueue(tx, queue.JobTypeFetchMarketCap,
			"MCAP|"+res.Ticker,
			map[string]interface{}{"ticker": res.Ticker},
			queue.EnqueueOptions{Priority: 15, RequeueIfExists: true}); err != nil {
			return err
		}
		if err := enqueue(tx, queue.JobTypeFetchNews,
			"NEWS|"+res.Ticker,
			map[string]interface{}{"ticker": res.Ticker},
			queue.EnqueueOptions{Priority: 12, RequeueIfExists: true}); err != nil {
			return err
		}
		if err := enqueue(tx, queue.JobTypeComputeClusters,
			fmt.Sprintf("CLUSTERS|%s|%s", res.Ticker, w.cfg.ClusterVersion),
			map[string]interface{}{"ticker": res.Ticker},
			queue.EnqueueOptions{Priority: 30, RequeueIfExists: true}); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) runBackfillDiscover(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) error {
	issuerCIK := domain.ZeroPadCIK(payloadStr(payload, "issuer_cik"))
	startYear := payloadInt(payload, "start_year", w.cfg.BackfillStartYear)
	batchSize := payloadInt(payload, "batch_size", w.cfg.BackfillBatchSize)

	discovered, err := sec.DiscoverForm4Accessions(ctx, tx, w.sec, issuerCIK, startYear)
	if err != nil {
		return err
	}
	w.log.Info().Str("issuer_cik", issuerCIK).Int("start_year", startYear).Int("inserted", discovered).Msg("Backfill discovery done")

	return enqueue(tx, queue.JobTypeBackfillBatch,
		fmt.Sprintf("BACKFILL_BATCH|%s|%d|%s", issuerCIK, startYear, w.cfg.ParseVersion),
		map[string]interface{}{"issuer_cik": issuerCIK, "start_year": startYear, "batch_size": batchSize},
		queue.EnqueueOptions{Priority: 5, RequeueIfExists: true})
}

func (w *Worker) runBackfillBatch(tx *sql.Tx, payload map[string]interface{}) error {
	issuerCIK := domain.ZeroPadCIK(payloadStr(payload, "issuer_cik"))
	startYear := payloadInt(payload, "start_year", w.cfg.BackfillStartYear)
	batchSize := payloadInt(payload, "batch_size", w.cfg.BackfillBatchSize)

	rows, err := tx.Query(`
		SELECT accession_number, filing_date, form_type
		FROM backfill_queue
		WHERE issuer_cik=? AND status='pending'
		ORDER BY filing_date ASC
		LIMIT ?`, issuerCIK, batchSize)
	if err != nil {
		return fmt.Errorf("failed to load backfill batch: %w", err)
	}
	type pendingFiling struct {
		accession  string
		filingDate sql.NullString
		formType   sql.NullString
	}
	var batch []pendingFiling
	for rows.Next() {
		var p pendingFiling
		if err := rows.Scan(&p.accession, &p.filingDate, &p.formType); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(batch) == 0 {
		w.log.Info().Str("issuer_cik", issuerCIK).Msg("Backfill complete")
		return nil
	}

	now := domain.NowISO()
	for _, p := range batch {
		acc := strings.TrimSpace(p.accession)
		if _, err := tx.Exec(`
			UPDATE backfill_queue SET status='queued', updated_at=?
			WHERE issuer_cik=? AND accession_number=? AND status='pending'`,
			now, issuerCIK, acc); err != nil {
			return err
		}

		if err := enqueue(tx, queue.JobTypeFetchAccessionDocs,
			"FETCH|"+acc,
			map[string]interface{}{
				"accession_number": acc,
				"issuer_cik_hint":  issuerCIK,
				"filing_date":      p.filingDate.String,
				"form_type":        p.formType.String,
				"ingest_source":    "backfill",
				"ai_requested":     false,
			},
			queue.EnqueueOptions{Priority: 5, RequeueIfExists: true}); err != nil {
			return err
		}
	}

	var remaining int
	err = tx.QueryRow(
		"SELECT 1 FROM backfill_queue WHERE issuer_cik=? AND status='pending' LIMIT 1", issuerCIK,
	).Scan(&remaining)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	return enqueue(tx, queue.JobTypeBackfillBatch,
		fmt.Sprintf("BACKFILL_BATCH|%s|%d|%s", issuerCIK, startYear, w.cfg.ParseVersion),
		map[string]interface{}{"issuer_cik": issuerCIK, "start_year": startYear, "batch_size": batchSize},
		queue.EnqueueOptions{Priority: 5, RunAfter: domain.ISOAfter(time.Second), RequeueIfExists: true})
}

func (w *Worker) runAggregateAccession(tx *sql.Tx, payload map[string]interface{}) error {
	accession := payloadStr(payload, "accession_number")
	aiRequested := payloadBool(payload, "ai_requested")
	source := ingestSource(payload, aiRequested)

	eventKeys, err := compute.AggregateAccession(tx, w.cfg, accession)
	if err != nil {
		return err
	}

	for _, ek := range eventKeys {
		keyPayload := map[string]interface{}{
			"issuer_cik":       ek.IssuerCIK,
			"owner_key":        ek.OwnerKey,
			"accession_number": ek.AccessionNumber,
		}

		if err := enqueue(tx, queue.JobTypeComputeTrend,
			trendDedupeKey(w, ek), keyPayload,
			queue.EnqueueOptions{Priority: 40, RequeueIfExists: true}); err != nil {
			return err
		}
		if err := enqueue(tx, queue.JobTypeComputeOutcomes,
			outcomesDedupeKey(w, ek), keyPayload,
			queue.EnqueueOptions{Priority: 50, RequeueIfExists: true}); err != nil {
			return err
		}

		// AI runs only for poller-discovered filings; backfills and reparses
		// would otherwise enqueue thousands of model calls.
		if aiRequested {
			aiPayload := map[string]interface{}{
				"issuer_cik":       ek.IssuerCIK,
				"owner_key":        ek.OwnerKey,
				"accession_number": ek.AccessionNumber,
				"ingest_source":    source,
				"ai_requested":     true,
			}
			if err := enqueue(tx, queue.JobTypeRunAI,
				fmt.Sprintf("AI|%s|%s|%s|%s", ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, w.cfg.PromptVersion),
				aiPayload,
				queue.EnqueueOptions{Priority: 200, MaxAttempts: 10}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Worker) runFetchPrices(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) error {
	issuerCIK := domain.ZeroPadCIK(payloadStr(payload, "issuer_cik"))
	if err := compute.FetchAndStorePricesForIssuer(ctx, tx, w.eodhd, w.cfg, issuerCIK); err != nil {
		return err
	}
	return w.requeueMissingPriceJobs(tx, issuerCIK)
}

func (w *Worker) runFetchBenchmark(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) error {
	symbol := payloadStr(payload, "symbol")
	if symbol == "" {
		symbol = w.cfg.BenchmarkSymbol
	}
	resolved, err := compute.FetchAndStoreBenchmarkPrices(ctx, tx, w.eodhd, w.cfg, symbol)
	if err != nil {
		return err
	}

	now := domain.NowISO()
	if _, err := tx.Exec(`
		INSERT INTO app_config (key, value, updated_at) VALUES ('benchmark_symbol_resolved', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		resolved, now); err != nil {
		return fmt.Errorf("failed to store resolved benchmark symbol: %w", err)
	}

	return w.requeueMissingBenchmarkOutcomes(tx)
}

func (w *Worker) runComputeOutcomes(tx *sql.Tx, payload map[string]interface{}) error {
	ek := eventKeyFromPayload(payload)
	if err := compute.ComputeOutcomesForEvent(tx, w.cfg, ek); err != nil {
		return err
	}

	// Fresh outcomes shift the owner's per-issuer track record.
	return enqueue(tx, queue.JobTypeComputeStats,
		fmt.Sprintf("STATS|%s|%s|%s", ek.IssuerCIK, ek.OwnerKey, w.cfg.StatsVersion),
		map[string]interface{}{"issuer_cik": ek.IssuerCIK, "owner_key": ek.OwnerKey},
		queue.EnqueueOptions{Priority: 60, RequeueIfExists: true})
}

func (w *Worker) runAI(ctx context.Context, tx *sql.Tx, payload map[string]interface{}) error {
	ek := eventKeyFromPayload(payload)
	force := payloadBool(payload, "force")
	aiRequested := payloadBool(payload, "ai_requested")
	if !force && !aiRequested {
		return nil
	}

	var ticker, trendAt, statsAt, clusterAt sql.NullString
	err := tx.QueryRow(`
		SELECT ticker, trend_computed_at, stats_computed_at, cluster_computed_at
		FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	).Scan(&ticker, &trendAt, &statsAt, &clusterAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("event_missing")
	}
	if err != nil {
		return err
	}

	// Missing prerequisites enqueue the missing work and defer this job
	// without consuming an attempt.
	if !statsAt.Valid {
		if err := enqueue(tx, queue.JobTypeComputeStats,
			fmt.Sprintf("STATS|%s|%s|%s", ek.IssuerCIK, ek.OwnerKey, w.cfg.StatsVersion),
			map[string]interface{}{"issuer_cik": ek.IssuerCIK, "owner_key": ek.OwnerKey},
			queue.EnqueueOptions{Priority: 60, RequeueIfExists: true}); err != nil {
			return err
		}
		return deferJob("ai_prereq_missing_stats", 45*time.Second)
	}

	if !trendAt.Valid {
		if err := enqueue(tx, queue.JobTypeComputeTrend,
			trendDedupeKey(w, ek),
			map[string]interface{}{
				"issuer_cik":       ek.IssuerCIK,
				"owner_key":        ek.OwnerKey,
				"accession_number": ek.AccessionNumber,
			},
			queue.EnqueueOptions{Priority: 40, RequeueIfExists: true}); err != nil {
			return err
		}
		return deferJob("ai_prereq_missing_trend", 45*time.Second)
	}

	// Clusters only apply when the issuer has a ticker.
	t := strings.TrimSpace(ticker.String)
	if t != "" && !clusterAt.Valid {
		if err := enqueue(tx, queue.JobTypeComputeClusters,
			fmt.Sprintf("CLUSTERS|%s|%s", t, w.cfg.ClusterVersion),
			map[string]interface{}{"ticker": t},
			queue.EnqueueOptions{Priority: 30, RequeueIfExists: true}); err != nil {
			return err
		}
		return deferJob("ai_prereq_missing_cluster", 90*time.Second)
	}

	var hasBuy, hasSell int
	err = tx.QueryRow(`
		SELECT has_buy, has_sell FROM insider_events
		WHERE issuer_cik=? AND owner_key=? AND accession_number=?`,
		ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber,
	).Scan(&hasBuy, &hasSell)
	if err != nil {
		return err
	}
	if hasBuy == 0 && hasSell == 0 {
		return nil
	}

	return w.judge.RunForEvent(ctx, tx, ek, force)
}

func (w *Worker) runReparseTicker(tx *sql.Tx, payload map[string]interface{}) error {
	ticker := payloadStr(payload, "ticker")
	if ticker == "" {
		return fmt.Errorf("ticker is blank")
	}

	rows, err := tx.Query("SELECT DISTINCT accession_number FROM insider_events WHERE ticker=?", ticker)
	if err != nil {
		return err
	}
	var accessions []string
	for rows.Next() {
		var acc string
		if err := rows.Scan(&acc); err != nil {
			rows.Close()
			return err
		}
		accessions = append(accessions, acc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	w.log.Info().Str("ticker", ticker).Int("accessions", len(accessions)).Msg("Reparsing ticker")

	for _, acc := range accessions {
		var one int
		err := tx.QueryRow("SELECT 1 FROM filing_documents WHERE accession_number=? LIMIT 1", acc).Scan(&one)
		hasDoc := err == nil

		payload := map[string]interface{}{
			"accession_number": acc,
			"ingest_source":    "reparse",
			"ai_requested":     false,
		}
		if hasDoc {
			if err := enqueue(tx, queue.JobTypeParseAccessionDocs,
				fmt.Sprintf("PARSE|%s|%s", acc, w.cfg.ParseVersion), payload,
				queue.EnqueueOptions{Priority: 5, RequeueIfExists: true}); err != nil {
				return err
			}
		} else {
			if err := enqueue(tx, queue.JobTypeFetchAccessionDocs,
				"FETCH|"+acc, payload,
				queue.EnqueueOptions{Priority: 5, RequeueIfExists: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

// requeueMissingPriceJobs retries trend and outcomes work that previously
// failed because the issuer had no price series.
func (w *Worker) requeueMissingPriceJobs(tx *sql.Tx, issuerCIK string) error {
	keys := map[domain.EventKey]bool{}

	rows, err := tx.Query(`
		SELECT issuer_cik, owner_key, accession_number
		FROM insider_events
		WHERE issuer_cik=? AND trend_missing_reason='missing_price_series'`, issuerCIK)
	if err != nil {
		return err
	}
	if err := collectEventKeys(rows, keys); err != nil {
		return err
	}

	rows, err = tx.Query(`
		SELECT DISTINCT issuer_cik, owner_key, accession_number
		FROM event_outcomes
		WHERE issuer_cik=? AND (missing_reason_60d='missing_price_series' OR missing_reason_180d='missing_price_series')`,
		issuerCIK)
	if err != nil {
		return err
	}
	if err := collectEventKeys(rows, keys); err != nil {
		return err
	}

	for ek := range keys {
		keyPayload := map[string]interface{}{
			"issuer_cik":       ek.IssuerCIK,
			"owner_key":        ek.OwnerKey,
			"accession_number": ek.AccessionNumber,
		}
		if err := enqueue(tx, queue.JobTypeComputeTrend,
			trendDedupeKey(w, ek), keyPayload,
			queue.EnqueueOptions{Priority: 40, RequeueIfExists: true}); err != nil {
			return err
		}
		if err := enqueue(tx, queue.JobTypeComputeOutcomes,
			outcomesDedupeKey(w, ek), keyPayload,
			queue.EnqueueOptions{Priority: 50, RequeueIfExists: true}); err != nil {
			return err
		}
	}
	return nil
}

// requeueMissingBenchmarkOutcomes retries outcomes that could not compute a
// benchmark excess return, typically right after the benchmark series first
// lands.
func (w *Worker) requeueMissingBenchmarkOutcomes(tx *sql.Tx) error {
	rows, err := tx.Query(`
		SELECT DISTINCT issuer_cik, owner_key, accession_number
		FROM event_outcomes
		WHERE bench_missing_reason_60d IN ('missing_benchmark_series','benchmark_anchor_not_found','insufficient_benchmark_future_data','benchmark_anchor_missing','benchmark_future_missing')
		   OR bench_missing_reason_180d IN ('missing_benchmark_series','benchmark_anchor_not_found','insufficient_benchmark_future_data','benchmark_anchor_missing','benchmark_future_missing')
		LIMIT 5000`)
	if err != nil {
		return err
	}
	keys := map[domain.EventKey]bool{}
	if err := collectEventKeys(rows, keys); err != nil {
		return err
	}

	for ek := range keys {
		ek.IssuerCIK = domain.ZeroPadCIK(ek.IssuerCIK)
		if err := enqueue(tx, queue.JobTypeComputeOutcomes,
			outcomesDedupeKey(w, ek),
			map[string]interface{}{
				"issuer_cik":       ek.IssuerCIK,
				"owner_key":        ek.OwnerKey,
				"accession_number": ek.AccessionNumber,
			},
			queue.EnqueueOptions{Priority: 55, RequeueIfExists: true}); err != nil {
			return err
		}
	}
	return nil
}

func collectEventKeys(rows *sql.Rows, into map[domain.EventKey]bool) error {
	defer rows.Close()
	for rows.Next() {
		var ek domain.EventKey
		if err := rows.Scan(&ek.IssuerCIK, &ek.OwnerKey, &ek.AccessionNumber); err != nil {
			return err
		}
		into[ek] = true
	}
	return rows.Err()
}

func trendDedupeKey(w *Worker, ek domain.EventKey) string {
	return fmt.Sprintf("TREND|%s|%s|%s|%s", ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, w.cfg.TrendVersion)
}

func outcomesDedupeKey(w *Worker, ek domain.EventKey) string {
	return fmt.Sprintf("OUT|%s|%s|%s|%s", ek.IssuerCIK, ek.OwnerKey, ek.AccessionNumber, w.cfg.OutcomesVersion)
}
