package server

import (
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

func (s *Server) handleAdminJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", queue.StatusPending, queue.StatusRunning, queue.StatusSuccess, queue.StatusError:
	default:
		writeError(w, http.StatusBadRequest, "invalid_job_status")
		return
	}
	limit := queryInt(r, "limit", 100, 1, 500)

	counts, err := queue.StatusCounts(s.db.Conn())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "jobs_query_failed")
		return
	}
	jobs, err := queue.List(s.db.Conn(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "jobs_query_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"counts": counts,
	})
}

func (s *Server) handleAdminMonitoring(w http.ResponseWriter, r *http.Request) {
	windowHours := queryInt(r, "window_hours", 24, 1, 168)
	limitTypes := queryInt(r, "limit_types", 25, 1, 200)

	now := time.Now().UTC()
	windowStart := domain.FormatISO(now.Add(-time.Duration(windowHours) * time.Hour))

	statusCounts, err := queue.StatusCounts(s.db.Conn())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}

	var oldestPendingAgeSec interface{}
	var oldestCreated sql.NullString
	err = s.db.QueryRow(`SELECT MIN(created_at) FROM jobs WHERE status = 'pending'`).Scan(&oldestCreated)
	if err == nil && oldestCreated.Valid {
		if t, perr := domain.ParseISO(oldestCreated.String); perr == nil {
			oldestPendingAgeSec = now.Sub(t).Seconds()
		}
	}

	pendingByType, err := s.jobCountsByType("pending", limitTypes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}
	errorByType, err := s.jobCountsByType("error", limitTypes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}

	throughput, err := s.throughputHourly(now, windowHours, windowStart)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}

	latencyByType, err := s.latencyByType(windowStart)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}

	backfillCounts := map[string]int{}
	bfRows, err := s.db.Query(`SELECT status, COUNT(*) FROM backfill_queue GROUP BY status`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}
	for bfRows.Next() {
		var status string
		var n int
		if err := bfRows.Scan(&status, &n); err != nil {
			bfRows.Close()
			writeError(w, http.StatusInternalServerError, "monitoring_failed")
			return
		}
		backfillCounts[status] = n
	}
	bfRows.Close()

	tableCounts := map[string]int{}
	for _, table := range []string{"issuer_master", "insider_events", "ai_outputs", "users"} {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			writeError(w, http.StatusInternalServerError, "monitoring_failed")
			return
		}
		tableCounts[table] = n
	}

	errRows, err := s.db.Query(`
		SELECT job_id, job_type, dedupe_key, attempts, last_error, updated_at
		FROM jobs WHERE status = 'error'
		ORDER BY updated_at DESC LIMIT 50`)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}
	recentErrors, err := rowsToMaps(errRows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "monitoring_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status_counts":          statusCounts,
		"oldest_pending_age_sec": oldestPendingAgeSec,
		"pending_by_type":        pendingByType,
		"error_by_type":          errorByType,
		"throughput_hourly":      throughput,
		"latency_by_type":        latencyByType,
		"backfill_counts":        backfillCounts,
		"table_counts":           tableCounts,
		"recent_errors":          recentErrors,
		"system":                 systemUsage(),
		"now":                    domain.FormatISO(now),
		"window_hours":           windowHours,
	})
}

func (s *Server) jobCountsByType(status string, limit int) ([]map[string]interface{}, error) {
	rows, err := s.db.Query(`
		SELECT job_type, COUNT(*) AS count FROM jobs
		WHERE status = ? GROUP BY job_type
		ORDER BY count DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(rows)
}

// throughputHourly buckets finished jobs by hour over the window. Every hour
// in the window appears in the result, including empty ones, so charts get a
// stable x axis.
func (s *Server) throughputHourly(now time.Time, windowHours int, windowStart string) ([]map[string]interface{}, error) {
	rows, err := s.db.Query(`
		SELECT substr(updated_at, 1, 13) AS hour, status, COUNT(*)
		FROM jobs
		WHERE status IN ('success', 'error') AND updated_at >= ?
		GROUP BY hour, status`, windowStart)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type bucket struct{ success, errored int }
	byHour := map[string]*bucket{}
	for rows.Next() {
		var hour, status string
		var n int
		if err := rows.Scan(&hour, &status, &n); err != nil {
			return nil, err
		}
		b := byHour[hour]
		if b == nil {
			b = &bucket{}
			byHour[hour] = b
		}
		if status == queue.StatusSuccess {
			b.success = n
		} else {
			b.errored = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]map[string]interface{}, 0, windowHours)
	for i := windowHours - 1; i >= 0; i-- {
		hour := now.Add(-time.Duration(i) * time.Hour).Format("2006-01-02T15")
		b := byHour[hour]
		if b == nil {
			b = &bucket{}
		}
		out = append(out, map[string]interface{}{
			"hour":    hour,
			"success": b.success,
			"error":   b.errored,
		})
	}
	return out, nil
}

func (s *Server) latencyByType(windowStart string) ([]map[string]interface{}, error) {
	rows, err := s.db.Query(`
		SELECT job_type,
		       AVG((julianday(updated_at) - julianday(created_at)) * 86400.0) AS avg_latency_sec,
		       COUNT(*) AS count
		FROM jobs
		WHERE status = 'success' AND updated_at >= ?
		GROUP BY job_type ORDER BY avg_latency_sec DESC`, windowStart)
	if err != nil {
		return nil, err
	}
	return rowsToMaps(rows)
}

func systemUsage() map[string]interface{} {
	out := map[string]interface{}{}
	if percents, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(percents) > 0 {
		out["cpu_percent"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out["memory_percent"] = vm.UsedPercent
		out["memory_used_mb"] = vm.Used / 1024 / 1024
		out["memory_total_mb"] = vm.Total / 1024 / 1024
	}
	return out
}

func (s *Server) handleAdminReparseTicker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker string `json:"ticker"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ticker := strings.ToUpper(strings.TrimSpace(req.Ticker))
	if ticker == "" {
		writeError(w, http.StatusBadRequest, "missing_ticker")
		return
	}

	if err := s.enqueueReparse(ticker); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": true, "ticker": ticker})
}

func (s *Server) handleIngestAccession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessionNumber string `json:"accession_number"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	accession := strings.TrimSpace(req.AccessionNumber)
	if accession == "" {
		writeError(w, http.StatusBadRequest, "missing_accession_number")
		return
	}

	err := queue.Enqueue(s.db.Conn(), queue.JobTypeFetchAccessionDocs,
		fmt.Sprintf("FETCH|%s", accession),
		map[string]interface{}{"accession_number": accession},
		queue.EnqueueOptions{Priority: 1})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": true, "accession_number": accession})
}

func (s *Server) handleAdminBackfillTicker(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))

	req := struct {
		StartYear *int `json:"start_year"`
		BatchSize *int `json:"batch_size"`
	}{}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	startYear := s.cfg.BackfillStartYear
	if req.StartYear != nil {
		startYear = *req.StartYear
	}
	batchSize := s.cfg.BackfillBatchSize
	if req.BatchSize != nil {
		batchSize = *req.BatchSize
	}

	var issuerCIK string
	err := s.db.QueryRow(`SELECT issuer_cik FROM issuer_master WHERE current_ticker = ?`, ticker).Scan(&issuerCIK)
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "ticker_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuer_query_failed")
		return
	}
	issuerCIK = domain.ZeroPadCIK(issuerCIK)

	err = queue.Enqueue(s.db.Conn(), queue.JobTypeBackfillDiscover,
		fmt.Sprintf("BACKFILL_DISCOVER|%s|%d", issuerCIK, startYear),
		map[string]interface{}{
			"issuer_cik": issuerCIK,
			"start_year": startYear,
			"batch_size": batchSize,
		},
		queue.EnqueueOptions{Priority: 3, RequeueIfExists: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}

	// Outcomes need the benchmark series; make sure it is being fetched.
	if err := s.enqueueBenchmarkFetch(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to enqueue benchmark fetch")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enqueued":   true,
		"ticker":     ticker,
		"issuer_cik": issuerCIK,
		"start_year": startYear,
		"batch_size": batchSize,
	})
}

func (s *Server) enqueueBenchmarkFetch() error {
	return queue.Enqueue(s.db.Conn(), queue.JobTypeFetchBenchmark,
		fmt.Sprintf("BENCH_PRICES|%s", s.cfg.BenchmarkSymbol),
		map[string]interface{}{"symbol": s.cfg.BenchmarkSymbol},
		queue.EnqueueOptions{Priority: 1, RequeueIfExists: true})
}

func (s *Server) handleAdminFetchBenchmarkPrices(w http.ResponseWriter, r *http.Request) {
	if err := s.enqueueBenchmarkFetch(); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enqueued": true, "symbol": s.cfg.BenchmarkSymbol})
}

func (s *Server) handleAdminRegenerateAI(w http.ResponseWriter, r *http.Request) {
	issuerCIK := domain.ZeroPadCIK(chi.URLParam(r, "issuerCIK"))
	ownerKey := chi.URLParam(r, "ownerKey")
	accession := chi.URLParam(r, "accessionNumber")

	req := struct {
		Force *bool `json:"force"`
	}{}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	force := true
	if req.Force != nil {
		force = *req.Force
	}

	eventKey := fmt.Sprintf("%s/%s/%s", issuerCIK, ownerKey, accession)
	err := queue.Enqueue(s.db.Conn(), queue.JobTypeRunAI,
		fmt.Sprintf("AI|%s|%s|%s|%s", issuerCIK, ownerKey, accession, s.cfg.PromptVersion),
		map[string]interface{}{
			"issuer_cik":       issuerCIK,
			"owner_key":        ownerKey,
			"accession_number": accession,
			"force":            force,
		},
		queue.EnqueueOptions{Priority: 70, MaxAttempts: 10, RequeueIfExists: true})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enqueued":  true,
		"event_key": eventKey,
		"force":     force,
	})
}
