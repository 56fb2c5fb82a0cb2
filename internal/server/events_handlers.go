package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/insiderscope/internal/auth"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
)

func (s *Server) handleListTickers(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 200, 1, 500)
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	query := `
		SELECT im.issuer_cik, im.current_ticker AS ticker, im.issuer_name,
		       mc.market_cap, mc.market_cap_bucket,
		       COALESCE(
		           (SELECT MAX(f.filing_date) FROM filings f WHERE f.issuer_cik = im.issuer_cik),
		           im.last_filing_date
		       ) AS last_filing_date,
		       (SELECT COUNT(*) FROM insider_events e
		        WHERE e.issuer_cik = im.issuer_cik AND (e.has_buy = 1 OR e.has_sell = 1)) AS open_market_event_count,
		       (SELECT COUNT(*) FROM insider_events e
		        WHERE e.issuer_cik = im.issuer_cik AND e.ai_computed_at IS NOT NULL) AS ai_event_count,
		       (SELECT COUNT(*) FROM insider_events e
		        WHERE e.issuer_cik = im.issuer_cik AND (e.cluster_flag_buy = 1 OR e.cluster_flag_sell = 1)) AS cluster_event_count
		FROM issuer_master im
		LEFT JOIN market_cap_cache mc ON mc.ticker = im.current_ticker
		WHERE im.current_ticker IS NOT NULL`
	args := []interface{}{}
	if q != "" {
		query += ` AND (im.current_ticker LIKE ? OR im.issuer_name LIKE ? OR im.issuer_cik LIKE ?)`
		pattern := "%" + q + "%"
		args = append(args, pattern, pattern, pattern)
	}
	query += ` ORDER BY (last_filing_date IS NULL) ASC, last_filing_date DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.log.Error().Err(err).Msg("Ticker listing query failed")
		writeError(w, http.StatusInternalServerError, "tickers_query_failed")
		return
	}
	out, err := rowsToMaps(rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "tickers_query_failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// eventFilters collects the WHERE clauses shared by the list endpoints.
type eventFilters struct {
	where []string
	args  []interface{}
}

func (f *eventFilters) add(clause string, args ...interface{}) {
	f.where = append(f.where, clause)
	f.args = append(f.args, args...)
}

func (f *eventFilters) clause() string {
	if len(f.where) == 0 {
		return "1=1"
	}
	return strings.Join(f.where, " AND ")
}

// parseEventFilters reads the filter query parameters common to the per-ticker
// and global event listings. A validation failure writes the error response
// and returns false.
func (s *Server) parseEventFilters(w http.ResponseWriter, r *http.Request, f *eventFilters, openMarketDefault bool, isAdmin bool) bool {
	openMarketOnly := queryBool(r, "open_market_only", openMarketDefault)
	if !isAdmin {
		openMarketOnly = true
	}
	if openMarketOnly {
		f.add("(e.has_buy = 1 OR e.has_sell = 1)")
	}
	if queryBool(r, "cluster_only", false) {
		f.add("(e.cluster_flag_buy = 1 OR e.cluster_flag_sell = 1)")
	}

	side := r.URL.Query().Get("side")
	switch side {
	case "", "both":
	case "buy":
		f.add("e.has_buy = 1")
	case "sell":
		f.add("e.has_sell = 1")
	default:
		writeError(w, http.StatusBadRequest, "invalid_side")
		return false
	}

	if queryBool(r, "officer_only", false) {
		f.add("e.is_officer = 1")
	}
	if queryBool(r, "director_only", false) {
		f.add("e.is_director = 1")
	}
	if queryBool(r, "ten_percent_only", false) {
		f.add("e.is_ten_percent_owner = 1")
	}

	if minDollars, ok := queryFloat(r, "min_dollars"); ok {
		dollarsSide := r.URL.Query().Get("dollars_side")
		switch dollarsSide {
		case "", "either":
			f.add("(COALESCE(e.buy_dollars_total, 0) >= ? OR COALESCE(e.sell_dollars_total, 0) >= ?)", minDollars, minDollars)
		case "buy":
			f.add("COALESCE(e.buy_dollars_total, 0) >= ?", minDollars)
		case "sell":
			f.add("COALESCE(e.sell_dollars_total, 0) >= ?", minDollars)
		default:
			writeError(w, http.StatusBadRequest, "invalid_dollars_side")
			return false
		}
	}
	return true
}

// aiBestExpr ranks an event by its strongest AI rating on either side.
const aiBestExpr = "MAX(COALESCE(e.ai_buy_rating, -1), COALESCE(e.ai_sell_rating, -1))"

func eventOrderBy(sortBy string) (string, bool) {
	switch sortBy {
	case "filing_date_desc":
		return "e.filing_date DESC, e.accession_number DESC", true
	case "ai_best_desc":
		return "ai_best DESC, COALESCE(e.ai_confidence, -1) DESC, e.filing_date DESC", true
	}
	return "", false
}

func filingDateCutoff(days int) string {
	return time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
}

func (s *Server) handleTickerEvents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	isAdmin := user != nil && user.IsAdmin()

	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	days := queryInt(r, "days", 0, 1, 3650)
	limit := queryInt(r, "limit", 100, 1, 500)
	offset := queryInt(r, "offset", 0, 0, 50000)

	sortBy := r.URL.Query().Get("sort_by")
	if sortBy == "" {
		sortBy = "filing_date_desc"
	}
	orderBy, ok := eventOrderBy(sortBy)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_sort_by")
		return
	}

	var f eventFilters
	f.add("e.ticker = ?", ticker)
	if r.URL.Query().Get("days") != "" {
		f.add("e.filing_date >= ?", filingDateCutoff(days))
	}
	if !s.parseEventFilters(w, r, &f, true, isAdmin) {
		return
	}

	issuer, err := queryRowMap(s.db.Conn(),
		`SELECT issuer_cik, current_ticker, issuer_name, last_filing_date FROM issuer_master WHERE current_ticker = ?`, ticker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuer_query_failed")
		return
	}
	marketCap, err := queryRowMap(s.db.Conn(),
		`SELECT ticker, market_cap, market_cap_bucket, market_cap_updated_at FROM market_cap_cache WHERE ticker = ?`, ticker)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "market_cap_query_failed")
		return
	}

	var reparseNeeded bool
	var one int
	err = s.db.QueryRow(
		`SELECT 1 FROM insider_events WHERE ticker = ? AND parse_version <> ? LIMIT 1`,
		ticker, s.cfg.ParseVersion).Scan(&one)
	switch {
	case err == nil:
		reparseNeeded = true
	case err != sql.ErrNoRows:
		writeError(w, http.StatusInternalServerError, "reparse_check_failed")
		return
	}

	reparseEnqueued := false
	if reparseNeeded && isAdmin && queryBool(r, "auto_enqueue_reparse", false) {
		if err := s.enqueueReparse(ticker); err != nil {
			s.log.Warn().Err(err).Str("ticker", ticker).Msg("Failed to enqueue reparse")
		} else {
			reparseEnqueued = true
		}
	}

	query := fmt.Sprintf(
		`SELECT e.*, %s AS ai_best FROM insider_events e WHERE %s ORDER BY %s LIMIT ? OFFSET ?`,
		aiBestExpr, f.clause(), orderBy)
	rows, err := s.db.Query(query, append(f.args, limit, offset)...)
	if err != nil {
		s.log.Error().Err(err).Str("ticker", ticker).Msg("Ticker events query failed")
		writeError(w, http.StatusInternalServerError, "events_query_failed")
		return
	}
	events, err := rowsToMaps(rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "events_query_failed")
		return
	}

	resp := map[string]interface{}{
		"ticker":           ticker,
		"days":             nil,
		"issuer":           issuer,
		"market_cap":       marketCap,
		"reparse_needed":   reparseNeeded,
		"reparse_enqueued": reparseEnqueued,
		"events":           events,
		"offset":           offset,
		"limit":            limit,
		"next_offset":      nil,
	}
	if r.URL.Query().Get("days") != "" {
		resp["days"] = days
	}
	if len(events) == limit {
		resp["next_offset"] = offset + limit
	}

	if queryBool(r, "include_total", false) {
		var total int
		countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM insider_events e WHERE %s`, f.clause())
		if err := s.db.QueryRow(countQuery, f.args...).Scan(&total); err != nil {
			writeError(w, http.StatusInternalServerError, "events_query_failed")
			return
		}
		resp["total"] = total
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	isAdmin := user != nil && user.IsAdmin()

	days := queryInt(r, "days", 30, 1, 3650)
	limit := queryInt(r, "limit", 100, 1, 500)
	offset := queryInt(r, "offset", 0, 0, 50000)

	sortBy := r.URL.Query().Get("sort_by")
	if sortBy == "" {
		sortBy = "ai_best_desc"
	}
	orderBy, ok := eventOrderBy(sortBy)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_sort_by")
		return
	}

	var f eventFilters
	f.add("e.filing_date >= ?", filingDateCutoff(days))
	if queryBool(r, "ai_only", true) {
		f.add("e.ai_computed_at IS NOT NULL")
	}
	if !s.parseEventFilters(w, r, &f, true, isAdmin) {
		return
	}

	query := fmt.Sprintf(`
		SELECT e.*, im.issuer_name, %s AS ai_best
		FROM insider_events e
		LEFT JOIN issuer_master im ON im.issuer_cik = e.issuer_cik
		WHERE %s ORDER BY %s LIMIT ? OFFSET ?`,
		aiBestExpr, f.clause(), orderBy)
	rows, err := s.db.Query(query, append(f.args, limit, offset)...)
	if err != nil {
		s.log.Error().Err(err).Msg("Global events query failed")
		writeError(w, http.StatusInternalServerError, "events_query_failed")
		return
	}
	events, err := rowsToMaps(rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "events_query_failed")
		return
	}

	resp := map[string]interface{}{
		"days":        days,
		"offset":      offset,
		"limit":       limit,
		"next_offset": nil,
		"sort_by":     sortBy,
		"events":      events,
	}
	if len(events) == limit {
		resp["next_offset"] = offset + limit
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())
	isAdmin := user != nil && user.IsAdmin()

	issuerCIK := domain.ZeroPadCIK(chi.URLParam(r, "issuerCIK"))
	ownerKey := chi.URLParam(r, "ownerKey")
	accession := chi.URLParam(r, "accessionNumber")

	event, err := queryRowMap(s.db.Conn(),
		`SELECT * FROM insider_events WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		issuerCIK, ownerKey, accession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "event_query_failed")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event_not_found")
		return
	}

	if !isAdmin {
		hasBuy, _ := event["has_buy"].(int64)
		hasSell, _ := event["has_sell"].(int64)
		if hasBuy == 0 && hasSell == 0 {
			writeError(w, http.StatusForbidden, "open_market_only")
			return
		}
	}

	rawRows, err := s.db.Query(`
		SELECT row_id, is_derivative, transaction_code, transaction_date,
		       shares_abs, price, shares_owned_following, parser_warnings_json
		FROM form4_rows_raw
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?
		ORDER BY (transaction_date IS NULL) ASC, transaction_date ASC, row_id ASC`,
		issuerCIK, ownerKey, accession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rows_query_failed")
		return
	}
	txRows, err := rowsToMaps(rawRows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rows_query_failed")
		return
	}

	outcomeRows, err := s.db.Query(
		`SELECT * FROM event_outcomes WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?`,
		issuerCIK, ownerKey, accession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outcomes_query_failed")
		return
	}
	outcomes, err := rowsToMaps(outcomeRows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "outcomes_query_failed")
		return
	}

	statRows, err := s.db.Query(
		`SELECT * FROM insider_issuer_stats WHERE issuer_cik = ? AND owner_key = ?`,
		issuerCIK, ownerKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_query_failed")
		return
	}
	stats, err := rowsToMaps(statRows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_query_failed")
		return
	}

	clusters := map[string]interface{}{"buy": nil, "sell": nil}
	for side, column := range map[string]string{"buy": "cluster_id_buy", "sell": "cluster_id_sell"} {
		clusterID, _ := event[column].(string)
		if clusterID == "" {
			continue
		}
		cluster, err := queryRowMap(s.db.Conn(), `SELECT * FROM clusters WHERE cluster_id = ?`, clusterID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "clusters_query_failed")
			return
		}
		clusters[side] = cluster
	}

	aiLatest, err := s.latestAIOutput(issuerCIK, ownerKey, accession)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ai_query_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":     event,
		"rows":      txRows,
		"outcomes":  outcomes,
		"stats":     stats,
		"clusters":  clusters,
		"ai_latest": aiLatest,
	})
}

// latestAIOutput loads the newest judge output for an event with the stored
// JSON blobs parsed into objects.
func (s *Server) latestAIOutput(issuerCIK, ownerKey, accession string) (map[string]interface{}, error) {
	row, err := queryRowMap(s.db.Conn(), `
		SELECT * FROM ai_outputs
		WHERE issuer_cik = ? AND owner_key = ? AND accession_number = ?
		ORDER BY generated_at DESC, ai_output_id DESC LIMIT 1`,
		issuerCIK, ownerKey, accession)
	if err != nil || row == nil {
		return nil, err
	}

	for raw, parsed := range map[string]string{"output_json": "output", "input_json": "input"} {
		text, _ := row[raw].(string)
		delete(row, raw)
		if text == "" {
			continue
		}
		var obj interface{}
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			row[parsed] = obj
		}
	}
	return row, nil
}

func (s *Server) handleTickerPrices(w http.ResponseWriter, r *http.Request) {
	ticker := strings.ToUpper(chi.URLParam(r, "ticker"))
	limit := queryInt(r, "limit", 2000, 1, 20000)

	end := r.URL.Query().Get("end")
	if end == "" {
		end = time.Now().UTC().Format("2006-01-02")
	} else if !validDate(end) {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}

	start := r.URL.Query().Get("start")
	if start == "" {
		endDate, _ := time.Parse("2006-01-02", end)
		start = endDate.AddDate(0, 0, -365).Format("2006-01-02")
	} else if !validDate(start) {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}

	var issuerCIK string
	err := s.db.QueryRow(`SELECT issuer_cik FROM issuer_master WHERE current_ticker = ?`, ticker).Scan(&issuerCIK)
	if err == sql.ErrNoRows {
		err = s.db.QueryRow(
			`SELECT issuer_cik FROM insider_events WHERE ticker = ? ORDER BY filing_date DESC LIMIT 1`,
			ticker).Scan(&issuerCIK)
	}
	if err == sql.ErrNoRows {
		writeError(w, http.StatusNotFound, "ticker_not_found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prices_query_failed")
		return
	}

	rows, err := s.db.Query(`
		SELECT date, adj_close FROM issuer_prices_daily
		WHERE issuer_cik = ? AND date >= ? AND date <= ?
		ORDER BY date ASC LIMIT ?`,
		issuerCIK, start, end, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prices_query_failed")
		return
	}
	prices, err := rowsToMaps(rows)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "prices_query_failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticker":     ticker,
		"issuer_cik": issuerCIK,
		"start":      start,
		"end":        end,
		"prices":     prices,
	})
}

func validDate(s string) bool {
	_, err := time.Parse("2006-01-02", s)
	return err == nil
}

func (s *Server) enqueueReparse(ticker string) error {
	dedupeKey := fmt.Sprintf("REPARSE|%s|%s", ticker, s.cfg.ParseVersion)
	return queue.Enqueue(s.db.Conn(), queue.JobTypeReparseTicker, dedupeKey,
		map[string]interface{}{"ticker": ticker},
		queue.EnqueueOptions{Priority: 1, MaxAttempts: 1})
}
