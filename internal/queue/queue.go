// Package queue implements the durable DB-backed job queue that coordinates
// every pipeline stage. The jobs table is the only coordination primitive:
// multiple workers (and processes) share it safely through row-claim CAS
// updates.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/insiderscope/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx so queue operations compose with
// the transaction a job handler runs in.
type DBTX interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// EnqueueOptions controls dedupe behavior for Enqueue.
type EnqueueOptions struct {
	Priority    int    // default 100
	MaxAttempts int    // default 3
	RunAfter    string // ISO timestamp; "" = runnable immediately

	// RequeueIfExists resets a terminal (success/error) job with the same
	// dedupe key back to pending. Pending/running jobs are left alone.
	RequeueIfExists bool

	// PromoteIfPending updates payload/priority of an existing pending job,
	// used when a "new filing" discovery should outrank a backfill copy.
	PromoteIfPending bool
}

// Enqueue inserts a job, deduplicating on dedupe key. At most one row ever
// exists per dedupe key.
func Enqueue(db DBTX, jobType JobType, dedupeKey string, payload map[string]interface{}, opts EnqueueOptions) error {
	if dedupeKey == "" {
		return fmt.Errorf("dedupe_key is blank")
	}
	if opts.Priority == 0 {
		opts.Priority = 100
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	now := domain.NowISO()

	var runAfter interface{}
	if opts.RunAfter != "" {
		runAfter = opts.RunAfter
	}

	res, err := db.Exec(`
		INSERT INTO jobs (job_type, status, priority, dedupe_key, payload_json, attempts, max_attempts, created_at, updated_at, run_after)
		VALUES (?, 'pending', ?, ?, ?, 0, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		string(jobType), opts.Priority, dedupeKey, string(payloadJSON), opts.MaxAttempts, now, now, runAfter,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Dedupe hit. Only terminal jobs may be requeued; a pending job may be
	// promoted, a running job is never touched.
	if opts.RequeueIfExists {
		if _, err := db.Exec(`
			UPDATE jobs
			SET status='pending', priority=?, payload_json=?, attempts=0,
			    max_attempts=?, last_error=NULL, updated_at=?, run_after=?
			WHERE dedupe_key=? AND status IN ('success','error')`,
			opts.Priority, string(payloadJSON), opts.MaxAttempts, now, runAfter, dedupeKey,
		); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
	}

	if opts.PromoteIfPending {
		if _, err := db.Exec(`
			UPDATE jobs
			SET priority=MAX(priority, ?), payload_json=?, updated_at=?
			WHERE dedupe_key=? AND status='pending'`,
			opts.Priority, string(payloadJSON), now, dedupeKey,
		); err != nil {
			return fmt.Errorf("failed to promote pending job: %w", err)
		}
	}

	return nil
}

// ClaimNext atomically claims the next runnable job: pending, past its
// run_after, ordered by priority DESC, created_at ASC, job_id ASC. The claim
// is a single CAS UPDATE so concurrent workers never take the same row.
// Returns nil when no job is runnable.
func ClaimNext(db DBTX, allowed map[JobType]bool) (*Job, error) {
	now := domain.NowISO()

	typeFilter := ""
	args := []interface{}{now}
	if len(allowed) > 0 {
		placeholders := make([]string, 0, len(allowed))
		for jt := range allowed {
			placeholders = append(placeholders, "?")
			args = append(args, string(jt))
		}
		typeFilter = " AND job_type IN (" + strings.Join(placeholders, ",") + ")"
	}

	query := `
		UPDATE jobs
		SET status='running', updated_at=?
		WHERE status='pending' AND job_id = (
			SELECT job_id FROM jobs
			WHERE status='pending' AND (run_after IS NULL OR run_after <= ?)` + typeFilter + `
			ORDER BY priority DESC, created_at ASC, job_id ASC
			LIMIT 1
		)
		RETURNING job_id, job_type, status, priority, dedupe_key, payload_json,
		          attempts, max_attempts, COALESCE(last_error,''), created_at, updated_at, COALESCE(run_after,'')`

	fullArgs := append([]interface{}{now}, args...)

	row := db.QueryRow(query, fullArgs...)

	var j Job
	var payloadJSON string
	var jobType string
	err := row.Scan(&j.JobID, &jobType, &j.Status, &j.Priority, &j.DedupeKey, &payloadJSON,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.RunAfter)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	j.JobType = JobType(jobType)
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for job %d: %w", j.JobID, err)
	}

	return &j, nil
}

// MarkSuccess records a completed job.
func MarkSuccess(db DBTX, jobID int64) error {
	_, err := db.Exec(
		"UPDATE jobs SET status='success', updated_at=? WHERE job_id=?",
		domain.NowISO(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %d success: %w", jobID, err)
	}
	return nil
}

// MarkError records a failed attempt. Attempts are consumed; once the job
// has used all of them it stays in the terminal error state, otherwise it
// returns to pending with a backoff run_after.
func MarkError(db DBTX, jobID int64, errMsg string, retryAfter time.Duration) error {
	now := domain.NowISO()
	runAfter := domain.ISOAfter(retryAfter)
	if len(errMsg) > 5000 {
		errMsg = errMsg[:5000]
	}

	_, err := db.Exec(`
		UPDATE jobs
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= max_attempts THEN 'error' ELSE 'pending' END,
		    run_after = CASE WHEN attempts + 1 >= max_attempts THEN run_after ELSE ? END,
		    updated_at = ?
		WHERE job_id=?`,
		errMsg, runAfter, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job %d error: %w", jobID, err)
	}
	return nil
}

// MarkDeferred returns a running job to pending without consuming an
// attempt. Used for dependency-not-ready situations (e.g. AI waiting on
// stats/trend/cluster). The reason lands in last_error for observability.
func MarkDeferred(db DBTX, jobID int64, reason string, retryAfter time.Duration) error {
	_, err := db.Exec(`
		UPDATE jobs
		SET status='pending', last_error=?, run_after=?, updated_at=?
		WHERE job_id=?`,
		reason, domain.ISOAfter(retryAfter), domain.NowISO(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to defer job %d: %w", jobID, err)
	}
	return nil
}

// Get returns a job by dedupe key, or nil.
func Get(db DBTX, dedupeKey string) (*Job, error) {
	row := db.QueryRow(`
		SELECT job_id, job_type, status, priority, dedupe_key, payload_json,
		       attempts, max_attempts, COALESCE(last_error,''), created_at, updated_at, COALESCE(run_after,'')
		FROM jobs WHERE dedupe_key=?`, dedupeKey)
	return scanJob(row)
}

func scanJob(row *sql.Row) (*Job, error) {
	var j Job
	var payloadJSON, jobType string
	err := row.Scan(&j.JobID, &jobType, &j.Status, &j.Priority, &j.DedupeKey, &payloadJSON,
		&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.RunAfter)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.JobType = JobType(jobType)
	if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload for job %d: %w", j.JobID, err)
	}
	return &j, nil
}

// List returns recent jobs, optionally filtered by status, newest first.
func List(db DBTX, status string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT job_id, job_type, status, priority, dedupe_key, payload_json,
		       attempts, max_attempts, COALESCE(last_error,''), created_at, updated_at, COALESCE(run_after,'')
		FROM jobs`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status=?"
		args = append(args, status)
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		var payloadJSON, jobType string
		if err := rows.Scan(&j.JobID, &jobType, &j.Status, &j.Priority, &j.DedupeKey, &payloadJSON,
			&j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.RunAfter); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		j.JobType = JobType(jobType)
		if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload for job %d: %w", j.JobID, err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// StatusCounts returns job counts grouped by status.
func StatusCounts(db DBTX) (map[string]int, error) {
	rows, err := db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TypeCounts returns pending/running job counts grouped by job type, which
// is the signal the monitoring endpoint exposes for backlog depth.
func TypeCounts(db DBTX) (map[string]map[string]int, error) {
	rows, err := db.Query(`
		SELECT job_type, status, COUNT(*)
		FROM jobs
		WHERE status IN ('pending','running')
		GROUP BY job_type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs by type: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]int{}
	for rows.Next() {
		var jobType, status string
		var n int
		if err := rows.Scan(&jobType, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan type count: %w", err)
		}
		if out[jobType] == nil {
			out[jobType] = map[string]int{}
		}
		out[jobType][status] = n
	}
	return out, rows.Err()
}
