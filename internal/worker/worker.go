// Package worker runs the durable job queue: it claims jobs, executes them
// inside a transaction, and chains follow-up jobs so a single ingested
// filing flows through parsing, aggregation, enrichment, and AI judging.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/insiderscope/internal/ai"
	"github.com/aristath/insiderscope/internal/clients/eodhd"
	"github.com/aristath/insiderscope/internal/config"
	"github.com/aristath/insiderscope/internal/database"
	"github.com/aristath/insiderscope/internal/domain"
	"github.com/aristath/insiderscope/internal/queue"
	"github.com/aristath/insiderscope/internal/sec"
)

// Deferred signals that a job's dependencies are not ready yet. The job goes
// back to pending without consuming an attempt.
type Deferred struct {
	Reason     string
	RetryAfter time.Duration
}

func (d *Deferred) Error() string { return d.Reason }

func deferJob(reason string, after time.Duration) error {
	return &Deferred{Reason: reason, RetryAfter: after}
}

// Worker claims and executes queue jobs. Multiple workers may share one
// database; the claim is atomic so each job runs once.
type Worker struct {
	db      *database.DB
	cfg     *config.Config
	sec     *sec.Client
	eodhd   *eodhd.Client
	judge   *ai.Judge
	poller  *sec.Poller
	allowed map[queue.JobType]bool
	log     zerolog.Logger
}

// Options wires the worker's collaborators. Allowed restricts the job types
// this worker claims; nil means all types.
type Options struct {
	SEC     *sec.Client
	EODHD   *eodhd.Client
	Judge   *ai.Judge
	Poller  *sec.Poller
	Allowed map[queue.JobType]bool
}

func New(db *database.DB, cfg *config.Config, opts Options, logger zerolog.Logger) *Worker {
	return &Worker{
		db:      db,
		cfg:     cfg,
		sec:     opts.SEC,
		eodhd:   opts.EODHD,
		judge:   opts.Judge,
		poller:  opts.Poller,
		allowed: opts.Allowed,
		log: logger.With().
			Str("component", "worker").
			Str("worker_id", uuid.NewString()[:8]).
			Logger(),
	}
}

// Run claims and executes jobs until the context is cancelled. The SEC
// current-filings poller, when configured, piggybacks on the same loop.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info().Bool("poller", w.poller != nil).Msg("Worker starting")

	pollEvery := time.Duration(w.cfg.Form4PollerIntervalSeconds) * time.Second
	if pollEvery < 5*time.Second {
		pollEvery = 5 * time.Second
	}
	var nextPoll time.Time

	sleep := time.Duration(w.cfg.WorkerPollSeconds * float64(time.Second))
	if sleep <= 0 {
		sleep = time.Second
	}

	for {
		if w.poller != nil && w.cfg.EnableForm4Poller && time.Now().After(nextPoll) {
			w.runPoller(ctx)
			nextPoll = time.Now().Add(pollEvery)
		}

		claimed := w.Step(ctx)

		if !claimed {
			select {
			case <-ctx.Done():
				w.log.Info().Msg("Worker stopping")
				return
			case <-time.After(sleep):
			}
			continue
		}
		if ctx.Err() != nil {
			w.log.Info().Msg("Worker stopping")
			return
		}
	}
}

// Step claims and runs at most one job, reporting whether one was claimed.
func (w *Worker) Step(ctx context.Context) bool {
	job, err := queue.ClaimNext(w.db.Conn(), w.allowed)
	if err != nil {
		w.log.Error().Err(err).Msg("Failed to claim job")
		return false
	}
	if job == nil {
		return false
	}

	w.log.Info().
		Int64("job_id", job.JobID).
		Str("job_type", string(job.JobType)).
		Int("attempts", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("Running job")

	// A deferral commits the transaction: the prerequisite jobs it enqueued
	// must survive, only the job itself goes back to pending.
	var deferred *Deferred
	err = database.WithTransaction(w.db.Conn(), func(tx *sql.Tx) error {
		runErr := w.runJob(ctx, tx, job.JobType, job.Payload)
		if errors.As(runErr, &deferred) {
			return nil
		}
		return runErr
	})

	switch {
	case err == nil && deferred != nil:
		w.log.Info().Int64("job_id", job.JobID).Str("reason", deferred.Reason).Msg("Job deferred")
		if err := queue.MarkDeferred(w.db.Conn(), job.JobID, deferred.Reason, deferred.RetryAfter); err != nil {
			w.log.Error().Err(err).Int64("job_id", job.JobID).Msg("Failed to mark job deferred")
		}
	case err == nil:
		if err := queue.MarkSuccess(w.db.Conn(), job.JobID); err != nil {
			w.log.Error().Err(err).Int64("job_id", job.JobID).Msg("Failed to mark job success")
		}
	default:
		w.log.Error().Err(err).Int64("job_id", job.JobID).Str("job_type", string(job.JobType)).Msg("Job failed")
		w.maybeMarkBackfillError(job.JobType, job.Payload, err.Error())
		if err := queue.MarkError(w.db.Conn(), job.JobID, err.Error(), 60*time.Second); err != nil {
			w.log.Error().Err(err).Int64("job_id", job.JobID).Msg("Failed to mark job error")
		}
	}
	return true
}

func (w *Worker) runPoller(ctx context.Context) {
	err := database.WithTransaction(w.db.Conn(), func(tx *sql.Tx) error {
		res, err := w.poller.Poll(ctx, tx)
		if err != nil {
			return err
		}
		w.log.Info().
			Int("tracked_issuers", res.TrackedIssuers).
			Int("feed_entries", res.FeedEntries).
			Int("enqueued", res.Enqueued).
			Msg("Poller tick")
		return nil
	})
	if err != nil {
		w.log.Error().Err(err).Msg("Poller tick failed")
	}
}

// maybeMarkBackfillError persists job failures onto the backfill bookkeeping
// row so backfill progress stays observable. Bookkeeping failures never
// break the worker.
func (w *Worker) maybeMarkBackfillError(jobType queue.JobType, payload map[string]interface{}, errMsg string) {
	if len(errMsg) > 1000 {
		errMsg = errMsg[:1000]
	}

	switch jobType {
	case queue.JobTypeFetchAccessionDocs, queue.JobTypeIngestAccession:
		issuerCIK := payloadStr(payload, "issuer_cik_hint", "issuer_cik")
		acc := payloadStr(payload, "accession_number")
		if issuerCIK == "" || acc == "" {
			return
		}
		_, _ = w.db.Exec(`
			UPDATE backfill_queue SET status='error', updated_at=?, last_error=?
			WHERE issuer_cik=? AND accession_number=?`,
			domain.NowISO(), errMsg, domain.ZeroPadCIK(issuerCIK), acc)

	case queue.JobTypeParseAccessionDocs:
		acc := payloadStr(payload, "accession_number")
		if acc == "" {
			return
		}
		var issuerCIK sql.NullString
		if err := w.db.QueryRow(
			"SELECT issuer_cik FROM filing_documents WHERE accession_number=?", acc,
		).Scan(&issuerCIK); err != nil || issuerCIK.String == "" {
			return
		}
		_, _ = w.db.Exec(`
			UPDATE backfill_queue SET status='error', updated_at=?, last_error=?
			WHERE issuer_cik=? AND accession_number=?`,
			domain.NowISO(), errMsg, domain.ZeroPadCIK(issuerCIK.String), acc)
	}
}

func payloadStr(p map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := p[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func payloadBool(p map[string]interface{}, key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

func payloadInt(p map[string]interface{}, key string, fallback int) int {
	switch v := p[key].(type) {
	case float64:
		if v != 0 {
			return int(v)
		}
	case int:
		if v != 0 {
			return v
		}
	}
	return fallback
}

func enqueue(tx queue.DBTX, jobType queue.JobType, dedupeKey string, payload map[string]interface{}, opts queue.EnqueueOptions) error {
	if err := queue.Enqueue(tx, jobType, dedupeKey, payload, opts); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", jobType, err)
	}
	return nil
}
