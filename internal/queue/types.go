package queue

// JobType identifies one kind of pipeline work.
type JobType string

const (
	// SEC / network bound
	JobTypeFetchAccessionDocs  JobType = "FETCH_ACCESSION_DOCS"
	JobTypeIngestAccession     JobType = "INGEST_ACCESSION" // alias: fetch + enqueue parse
	JobTypeFetchEODPrices      JobType = "FETCH_EOD_PRICES_FOR_ISSUER"
	JobTypeFetchMarketCap      JobType = "FETCH_MARKET_CAP_FOR_TICKER"
	JobTypeFetchNews           JobType = "FETCH_NEWS_FOR_TICKER"
	JobTypeFetchBenchmark      JobType = "FETCH_BENCHMARK_PRICES"
	JobTypeBackfillDiscover    JobType = "BACKFILL_DISCOVER_ISSUER"
	JobTypeBackfillBatch       JobType = "BACKFILL_ENQUEUE_BATCH"

	// Compute bound
	JobTypeParseAccessionDocs JobType = "PARSE_ACCESSION_DOCS"
	JobTypeAggregateAccession JobType = "AGGREGATE_ACCESSION"
	JobTypeComputeTrend       JobType = "COMPUTE_TREND_FOR_EVENT"
	JobTypeComputeOutcomes    JobType = "COMPUTE_OUTCOMES_FOR_EVENT"
	JobTypeComputeStats       JobType = "COMPUTE_STATS_FOR_OWNER_ISSUER"
	JobTypeComputeClusters    JobType = "COMPUTE_CLUSTERS_FOR_TICKER"
	JobTypeRunAI              JobType = "RUN_AI_FOR_EVENT"
	JobTypeReparseTicker      JobType = "REPARSE_TICKER"
)

// APIJobTypes are network-bound jobs, useful for running a dedicated I/O
// worker that honors the SEC throttle.
var APIJobTypes = map[JobType]bool{
	JobTypeFetchAccessionDocs: true,
	JobTypeIngestAccession:    true,
	JobTypeFetchEODPrices:     true,
	JobTypeFetchMarketCap:     true,
	JobTypeFetchNews:          true,
	JobTypeFetchBenchmark:     true,
	JobTypeBackfillDiscover:   true,
	JobTypeBackfillBatch:      true,
}

// ComputeJobTypes are CPU/DB bound jobs safe to run without network access.
var ComputeJobTypes = map[JobType]bool{
	JobTypeParseAccessionDocs: true,
	JobTypeAggregateAccession: true,
	JobTypeComputeTrend:       true,
	JobTypeComputeOutcomes:    true,
	JobTypeComputeStats:       true,
	JobTypeComputeClusters:    true,
	JobTypeRunAI:              true,
	JobTypeReparseTicker:      true,
}

// Job status values. A claim moves pending -> running; completion moves
// running -> success | error; a deferral moves running -> pending.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
)

// Job is one row of the durable queue.
type Job struct {
	JobID       int64                  `json:"job_id"`
	JobType     JobType                `json:"job_type"`
	Status      string                 `json:"status"`
	Priority    int                    `json:"priority"`
	DedupeKey   string                 `json:"dedupe_key"`
	Payload     map[string]interface{} `json:"payload"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	LastError   string                 `json:"last_error,omitempty"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
	RunAfter    string                 `json:"run_after,omitempty"`
}
