package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/insiderscope/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "queue_test.db"),
		Name: "test",
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestEnqueueDedupe(t *testing.T) {
	db := newTestDB(t)

	err := Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "FETCH|0000320193-24-000001",
		map[string]interface{}{"accession_number": "0000320193-24-000001"}, EnqueueOptions{Priority: 100})
	require.NoError(t, err)

	// Second enqueue with the same dedupe key is a no-op.
	err = Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "FETCH|0000320193-24-000001",
		map[string]interface{}{"accession_number": "0000320193-24-000001", "extra": true}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count))
	assert.Equal(t, 1, count)

	job, err := Get(db.Conn(), "FETCH|0000320193-24-000001")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 100, job.Priority)
	assert.NotContains(t, job.Payload, "extra")
}

func TestEnqueuePromoteIfPending(t *testing.T) {
	db := newTestDB(t)

	err := Enqueue(db.Conn(), JobTypeParseAccessionDocs, "PARSE|acc-1|v1",
		map[string]interface{}{"ingest_source": "backfill"}, EnqueueOptions{Priority: 5})
	require.NoError(t, err)

	err = Enqueue(db.Conn(), JobTypeParseAccessionDocs, "PARSE|acc-1|v1",
		map[string]interface{}{"ingest_source": "poller"}, EnqueueOptions{Priority: 20, PromoteIfPending: true})
	require.NoError(t, err)

	job, err := Get(db.Conn(), "PARSE|acc-1|v1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 20, job.Priority)
	assert.Equal(t, "poller", job.Payload["ingest_source"])

	// Promotion never lowers priority.
	err = Enqueue(db.Conn(), JobTypeParseAccessionDocs, "PARSE|acc-1|v1",
		map[string]interface{}{"ingest_source": "backfill"}, EnqueueOptions{Priority: 5, PromoteIfPending: true})
	require.NoError(t, err)

	job, err = Get(db.Conn(), "PARSE|acc-1|v1")
	require.NoError(t, err)
	assert.Equal(t, 20, job.Priority)
}

func TestEnqueueRequeueOnlyTerminal(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeOutcomes, "OUT|k|v2", nil, EnqueueOptions{Priority: 50}))

	// Requeue against a pending job changes nothing.
	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeOutcomes, "OUT|k|v2", nil,
		EnqueueOptions{Priority: 55, RequeueIfExists: true}))

	job, err := Get(db.Conn(), "OUT|k|v2")
	require.NoError(t, err)
	assert.Equal(t, 50, job.Priority)

	// Complete the job, then requeue: it must come back pending with the
	// new priority and zeroed attempts.
	claimed, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, MarkSuccess(db.Conn(), claimed.JobID))

	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeOutcomes, "OUT|k|v2", nil,
		EnqueueOptions{Priority: 55, RequeueIfExists: true}))

	job, err = Get(db.Conn(), "OUT|k|v2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 55, job.Priority)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.LastError)
}

func TestClaimNextOrdering(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeBackfillBatch, "low", nil, EnqueueOptions{Priority: 5}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeRunAI, "high", nil, EnqueueOptions{Priority: 200}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeTrend, "mid", nil, EnqueueOptions{Priority: 40}))

	var keys []string
	for {
		job, err := ClaimNext(db.Conn(), nil)
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, StatusRunning, job.Status)
		keys = append(keys, job.DedupeKey)
		require.NoError(t, MarkSuccess(db.Conn(), job.JobID))
	}

	assert.Equal(t, []string{"high", "mid", "low"}, keys)
}

func TestClaimNextEqualPriorityFIFO(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "first", nil, EnqueueOptions{Priority: 100}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "second", nil, EnqueueOptions{Priority: 100}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "first", job.DedupeKey)
}

func TestClaimNextRespectsRunAfter(t *testing.T) {
	db := newTestDB(t)

	future := time.Now().UTC().Add(time.Hour).Format("2006-01-02T15:04:05.000000Z")
	require.NoError(t, Enqueue(db.Conn(), JobTypeBackfillBatch, "later", nil,
		EnqueueOptions{Priority: 100, RunAfter: future}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextTypeFilter(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "io-job", nil, EnqueueOptions{Priority: 200}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeTrend, "compute-job", nil, EnqueueOptions{Priority: 10}))

	// A compute-only worker skips the higher-priority I/O job.
	job, err := ClaimNext(db.Conn(), ComputeJobTypes)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "compute-job", job.DedupeKey)

	// The I/O job is still claimable by an unrestricted worker.
	job, err = ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "io-job", job.DedupeKey)
}

func TestClaimDoesNotReclaimRunning(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeAggregateAccession, "only", nil, EnqueueOptions{}))

	first, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestMarkErrorRetriesThenTerminal(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "flaky", nil,
		EnqueueOptions{Priority: 100, MaxAttempts: 2}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, MarkError(db.Conn(), job.JobID, "sec fetch failed: 503", 0))

	job, err = Get(db.Conn(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "sec fetch failed: 503", job.LastError)

	// Second failure exhausts max_attempts and parks the job.
	job, err = ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, MarkError(db.Conn(), job.JobID, "sec fetch failed: 503", 0))

	job, err = Get(db.Conn(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, 2, job.Attempts)

	next, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestMarkDeferredKeepsAttempts(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeRunAI, "AI|key|p4", nil,
		EnqueueOptions{Priority: 200, MaxAttempts: 10}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, MarkDeferred(db.Conn(), job.JobID, "ai_prereq_missing_stats", 45*time.Second))

	job, err = Get(db.Conn(), "AI|key|p4")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts, "deferral must not consume an attempt")
	assert.Equal(t, "ai_prereq_missing_stats", job.LastError)
	assert.NotEmpty(t, job.RunAfter)

	// Not runnable until run_after passes.
	next, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStatusAndTypeCounts(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "a", nil, EnqueueOptions{}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchAccessionDocs, "b", nil, EnqueueOptions{}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeComputeStats, "c", nil, EnqueueOptions{}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NoError(t, MarkSuccess(db.Conn(), job.JobID))

	counts, err := StatusCounts(db.Conn())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusSuccess])

	byType, err := TypeCounts(db.Conn())
	require.NoError(t, err)
	assert.Equal(t, 1, byType[string(JobTypeFetchAccessionDocs)][StatusPending])
	assert.Equal(t, 1, byType[string(JobTypeComputeStats)][StatusPending])
}

func TestListFiltersByStatus(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchNews, "news-1", nil, EnqueueOptions{}))
	require.NoError(t, Enqueue(db.Conn(), JobTypeFetchNews, "news-2", nil, EnqueueOptions{}))

	job, err := ClaimNext(db.Conn(), nil)
	require.NoError(t, err)
	require.NoError(t, MarkSuccess(db.Conn(), job.JobID))

	pending, err := List(db.Conn(), StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "news-2", pending[0].DedupeKey)

	all, err := List(db.Conn(), "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
