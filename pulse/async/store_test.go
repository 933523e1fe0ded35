package async

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/leadpulse/errors"
	lptest "github.com/teranos/leadpulse/internal/testing"
)

func TestStore_EnqueueAndGet(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()

	job, err := NewJob("lead.forward", json.RawMessage(`{"lead_id":"l-1"}`))
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "lead.forward", got.PayloadType)
	assert.JSONEq(t, `{"lead_id":"l-1"}`, string(got.Payload))
	assert.Equal(t, JobStatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.StartedAt)

	var payload struct {
		LeadID string `json:"lead_id"`
	}
	require.NoError(t, got.DecodePayload(&payload))
	assert.Equal(t, "l-1", payload.LeadID)

	_, err = store.GetJob(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	assert.True(t, errors.IsAlreadyExistsError(store.Enqueue(ctx, job)))
}

func TestNewJob_Validation(t *testing.T) {
	_, err := NewJob("", nil)
	assert.True(t, errors.IsInvalidRequestError(err))

	_, err = NewJob("x", json.RawMessage(`{broken`))
	assert.True(t, errors.IsInvalidRequestError(err))

	job, err := NewJob("x", nil)
	require.NoError(t, err)
	assert.Error(t, job.DecodePayload(&struct{}{}))
}

func TestStore_FetchPendingBatch(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "a", "b", "c")

	later, err := NewJob("later", nil)
	require.NoError(t, err)
	later.AvailableAt = time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.Enqueue(ctx, later))

	batch, err := store.FetchPendingBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i := range jobs {
		assert.Equal(t, jobs[i].ID, batch[i].ID)
	}

	limited, err := store.FetchPendingBatch(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	claimed, err := store.Claim(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.True(t, claimed)

	batch, err = store.FetchPendingBatch(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, batch, 2, "running jobs are not pending")
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "a")

	first, err := store.Claim(ctx, jobs[0].ID)
	require.NoError(t, err)
	second, err := store.Claim(ctx, jobs[0].ID)
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)

	job, err := store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)
	assert.NotNil(t, job.StartedAt)
}

func TestStore_MarkFailed(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "a", "b")

	for _, j := range jobs {
		ok, err := store.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	retryAt := time.Now().UTC().Add(10 * time.Minute)
	require.NoError(t, store.MarkFailed(ctx, jobs[0].ID, Failure{Error: "temporary", Retry: true, RetryAt: retryAt}))
	require.NoError(t, store.MarkFailed(ctx, jobs[1].ID, Failure{Error: "fatal"}))

	retried, err := store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	assert.WithinDuration(t, retryAt, retried.AvailableAt, time.Millisecond)
	assert.Nil(t, retried.StartedAt)

	failed, err := store.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, failed.Status)
	assert.Equal(t, "fatal", failed.LastError)
	assert.NotNil(t, failed.FinishedAt)

	// outcomes are only recorded for running jobs
	err = store.MarkSucceeded(ctx, jobs[1].ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStore_RequeueOrphaned(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "fresh", "veteran", "untouched")

	for _, j := range jobs[:2] {
		ok, err := store.Claim(ctx, j.ID)
		require.NoError(t, err)
		require.True(t, ok)
	}
	// veteran already used two of its three attempts
	_, err := store.db.Exec(`UPDATE jobs SET attempts = 2 WHERE id = ?`, jobs[1].ID)
	require.NoError(t, err)

	res, err := store.RequeueOrphaned(ctx, time.Now().UTC().Add(time.Second), 3)
	require.NoError(t, err)
	assert.Equal(t, OrphanResult{Requeued: 1, Failed: 1}, res)

	fresh, err := store.GetJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, fresh.Status)
	assert.Equal(t, 1, fresh.Attempts)
	assert.Contains(t, fresh.LastError, "interrupted")

	veteran, err := store.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, veteran.Status)
	assert.Equal(t, 3, veteran.Attempts)

	untouched, err := store.GetJob(ctx, jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, untouched.Status)
	assert.Zero(t, untouched.Attempts)
}

func TestStore_RequeueOrphanedIgnoresRecentClaims(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "a")

	ok, err := store.Claim(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := store.RequeueOrphaned(ctx, time.Now().UTC().Add(-time.Hour), 3)
	require.NoError(t, err)
	assert.Zero(t, res.Requeued+res.Failed)
}

func TestStore_StatsListAndCleanup(t *testing.T) {
	store := NewStore(lptest.CreateTestDB(t))
	ctx := context.Background()
	jobs := enqueueTestJobs(t, store, "a", "b", "c")

	ok, err := store.Claim(ctx, jobs[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.MarkSucceeded(ctx, jobs[0].ID))

	ok, err = store.Claim(ctx, jobs[1].ID)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Running: 1, Succeeded: 1}, stats)
	assert.Equal(t, 3, stats.Total())

	all, err := store.ListJobs(ctx, nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, jobs[2].ID, all[0].ID, "newest first")

	pending := JobStatusPending
	onlyPending, err := store.ListJobs(ctx, &pending, 10)
	require.NoError(t, err)
	require.Len(t, onlyPending, 1)
	assert.Equal(t, jobs[2].ID, onlyPending[0].ID)

	n, err := store.CleanupFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "finished just now")

	store.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	n, err = store.CleanupFinished(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
