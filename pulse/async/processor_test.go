package async

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/leadpulse/errors"
	lptest "github.com/teranos/leadpulse/internal/testing"
	"github.com/teranos/leadpulse/pulse/report"
)

func noBudgetConfig(maxAttempts int, delay time.Duration) Config {
	return Config{
		BatchSize: 10,
		Retry: RetryPolicy{
			MaxAttempts: maxAttempts,
			Backoff:     BackoffFixed,
			BaseDelay:   delay,
		},
	}
}

func newTestProcessor(t *testing.T, cfg Config, handlers ...JobHandler) (*Processor, *Store) {
	t.Helper()
	store := NewStore(lptest.CreateTestDB(t))
	registry := NewHandlerRegistry()
	for _, h := range handlers {
		registry.Register(h)
	}
	return NewProcessor(store, registry, cfg, nil), store
}

func TestProcessJobs_FailureIsIsolated(t *testing.T) {
	var jobs []*Job
	h := &recordingHandler{payloadType: "email.send"}
	h.fn = func(job *Job) error {
		if job.ID == jobs[1].ID {
			return errors.New("smtp unavailable")
		}
		return nil
	}

	p, store := newTestProcessor(t, noBudgetConfig(3, time.Hour), h)
	jobs = enqueueTestJobs(t, store, "email.send", "email.send", "email.send")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}, h.ran)
	assert.Equal(t, report.OutcomeSucceeded, r.Outcome)
	assert.Equal(t, 3, r.ItemsProcessed)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "job "+jobs[1].ID+" (email.send): smtp unavailable", r.Errors[0])

	ctx := context.Background()
	third, err := store.GetJob(ctx, jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, third.Status)

	second, err := store.GetJob(ctx, jobs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, second.Status)
	assert.Equal(t, 1, second.Attempts)
	assert.Equal(t, "smtp unavailable", second.LastError)
	assert.True(t, second.AvailableAt.After(time.Now().Add(50*time.Minute)))
}

func TestProcessJobs_RetryCeiling(t *testing.T) {
	h := &recordingHandler{payloadType: "crm.sync", fn: func(*Job) error {
		return errors.New("crm rejected record")
	}}
	p, store := newTestProcessor(t, noBudgetConfig(3, 0), h)
	jobs := enqueueTestJobs(t, store, "crm.sync")
	ctx := context.Background()

	for pass := 1; pass <= 3; pass++ {
		r, err := p.ProcessJobs(ctx)
		require.NoError(t, err)
		assert.Len(t, r.Errors, 1, "pass %d", pass)

		job, err := store.GetJob(ctx, jobs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, pass, job.Attempts)
		if pass < 3 {
			assert.Equal(t, JobStatusPending, job.Status)
		} else {
			assert.Equal(t, JobStatusFailed, job.Status)
			assert.NotNil(t, job.FinishedAt)
		}
	}

	// once permanently failed it is never picked up again
	r, err := p.ProcessJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.ItemsProcessed)
	assert.Len(t, h.ran, 3)
}

func TestProcessJobs_AtMostOncePerPass(t *testing.T) {
	h := &recordingHandler{payloadType: "crm.sync", fn: func(*Job) error {
		return errors.New("again")
	}}
	p, store := newTestProcessor(t, noBudgetConfig(5, 0), h)
	enqueueTestJobs(t, store, "crm.sync", "crm.sync")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ran, 2)
	assert.Equal(t, 2, r.ItemsProcessed)
}

func TestProcessJobs_StopMidPass(t *testing.T) {
	var p *Processor
	h := &recordingHandler{payloadType: "report.render"}
	h.fn = func(job *Job) error {
		if len(h.ran) == 1 {
			p.Stop()
		}
		return nil
	}

	var store *Store
	p, store = newTestProcessor(t, noBudgetConfig(3, 0), h)
	jobs := enqueueTestJobs(t, store, "report.render", "report.render", "report.render")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{jobs[0].ID}, h.ran)
	assert.Equal(t, report.OutcomeStopped, r.Outcome)
	assert.Equal(t, report.StopRequested, r.StopReason)
	assert.Equal(t, 1, r.ItemsProcessed)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2, Succeeded: 1}, stats)
}

func TestProcessJobs_TimeBudget(t *testing.T) {
	clock := time.Now().UTC()
	h := &recordingHandler{payloadType: "slow"}
	h.fn = func(*Job) error {
		clock = clock.Add(10 * time.Minute)
		return nil
	}

	cfg := noBudgetConfig(3, 0)
	cfg.TimeBudget = 5 * time.Minute
	p, store := newTestProcessor(t, cfg, h)
	p.now = func() time.Time { return clock }
	enqueueTestJobs(t, store, "slow", "slow")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ran, 1)
	assert.Equal(t, report.StopTimeBudget, r.StopReason)
}

func TestProcessJobs_MemoryBudget(t *testing.T) {
	h := &recordingHandler{payloadType: "heavy"}
	cfg := noBudgetConfig(3, 0)
	cfg.MemoryBudget = 64 * 1024 * 1024
	p, store := newTestProcessor(t, cfg, h)
	p.SetMemoryProbe(func() (uint64, error) { return cfg.MemoryBudget + 1, nil })
	enqueueTestJobs(t, store, "heavy")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, h.ran)
	assert.Equal(t, report.OutcomeStopped, r.Outcome)
	assert.Equal(t, report.StopMemoryBudget, r.StopReason)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestProcessJobs_MemoryProbeErrorDoesNotStop(t *testing.T) {
	h := &recordingHandler{payloadType: "heavy"}
	cfg := noBudgetConfig(3, 0)
	cfg.MemoryBudget = 1
	p, store := newTestProcessor(t, cfg, h)
	p.SetMemoryProbe(func() (uint64, error) { return 0, errors.New("no procfs") })
	enqueueTestJobs(t, store, "heavy")

	_, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.ran, 1)
}

func TestProcessJobs_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &recordingHandler{payloadType: "x", fn: func(*Job) error {
		cancel()
		return nil
	}}
	p, store := newTestProcessor(t, noBudgetConfig(3, 0), h)
	enqueueTestJobs(t, store, "x", "x")

	r, err := p.ProcessJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, h.ran, 1)
	assert.Equal(t, report.StopCancelled, r.StopReason)

	// the in-flight job's outcome was still recorded
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Succeeded)
}

func TestProcessJobs_HandlerPanicIsSystemic(t *testing.T) {
	h := &recordingHandler{payloadType: "boom", fn: func(*Job) error {
		panic("nil map write")
	}}
	p, store := newTestProcessor(t, noBudgetConfig(2, 0), h)
	jobs := enqueueTestJobs(t, store, "boom", "boom")

	r, err := p.ProcessJobs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSystemic(err))
	assert.Equal(t, report.OutcomeFailed, r.Outcome)
	assert.Len(t, h.ran, 1, "pass aborts after the panic")
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], "panic: nil map write")

	job, err := store.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status, "panic goes through the retry policy")
	assert.Equal(t, 1, job.Attempts)
}

func TestProcessJobs_UnknownPayloadType(t *testing.T) {
	p, store := newTestProcessor(t, noBudgetConfig(1, 0))
	jobs := enqueueTestJobs(t, store, "mystery")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, r.Errors, 1)
	assert.Contains(t, r.Errors[0], `no handler registered for payload type "mystery"`)

	job, err := store.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
}

func TestProcessJobs_FetchErrorIsSystemic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery("SELECT .* FROM jobs").WillReturnError(errors.New("database is locked"))

	p := NewProcessor(NewStore(db), NewHandlerRegistry(), noBudgetConfig(1, 0), nil)
	p.SetMemoryProbe(nil)

	r, err := p.ProcessJobs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSystemic(err))
	assert.Contains(t, err.Error(), "database is locked")
	assert.NotEmpty(t, errors.GetAllHints(err))
	assert.Equal(t, report.OutcomeFailed, r.Outcome)
	assert.Equal(t, err.Error(), r.Fatal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessJobs_EmptyBacklog(t *testing.T) {
	p, _ := newTestProcessor(t, noBudgetConfig(1, 0))
	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.OutcomeSucceeded, r.Outcome)
	assert.Zero(t, r.ItemsProcessed)
	assert.Empty(t, r.Errors)
}

func TestProcessJobs_BatchesUntilDrained(t *testing.T) {
	h := &recordingHandler{payloadType: "t"}
	cfg := noBudgetConfig(1, 0)
	cfg.BatchSize = 2
	p, store := newTestProcessor(t, cfg, h)
	jobs := enqueueTestJobs(t, store, "t", "t", "t", "t", "t")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, r.ItemsProcessed)
	for i, j := range jobs {
		assert.Equal(t, j.ID, h.ran[i])
	}
}

func TestProcessJobs_RetriedJobsDoNotHideNewerOnes(t *testing.T) {
	var jobs []*Job
	h := &recordingHandler{payloadType: "crm.sync"}
	h.fn = func(job *Job) error {
		if job.ID == jobs[2].ID {
			return nil
		}
		return errors.New("crm rejected record")
	}

	cfg := noBudgetConfig(5, 0)
	cfg.BatchSize = 2
	p, store := newTestProcessor(t, cfg, h)
	jobs = enqueueTestJobs(t, store, "crm.sync", "crm.sync", "crm.sync")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID}, h.ran)
	assert.Equal(t, report.OutcomeSucceeded, r.Outcome)
	assert.Equal(t, 3, r.ItemsProcessed)
	assert.Len(t, r.Errors, 2)

	third, err := store.GetJob(context.Background(), jobs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusSucceeded, third.Status)
}

func TestProcess_TimeBudgetCountsFromRunStart(t *testing.T) {
	h := &recordingHandler{payloadType: "slow"}
	cfg := noBudgetConfig(3, 0)
	cfg.TimeBudget = 5 * time.Minute
	p, store := newTestProcessor(t, cfg, h)
	enqueueTestJobs(t, store, "slow")

	// earlier work in the same run already used the whole budget
	b := report.NewBuilder("background-jobs")
	p.now = func() time.Time { return b.StartedAt().Add(6 * time.Minute) }

	require.NoError(t, p.Process(context.Background(), b))
	assert.Empty(t, h.ran)

	r := b.Finish(report.OutcomeStopped, nil)
	assert.Equal(t, report.StopTimeBudget, r.StopReason)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestProcessJobs_NonRetryableFailsAtOnce(t *testing.T) {
	h := &recordingHandler{payloadType: "lead.forward", fn: func(*Job) error {
		return NonRetryable(errors.New("lead scores 1, below 50"))
	}}
	p, store := newTestProcessor(t, noBudgetConfig(5, 0), h)
	jobs := enqueueTestJobs(t, store, "lead.forward")

	r, err := p.ProcessJobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Errors, 1)

	job, err := store.GetJob(context.Background(), jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
}
