package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/logger"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
)

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general processor operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// Config bounds one processing pass.
type Config struct {
	BatchSize int
	Retry     RetryPolicy

	// TimeBudget is the wall-clock limit for a pass; zero means unlimited.
	TimeBudget time.Duration

	// MemoryBudget is the process RSS limit in bytes; zero means unlimited.
	MemoryBudget uint64
}

// DefaultConfig matches the shipped configuration defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		Retry:        DefaultRetryPolicy(),
		TimeBudget:   5 * time.Minute,
		MemoryBudget: 512 * 1024 * 1024,
	}
}

// ConfigFromAm builds the processor configuration.
func ConfigFromAm(cfg *am.Config) Config {
	return Config{
		BatchSize:    cfg.Jobs.BatchSize,
		Retry:        RetryPolicyFromConfig(cfg.Jobs),
		TimeBudget:   cfg.Run.TimeBudget(),
		MemoryBudget: cfg.Run.MemoryBudgetBytes(),
	}
}

// Processor drains the backlog with a single worker. Between jobs it checks
// the stop flag, ctx, the time budget and the memory budget; a job that has
// started always runs to completion.
type Processor struct {
	repo     Repository
	registry *HandlerRegistry
	cfg      Config
	logger   pulseLogger
	memory   MemoryProbe
	now      func() time.Time
	stop     atomic.Bool
}

// NewProcessor creates a processor. log may be nil.
func NewProcessor(repo Repository, registry *HandlerRegistry, cfg Config, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Processor{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		logger:   pulseLogger{log},
		memory:   ProcessRSS,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetMemoryProbe replaces the RSS probe.
func (p *Processor) SetMemoryProbe(probe MemoryProbe) {
	p.memory = probe
}

// Stop requests that no further jobs are claimed. Safe from any goroutine,
// including a signal handler.
func (p *Processor) Stop() {
	if !p.stop.Swap(true) {
		p.logger.Closing("Stop requested, finishing current job")
	}
}

// ProcessJobs runs one pass and returns its report. The report is stopped
// when a budget, ctx or Stop ended the pass early, and failed on a systemic
// error, which is also returned.
func (p *Processor) ProcessJobs(ctx context.Context) (report.Report, error) {
	b := report.NewBuilder(lock.ScopeBackgroundJobs)
	err := p.Process(ctx, b)
	switch {
	case err != nil:
		return b.Finish(report.OutcomeFailed, err), err
	case b.Stopped():
		return b.Finish(report.OutcomeStopped, nil), nil
	default:
		return b.Finish(report.OutcomeSucceeded, nil), nil
	}
}

// Process runs one pass, recording into b. Only systemic failures are
// returned; per-job failures go to b. The time budget counts from the start
// of b's run, so work done earlier in the same run is charged to it.
func (p *Processor) Process(ctx context.Context, b *report.Builder) error {
	started := b.StartedAt()
	p.logger.Starting("Processing job backlog",
		logger.FieldRunID, b.RunID(),
		logger.FieldBatchSize, p.cfg.BatchSize,
		logger.FieldBudget, p.cfg.TimeBudget.String(),
		logger.FieldMaxAttempts, p.cfg.Retry.MaxAttempts,
	)
	if warning := checkMemoryPressure(p.cfg.MemoryBudget); warning != "" {
		p.logger.Warnw(warning)
	}

	seen := make(map[string]struct{})
	for {
		if reason := p.shouldStop(ctx, started); reason != "" {
			p.stopped(b, reason)
			return nil
		}

		// jobs retried this pass sort first; widen the window past them
		batch, err := p.repo.FetchPendingBatch(ctx, p.cfg.BatchSize+len(seen))
		if err != nil {
			return errors.Systemic(errors.WithHint(
				errors.Wrap(err, "failed to fetch pending jobs"),
				"check database.path and that migrations ran",
			))
		}

		fresh := 0
		for _, job := range batch {
			if _, ok := seen[job.ID]; ok {
				continue
			}
			fresh++

			if reason := p.shouldStop(ctx, started); reason != "" {
				p.stopped(b, reason)
				return nil
			}
			seen[job.ID] = struct{}{}

			if err := p.runJob(ctx, job, b); err != nil {
				return err
			}
		}

		// every available job was already attempted this pass
		if fresh == 0 {
			p.logger.Pulse("Job backlog drained",
				logger.FieldRunID, b.RunID(),
				logger.FieldProcessed, b.Processed(),
				logger.FieldDuration, p.now().Sub(started).String(),
			)
			return nil
		}
	}
}

func (p *Processor) stopped(b *report.Builder, reason string) {
	b.MarkStopped(reason)
	p.logger.Closing("Stopped pulling jobs",
		logger.FieldRunID, b.RunID(),
		"reason", reason,
		logger.FieldProcessed, b.Processed(),
	)
}

// shouldStop returns the stop reason, or "" to keep going.
func (p *Processor) shouldStop(ctx context.Context, started time.Time) string {
	if p.stop.Load() {
		return report.StopRequested
	}
	if ctx.Err() != nil {
		return report.StopCancelled
	}
	if p.cfg.TimeBudget > 0 && p.now().Sub(started) >= p.cfg.TimeBudget {
		return report.StopTimeBudget
	}
	if p.cfg.MemoryBudget > 0 && p.memory != nil {
		rss, err := p.memory()
		if err != nil {
			p.logger.Debugw("Memory probe failed", logger.FieldError, err)
		} else if rss >= p.cfg.MemoryBudget {
			p.logger.Warnw("Memory budget reached",
				"rss", formatBytes(rss),
				logger.FieldBudget, formatBytes(p.cfg.MemoryBudget),
			)
			return report.StopMemoryBudget
		}
	}
	return ""
}

// runJob claims, executes and records one job. A non-nil return is systemic.
func (p *Processor) runJob(ctx context.Context, job *Job, b *report.Builder) error {
	claimed, err := p.repo.Claim(ctx, job.ID)
	if err != nil {
		return errors.Systemic(errors.Wrapf(err, "failed to claim job %s", job.ID))
	}
	if !claimed {
		p.logger.Debugw("Job claimed elsewhere, skipping", logger.FieldJobID, job.ID)
		return nil
	}

	start := p.now()
	panicked, runErr := p.execute(ctx, job)

	// the outcome is recorded even when ctx was cancelled mid-job
	recordCtx := context.WithoutCancel(ctx)
	b.AddProcessed(1)

	if runErr == nil {
		if err := p.repo.MarkSucceeded(recordCtx, job.ID); err != nil {
			return errors.Systemic(errors.Wrapf(err, "failed to record success of job %s", job.ID))
		}
		p.logger.Debugw("Job succeeded",
			logger.FieldJobID, job.ID,
			logger.FieldPayloadType, job.PayloadType,
			logger.FieldDuration, p.now().Sub(start).String(),
		)
		return nil
	}

	attempts := job.Attempts + 1
	failure := Failure{Error: runErr.Error()}
	if isRetryable(runErr) && p.cfg.Retry.ShouldRetry(attempts) {
		failure.Retry = true
		failure.RetryAt = p.now().Add(p.cfg.Retry.Delay(attempts))
	}
	if err := p.repo.MarkFailed(recordCtx, job.ID, failure); err != nil {
		return errors.Systemic(errors.Wrapf(err, "failed to record failure of job %s", job.ID))
	}

	msg := fmt.Sprintf("job %s (%s): %s", job.ID, job.PayloadType, runErr.Error())
	b.AddError(msg)

	fields := []interface{}{
		logger.FieldJobID, job.ID,
		logger.FieldPayloadType, job.PayloadType,
		logger.FieldAttempts, attempts,
		logger.FieldMaxAttempts, p.cfg.Retry.MaxAttempts,
		logger.FieldError, runErr.Error(),
	}
	if failure.Retry {
		p.logger.Warnw("Job failed, will retry", append(fields, logger.FieldRetryAt, failure.RetryAt.Format(time.RFC3339))...)
	} else {
		p.logger.Errorw("Job failed permanently", fields...)
	}

	if panicked {
		return errors.Systemic(errors.Newf("handler panicked on %s", msg))
	}
	return nil
}

// execute dispatches job to its handler, converting a panic into an error.
func (p *Processor) execute(ctx context.Context, job *Job) (panicked bool, err error) {
	handler := p.registry.Get(job.PayloadType)
	if handler == nil {
		return false, errors.Newf("no handler registered for payload type %q", job.PayloadType)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorw("Job handler panicked",
				logger.FieldJobID, job.ID,
				logger.FieldPayloadType, job.PayloadType,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			err = errors.Newf("panic: %v", r)
			panicked = true
		}
	}()

	return false, handler.Execute(ctx, job)
}
