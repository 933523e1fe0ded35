// Package automation runs scheduled campaign automations.
//
// Each automation carries a standard five-field cron schedule and an action
// name. The Runner decides which automations are due and hands them to the
// Executor registered for their action.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
)

// Automation is a scheduled action attached to a campaign.
type Automation struct {
	ID         string          `json:"id" yaml:"id"`
	CampaignID string          `json:"campaign_id,omitempty" yaml:"campaign_id,omitempty"`
	Name       string          `json:"name" yaml:"name"`
	Schedule   string          `json:"schedule" yaml:"schedule"`
	Action     string          `json:"action" yaml:"action"`
	Params     json.RawMessage `json:"params,omitempty" yaml:"-"`
	Enabled    bool            `json:"enabled" yaml:"enabled"`
	LastRunAt  *time.Time      `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	LastError  string          `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt  time.Time       `json:"created_at" yaml:"created_at"`
}

// Run is what RecordRun stores after an automation executed.
type Run struct {
	At    time.Time
	Error string
}

// Repository supplies enabled automations and records their runs.
type Repository interface {
	FetchAutomations(ctx context.Context) ([]Automation, error)
	RecordRun(ctx context.Context, id string, run Run) error

	// RecordError stores a failure that happened before the automation could
	// run, leaving last_run_at untouched.
	RecordError(ctx context.Context, id string, msg string) error
}

// Executor performs one automation action.
type Executor interface {
	Execute(ctx context.Context, a Automation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, a Automation) error

func (f ExecutorFunc) Execute(ctx context.Context, a Automation) error { return f(ctx, a) }

// Registry maps action names to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor for action.
// Panics if one is already registered.
func (r *Registry) Register(action string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[action]; exists {
		panic(fmt.Sprintf("executor already registered for action: %s", action))
	}
	r.executors[action] = e
}

// Get returns the executor for action, or nil.
func (r *Registry) Get(action string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[action]
}

// Actions returns the registered action names, sorted.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for a := range r.executors {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Summary is the result of one automation pass.
type Summary struct {
	Checked  int
	Due      int
	Executed int
	Errors   []string
}

// Options tune the runner.
type Options struct {
	// FailFast turns the first per-automation failure into a returned error.
	FailFast bool
}

// Runner executes due automations.
type Runner struct {
	repo     Repository
	registry *Registry
	opts     Options
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRunner creates a runner. logger may be nil.
func NewRunner(repo Repository, registry *Registry, opts Options, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		repo:     repo,
		registry: registry,
		opts:     opts,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IsDue reports whether a's schedule has an occurrence between its last run
// (or creation) and now. Missed occurrences collapse into one run.
func IsDue(a Automation, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(a.Schedule)
	if err != nil {
		return false, errors.Wrapf(err, "invalid schedule %q", a.Schedule)
	}
	base := a.CreatedAt
	if a.LastRunAt != nil {
		base = *a.LastRunAt
	}
	return !sched.Next(base.UTC()).After(now), nil
}

// ProcessAutomatedCampaigns runs every due automation. Failures are recorded
// on the automation and in the summary; only failing to read automations is
// returned, unless FailFast is set.
func (r *Runner) ProcessAutomatedCampaigns(ctx context.Context) (Summary, error) {
	var sum Summary

	automations, err := r.repo.FetchAutomations(ctx)
	if err != nil {
		return sum, errors.Systemic(errors.WithHint(
			errors.Wrap(err, "failed to fetch automations"),
			"check database.path and that migrations ran",
		))
	}

	now := r.now()
	for _, a := range automations {
		if ctx.Err() != nil {
			r.logger.Infow("Automation pass interrupted", "checked", sum.Checked)
			break
		}
		sum.Checked++

		due, err := IsDue(a, now)
		if err != nil {
			if rerr := r.repo.RecordError(context.WithoutCancel(ctx), a.ID, err.Error()); rerr != nil {
				err = errors.WithSecondaryError(err, rerr)
			}
			if ferr := r.fail(ctx, &sum, a, err); ferr != nil {
				return sum, ferr
			}
			continue
		}
		if !due {
			continue
		}
		sum.Due++

		runErr := r.execute(ctx, a)
		run := Run{At: r.now()}
		if runErr != nil {
			run.Error = runErr.Error()
		}
		if err := r.repo.RecordRun(context.WithoutCancel(ctx), a.ID, run); err != nil {
			runErr = errors.WithSecondaryError(errors.Wrap(err, "failed to record run"), runErr)
		}
		if runErr != nil {
			if ferr := r.fail(ctx, &sum, a, runErr); ferr != nil {
				return sum, ferr
			}
			continue
		}
		sum.Executed++
		r.logger.Debugw("Automation executed", "automation", a.ID, "action", a.Action, "campaign_id", a.CampaignID)
	}

	r.logger.Infow("Automations processed",
		"checked", sum.Checked,
		"due", sum.Due,
		"executed", sum.Executed,
		"errors", len(sum.Errors),
	)
	return sum, nil
}

// fail records a per-automation failure; it returns non-nil under FailFast.
func (r *Runner) fail(ctx context.Context, sum *Summary, a Automation, err error) error {
	sum.Errors = append(sum.Errors, fmt.Sprintf("automation %s: %s", a.ID, err.Error()))
	r.logger.Warnw("Automation failed", "automation", a.ID, "action", a.Action, "error", err)
	if r.opts.FailFast {
		return errors.Systemic(errors.Wrapf(err, "automation %s", a.ID))
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, a Automation) (err error) {
	exec := r.registry.Get(a.Action)
	if exec == nil {
		return errors.Newf("no executor registered for action %q", a.Action)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("panic: %v", rec)
		}
	}()
	return exec.Execute(ctx, a)
}
