// Package flow runs one entry flow under its scope's run lock.
//
// Every flow walks the same states:
//
//	Idle -> AcquiringLock -> Running -> ReleasingLock -> Done
//	                      \-> Blocked          \-> Failed
//
// Blocked is contention and ends the run without doing work. Running always
// leaves through ReleasingLock, so a failed or stopped run frees its lock and
// still emits a report.
package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
)

// State is a position in the entry flow.
type State string

const (
	StateIdle          State = "idle"
	StateAcquiringLock State = "acquiring_lock"
	StateRunning       State = "running"
	StateReleasingLock State = "releasing_lock"
	StateDone          State = "done"
	StateBlocked       State = "blocked"
	StateFailed        State = "failed"
)

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateBlocked || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:          {StateAcquiringLock},
	StateAcquiringLock: {StateRunning, StateBlocked, StateFailed, StateDone},
	StateRunning:       {StateReleasingLock},
	StateReleasingLock: {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Work is the body of a flow. It records progress on b and returns only
// fatal errors; per-item failures belong in b.
type Work func(ctx context.Context, b *report.Builder) error

// ReclaimHook runs after the lock was taken over from a stale holder and
// before Work. An error fails the run.
type ReclaimHook func(ctx context.Context, h *lock.Handle) error

// Options configure a Flow.
type Options struct {
	StaleAfter   time.Duration
	Sinks        []report.Sink
	OnReclaim    ReclaimHook
	OnTransition func(from, to State)
}

// Flow is a single-use runner for one scope.
type Flow struct {
	scope  string
	locker *lock.Locker
	opts   Options
	logger *zap.SugaredLogger

	mu    sync.Mutex
	state State
}

// New creates a flow in StateIdle. logger may be nil.
func New(scope string, locker *lock.Locker, opts Options, logger *zap.SugaredLogger) *Flow {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Flow{
		scope:  scope,
		locker: locker,
		opts:   opts,
		logger: logger.With("scope", scope),
		state:  StateIdle,
	}
}

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Flow) transition(to State) {
	f.mu.Lock()
	from := f.state
	if !canTransition(from, to) {
		f.mu.Unlock()
		panic(fmt.Sprintf("flow %s: invalid transition %s -> %s", f.scope, from, to))
	}
	f.state = to
	f.mu.Unlock()

	f.logger.Debugw("Flow transition", "from", from, "to", to)
	if f.opts.OnTransition != nil {
		f.opts.OnTransition(from, to)
	}
}

// Run executes work under the scope lock and returns the emitted report.
//
// Contention yields an OutcomeBlocked report and an error satisfying
// lock.IsAlreadyRunning. Cancellation yields OutcomeStopped and no error.
// A fatal error from work, or a panic escaping it, yields OutcomeFailed and
// that error.
func (f *Flow) Run(ctx context.Context, work Work) (report.Report, error) {
	if f.State() != StateIdle {
		return report.Report{}, errors.Newf("flow %s already ran", f.scope)
	}
	b := report.NewBuilder(f.scope)

	f.transition(StateAcquiringLock)
	h, err := f.locker.Acquire(ctx, f.scope, f.opts.StaleAfter)
	switch {
	case err == nil:
	case lock.IsAlreadyRunning(err):
		f.transition(StateBlocked)
		b.MarkStopped(report.StopContendedLocked)
		f.logger.Infow("Run skipped, lock held", "detail", errors.FlattenDetails(err))
		return f.emit(ctx, b.Finish(report.OutcomeBlocked, nil)), err
	case ctx.Err() != nil:
		f.transition(StateDone)
		b.MarkStopped(report.StopCancelled)
		return f.emit(ctx, b.Finish(report.OutcomeStopped, nil)), nil
	default:
		f.transition(StateFailed)
		err = errors.Systemic(errors.WithHint(err, "check lock.backend and lock.dir"))
		return f.emit(ctx, b.Finish(report.OutcomeFailed, err)), err
	}

	f.transition(StateRunning)
	workErr := f.runWork(ctx, h, b, work)

	f.transition(StateReleasingLock)
	if err := h.Release(context.WithoutCancel(ctx)); err != nil {
		// the marker goes stale and is reclaimed by a later run
		f.logger.Errorw("Failed to release lock", "error", err)
		b.AddError(err.Error())
	}

	if workErr != nil && ctx.Err() != nil && errors.IsAny(workErr, context.Canceled, context.DeadlineExceeded) {
		workErr = nil
	}
	if workErr != nil {
		f.transition(StateFailed)
		return f.emit(ctx, b.Finish(report.OutcomeFailed, workErr)), workErr
	}

	f.transition(StateDone)
	if ctx.Err() != nil {
		b.MarkStopped(report.StopCancelled)
	}
	outcome := report.OutcomeSucceeded
	if b.Stopped() {
		outcome = report.OutcomeStopped
	}
	return f.emit(ctx, b.Finish(outcome, nil)), nil
}

func (f *Flow) runWork(ctx context.Context, h *lock.Handle, b *report.Builder, work Work) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Systemic(errors.Newf("panic: %v", rec))
		}
	}()

	if h.Reclaimed() && f.opts.OnReclaim != nil {
		if err := f.opts.OnReclaim(ctx, h); err != nil {
			return errors.Systemic(errors.Wrap(err, "failed to recover after stale lock"))
		}
	}
	return work(ctx, b)
}

func (f *Flow) emit(ctx context.Context, r report.Report) report.Report {
	ctx = context.WithoutCancel(ctx)
	for _, sink := range f.opts.Sinks {
		if err := sink.Emit(ctx, r); err != nil {
			f.logger.Warnw("Failed to emit run report", "run_id", r.RunID, "error", err)
		}
	}
	return r
}
