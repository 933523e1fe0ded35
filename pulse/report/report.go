// Package report holds the per-run summary every entry flow produces.
//
// A Builder is created when a run starts and collects processed counts,
// per-item errors and the stop reason. Finish turns it into an immutable
// Report that is handed to each configured Sink.
package report

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
	OutcomeBlocked   Outcome = "blocked"
)

// Stop reasons recorded by the backlog processor.
const (
	StopRequested       = "stop requested"
	StopCancelled       = "context cancelled"
	StopTimeBudget      = "time budget exhausted"
	StopMemoryBudget    = "memory budget exhausted"
	StopContendedLocked = "another run holds the lock"
)

// Report is the immutable summary of one run.
type Report struct {
	RunID          string    `json:"run_id" yaml:"run_id"`
	Scope          string    `json:"scope" yaml:"scope"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time `json:"finished_at" yaml:"finished_at"`
	ItemsProcessed int       `json:"items_processed" yaml:"items_processed"`
	Errors         []string  `json:"errors,omitempty" yaml:"errors,omitempty"`
	Outcome        Outcome   `json:"outcome" yaml:"outcome"`
	StopReason     string    `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Fatal          string    `json:"fatal,omitempty" yaml:"fatal,omitempty"`
}

// Duration returns the wall-clock length of the run.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary returns a one-line description of the run.
func (r Report) Summary() string {
	s := fmt.Sprintf("%s %s: %d processed, %d error(s) in %s",
		r.Scope, r.Outcome, r.ItemsProcessed, len(r.Errors), r.Duration().Round(time.Millisecond))
	if r.StopReason != "" {
		s += " (" + r.StopReason + ")"
	}
	return s
}

// Builder accumulates a run's results. It is safe for concurrent use.
type Builder struct {
	mu         sync.Mutex
	runID      string
	scope      string
	startedAt  time.Time
	processed  int
	errors     []string
	stopReason string
	now        func() time.Time
}

// NewBuilder starts a report for scope with a fresh run id.
func NewBuilder(scope string) *Builder {
	now := func() time.Time { return time.Now().UTC() }
	return &Builder{
		runID:     uuid.NewString(),
		scope:     scope,
		startedAt: now(),
		now:       now,
	}
}

// RunID returns the id the finished report will carry.
func (b *Builder) RunID() string { return b.runID }

// StartedAt returns when the run began.
func (b *Builder) StartedAt() time.Time { return b.startedAt }

// Scope returns the run's scope key.
func (b *Builder) Scope() string { return b.scope }

// AddProcessed counts n more items as processed.
func (b *Builder) AddProcessed(n int) {
	b.mu.Lock()
	b.processed += n
	b.mu.Unlock()
}

// AddError appends a per-item error message. Order is preserved.
func (b *Builder) AddError(msg string) {
	b.mu.Lock()
	b.errors = append(b.errors, msg)
	b.mu.Unlock()
}

// AddErrors appends several per-item errors.
func (b *Builder) AddErrors(msgs []string) {
	b.mu.Lock()
	b.errors = append(b.errors, msgs...)
	b.mu.Unlock()
}

// MarkStopped records why the run stopped pulling work. The first reason wins.
func (b *Builder) MarkStopped(reason string) {
	b.mu.Lock()
	if b.stopReason == "" {
		b.stopReason = reason
	}
	b.mu.Unlock()
}

// Stopped reports whether MarkStopped was called.
func (b *Builder) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopReason != ""
}

// Processed returns the running count.
func (b *Builder) Processed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processed
}

// Finish produces the report. fatal is recorded for OutcomeFailed and may be
// nil otherwise. The builder may keep being used; the report does not share
// its error slice.
func (b *Builder) Finish(outcome Outcome, fatal error) Report {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := Report{
		RunID:          b.runID,
		Scope:          b.scope,
		StartedAt:      b.startedAt,
		FinishedAt:     b.now(),
		ItemsProcessed: b.processed,
		Outcome:        outcome,
		StopReason:     b.stopReason,
	}
	if len(b.errors) > 0 {
		r.Errors = append([]string(nil), b.errors...)
	}
	if fatal != nil {
		r.Fatal = fatal.Error()
	}
	return r
}
