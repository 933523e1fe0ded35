package report

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"go.uber.org/zap"
)

// Sink receives finished reports.
type Sink interface {
	Emit(ctx context.Context, r Report) error
}

// TimestampFormat prefixes every console line.
const TimestampFormat = "2006-01-02 15:04:05"

// ConsoleSink writes a timestamped summary line followed by one line per
// captured error. Styled output uses pterm colours; plain output is used in
// web-request contexts and when writing to files.
type ConsoleSink struct {
	w      io.Writer
	styled bool
	now    func() time.Time
}

// NewConsoleSink creates a console sink writing to w.
func NewConsoleSink(w io.Writer, styled bool) *ConsoleSink {
	return &ConsoleSink{w: w, styled: styled, now: time.Now}
}

func (s *ConsoleSink) Emit(ctx context.Context, r Report) error {
	ts := s.now().Format(TimestampFormat)

	status := string(r.Outcome)
	if s.styled {
		switch r.Outcome {
		case OutcomeSucceeded:
			status = pterm.Green(status)
		case OutcomeStopped, OutcomeBlocked:
			status = pterm.Yellow(status)
		case OutcomeFailed:
			status = pterm.Red(status)
		}
	}

	line := fmt.Sprintf("[%s] %s %s: %d processed, %d error(s) in %s",
		ts, r.Scope, status, r.ItemsProcessed, len(r.Errors), r.Duration().Round(time.Millisecond))
	if r.StopReason != "" {
		line += " (" + r.StopReason + ")"
	}
	if _, err := fmt.Fprintln(s.w, line); err != nil {
		return err
	}

	for _, e := range r.Errors {
		if s.styled {
			e = pterm.Red(e)
		}
		if _, err := fmt.Fprintf(s.w, "[%s]   - %s\n", ts, e); err != nil {
			return err
		}
	}
	if r.Fatal != "" {
		if _, err := fmt.Fprintf(s.w, "[%s] ERROR %s\n", ts, r.Fatal); err != nil {
			return err
		}
	}
	return nil
}

// LogSink writes each report as one structured log line.
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, r Report) error {
	fields := []interface{}{
		"run_id", r.RunID,
		"scope", r.Scope,
		"outcome", string(r.Outcome),
		"processed", r.ItemsProcessed,
		"errors", len(r.Errors),
		"duration", r.Duration().String(),
	}
	if r.StopReason != "" {
		fields = append(fields, "stop_reason", r.StopReason)
	}
	if len(r.Errors) > 0 {
		fields = append(fields, "error_messages", r.Errors)
	}

	switch r.Outcome {
	case OutcomeFailed:
		s.logger.Errorw("Run failed", append(fields, "error", r.Fatal)...)
	case OutcomeBlocked:
		s.logger.Infow("Run skipped", fields...)
	default:
		s.logger.Infow("Run finished", fields...)
	}
	return nil
}
