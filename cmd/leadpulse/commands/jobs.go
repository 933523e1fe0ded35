package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/internal/util"
	"github.com/teranos/leadpulse/leads"
	"github.com/teranos/leadpulse/logger"
	"github.com/teranos/leadpulse/pipeline"
	"github.com/teranos/leadpulse/pulse/async"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
	"github.com/teranos/leadpulse/pulse/signal"
)

// JobsCmd runs the background job flow.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Sync pipeline status and drain the background job backlog",
	Long: `Run the background job flow:

  1. advance every active campaign to its target pipeline stage
  2. process pending jobs until the backlog is empty, the time or memory
     budget runs out, or SIGTERM/SIGINT asks the run to stop

A job that has started always finishes; a stop only prevents further jobs
from being claimed. Failed jobs are retried with backoff up to
jobs.max_attempts.

Examples:
  leadpulse jobs                                   # one pass
  leadpulse jobs enqueue lead.forward '{"lead_id":"l1"}'
  leadpulse jobs stats
  leadpulse jobs ls --status failed`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var jobsEnqueueCmd = &cobra.Command{
	Use:   "enqueue <payload-type> [json]",
	Short: "Add a job to the backlog",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runJobsEnqueue,
}

var jobsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show backlog counts per status",
	Args:  cobra.NoArgs,
	RunE:  runJobsStats,
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJobsLs,
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status: pending, running, succeeded, failed")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to show")

	JobsCmd.AddCommand(jobsEnqueueCmd)
	JobsCmd.AddCommand(jobsStatsCmd)
	JobsCmd.AddCommand(jobsLsCmd)
}

// terminator is the part of signal.Controller the jobs run needs.
type terminator interface {
	OnTerminate(handler func()) error
	Close()
}

var (
	newTerminator = func(log *zap.SugaredLogger) terminator { return signal.NewController(log) }
	jobHandlers   = newHandlerRegistry
)

// newHandlerRegistry registers every job payload type leadpulse knows.
func newHandlerRegistry(cfg *am.Config, database *sql.DB) *async.HandlerRegistry {
	registry := async.NewHandlerRegistry()
	leadStore := leads.NewStore(database, leads.Qualification{
		MinScore:           cfg.Leads.MinScore,
		MaxForwardAttempts: cfg.Leads.MaxForwardAttempts,
	})
	forwarder := leads.NewWebhookForwarder(leads.WebhookConfigFromAm(cfg.Leads))
	registry.Register(leads.NewForwardHandler(leadStore, forwarder, logger.Named("leads")))
	registry.Register(pipeline.NewAdvanceHandler(pipeline.NewStore(database)))
	return registry
}

func runJobs(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return errors.Systemic(err)
	}
	defer database.Close()

	log := logger.Named("jobs")
	jobs := async.NewStore(database)
	processor := async.NewProcessor(jobs, jobHandlers(cfg, database), async.ConfigFromAm(cfg), logger.Named("pulse"))
	synchronizer := pipeline.NewSynchronizer(pipeline.NewStore(database), pipeline.Options{FailFast: cfg.Pipeline.FailFast}, logger.Named("pipeline"))

	// a signal stops claiming; the running job is not interrupted
	ctrl := newTerminator(log)
	defer ctrl.Close()
	if err := ctrl.OnTerminate(processor.Stop); err != nil {
		log.Debugw("Termination signals unavailable, relying on budgets", "error", err)
	}

	requeue := func(ctx context.Context, h *lock.Handle) error {
		res, err := jobs.RequeueOrphaned(ctx, h.Marker().AcquiredAt, cfg.Jobs.MaxAttempts)
		if err != nil {
			return err
		}
		if res.Requeued > 0 || res.Failed > 0 {
			log.Warnw("Recovered jobs from a crashed run",
				"requeued", res.Requeued,
				"failed", res.Failed,
				"previous_owner", h.Previous().String(),
			)
		}
		return nil
	}

	return runFlow(cmd.Context(), cmd, cfg, database, lock.ScopeBackgroundJobs, requeue, func(ctx context.Context, b *report.Builder) error {
		sum, err := synchronizer.UpdateAllCampaigns(ctx)
		b.AddErrors(sum.Errors)
		if err != nil {
			return err
		}

		if err := processor.Process(ctx, b); err != nil {
			return err
		}

		if hours := cfg.Jobs.CleanupAfterHours; hours > 0 && !b.Stopped() {
			removed, err := jobs.CleanupFinished(ctx, time.Duration(hours)*time.Hour)
			if err != nil {
				log.Warnw("Failed to clean up finished jobs", "error", err)
			} else if removed > 0 {
				log.Infow("Cleaned up finished jobs", logger.FieldCount, removed)
			}
		}
		return nil
	})
}

func runJobsEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	payloadType := args[0]
	registry := jobHandlers(cfg, database)
	if !registry.Has(payloadType) {
		return errors.WithHint(
			errors.NewInvalidRequestError("unknown payload type %q", payloadType),
			"known payload types: "+strings.Join(registry.PayloadTypes(), ", "),
		)
	}

	var payload json.RawMessage
	if len(args) == 2 {
		payload = json.RawMessage(args[1])
	}
	job, err := async.NewJob(payloadType, payload)
	if err != nil {
		return err
	}
	if err := async.NewStore(database).Enqueue(cmd.Context(), job); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s (%s)\n", job.ID, job.PayloadType)
	return nil
}

func runJobsStats(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := async.NewStore(database).Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Pending:   %d\n", stats.Pending)
	fmt.Fprintf(out, "Running:   %d\n", stats.Running)
	fmt.Fprintf(out, "Succeeded: %d\n", stats.Succeeded)
	fmt.Fprintf(out, "Failed:    %d\n", stats.Failed)
	fmt.Fprintf(out, "Total:     %d\n", stats.Total())
	return nil
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	statusFilter, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var status *async.JobStatus
	if statusFilter != "" {
		if !async.IsValidStatus(statusFilter) {
			return errors.NewInvalidRequestError("unknown job status %q", statusFilter)
		}
		status = util.Ptr(async.JobStatus(statusFilter))
	}

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	jobs, err := async.NewStore(database).ListJobs(cmd.Context(), status, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found")
		return nil
	}

	styled := !IsWebRequest()
	fmt.Fprintf(out, "%-36s  %-18s  %-9s  %-8s  %-19s  %-19s  %s\n", "ID", "TYPE", "STATUS", "ATTEMPTS", "CREATED", "FINISHED", "LAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(out, "%-36s  %-18s  %s  %-8d  %-19s  %-19s  %s\n",
			j.ID,
			j.PayloadType,
			statusCell(j.Status, styled),
			j.Attempts,
			j.CreatedAt.Local().Format(report.TimestampFormat),
			finishedCell(j),
			util.Truncate(j.LastError, 60),
		)
	}
	return nil
}

// finishedCell shows when a terminal job finished, or "-" while it can still run.
func finishedCell(j *async.Job) string {
	if !j.Status.IsTerminal() || j.FinishedAt == nil {
		return "-"
	}
	return j.FinishedAt.Local().Format(report.TimestampFormat)
}

// statusCell pads before colouring so ANSI codes do not break alignment.
func statusCell(status async.JobStatus, styled bool) string {
	cell := fmt.Sprintf("%-9s", status)
	if !styled {
		return cell
	}
	switch status {
	case async.JobStatusSucceeded:
		return pterm.Green(cell)
	case async.JobStatusFailed:
		return pterm.Red(cell)
	case async.JobStatusRunning:
		return pterm.Yellow(cell)
	}
	return cell
}
