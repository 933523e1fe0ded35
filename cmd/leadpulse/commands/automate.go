package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/teranos/leadpulse/automation"
	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/logger"
	"github.com/teranos/leadpulse/pulse/async"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
	"github.com/teranos/leadpulse/pulse/signal"
)

// AutomateCmd runs the campaign automation flow.
var AutomateCmd = &cobra.Command{
	Use:   "automate",
	Short: "Run due campaign automations",
	Long: `Run every enabled automation whose cron schedule has come due since its
last run. Missed occurrences are collapsed into a single run.

Built-in actions:
  enqueue_job   add a job to the background backlog
                params: {"payload_type": "...", "payload": {...}}

Example:
  * * * * * leadpulse automate`,
	Args: cobra.NoArgs,
	RunE: runAutomate,
}

func newAutomationRegistry(jobs automation.JobEnqueuer) *automation.Registry {
	registry := automation.NewRegistry()
	registry.Register(automation.ActionEnqueueJob, automation.NewEnqueueJobExecutor(jobs))
	return registry
}

func runAutomate(cmd *cobra.Command, args []string) error {
	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return errors.Systemic(err)
	}
	defer database.Close()

	log := logger.Named("automation")
	runner := automation.NewRunner(
		automation.NewStore(database),
		newAutomationRegistry(async.NewStore(database)),
		automation.Options{FailFast: cfg.Automation.FailFast},
		log,
	)

	ctrl := signal.NewController(log)
	defer ctrl.Close()
	ctx, cancel := ctrl.Context(cmd.Context())
	defer cancel()

	return runFlow(ctx, cmd, cfg, database, lock.ScopeAutomation, nil, func(ctx context.Context, b *report.Builder) error {
		sum, err := runner.ProcessAutomatedCampaigns(ctx)
		b.AddProcessed(sum.Executed)
		b.AddErrors(sum.Errors)
		return err
	})
}
