package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/leads"
	"github.com/teranos/leadpulse/logger"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
	"github.com/teranos/leadpulse/pulse/signal"
)

// ForwardCmd runs the lead forwarding flow.
var ForwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Forward qualified leads to their destinations",
	Long: `Forward every qualified lead that has not been delivered yet.

A lead qualifies when its score reaches leads.min_score and it has failed
fewer than leads.max_forward_attempts deliveries. Each lead is delivered as a
JSON POST to its own destination, or to leads.default_destination.

Only one forwarding run is active at a time; an overlapping invocation exits
0 without doing anything. This command refuses to run from a web request.

Example:
  */5 * * * * leadpulse forward`,
	Args: cobra.NoArgs,
	RunE: runForward,
}

func runForward(cmd *cobra.Command, args []string) error {
	if IsWebRequest() {
		return errors.WithHint(
			errors.New("lead forwarding cannot run from a web request"),
			"run leadpulse forward from cron or a shell",
		)
	}

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return errors.Systemic(err)
	}
	defer database.Close()

	log := logger.Named("leads")
	store := leads.NewStore(database, leads.Qualification{
		MinScore:           cfg.Leads.MinScore,
		MaxForwardAttempts: cfg.Leads.MaxForwardAttempts,
	})
	coordinator := leads.NewCoordinator(store, leads.NewWebhookForwarder(leads.WebhookConfigFromAm(cfg.Leads)), log)

	ctrl := signal.NewController(log)
	defer ctrl.Close()
	ctx, cancel := ctrl.Context(cmd.Context())
	defer cancel()

	return runFlow(ctx, cmd, cfg, database, lock.ScopeLeadForwarding, nil, func(ctx context.Context, b *report.Builder) error {
		res, err := coordinator.ForwardQualifiedLeads(ctx)
		b.AddProcessed(res.Forwarded)
		b.AddErrors(res.Errors)
		return err
	})
}
