package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/leadpulse/cmd/leadpulse/commands"
	"github.com/teranos/leadpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "leadpulse",
	Short: "leadpulse - lead forwarding, campaign automation and background jobs",
	Long: `leadpulse - periodic lead and campaign processing.

Each entry flow is meant to be started by cron. Overlapping invocations of
the same flow are safe: the second one notices the run lock and exits 0.

Entry flows:
  forward   - Forward qualified leads to their destinations
  automate  - Run due campaign automations
  jobs      - Sync pipeline status and drain the background job backlog

Other commands:
  report    - Inspect past run reports
  db        - Manage the database
  config    - Inspect configuration
  version   - Show build information

Examples:
  leadpulse forward
  leadpulse jobs -v
  leadpulse report ls --format yaml`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return commands.Bootstrap(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigFile, "config", "c", "", "Config file (default: search for leadpulse.toml)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")

	rootCmd.AddCommand(commands.ForwardCmd)
	rootCmd.AddCommand(commands.AutomateCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.ReportCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		commands.PrintFatal(os.Stderr, err)
		os.Exit(1)
	}
}
