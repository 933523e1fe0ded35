package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/leadpulse/am"
)

// ConfigCmd groups configuration commands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect leadpulse configuration",
	Long: `Inspect leadpulse configuration.

Configuration sources (in order of precedence):
1. Environment variables (LEADPULSE_* prefix, e.g. LEADPULSE_JOBS_BATCH_SIZE)
2. --config file, or else:
   project leadpulse.toml (searched upwards from the working directory)
   ~/.leadpulse/leadpulse.toml
   /etc/leadpulse/leadpulse.toml
3. Default values`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		out, err := am.Render(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}
