package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/pulse/report"
)

// ReportCmd groups run report commands.
var ReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect past run reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var reportLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List recent run reports, newest first",
	Long: `List recent run reports from every entry flow, newest first.

Examples:
  leadpulse report ls
  leadpulse report ls --limit 5 --format yaml
  leadpulse report ls --format json | jq '.[] | select(.outcome == "failed")'`,
	Args: cobra.NoArgs,
	RunE: runReportLs,
}

func init() {
	reportLsCmd.Flags().String("format", "text", "Output format: text, yaml, json")
	reportLsCmd.Flags().Int("limit", 20, "Maximum number of reports")
	ReportCmd.AddCommand(reportLsCmd)
}

func runReportLs(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	limit, _ := cmd.Flags().GetInt("limit")

	cfg, err := currentConfig()
	if err != nil {
		return err
	}
	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	reports, err := report.NewStore(database).Recent(cmd.Context(), limit)
	if err != nil {
		return err
	}
	return writeReports(cmd.OutOrStdout(), reports, format)
}

func writeReports(w io.Writer, reports []report.Report, format string) error {
	switch format {
	case "json":
		if reports == nil {
			reports = []report.Report{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)

	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(reports); err != nil {
			return errors.Wrap(err, "failed to encode reports as yaml")
		}
		return enc.Close()

	case "text", "":
		if len(reports) == 0 {
			fmt.Fprintln(w, "No run reports yet")
			return nil
		}
		for _, r := range reports {
			fmt.Fprintf(w, "[%s] %s\n", r.StartedAt.Local().Format(report.TimestampFormat), r.Summary())
			for _, e := range r.Errors {
				fmt.Fprintf(w, "    - %s\n", e)
			}
			if r.Fatal != "" {
				fmt.Fprintf(w, "    ERROR %s\n", r.Fatal)
			}
		}
		return nil

	default:
		return errors.NewInvalidRequestError("unknown format %q (use text, yaml or json)", format)
	}
}
