package commands

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/db"
	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/logger"
	"github.com/teranos/leadpulse/pulse/flow"
	"github.com/teranos/leadpulse/pulse/lock"
	"github.com/teranos/leadpulse/pulse/report"
)

// ConfigFile is bound to the root --config flag. Empty means the usual
// system, user and project search.
var ConfigFile string

// loaded is the configuration Bootstrap read for this invocation.
var loaded *am.Config

// verbosity is the -v count of this invocation.
var verbosity int

// Bootstrap loads configuration and initialises the logger. It runs before
// every command.
func Bootstrap(cmd *cobra.Command) error {
	web := IsWebRequest()
	if web {
		pterm.DisableStyling()
	}
	if cmd.Name() == "version" {
		return nil
	}

	cfg, err := am.Load(ConfigFile)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	verbosity, _ = cmd.Flags().GetCount("verbose")
	opts := logger.Options{
		JSON:  cfg.Log.JSON,
		Level: logger.LevelForVerbosity(logger.ParseLevel(cfg.Log.Level), verbosity),
		Plain: web,
	}
	if err := logger.Initialize(opts); err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}
	loaded = cfg
	return nil
}

// currentConfig returns the bootstrapped configuration, loading it when a
// command runs without the root command (tests).
func currentConfig() (*am.Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	cfg, err := am.Load(ConfigFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	loaded = cfg
	return cfg, nil
}

// openDatabase opens and migrates the configured database.
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", cfg.Database.Path)
	}
	return database, nil
}

// sinks returns where finished reports go: the console (or the structured
// log when JSON logging is on) and the run_reports table.
func sinks(cmd *cobra.Command, cfg *am.Config, database *sql.DB) []report.Sink {
	out := []report.Sink{report.NewStore(database)}
	if cfg.Log.JSON {
		return append(out, report.NewLogSink(logger.Named("report")))
	}
	return append(out, report.NewConsoleSink(cmd.OutOrStdout(), !IsWebRequest()))
}

// runFlow runs work as the entry flow for scope. Contention is reported on
// the console and is not an error.
func runFlow(ctx context.Context, cmd *cobra.Command, cfg *am.Config, database *sql.DB, scope string, onReclaim flow.ReclaimHook, work flow.Work) error {
	store, closeStore, err := lock.OpenStore(ctx, cfg.Lock, database)
	if err != nil {
		return errors.Systemic(err)
	}
	defer closeStore()

	log := logger.Named("flow")
	f := flow.New(scope, lock.NewLocker(store, logger.Named("lock")), flow.Options{
		StaleAfter: cfg.Lock.StaleAfter(),
		Sinks:      sinks(cmd, cfg, database),
		OnReclaim:  onReclaim,
	}, log)

	_, err = f.Run(ctx, work)
	if lock.IsAlreadyRunning(err) {
		fmt.Fprintf(cmd.OutOrStdout(), "[%s] %s is already running, skipping this invocation\n",
			time.Now().Format(report.TimestampFormat), scope)
		return nil
	}
	return err
}
