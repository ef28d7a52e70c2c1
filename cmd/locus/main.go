// Command locus runs the background location tracker and inspects its
// local store.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/db"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/version"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	dbPath     string
	configPath string
	logLevel   string
	devLogs    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "locus",
		Short: "Background location tracking with durable delivery",
		Long: `locus reads fixes from a serial GNSS receiver, records them locally and
delivers them to an HTTP endpoint, queueing anything that fails for retry.

Settings may also come from the environment (or a .env file):
  LOCUS_DB, LOCUS_CONFIG, LOCUS_LOG_LEVEL`,
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.dbPath, "db", "locus.db", "SQLite database path")
	flags.StringVar(&opts.configPath, "config", "", "JSON or YAML config file (reloaded on change by run)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "process log level (debug, info, warn, error)")
	flags.BoolVar(&opts.devLogs, "dev-logs", false, "human-readable console logs")

	root.AddCommand(
		newRunCmd(opts),
		newLocationsCmd(opts),
		newQueueCmd(opts),
		newLogsCmd(opts),
		newOdometerCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return root
}

// setup loads .env, applies environment defaults to flags the user did not
// set, and installs the process logger.
func (o *globalOptions) setup(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	flags := cmd.Flags()
	envDefault := func(flag, env string, dst *string) {
		if v := os.Getenv(env); v != "" && !flags.Changed(flag) {
			*dst = v
		}
	}
	envDefault("db", "LOCUS_DB", &o.dbPath)
	envDefault("config", "LOCUS_CONFIG", &o.configPath)
	envDefault("log-level", "LOCUS_LOG_LEVEL", &o.logLevel)

	logger, err := monitoring.NewLogger(o.logLevel, o.devLogs)
	if err != nil {
		return err
	}
	monitoring.SetZap(logger)
	return nil
}

// loadConfig returns the file config, or defaults when no file is set.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	if o.configPath == "" {
		return config.Empty(), nil
	}
	return config.Load(o.configPath)
}

// openDB opens the store with migrations applied.
func (o *globalOptions) openDB() (*db.DB, error) {
	return db.NewDB(o.dbPath)
}
