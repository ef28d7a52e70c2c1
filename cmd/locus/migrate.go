package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/locus/internal/db"
)

func newMigrateCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the database schema version",
		Long: `migrate manages the embedded schema migrations without starting the tracker.

  locus migrate up        apply every pending migration
  locus migrate down      roll back the most recent migration
  locus migrate version   print the current version and dirty flag
  locus migrate to N      migrate up or down to version N
  locus migrate force N   mark version N as applied (recovers a dirty state)`,
	}

	// withDB opens without applying migrations so a dirty schema can be repaired.
	withDB := func(fn func(cmd *cobra.Command, database *db.DB, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := db.OpenDB(g.dbPath)
			if err != nil {
				return err
			}
			defer database.Close()
			return fn(cmd, database, args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				if err := database.MigrateUp(); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				if err := database.MigrateDown(); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the schema version",
			Args:  cobra.NoArgs,
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, _ []string) error {
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "to N",
			Short: "Migrate up or down to version N",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := database.MigrateTo(uint(v)); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
		&cobra.Command{
			Use:   "force N",
			Short: "Set the recorded version without running migrations",
			Args:  cobra.ExactArgs(1),
			RunE: withDB(func(cmd *cobra.Command, database *db.DB, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				if err := database.MigrateForce(v); err != nil {
					return err
				}
				return printVersion(cmd, database)
			}),
		},
	)
	return cmd
}

func printVersion(cmd *cobra.Command, database *db.DB) error {
	v, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
	return nil
}
