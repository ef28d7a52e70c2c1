package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/db"
	"github.com/banshee-data/locus/internal/httputil"
	"github.com/banshee-data/locus/internal/odometer"
	"github.com/banshee-data/locus/internal/outbox"
	"github.com/banshee-data/locus/internal/remote"
	"github.com/banshee-data/locus/internal/timeutil"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLocationsCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "locations",
		Short: "List stored locations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			recs, err := database.Locations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete every stored location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			n, err := database.ClearLocations(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d locations\n", n)
			return nil
		},
	})
	return cmd
}

// localQueue opens the outbox without a transport, for inspection only.
func localQueue(database *db.DB) *outbox.Queue {
	return outbox.NewQueue(database, nil, config.Static{}, timeutil.RealClock{}, nil)
}

func newQueueCmd(g *globalOptions) *cobra.Command {
	var (
		limit int
		count bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List entries waiting for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			q := localQueue(database)
			if count {
				n, err := q.Count(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			}
			entries, err := q.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows (0 for all)")
	cmd.Flags().BoolVar(&count, "count", false, "print only the number of queued entries")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every queued entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			n, err := localQueue(database).Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d queue entries\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Attempt delivery of every due entry once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.HasEndpoint() {
				return errors.New("no http_url configured")
			}
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()

			store := config.NewStore(cfg)
			transport := remote.NewTransport(httputil.NewStandardClient(cfg.GetHTTPTimeout()), store)
			queue := outbox.NewQueue(database, transport, store, timeutil.RealClock{}, nil)
			res, err := queue.AttemptBatchSync(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d delivered=%d failed=%d dropped=%d\n",
				res.Attempted, res.Delivered, res.Failed, res.Dropped)
			return err
		},
	})
	return cmd
}

func newLogsCmd(g *globalOptions) *cobra.Command {
	var (
		limit    int
		levels   []string
		clearLog bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the persistent tracking log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			if clearLog {
				return database.ClearLogs(cmd.Context())
			}
			entries, err := database.Logs(cmd.Context(), limit, levels...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s %-7s %s\n", e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"), e.Level, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum lines (0 for all)")
	cmd.Flags().StringSliceVar(&levels, "level", nil, "only these levels (repeatable)")
	cmd.Flags().BoolVar(&clearLog, "clear", false, "delete the log instead of printing it")
	return cmd
}

func newOdometerCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odometer",
		Short: "Print the cumulative distance in meters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			meters, err := database.LoadOdometer(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", meters)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set METERS",
		Short: "Overwrite the cumulative distance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meters, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid distance %q: %w", args[0], err)
			}
			database, err := g.openDB()
			if err != nil {
				return err
			}
			defer database.Close()
			odo, err := odometer.New(cmd.Context(), database, nil)
			if err != nil {
				return err
			}
			if err := odo.SetDistance(cmd.Context(), meters); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.1f\n", odo.Distance())
			return nil
		},
	})
	return cmd
}
