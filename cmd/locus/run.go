package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/locus/internal/api"
	"github.com/banshee-data/locus/internal/config"
	"github.com/banshee-data/locus/internal/gnss"
	"github.com/banshee-data/locus/internal/httputil"
	"github.com/banshee-data/locus/internal/monitoring"
	"github.com/banshee-data/locus/internal/odometer"
	"github.com/banshee-data/locus/internal/outbox"
	"github.com/banshee-data/locus/internal/pipeline"
	"github.com/banshee-data/locus/internal/remote"
	"github.com/banshee-data/locus/internal/serialmux"
	"github.com/banshee-data/locus/internal/timeutil"
	"github.com/banshee-data/locus/internal/tracking"
)

type runOptions struct {
	listen         string
	port           string
	baud           int
	replay         string
	replayInterval time.Duration
	otlpEndpoint   string
	start          bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tracker and its local HTTP API",
		Long: `Run reads the GNSS receiver, drives the tracking controller and serves the
local API, /metrics and the /debug/ admin pages until interrupted.

Examples:
  locus run --port /dev/ttyACM0 --start
  locus run --replay internal/gnss/testdata/drive.nmea --start   # no hardware`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, g, o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.listen, "listen", "localhost:8080", "HTTP listen address")
	f.StringVar(&o.port, "port", "/dev/ttyACM0", "GNSS serial device (ignored with --replay)")
	f.IntVar(&o.baud, "baud", serialmux.DefaultBaudRate, "GNSS serial baud rate")
	f.StringVar(&o.replay, "replay", "", "replay an NMEA capture instead of opening the serial device")
	f.DurationVar(&o.replayInterval, "replay-interval", 500*time.Millisecond, "delay between replayed sentences")
	f.StringVar(&o.otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector host:port for delivery traces")
	f.BoolVar(&o.start, "start", false, "start tracking immediately")
	return cmd
}

func run(ctx context.Context, g *globalOptions, o *runOptions) error {
	if o.listen == "" {
		return errors.New("listen address is required")
	}
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	store := config.NewStore(cfg)
	clock := timeutil.RealClock{}

	shutdownTracing, err := setupTracing(ctx, o.otlpEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			monitoring.Warnf("tracing shutdown: %v", err)
		}
	}()

	database, err := g.openDB()
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	opener := serialmux.SerialPortOpener(serialmux.OpenSerialPort)
	if o.replay != "" {
		fixture, err := serialmux.LoadFixture(o.replay)
		if err != nil {
			return err
		}
		monitoring.Infof("replaying %d sentences from %s", len(fixture), o.replay)
		opener = serialmux.ReplayOpener(clock, fixture, o.replayInterval)
	}
	port, err := opener(o.port, serialmux.PortOptions{BaudRate: o.baud})
	if err != nil {
		return err
	}
	lines := serialmux.NewSerialMux(port)
	defer lines.Close()

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)
	transport := remote.NewTransport(httputil.NewStandardClient(cfg.GetHTTPTimeout()), store)
	queue := outbox.NewQueue(database, transport, store, clock, metrics)
	flusher := outbox.NewFlusher(queue, store, clock)
	events := api.NewBroadcaster(64)
	defer events.Close()
	gate := remote.NewGate(store)

	proc := pipeline.NewProcessor(pipeline.Options{
		Config:  store,
		Sink:    events,
		Store:   database,
		Syncer:  queue,
		Gate:    gate,
		Metrics: metrics,
	})
	odo, err := odometer.New(ctx, database, store)
	if err != nil {
		return err
	}
	receiver, err := gnss.NewReceiver(gnss.Options{Lines: lines, Clock: clock})
	if err != nil {
		return err
	}
	ctrl, err := tracking.NewController(tracking.Options{
		Config:    store,
		Clock:     clock,
		Location:  receiver,
		Motion:    tracking.NewManualMotion(),
		Providers: receiver.Providers(),
		Processor: proc,
		Odometer:  odo,
		Logs:      tracking.NewLogManager(store, database),
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	mux := api.NewServer(ctrl, database, events).ServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	lines.AttachAdminRoutes(mux)
	if err := database.AttachAdminRoutes(mux); err != nil {
		return err
	}
	server := &http.Server{
		Addr:              o.listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var watcher *config.Watcher
	if g.configPath != "" {
		watcher, err = config.NewWatcher(g.configPath, func(next *config.Config) {
			ctrl.ApplyConfig(next)
			// A new endpoint or interval should not wait out the old cooldown.
			gate.Reset()
			flusher.Start()
		})
		if err != nil {
			return err
		}
	}

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		err := lines.Monitor(gctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("serial monitor: %w", err)
		}
		monitoring.Infof("serial monitor terminated")
		return nil
	})
	grp.Go(func() error {
		err := receiver.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if watcher != nil {
		grp.Go(func() error {
			if err := watcher.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watcher: %w", err)
			}
			return nil
		})
	}

	grp.Go(func() error {
		monitoring.Infof("listening on %s", o.listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		// Event streams only end when their subscription closes.
		events.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	flusher.Start()
	defer flusher.Stop()
	ctrl.StartSchedule()
	if o.start {
		if err := ctrl.Start(); err != nil {
			monitoring.Errorf("tracking not started: %v", err)
		}
	}

	return grp.Wait()
}
