// Command gsnsim runs a scripted packet-core signalling scenario on a virtual
// clock and reports the state every core node ends up in.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/gsn-simulator/internal/config"
	"github.com/signalsfoundry/gsn-simulator/internal/logging"
	"github.com/signalsfoundry/gsn-simulator/internal/observability"
	"github.com/signalsfoundry/gsn-simulator/internal/sim"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "gsnsim",
		Short: "Packet-core signalling simulator",
		Long: `gsnsim drives serving, gateway, register and switching nodes through a
scripted radio-access population on a virtual clock.`,
	}
	root.AddCommand(newRunCommand(), newValidateCommand())
	return root
}

type runFlags struct {
	config      string
	duration    time.Duration
	metricsAddr string
	realTime    bool
	logLevel    string
	logFormat   string
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print a summary",
		Example: `  gsnsim run --config configs/scenario.toml
  gsnsim run --config configs/scenario.toml --duration 10m --metrics-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			log := newLogger(flags)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, flags, log, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&flags.config, "config", "c", "", "scenario file (TOML)")
	cmd.Flags().DurationVar(&flags.duration, "duration", 0, "virtual time to simulate; overrides the scenario")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&flags.realTime, "realtime", false, "pace virtual time against the wall clock")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error (default $LOG_LEVEL)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "text or json (default $LOG_FORMAT)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newValidateCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a scenario file without running it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d controllers, %d subscribers, %d steps, duration %s\n",
				path, len(cfg.Nodes), len(cfg.Controllers), len(cfg.Subscribers), len(cfg.Script), cfg.Duration)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "scenario file (TOML)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newLogger(flags runFlags) logging.Logger {
	if flags.logLevel == "" && flags.logFormat == "" {
		return logging.NewFromEnv()
	}
	level, format := flags.logLevel, flags.logFormat
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	return logging.New(logging.Config{Level: level, Format: format})
}

func run(ctx context.Context, flags runFlags, log logging.Logger, out io.Writer) error {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return err
	}
	duration := cfg.Duration.D()
	if flags.duration > 0 {
		duration = flags.duration
	}

	tracing := observability.TracingConfigFromEnv()
	tracing.Scenario = filepath.Base(flags.config)
	shutdownTracing, err := observability.InitTracing(ctx, tracing, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	core, err := observability.NewCoreCollector(reg)
	if err != nil {
		return fmt.Errorf("register core metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("register scheduler metrics: %w", err)
	}

	s, err := sim.Build(ctx, cfg, sim.Options{
		Logger:    log,
		Metrics:   core,
		Scheduler: schedMetrics,
		RealTime:  flags.realTime,
	})
	if err != nil {
		return err
	}

	g, errCtx := errgroup.WithContext(ctx)
	var srv *http.Server
	if flags.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", core.Handler())
		srv = &http.Server{Addr: flags.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info(ctx, "serving metrics", logging.String("addr", flags.metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			if srv == nil {
				return
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		err := s.Run(errCtx, duration)
		s.Stop()
		return err
	})

	err = g.Wait()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		log.Warn(ctx, "simulation interrupted", logging.Duration("elapsed", s.Elapsed()))
	default:
		return err
	}
	report(out, s)
	return nil
}

// report prints one row per core node followed by the backbone totals.
func report(w io.Writer, s *sim.Simulation) {
	rows := make([][]string, 0, len(s.Nodes()))
	for _, n := range s.Nodes() {
		subs, sessions, calls, contexts, entries, legs := 0, 0, 0, 0, 0, 0
		if m := n.Mobility(); m != nil {
			subs = len(m.Subscribers())
		}
		if m := n.Sessions(); m != nil {
			sessions = len(m.Sessions())
		}
		if c := n.Calls(); c != nil {
			calls = len(c.Calls())
		}
		if g := n.Gateway(); g != nil {
			contexts = len(g.Contexts())
		}
		if r := n.Register(); r != nil {
			entries = r.Len()
		}
		if r := n.Router(); r != nil {
			legs = r.Len()
		}
		rows = append(rows, []string{
			string(n.ID()),
			itoa(subs), itoa(sessions), itoa(calls), itoa(contexts), itoa(entries), itoa(legs),
			itoa(n.Timers().Live()),
		})
	}

	fmt.Fprintf(w, "virtual time elapsed: %s\n\n", s.Elapsed())
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader([]string{"NODE", "SUBSCRIBERS", "SESSIONS", "CALLS", "CONTEXTS", "REGISTER", "LEGS", "TIMERS"})
	table.AppendBulk(rows)
	table.Render()

	pdn := s.PDN()
	fmt.Fprintf(w, "\nuplink datagrams: %d (%d bytes)\n", pdn.PacketsUp, pdn.BytesUp)
	fmt.Fprintf(w, "in flight: %d, dropped: %d, failed steps: %d\n",
		s.Fabric().InFlight(), s.Fabric().Dropped(), s.FailedSteps())
}

func itoa(n int) string { return strconv.Itoa(n) }
