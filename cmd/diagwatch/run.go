package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/setevik/diagwatch/internal/config"
	"github.com/setevik/diagwatch/internal/controller"
	"github.com/setevik/diagwatch/internal/entry"
	"github.com/setevik/diagwatch/internal/history"
	"github.com/setevik/diagwatch/internal/metrics"
	"github.com/setevik/diagwatch/internal/notify"
	"github.com/setevik/diagwatch/internal/watcher"
)

type runOptions struct {
	project    string
	command    string
	stdin      bool
	ws         bool
	wsHost     string
	wsPort     int
	maxHistory int
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest diagnostics until interrupted",
	Long: `Run starts the selected sources and prints every ingested entry.

  --project DIR   spawn the dev server in DIR and tail its output
  --ws            accept WebSocket clients on --ws-host:--ws-port
  --stdin         read diagnostics lines from standard input

Sources can be combined. On exit a summary of the history is printed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		applyRunFlags(cmd, cfg, runOpts)
		setupLogging(cfg.Log)
		return runIngest(cmd.Context(), cfg, runOpts, os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runOpts.project, "project", "p", "", "project directory to run the dev server in")
	f.StringVar(&runOpts.command, "command", "", `dev server command (default from config, "npm run start")`)
	f.BoolVar(&runOpts.stdin, "stdin", false, "read diagnostics lines from stdin")
	f.BoolVar(&runOpts.ws, "ws", false, "start the WebSocket ingest listener")
	f.StringVar(&runOpts.wsHost, "ws-host", "", "WebSocket listen host (default from config, 127.0.0.1)")
	f.IntVar(&runOpts.wsPort, "ws-port", 0, "WebSocket listen port (default from config, 8765)")
	f.IntVar(&runOpts.maxHistory, "max-history", 0, "number of entries kept in memory (default from config, 2000)")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags overrides config values with flags given on the command
// line.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, opts runOptions) {
	flags := cmd.Flags()
	if flags.Changed("ws-host") {
		cfg.Network.Host = opts.wsHost
	}
	if flags.Changed("ws-port") {
		cfg.Network.Port = opts.wsPort
	}
	if flags.Changed("max-history") {
		cfg.History.MaxEntries = opts.maxHistory
	}
	if flags.Changed("command") {
		cfg.Process.Command = strings.Fields(opts.command)
	}
	if opts.project != "" {
		cfg.Process.Dir = opts.project
	}
}

func runIngest(parent context.Context, cfg *config.Config, opts runOptions, stdin io.Reader, out io.Writer) error {
	if !opts.ws && opts.project == "" && !opts.stdin {
		slog.Warn("no source configured, use --project, --ws or --stdin")
		return nil
	}
	if parent == nil {
		parent = context.Background()
	}

	sigCtx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	slog.Info("diagwatch starting", "version", version, "max_history", cfg.History.MaxEntries)

	store := history.New(cfg.History.MaxEntries)
	store.Subscribe(printEntry)

	notifier := newNotifier(cfg)
	notifier.OnAction(func(action string) {
		if action != notify.ActionOpenDiagnostics {
			slog.Warn("unknown notification action", "action", action)
			return
		}
		fmt.Fprint(out, history.FormatSummary(history.Summarize(store.Snapshot())))
	})
	fwd := notify.NewForwarder(notifier,
		notify.WithLevels(cfg.Notify.Levels...),
		notify.WithCooldown(cfg.Notify.Cooldown.Duration),
	)
	store.Subscribe(fwd.Handle)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = metrics.Handler()
	}

	ctrl := controller.New(store, cfg.Network,
		controller.WithMetricsHandler(metricsHandler),
		controller.WithStopTimeout(cfg.Process.StopTimeout.Duration),
		controller.WithActionFunc(notifier.HandleAction),
	)

	// With nothing else to ingest from, the run ends with the process.
	if !opts.ws && !opts.stdin {
		ctrl.OnProcessStatus(func(running bool) {
			if !running {
				cancel()
			}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fwd.Run(gctx) })
	if wd := watchdogInterval(); wd > 0 {
		slog.Info("systemd watchdog enabled", "interval", wd)
		g.Go(func() error { return watchdog(gctx, wd/2) })
	}

	err := startSources(ctrl, cfg, opts)
	if err == nil {
		if opts.stdin {
			// Not part of the group: a read from stdin cannot be interrupted.
			go readStdin(gctx, stdin, store, cancel, !opts.ws && opts.project == "")
		}

		sdNotify("READY=1")
		slog.Info("ingest started", "sources", ctrl.String())
		<-gctx.Done()
		sdNotify("STOPPING=1")
		slog.Info("shutting down")
	}

	grace := cfg.Process.StopTimeout.Duration + cfg.Network.ShutdownTimeout.Duration
	if grace <= 0 {
		grace = 15 * time.Second
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), grace)
	defer cancelShutdown()
	if serr := ctrl.Shutdown(shutdownCtx); serr != nil {
		slog.Warn("process did not stop cleanly", "error", serr)
	}

	cancel()
	if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
		err = errors.Join(err, gerr)
	}

	fmt.Fprint(out, history.FormatSummary(history.Summarize(store.Snapshot())))
	return err
}

func startSources(ctrl *controller.Controller, cfg *config.Config, opts runOptions) error {
	if opts.ws {
		if err := ctrl.StartNetwork(cfg.Network.Host, cfg.Network.Port); err != nil {
			return fmt.Errorf("starting websocket listener: %w", err)
		}
	}
	if opts.project != "" {
		if err := ctrl.StartProcess(cfg.Process.Dir, cfg.Process.Command...); err != nil {
			return fmt.Errorf("starting dev server: %w", err)
		}
	}
	return nil
}

func readStdin(ctx context.Context, r io.Reader, store *history.Store, cancel context.CancelFunc, only bool) {
	slog.Info("reading diagnostics from stdin")
	n, err := watcher.ReadLines(ctx, r, entry.SourceStdin, store, nil)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("stdin read failed", "entries", n, "error", err)
	} else {
		slog.Info("stdin closed", "entries", n)
	}
	if only {
		cancel()
	}
}

func newNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notify.URL == "" {
		return &notify.Nop{}
	}
	slog.Info("ntfy notifications enabled", "levels", cfg.Notify.Levels, "cooldown", cfg.Notify.Cooldown.Duration)
	return notify.NewNtfy(cfg)
}

func watchdog(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sdNotify("WATCHDOG=1")
		}
	}
}

// printEntry logs every ingested entry.
func printEntry(e entry.Entry, _ []entry.Entry) {
	attrs := []any{
		"level", e.Level,
		"message", e.Message,
		"source", e.Source,
		"ts", e.Timestamp.Format(time.RFC3339Nano),
	}
	if len(e.Data) > 0 {
		attrs = append(attrs, "data", e.Data)
	}
	slog.Info("entry ingested", attrs...)
}
