package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/imkarma/autofix/internal/server"
	"github.com/imkarma/autofix/internal/source"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run cycles until interrupted",
	Long: `Runs a discovery-dispatch-collect cycle immediately and then every
scan.interval. With --watch, a change under a scan root starts a cycle early.
With --listen, serves /health, /events, /tasks, /cycles and /metrics.

Ctrl-C stops after running fixes finish (executor.shutdown_timeout).`,
	RunE: runRun,
}

var (
	runListen string
	runWatch  bool
)

func init() {
	runCmd.Flags().StringVar(&runListen, "listen", "", "Serve the HTTP status API on this address (e.g. :9090)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Start a cycle when scanned files change (overrides scan.watch)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}

	var watcher *source.Watcher
	if runWatch || cfg.Scan.Watch {
		watcher, err = a.source.NewWatcher(cfg.Scan.Debounce)
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watcher.Close()
	}

	fmt.Printf("%sautofix%s running as %s%s%s every %s", colorBold, colorReset, colorCyan, cfg.Role, colorReset, cfg.Scan.Interval)
	if watcher != nil {
		fmt.Printf(", watching for changes")
	}
	if runListen != "" {
		fmt.Printf(", serving on %s%s%s", colorCyan, runListen, colorReset)
	}
	fmt.Println()

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	if runListen != "" {
		srv := server.New(a.health, a.bus, a.store, logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, runListen)
		})
	}
	g.Go(func() error {
		var trigger <-chan struct{}
		if watcher != nil {
			trigger = watcher.Triggers()
		}
		return a.orch.Run(gctx, trigger)
	})

	err = g.Wait()
	a.shutdown()

	if last := a.orch.LastReport(); last != nil {
		fmt.Println()
		printReport(last)
	}
	return err
}
