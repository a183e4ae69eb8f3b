package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/imkarma/autofix/internal/health"
)

var (
	flagConfig  string
	flagVerbose bool
	flagLogJSON bool

	flagCycle  bool
	flagHealth bool
)

var rootCmd = &cobra.Command{
	Use:   "autofix",
	Short: "Autonomous repair-task orchestrator",
	Long: `autofix discovers repair tasks (pending queue, plan document, code scan),
dispatches them to executors over an event bus, and applies fixes with
backup, rollback and a confidence gate for human review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRoot,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default .autofix/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Log as JSON")

	rootCmd.Flags().BoolVar(&flagCycle, "cycle", false, "Run one cycle and exit")
	rootCmd.Flags().BoolVar(&flagHealth, "health", false, "Print system health as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(uiCmd)
}

func runRoot(cmd *cobra.Command, args []string) error {
	switch {
	case flagCycle:
		return runOneCycle(cmd.Context())
	case flagHealth:
		return printHealth()
	}
	fmt.Println("Usage: autofix --cycle | --health | <command>")
	fmt.Printf("Run %sautofix --help%s for commands.\n", colorCyan, colorReset)
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runOneCycle(parent context.Context) error {
	ctx, stop := signalContext(parent)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg, newLogger())
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		a.close()
		return err
	}

	report, cycleErr := a.orch.RunCycle(ctx)
	a.shutdown()
	a.close()

	if report != nil {
		printReport(report)
	}
	return cycleErr
}

func printHealth() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := mustStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	results, err := s.ListResults()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(health.Compute(results), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
