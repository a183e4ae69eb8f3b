package cli

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/imkarma/autofix/internal/tui"
)

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Open interactive TUI dashboard",
	Long:  "Opens a read-only dashboard with health, the task ledger, recent events and per-task result history. Refreshes every 2s, so it can run next to autofix run.",
	RunE:  runUI,
}

func runUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := mustStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	p := tea.NewProgram(tui.New(s), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
