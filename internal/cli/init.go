package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/imkarma/autofix/internal/config"
	"github.com/imkarma/autofix/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize autofix in the current directory",
	Long:  "Creates a .autofix/ directory with default config, database and backup directory.",
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(autofixDirName); err == nil {
		return fmt.Errorf("autofix already initialized in this directory (%s/ exists)", autofixDirName)
	}

	cfg := config.DefaultConfig()
	if err := os.MkdirAll(cfg.Resolve(cfg.Paths.Backups), 0755); err != nil {
		return fmt.Errorf("create %s: %w", cfg.Paths.Backups, err)
	}

	if err := config.Save(autofixPath("config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// Opening the store runs the migrations.
	s, err := store.New(cfg.Resolve(cfg.Paths.Database))
	if err != nil {
		return fmt.Errorf("create database: %w", err)
	}
	s.Close()

	fmt.Printf("Initialized autofix in %s/\n", autofixDirName)
	fmt.Println("")
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to set role, scan roots and (optionally) an AI fixer agent\n", autofixPath("config.yaml"))
	fmt.Printf("  2. Run: %sautofix --cycle%s\n", colorCyan, colorReset)
	fmt.Printf("  3. Run: %sautofix status%s\n", colorCyan, colorReset)

	return nil
}
