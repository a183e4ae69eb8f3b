package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/imkarma/autofix/internal/config"
	"github.com/imkarma/autofix/internal/store"
)

const autofixDirName = ".autofix"

// autofixPath returns the path to a file inside .autofix/.
func autofixPath(parts ...string) string {
	elems := append([]string{autofixDirName}, parts...)
	return filepath.Join(elems...)
}

// configPath is the --config flag, defaulting to .autofix/config.yaml.
func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	return autofixPath("config.yaml")
}

// loadConfig reads the config. A missing file yields the defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// mustStore opens the store, returning an error if autofix is not initialized.
func mustStore(cfg *config.Config) (*store.Store, error) {
	dbPath := cfg.Resolve(cfg.Paths.Database)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("autofix not initialized. Run: autofix init")
	}
	return store.New(dbPath)
}

// newLogger builds the process logger from --verbose and --log-json.
func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if flagVerbose {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if flagLogJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
