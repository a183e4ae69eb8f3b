// Package safety guards mutations against stale assumptions: a file may only
// be changed if its content still hashes to what was recorded at discovery.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

var (
	// ErrStale means the file changed since its hash was recorded.
	ErrStale = errors.New("stale file")

	// ErrNoBaseline means no hash was ever recorded for the file.
	ErrNoBaseline = errors.New("no recorded hash")
)

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checker compares current file hashes against recorded ones. It never locks
// files; it only detects that something else got there first.
type Checker struct {
	mu     sync.RWMutex
	hashes map[string]string
	logger *slog.Logger
}

// NewChecker creates a checker with an empty registry.
func NewChecker(logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{hashes: make(map[string]string), logger: logger}
}

// RecordHash stores the expected hash for path, replacing any previous one.
func (c *Checker) RecordHash(path, hash string) {
	c.mu.Lock()
	c.hashes[filepath.Clean(path)] = hash
	c.mu.Unlock()
}

// Recorded returns the registered hash for path.
func (c *Checker) Recorded(path string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.hashes[filepath.Clean(path)]
	return h, ok
}

// PreExecutionCheck reports whether path still matches expected. An empty
// expected falls back to the registered hash. A missing file is stale.
// Only read failures other than "not exist" come back as errors.
func (c *Checker) PreExecutionCheck(path, expected string) (bool, error) {
	if expected == "" {
		h, ok := c.Recorded(path)
		if !ok {
			return false, fmt.Errorf("%s: %w", path, ErrNoBaseline)
		}
		expected = h
	}

	current, err := HashFile(path)
	if errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("target vanished since discovery", "path", path)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if current != expected {
		c.logger.Info("stale file detected", "path", path, "expected", short(expected), "current", short(current))
		return false, nil
	}
	return true, nil
}

// Verify is PreExecutionCheck folded into a single error: nil when the file
// is unchanged, ErrStale when it is not.
func (c *Checker) Verify(path, expected string) error {
	ok, err := c.PreExecutionCheck(path, expected)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrStale, path)
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
