// Package backup snapshots files before mutation and restores them on failure.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/imkarma/autofix/internal/fsutil"
	"github.com/imkarma/autofix/internal/safety"
	"github.com/imkarma/autofix/internal/store"
)

// ErrRollbackFailed is fatal: the repository may be left in an unverified
// state and needs a human.
var ErrRollbackFailed = errors.New("rollback failed")

const (
	backupExt   = ".bak"
	manifestExt = ".json"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Manager owns the backup directory.
type Manager struct {
	dir    string
	logger *slog.Logger
}

// NewManager creates the backup directory if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger}, nil
}

// Dir returns the backup directory.
func (m *Manager) Dir() string { return m.dir }

// CreateBackup copies path into the backup directory and returns once the
// copy and its manifest are on stable storage. Callers must not mutate path
// unless this returns a nil error.
func (m *Manager) CreateBackup(taskID, path string) (*store.BackupRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	name := unsafeChars.ReplaceAllString(taskID, "_") + "-" + safety.HashBytes([]byte(abs))[:12]

	rec := &store.BackupRecord{
		TaskID:     taskID,
		Path:       path,
		BackupPath: filepath.Join(m.dir, name+backupExt),
		Hash:       safety.HashBytes(data),
		Mode:       uint32(info.Mode().Perm()),
		CreatedAt:  time.Now().UTC(),
	}

	if err := fsutil.WriteFileAtomic(rec.BackupPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	manifest, err := json.Marshal(rec)
	if err != nil {
		os.Remove(rec.BackupPath)
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(manifestPath(rec), manifest, 0o600); err != nil {
		os.Remove(rec.BackupPath)
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	m.logger.Debug("backup created", "task_id", taskID, "path", path, "backup", rec.BackupPath)
	return rec, nil
}

// CleanupBackup discards a backup after the mutation has been verified.
func (m *Manager) CleanupBackup(rec *store.BackupRecord) error {
	if rec == nil {
		return nil
	}
	if err := removeIfExists(rec.BackupPath); err != nil {
		return fmt.Errorf("remove backup: %w", err)
	}
	if err := removeIfExists(manifestPath(rec)); err != nil {
		return fmt.Errorf("remove manifest: %w", err)
	}
	return nil
}

// RollbackOnFailure restores the exact pre-mutation bytes and removes the
// backup. Any failure wraps ErrRollbackFailed and keeps the backup on disk.
func (m *Manager) RollbackOnFailure(rec *store.BackupRecord, reason string) error {
	if rec == nil {
		return fmt.Errorf("%w: no backup record", ErrRollbackFailed)
	}
	m.logger.Warn("rolling back", "task_id", rec.TaskID, "path", rec.Path, "reason", reason)

	data, err := os.ReadFile(rec.BackupPath)
	if err != nil {
		return fmt.Errorf("%w: read backup %s: %v", ErrRollbackFailed, rec.BackupPath, err)
	}
	if got := safety.HashBytes(data); got != rec.Hash {
		return fmt.Errorf("%w: backup %s is corrupt", ErrRollbackFailed, rec.BackupPath)
	}

	mode := os.FileMode(rec.Mode)
	if mode == 0 {
		mode = 0o644
	}
	if err := fsutil.WriteFileAtomic(rec.Path, data, mode); err != nil {
		return fmt.Errorf("%w: restore %s: %v", ErrRollbackFailed, rec.Path, err)
	}

	restored, err := safety.HashFile(rec.Path)
	if err != nil {
		return fmt.Errorf("%w: verify %s: %v", ErrRollbackFailed, rec.Path, err)
	}
	if restored != rec.Hash {
		return fmt.Errorf("%w: %s does not match its backup after restore", ErrRollbackFailed, rec.Path)
	}

	if err := m.CleanupBackup(rec); err != nil {
		// The file is restored; a leftover backup is only clutter.
		m.logger.Warn("backup cleanup after rollback failed", "path", rec.BackupPath, "error", err)
	}
	return nil
}

// Orphans lists backups whose manifests survived a crash, oldest first.
func (m *Manager) Orphans() ([]store.BackupRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var recs []store.BackupRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), backupExt+manifestExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			m.logger.Warn("unreadable backup manifest", "file", e.Name(), "error", err)
			continue
		}
		var rec store.BackupRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			m.logger.Warn("malformed backup manifest", "file", e.Name(), "error", err)
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func manifestPath(rec *store.BackupRecord) string {
	return rec.BackupPath + manifestExt
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
