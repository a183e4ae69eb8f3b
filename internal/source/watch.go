package source

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns file changes under the scan roots into debounced scan
// triggers. A burst of writes yields one trigger.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	ignored  map[string]bool
	exts     map[string]bool
	trigger  chan struct{}
	logger   *slog.Logger

	closeOnce sync.Once
}

// NewWatcher watches every directory under the source's roots, skipping
// ignored directory names. Roots that do not exist are skipped.
func (s *Source) NewWatcher(debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		ignored:  s.ignored,
		exts:     s.exts,
		trigger:  make(chan struct{}, 1),
		logger:   s.logger.With("component", "watcher"),
	}
	for _, root := range s.opts.Roots {
		abs := s.resolve(root)
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		if err := w.addRecursive(abs); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// Triggers delivers one value per debounced burst of changes.
func (w *Watcher) Triggers() <-chan struct{} { return w.trigger }

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if !w.ignored[filepath.Base(ev.Name)] {
						if err := w.addRecursive(ev.Name); err != nil {
							w.logger.Warn("watch new directory", "path", ev.Name, "error", err)
						}
					}
					continue
				}
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			select {
			case w.trigger <- struct{}{}:
				w.logger.Debug("change detected, scan triggered")
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// Close stops watching. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fsw.Close() })
	return err
}

// relevant reports whether path has a scanned extension. Ignored
// directories are never added, so their events never arrive.
func (w *Watcher) relevant(path string) bool {
	return w.exts[strings.ToLower(filepath.Ext(path))]
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && w.ignored[d.Name()] {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}
