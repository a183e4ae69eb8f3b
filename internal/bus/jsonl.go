package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/imkarma/autofix/internal/store"
)

// JSONLLog is an append-only JSON-lines file, one event per line.
type JSONLLog struct {
	path string
	file *os.File
	mu   sync.Mutex
}

// OpenJSONLLog opens (or creates) the log at path.
func OpenJSONLLog(path string) (*JSONLLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONLLog{path: path, file: f}, nil
}

// Append writes one line and fsyncs, so an acknowledged publish survives a crash.
func (l *JSONLLog) Append(_ context.Context, e store.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("%w: log closed", ErrUnavailable)
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("%w: write event: %v", ErrUnavailable, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync event log: %v", ErrUnavailable, err)
	}
	return nil
}

// Read scans the whole file; malformed lines are skipped.
func (l *JSONLLog) Read(_ context.Context, eventType string, limit int) ([]store.Event, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open event log for reading: %w", err)
	}
	defer f.Close()

	var events []store.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e store.Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return tail(events, eventType, limit), nil
}

// Close closes the underlying file.
func (l *JSONLLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return nil
}
