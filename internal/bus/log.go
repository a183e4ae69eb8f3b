package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/imkarma/autofix/internal/store"
)

// Log is the durable, timestamp-ordered record behind the bus.
type Log interface {
	Append(ctx context.Context, e store.Event) error
	// Read returns the newest limit events of eventType (all when empty) in
	// append order. limit <= 0 means no limit.
	Read(ctx context.Context, eventType string, limit int) ([]store.Event, error)
	Close() error
}

// MemoryLog keeps events in memory. It is the test fake and the "memory"
// transport.
type MemoryLog struct {
	mu     sync.Mutex
	events []store.Event
	down   error
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// SetUnavailable makes every Append fail with err until cleared with nil.
func (l *MemoryLog) SetUnavailable(err error) {
	l.mu.Lock()
	l.down = err
	l.mu.Unlock()
}

func (l *MemoryLog) Append(_ context.Context, e store.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, l.down)
	}
	l.events = append(l.events, e)
	return nil
}

func (l *MemoryLog) Read(_ context.Context, eventType string, limit int) ([]store.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tail(l.events, eventType, limit), nil
}

func (l *MemoryLog) Close() error { return nil }

// StoreLog appends events to the SQLite events table.
type StoreLog struct {
	store *store.Store
}

// NewStoreLog wraps s. Closing the log does not close the store.
func NewStoreLog(s *store.Store) *StoreLog {
	return &StoreLog{store: s}
}

func (l *StoreLog) Append(_ context.Context, e store.Event) error {
	if err := l.store.AppendEvent(e); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (l *StoreLog) Read(_ context.Context, eventType string, limit int) ([]store.Event, error) {
	return l.store.ListEvents(eventType, limit)
}

func (l *StoreLog) Close() error { return nil }

// tail filters events by type and keeps the last limit of them.
func tail(events []store.Event, eventType string, limit int) []store.Event {
	var out []store.Event
	for _, e := range events {
		if eventType == "" || e.Type == eventType {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
