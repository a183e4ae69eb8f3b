// Package bus decouples task creation from execution. Every event is first
// appended to a durable log, then fanned out to in-process subscribers, each
// of which drains its own FIFO mailbox.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/imkarma/autofix/internal/store"
)

// Topics.
const (
	TopicTaskAssigned  = "task.assigned"
	TopicTaskStarted   = "task:started"
	TopicTaskCompleted = "task:completed"
	TopicTaskFailed    = "task:failed"

	// StreamSystemEvents names the durable log every event is appended to.
	StreamSystemEvents = "system-events"
)

// DefaultHistoryLimit applies when History is called with limit <= 0.
const DefaultHistoryLimit = 100

var (
	// ErrBusClosed is returned by Publish after Close.
	ErrBusClosed = errors.New("event bus closed")

	// ErrUnavailable marks a transport that cannot accept events.
	ErrUnavailable = errors.New("event transport unavailable")
)

// Handler processes one event. A non-nil error or a panic causes redelivery,
// so handlers must tolerate seeing the same event more than once.
type Handler func(ctx context.Context, e store.Event) error

// Bus is the contract the orchestrator and executors depend on.
type Bus interface {
	Publish(ctx context.Context, eventType, source string, data any) (store.Event, error)
	Subscribe(topic string, h Handler) string
	SubscribeAll(h Handler) string
	Unsubscribe(id string) bool
	History(ctx context.Context, eventType string, limit int) ([]store.Event, error)
	AssignTask(ctx context.Context, task store.TaskRequest) error
	Close(ctx context.Context) error
}

// Options configures an EventBus.
type Options struct {
	MaxAttempts  int           // delivery attempts per event and subscriber (default 3)
	RetryBackoff time.Duration // base delay between attempts (default 50ms)
	Source       string        // source stamped by AssignTask (default "orchestrator")
	Logger       *slog.Logger
}

// EventBus is the in-process Bus backed by a durable Log.
type EventBus struct {
	log  Log
	opts Options

	pubMu  sync.Mutex // serializes append+enqueue so log order equals delivery order
	mu     sync.RWMutex
	subs   map[string]*subscription
	closed bool

	pending atomic.Int64 // queued or running deliveries across all subscriptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus that appends to log before delivering.
func New(log Log, opts Options) *EventBus {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Source == "" {
		opts.Source = "orchestrator"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventBus{
		log:    log,
		opts:   opts,
		subs:   make(map[string]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Publish stamps an id and timestamp, appends the event to the log, and
// enqueues it for every matching subscriber. If the append fails nothing is
// delivered and the error is returned.
func (b *EventBus) Publish(ctx context.Context, eventType, source string, data any) (store.Event, error) {
	raw, err := encode(data)
	if err != nil {
		return store.Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return store.Event{}, ErrBusClosed
	}

	e := store.Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}

	if err := b.log.Append(ctx, e); err != nil {
		eventsPublished.WithLabelValues(eventType, "error").Inc()
		return store.Event{}, fmt.Errorf("publish %s: %w", eventType, err)
	}
	eventsPublished.WithLabelValues(eventType, "ok").Inc()

	b.mu.RLock()
	for _, s := range b.subs {
		if s.matches(eventType) {
			b.pending.Add(1)
			if !s.enqueue(e) {
				b.pending.Add(-1)
			}
		}
	}
	b.mu.RUnlock()

	return e, nil
}

// Subscribe registers h for one topic and returns the subscription id.
func (b *EventBus) Subscribe(topic string, h Handler) string {
	return b.subscribe(topic, h)
}

// SubscribeAll registers h for every topic.
func (b *EventBus) SubscribeAll(h Handler) string {
	return b.subscribe("", h)
}

func (b *EventBus) subscribe(topic string, h Handler) string {
	s := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		handler: h,
		notify:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[s.id] = s
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(s)
	return s.id
}

// Unsubscribe stops a subscription. Events still queued for it are dropped.
// Returns false if the id is unknown.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	dropped := s.stop()
	b.pending.Add(-int64(dropped))
	return true
}

// History returns the newest limit events of eventType (all types when
// empty) in publish order.
func (b *EventBus) History(ctx context.Context, eventType string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return b.log.Read(ctx, eventType, limit)
}

// AssignTask publishes a task.assigned event. It is the only way work
// reaches executors.
func (b *EventBus) AssignTask(ctx context.Context, task store.TaskRequest) error {
	_, err := b.Publish(ctx, TopicTaskAssigned, b.opts.Source, task)
	return err
}

// Flush blocks until every queued delivery has been handled or ctx ends.
func (b *EventBus) Flush(ctx context.Context) error {
	t := time.NewTicker(5 * time.Millisecond)
	defer t.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Close refuses further publishes, lets subscribers drain what is already
// queued until ctx ends, then stops them and closes the log.
func (b *EventBus) Close(ctx context.Context) error {
	b.pubMu.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.pubMu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.pubMu.Unlock()

	flushErr := b.Flush(ctx)

	b.cancel()
	b.mu.Lock()
	for id, s := range b.subs {
		s.stop()
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()

	if err := b.log.Close(); err != nil {
		return fmt.Errorf("close event log: %w", err)
	}
	return flushErr
}

// drain delivers one subscription's mailbox in FIFO order.
func (b *EventBus) drain(s *subscription) {
	defer b.wg.Done()
	for {
		e, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.quit:
				return
			}
		}
		b.deliver(s, e)
		b.pending.Add(-1)
	}
}

func (b *EventBus) deliver(s *subscription, e store.Event) {
	logger := b.opts.Logger.With("event_id", e.ID, "event_type", e.Type, "subscription", s.id)

	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		err := safeInvoke(b.ctx, s.handler, e)
		if err == nil {
			eventsDelivered.WithLabelValues(e.Type, "ok").Inc()
			return
		}
		if attempt == b.opts.MaxAttempts {
			eventsDelivered.WithLabelValues(e.Type, "dropped").Inc()
			logger.Error("event handler failed, giving up", "attempts", attempt, "error", err)
			return
		}
		eventsDelivered.WithLabelValues(e.Type, "retry").Inc()
		logger.Warn("event handler failed, retrying", "attempt", attempt, "error", err)

		select {
		case <-time.After(b.opts.RetryBackoff * time.Duration(attempt)):
		case <-s.quit:
			return
		}
	}
}

// safeInvoke turns a handler panic into an error so one bad subscriber
// cannot take down the bus.
func safeInvoke(ctx context.Context, h Handler, e store.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, e)
}

type subscription struct {
	id      string
	topic   string // "" = all topics
	handler Handler

	mu      sync.Mutex
	queue   []store.Event
	stopped bool
	notify  chan struct{}
	quit    chan struct{}
}

func (s *subscription) matches(eventType string) bool {
	return s.topic == "" || s.topic == eventType
}

func (s *subscription) enqueue(e store.Event) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *subscription) next() (store.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || len(s.queue) == 0 {
		return store.Event{}, false
	}
	e := s.queue[0]
	s.queue[0] = store.Event{}
	s.queue = s.queue[1:]
	return e, true
}

// stop halts the subscription and returns how many queued events it dropped.
func (s *subscription) stop() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.stopped = true
	n := len(s.queue)
	s.queue = nil
	close(s.quit)
	return n
}

func encode(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(v)
	}
}

// DecodeTask reads the TaskRequest carried by a task.assigned event.
func DecodeTask(e store.Event) (store.TaskRequest, error) {
	var t store.TaskRequest
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return t, fmt.Errorf("decode task from %s: %w", e.ID, err)
	}
	return t, nil
}

// DecodeResult reads the TaskResult carried by a task:completed or
// task:failed event.
func DecodeResult(e store.Event) (store.TaskResult, error) {
	var r store.TaskResult
	if err := json.Unmarshal(e.Data, &r); err != nil {
		return r, fmt.Errorf("decode result from %s: %w", e.ID, err)
	}
	return r, nil
}
