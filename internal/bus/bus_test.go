package bus

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imkarma/autofix/internal/store"
)

func newTestBus(t *testing.T) (*EventBus, *MemoryLog) {
	t.Helper()
	log := NewMemoryLog()
	b := New(log, Options{RetryBackoff: time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		b.Close(ctx)
	})
	return b, log
}

func flush(t *testing.T, b *EventBus) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func publish(t *testing.T, b *EventBus, eventType string, data any) store.Event {
	t.Helper()
	e, err := b.Publish(context.Background(), eventType, "test", data)
	if err != nil {
		t.Fatalf("Publish(%s): %v", eventType, err)
	}
	return e
}

// jsonEqual compares JSON documents by value.
func jsonEqual(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("bad expected JSON %q: %v", want, err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("bad JSON %q: %v", got, err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

type recorder struct {
	mu     sync.Mutex
	events []store.Event
}

func (r *recorder) handle(_ context.Context, e store.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestPublish_StampsIDAndTimestamp(t *testing.T) {
	b, _ := newTestBus(t)

	e1 := publish(t, b, "x", map[string]int{"n": 1})
	e2 := publish(t, b, "x", nil)

	if e1.ID == "" || e1.ID == e2.ID {
		t.Fatalf("expected distinct non-empty ids, got %q and %q", e1.ID, e2.ID)
	}
	if e1.Timestamp.IsZero() {
		t.Fatal("expected timestamp to be set")
	}
	jsonEqual(t, `{"n":1}`, e1.Data)
}

func TestSubscribe_TopicFilteringAndWildcard(t *testing.T) {
	b, _ := newTestBus(t)
	var assigned, all recorder

	b.Subscribe(TopicTaskAssigned, assigned.handle)
	b.SubscribeAll(all.handle)

	publish(t, b, TopicTaskAssigned, nil)
	publish(t, b, TopicTaskCompleted, nil)
	publish(t, b, TopicTaskAssigned, nil)
	flush(t, b)

	if got, want := assigned.types(), []string{TopicTaskAssigned, TopicTaskAssigned}; !slices.Equal(got, want) {
		t.Errorf("topic subscriber: expected %v, got %v", want, got)
	}
	if got, want := all.types(), []string{TopicTaskAssigned, TopicTaskCompleted, TopicTaskAssigned}; !slices.Equal(got, want) {
		t.Errorf("wildcard subscriber: expected %v, got %v", want, got)
	}
}

func TestSubscribe_OrderWithinTopic(t *testing.T) {
	b, _ := newTestBus(t)

	var mu sync.Mutex
	var got []int
	b.Subscribe("seq", func(_ context.Context, e store.Event) error {
		var n int
		if err := json.Unmarshal(e.Data, &n); err != nil {
			return err
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})

	for i := 0; i < 200; i++ {
		publish(t, b, "seq", i)
	}
	flush(t, b)

	if len(got) != 200 {
		t.Fatalf("expected 200 deliveries, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("delivery %d carried %d", i, n)
		}
	}
}

func TestPublish_DoesNotBlockOnSlowHandler(t *testing.T) {
	b, _ := newTestBus(t)
	release := make(chan struct{})
	var handled atomic.Int32

	b.Subscribe("slow", func(context.Context, store.Event) error {
		<-release
		handled.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(context.Background(), "slow", "test", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a slow handler")
	}

	close(release)
	flush(t, b)
	if got := handled.Load(); got != 10 {
		t.Fatalf("expected 10 handled, got %d", got)
	}
}

func TestDelivery_RetriesFailedHandler(t *testing.T) {
	b, _ := newTestBus(t)
	var calls atomic.Int32

	b.Subscribe("flaky", func(context.Context, store.Event) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	publish(t, b, "flaky", nil)
	flush(t, b)
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestDelivery_RecoversPanics(t *testing.T) {
	b, _ := newTestBus(t)
	var calls atomic.Int32
	var after recorder

	b.Subscribe("boom", func(context.Context, store.Event) error {
		calls.Add(1)
		panic("handler exploded")
	})
	b.Subscribe("boom", after.handle)

	publish(t, b, "boom", nil)
	publish(t, b, "boom", nil)
	flush(t, b)

	// Two events, three attempts each.
	if got := calls.Load(); got != 6 {
		t.Errorf("expected 6 attempts, got %d", got)
	}
	if got := len(after.types()); got != 2 {
		t.Errorf("a panicking subscriber starved others: %d deliveries", got)
	}
}

func TestPublish_UnavailableTransportIsSurfaced(t *testing.T) {
	b, log := newTestBus(t)
	var rec recorder
	b.SubscribeAll(rec.handle)

	log.SetUnavailable(errors.New("disk on fire"))
	if _, err := b.Publish(context.Background(), TopicTaskAssigned, "test", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	flush(t, b)
	if got := rec.types(); len(got) != 0 {
		t.Fatalf("nothing should be delivered when the append fails, got %v", got)
	}

	log.SetUnavailable(nil)
	publish(t, b, TopicTaskAssigned, nil)
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBus(t)
	var rec recorder

	id := b.Subscribe("t", rec.handle)
	publish(t, b, "t", nil)
	flush(t, b)

	if !b.Unsubscribe(id) {
		t.Fatal("expected first unsubscribe to succeed")
	}
	if b.Unsubscribe(id) || b.Unsubscribe("unknown") {
		t.Fatal("expected unknown subscriptions to report false")
	}

	publish(t, b, "t", nil)
	flush(t, b)
	if got := len(rec.types()); got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestHistory_FiltersAndLimits(t *testing.T) {
	b, _ := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		publish(t, b, TopicTaskAssigned, i)
		publish(t, b, TopicTaskCompleted, i)
	}

	all, err := b.History(ctx, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 10 {
		t.Fatalf("expected 10 events, got %d", len(all))
	}

	assigned, err := b.History(ctx, TopicTaskAssigned, 2)
	if err != nil {
		t.Fatalf("History(type): %v", err)
	}
	if len(assigned) != 2 {
		t.Fatalf("expected 2 events, got %d", len(assigned))
	}
	jsonEqual(t, "3", assigned[0].Data)
	jsonEqual(t, "4", assigned[1].Data)
}

func TestAssignTask_PublishesDecodableTask(t *testing.T) {
	b, _ := newTestBus(t)
	got := make(chan store.TaskRequest, 1)

	b.Subscribe(TopicTaskAssigned, func(_ context.Context, e store.Event) error {
		task, err := DecodeTask(e)
		if err != nil {
			return err
		}
		got <- task
		return nil
	})

	want := store.TaskRequest{ID: "task_1", Kind: store.KindFix, Priority: store.PriorityHigh, Target: "a.ts"}
	if err := b.AssignTask(context.Background(), want); err != nil {
		t.Fatalf("AssignTask: %v", err)
	}

	select {
	case task := <-got:
		if task.ID != want.ID || task.Priority != want.Priority {
			t.Fatalf("expected %s/%s, got %s/%s", want.ID, want.Priority, task.ID, task.Priority)
		}
	case <-time.After(time.Second):
		t.Fatal("task.assigned not delivered")
	}
}

func TestClose_RefusesPublishAndDrains(t *testing.T) {
	b := New(NewMemoryLog(), Options{})
	var rec recorder
	b.Subscribe("t", rec.handle)

	for i := 0; i < 3; i++ {
		publish(t, b, "t", i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(rec.types()); got != 3 {
		t.Fatalf("expected queued events drained, got %d", got)
	}

	if _, err := b.Publish(context.Background(), "t", "test", nil); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestJSONLLog_AppendReadAndSkipMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	log, err := OpenJSONLLog(path)
	if err != nil {
		t.Fatalf("OpenJSONLLog: %v", err)
	}
	defer log.Close()

	b := New(log, Options{})
	ctx := context.Background()
	publish(t, b, TopicTaskAssigned, 1)

	// A torn write from a crash.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	f.WriteString("{not json\n")
	f.Close()

	publish(t, b, TopicTaskFailed, 2)

	events, err := b.History(ctx, "", 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 || events[0].Type != TopicTaskAssigned || events[1].Type != TopicTaskFailed {
		t.Fatalf("expected assigned then failed, got %d events", len(events))
	}

	failed, err := log.Read(ctx, TopicTaskFailed, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(failed))
	}
}

func TestJSONLLog_ClosedIsUnavailable(t *testing.T) {
	log, err := OpenJSONLLog(filepath.Join(t.TempDir(), "events.jsonl"))
	if err != nil {
		t.Fatalf("OpenJSONLLog: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := log.Append(context.Background(), store.Event{ID: "x", Type: "t"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestStoreLog_UsesEventsTable(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "autofix.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer s.Close()

	b := New(NewStoreLog(s), Options{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := b.Publish(ctx, TopicTaskCompleted, "executor", i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	events, err := b.History(ctx, TopicTaskCompleted, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	jsonEqual(t, "1", events[0].Data)
	jsonEqual(t, "2", events[1].Data)
}
