package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"pubsched/internal/eventbus"
	"pubsched/pkg/logx"
)

type captureSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (s *captureSink) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) get() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatcherForwardsTerminalOutcomes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &captureSink{}
	d := NewDispatcher(Config{Enabled: true, RatePerSec: 100}, sink, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	bus.Publish(eventbus.Event{Kind: eventbus.PublishDeadLetter, Data: map[string]any{
		"id": "abc", "project": "p1", "cause": "boom",
	}})
	bus.Publish(eventbus.Event{Kind: eventbus.PublishPartial, Data: map[string]any{
		"id": "def", "project": "p1",
	}})
	// Non-terminal events are ignored.
	bus.Publish(eventbus.Event{Kind: eventbus.ScheduleEnqueued, Data: map[string]any{"id": "x"}})

	waitFor(t, func() bool { return len(sink.get()) == 2 })
	msgs := sink.get()
	if msgs[0].Kind != PermanentFailure || msgs[1].Kind != PartialSuccess {
		t.Fatalf("kinds = %v, %v", msgs[0].Kind, msgs[1].Kind)
	}
	if want := "boom"; !strings.Contains(msgs[0].Text, want) {
		t.Fatalf("text %q does not carry the cause", msgs[0].Text)
	}
}

func TestDispatcherDedupWindow(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &captureSink{}
	d := NewDispatcher(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, sink, bus, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop(context.Background())

	for i := 0; i < 3; i++ {
		bus.Publish(eventbus.Event{Kind: eventbus.PublishDeadLetter, Data: map[string]any{
			"id": "same", "project": "p1",
		}})
	}
	bus.Publish(eventbus.Event{Kind: eventbus.PublishDeadLetter, Data: map[string]any{
		"id": "other", "project": "p1",
	}})

	waitFor(t, func() bool { return len(sink.get()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(sink.get()); n != 2 {
		t.Fatalf("delivered %d alerts, want 2 (dedup)", n)
	}
}
