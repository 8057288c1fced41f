package bus

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/adsrv/adsrv/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	ctx := context.Background()
	var received *Event

	sub, err := bus.Subscribe("task.lifecycle", func(ctx context.Context, event *Event) error {
		received = event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("task:started", "queue", map[string]interface{}{"task_id": "t1"})
	if err := bus.Publish(ctx, "task.lifecycle", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if received == nil {
		t.Fatal("expected synchronous delivery")
	}
	if received.String("task_id") != "t1" {
		t.Errorf("expected task_id t1, got %q", received.String("task_id"))
	}
}

func TestMemoryEventBus_OrderedDelivery(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var got []string
	_, err := bus.Subscribe("task.*", func(ctx context.Context, event *Event) error {
		got = append(got, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	types := []string{"task:started", "task:planned", "task:running", "task:completed"}
	for _, typ := range types {
		if err := bus.Publish(context.Background(), "task.lifecycle", NewEvent(typ, "queue", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if len(got) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(got))
	}
	for i, typ := range types {
		if got[i] != typ {
			t.Errorf("event %d: expected %s, got %s", i, typ, got[i])
		}
	}
}

func TestMemoryEventBus_WildcardMatching(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"task.*", "task.lifecycle", true},
		{"task.*", "task.lifecycle.extra", false},
		{"task.>", "task.started", true},
		{"task.>", "task.step.completed", true},
		{"task.>", "task.lifecycle.extra", true},
		{"task.>", "other.started", false},
		{"task.lifecycle", "task.lifecycle", true},
		{"task.lifecycle", "task.other", false},
	}

	for _, tt := range tests {
		var count atomic.Int32
		sub, err := bus.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
			count.Add(1)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe(%s) failed: %v", tt.pattern, err)
		}

		if err := bus.Publish(context.Background(), tt.subject, NewEvent("x", "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		delivered := count.Load() == 1
		if delivered != tt.match {
			t.Errorf("pattern %q subject %q: delivered=%v, want %v", tt.pattern, tt.subject, delivered, tt.match)
		}
		_ = sub.Unsubscribe()
	}
}

func TestMemoryEventBus_TailWildcardReceivesAllTaskSubjects(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var got []string
	_, err := bus.Subscribe("task.>", func(ctx context.Context, event *Event) error {
		got = append(got, event.Type)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	subjects := []string{"task.started", "task.step.completed", "task.completed"}
	for _, s := range subjects {
		if err := bus.Publish(context.Background(), s, NewEvent(s, "queue", nil)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", s, err)
		}
	}

	if len(got) != len(subjects) {
		t.Fatalf("expected %d events, got %d (%v)", len(subjects), len(got), got)
	}
	for i, s := range subjects {
		if got[i] != s {
			t.Errorf("event %d: expected %s, got %s", i, s, got[i])
		}
	}
}

func TestMemoryEventBus_QueueSubscribeRoundRobin(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var a, b atomic.Int32
	if _, err := bus.QueueSubscribe("work", "workers", func(ctx context.Context, e *Event) error {
		a.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.QueueSubscribe("work", "workers", func(ctx context.Context, e *Event) error {
		b.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 4; i++ {
		if err := bus.Publish(context.Background(), "work", NewEvent("job", "test", nil)); err != nil {
			t.Fatal(err)
		}
	}

	if a.Load()+b.Load() != 4 {
		t.Fatalf("expected 4 total deliveries, got %d", a.Load()+b.Load())
	}
	if a.Load() != 2 || b.Load() != 2 {
		t.Errorf("expected round-robin 2/2, got %d/%d", a.Load(), b.Load())
	}
}

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	defer bus.Close()

	var count atomic.Int32
	sub, err := bus.Subscribe("s", func(ctx context.Context, e *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := bus.Publish(context.Background(), "s", NewEvent("x", "test", nil)); err != nil {
		t.Fatal(err)
	}
	if count.Load() != 0 {
		t.Errorf("expected no deliveries after unsubscribe, got %d", count.Load())
	}
}

func TestMemoryEventBus_Close(t *testing.T) {
	bus := NewMemoryEventBus(newTestLogger(t))
	bus.Close()

	if bus.IsConnected() {
		t.Error("expected bus to be disconnected after close")
	}
	if err := bus.Publish(context.Background(), "s", NewEvent("x", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
