package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vibe80/vibe80/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("audit.workspace_login_success", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("workspace_login_success", "identity", map[string]any{"workspaceId": "w1"})
	if err := b.Publish(context.Background(), "audit.workspace_login_success", event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != event.ID {
			t.Errorf("expected event %s, got %s", event.ID, got.ID)
		}
		if got.Data["workspaceId"] != "w1" {
			t.Errorf("unexpected data: %v", got.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryEventBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var tailMatches, tokenMatches atomic.Int32
	if _, err := b.Subscribe("audit.>", func(ctx context.Context, event *Event) error {
		tailMatches.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := b.Subscribe("agent.*", func(ctx context.Context, event *Event) error {
		tokenMatches.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	for _, subject := range []string{
		"audit.workspace_login_success",
		"audit.refresh_token_reused",
		"agent.turn_started",
		"session.created", // matches neither
	} {
		if err := b.Publish(ctx, subject, NewEvent(subject, "test", nil)); err != nil {
			t.Fatalf("Publish(%s) failed: %v", subject, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tailMatches.Load() == 2 && tokenMatches.Load() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected 2 audit and 1 agent deliveries, got %d and %d",
		tailMatches.Load(), tokenMatches.Load())
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count atomic.Int32
	sub, err := b.Subscribe("session.created", func(ctx context.Context, event *Event) error {
		count.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	_ = b.Publish(ctx, "session.created", NewEvent("session.created", "test", nil))

	deadline := time.Now().Add(time.Second)
	for count.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if count.Load() != 1 {
		t.Fatalf("expected 1 delivery before unsubscribe, got %d", count.Load())
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("subscription still valid after unsubscribe")
	}

	_ = b.Publish(ctx, "session.created", NewEvent("session.created", "test", nil))
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 1 {
		t.Errorf("delivery after unsubscribe: count=%d", count.Load())
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))

	sub, err := b.Subscribe("session.created", func(ctx context.Context, event *Event) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Close()

	if b.IsConnected() {
		t.Error("bus reports connected after close")
	}
	if sub.IsValid() {
		t.Error("subscription still valid after close")
	}
	if err := b.Publish(context.Background(), "session.created", NewEvent("session.created", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}
