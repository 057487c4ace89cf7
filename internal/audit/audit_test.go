package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/storage/memory"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestRecorderPersistsEvents(t *testing.T) {
	store := memory.New()
	recorder := NewRecorder(store, nil, newTestLogger(t))
	ctx := context.Background()

	recorder.Record(ctx, "w1", EventWorkspaceLoginSuccess, nil)
	recorder.Record(ctx, "w1", EventRefreshTokenReused, map[string]any{"tokenKind": "previous"})
	recorder.Record(ctx, "w2", EventSessionCreated, nil)

	got, err := recorder.List(ctx, "w1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, EventWorkspaceLoginSuccess, got[0].Event)
	assert.Equal(t, EventRefreshTokenReused, got[1].Event)
	assert.Equal(t, "previous", got[1].Details["tokenKind"])
	assert.NotEmpty(t, got[0].ID)
	assert.NotZero(t, got[0].TS)
}

func TestRecorderPublishesOnBus(t *testing.T) {
	store := memory.New()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	received := make(chan *bus.Event, 1)
	_, err := eventBus.Subscribe(events.AuditAll, func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	recorder := NewRecorder(store, eventBus, log)
	recorder.Record(context.Background(), "w1", EventWorkspaceLoginFailed, map[string]any{"reason": "bad secret"})

	select {
	case event := <-received:
		assert.Equal(t, EventWorkspaceLoginFailed, event.Type)
		assert.Equal(t, "w1", event.Data["workspaceId"])
		assert.Equal(t, "bad secret", event.Data["reason"])
	case <-time.After(time.Second):
		t.Fatal("audit event not republished")
	}
}

func TestMetricsCountFromBus(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	metrics := NewMetrics()
	require.NoError(t, metrics.Observe(eventBus))

	recorder := NewRecorder(memory.New(), eventBus, log)
	ctx := context.Background()
	recorder.Record(ctx, "w1", EventWorkspaceLoginSuccess, nil)
	recorder.Record(ctx, "w1", EventSessionCreated, nil)
	recorder.Record(ctx, "w1", EventRefreshTokenReused, nil)

	_ = eventBus.Publish(ctx, events.TurnStarted, bus.NewEvent(events.TurnStarted, "agent", nil))
	_ = eventBus.Publish(ctx, events.BusyRejected, bus.NewEvent(events.BusyRejected, "agent", nil))
	_ = eventBus.Publish(ctx, events.SlowConsumerDropped, bus.NewEvent(events.SlowConsumerDropped, "router", nil))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		snap := metrics.Snapshot()
		if snap.Logins == 1 && snap.SessionsCreated == 1 && snap.RefreshReuses == 1 &&
			snap.TurnsStarted == 1 && snap.BusyRejections == 1 && snap.SlowConsumerDrops == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counters never converged: %+v", metrics.Snapshot())
}
