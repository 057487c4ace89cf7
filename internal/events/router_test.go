package events

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/storage/memory"
	"github.com/vibe80/vibe80/pkg/protocol"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

type routerEnv struct {
	router *Router
	store  *memory.Store

	mu      sync.Mutex
	dropped []string
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	env := &routerEnv{store: memory.New()}
	log := newTestLogger(t)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)
	_, err := memBus.Subscribe(SlowConsumerDropped, func(ctx context.Context, e *bus.Event) error {
		env.mu.Lock()
		env.dropped = append(env.dropped, e.Data["sessionId"].(string))
		env.mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	env.router = NewRouter(env.store, memBus, log)
	t.Cleanup(env.router.Close)
	return env
}

func (env *routerEnv) seedMessage(t *testing.T, id, worktreeID, text string) {
	t.Helper()
	err := env.store.AppendMessage(context.Background(), &storage.Message{
		ID:         id,
		SessionID:  "s1",
		WorktreeID: worktreeID,
		Role:       protocol.RoleUser,
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
	})
	require.NoError(t, err)
}

func (env *routerEnv) droppedSessions() []string {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]string(nil), env.dropped...)
}

func recvEvent(t *testing.T, sub *Subscriber) protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func delta(i int) protocol.Event {
	return protocol.NewAssistantDelta("w1", "t1", "i1", fmt.Sprintf("d%03d", i))
}

func TestFanOutDeliversInOrder(t *testing.T) {
	env := newRouterEnv(t)
	a := env.router.Subscribe("s1")
	b := env.router.Subscribe("s1")
	assert.Equal(t, 2, env.router.SubscriberCount("s1"))

	for i := 0; i < 5; i++ {
		env.router.PublishEvent("s1", delta(i))
	}
	for _, sub := range []*Subscriber{a, b} {
		for i := 0; i < 5; i++ {
			ev := recvEvent(t, sub).(*protocol.AssistantDelta)
			assert.Equal(t, fmt.Sprintf("d%03d", i), ev.Delta)
		}
	}

	a.Close()
	b.Close()
	assert.Equal(t, 0, env.router.SubscriberCount("s1"))
}

func TestPublishIsScopedToSession(t *testing.T) {
	env := newRouterEnv(t)
	mine := env.router.Subscribe("s1")
	other := env.router.Subscribe("s2")
	defer mine.Close()
	defer other.Close()

	env.router.PublishEvent("s1", delta(1))

	recvEvent(t, mine)
	select {
	case ev := <-other.Events():
		t.Fatalf("subscriber of another session received %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	env := newRouterEnv(t)
	fast := env.router.Subscribe("s1")
	slow := env.router.Subscribe("s1")
	defer fast.Close()

	// Nobody drains slow, so its queue fills and it gets dropped while
	// the fast subscriber keeps consuming the full stream.
	total := subscriberQueueSize + 2
	for i := 0; i < total; i++ {
		env.router.PublishEvent("s1", delta(i))
		ev := recvEvent(t, fast).(*protocol.AssistantDelta)
		assert.Equal(t, fmt.Sprintf("d%03d", i), ev.Delta)
	}

	select {
	case <-slow.Closed():
	default:
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, protocol.CodeSlowConsumer, slow.CloseReason())
	assert.Equal(t, 1, env.router.SubscriberCount("s1"))

	require.Eventually(t, func() bool {
		return len(env.droppedSessions()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"s1"}, env.droppedSessions())
}

func TestBackfillGatesLiveStream(t *testing.T) {
	env := newRouterEnv(t)
	env.seedMessage(t, "m1", "w1", "one")
	env.seedMessage(t, "m2", "w1", "two")
	env.seedMessage(t, "m3", "w1", "three")

	sub := env.router.Subscribe("s1")
	defer sub.Close()
	require.NoError(t, sub.Sync(context.Background(), "w1", "m1"))

	first := recvEvent(t, sub).(*protocol.ChatMessageEvent)
	assert.Equal(t, "m2", first.Message.ID)

	// Published mid-backfill: must not jump the queue.
	env.router.PublishEvent("s1", delta(0))

	second := recvEvent(t, sub).(*protocol.ChatMessageEvent)
	assert.Equal(t, "m3", second.Message.ID)

	live := recvEvent(t, sub).(*protocol.AssistantDelta)
	assert.Equal(t, "d000", live.Delta)
}

func TestBackfillWithoutCursorReplaysAll(t *testing.T) {
	env := newRouterEnv(t)
	env.seedMessage(t, "m1", "w1", "one")
	env.seedMessage(t, "m2", "w1", "two")

	sub := env.router.Subscribe("s1")
	defer sub.Close()
	require.NoError(t, sub.Sync(context.Background(), "w1", ""))

	assert.Equal(t, "m1", recvEvent(t, sub).(*protocol.ChatMessageEvent).Message.ID)
	assert.Equal(t, "m2", recvEvent(t, sub).(*protocol.ChatMessageEvent).Message.ID)
}

func TestBackfillIsScopedToWorktree(t *testing.T) {
	env := newRouterEnv(t)
	env.seedMessage(t, "m1", "w1", "one")
	env.seedMessage(t, "m2", "w2", "other lane")

	sub := env.router.Subscribe("s1")
	defer sub.Close()
	require.NoError(t, sub.Sync(context.Background(), "w2", ""))

	assert.Equal(t, "m2", recvEvent(t, sub).(*protocol.ChatMessageEvent).Message.ID)
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected extra event %T", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSyncAfterCloseFails(t *testing.T) {
	env := newRouterEnv(t)
	sub := env.router.Subscribe("s1")
	sub.Close()

	err := sub.Sync(context.Background(), "w1", "")
	assert.ErrorIs(t, err, errSubscriberClosed)
}

func TestRouterCloseEndsAllStreams(t *testing.T) {
	env := newRouterEnv(t)
	a := env.router.Subscribe("s1")
	b := env.router.Subscribe("s2")

	env.router.Close()

	for _, sub := range []*Subscriber{a, b} {
		select {
		case _, ok := <-sub.Events():
			assert.False(t, ok)
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not close")
		}
		assert.Empty(t, sub.CloseReason())
	}
	assert.Equal(t, 0, env.router.SubscriberCount("s1"))
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	env := newRouterEnv(t)
	env.router.PublishEvent("nobody-home", delta(0))
}
