package events

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/events/bus"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// subscriberQueueSize bounds each subscriber's live queue. Overflow
// drops the subscriber, never the producer.
const subscriberQueueSize = 256

// errSubscriberClosed is returned by Sync once the stream has ended.
var errSubscriberClosed = errors.New("event subscriber is closed")

// Router is the per-session fan-out hub between the event producers
// (agent supervisors, worktree manager) and the WebSocket subscribers.
// Delivery is best-effort: each subscriber owns a bounded FIFO queue,
// and the slowest subscriber is disconnected with a slow_consumer
// reason when its queue fills.
type Router struct {
	store  storage.Store
	bus    bus.EventBus
	logger *logger.Logger

	mu       sync.RWMutex
	sessions map[string]map[*Subscriber]struct{}
}

// NewRouter creates the event router. The store serves message
// backfills; the bus carries drop notifications for observability.
func NewRouter(store storage.Store, eventBus bus.EventBus, log *logger.Logger) *Router {
	return &Router{
		store:    store,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "event_router")),
		sessions: make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe attaches a new subscriber to a session's event stream.
func (r *Router) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		sessionID: sessionID,
		router:    r,
		queue:     make(chan protocol.Event, subscriberQueueSize),
		syncs:     make(chan syncRequest, 4),
		out:       make(chan protocol.Event),
		closed:    make(chan struct{}),
	}
	r.mu.Lock()
	set, ok := r.sessions[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.sessions[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()

	go sub.pump()
	r.logger.Debug("subscriber attached",
		zap.String("session_id", sessionID),
		zap.String("subscriber_id", sub.ID))
	return sub
}

// PublishEvent fans an event out to every subscriber of the session.
// Producers never block: a subscriber whose queue is full is dropped
// on the spot.
func (r *Router) PublishEvent(sessionID string, event protocol.Event) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.sessions[sessionID]))
	for sub := range r.sessions[sessionID] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		case <-sub.closed:
		default:
			r.dropSlowConsumer(sub, event)
		}
	}
}

// SubscriberCount reports the live subscribers attached to a session.
func (r *Router) SubscriberCount(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[sessionID])
}

// Close drops every subscriber, ending their streams without a reason.
// Used on server shutdown.
func (r *Router) Close() {
	r.mu.Lock()
	var subs []*Subscriber
	for _, set := range r.sessions {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.sessions = make(map[string]map[*Subscriber]struct{})
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close("")
	}
}

func (r *Router) dropSlowConsumer(sub *Subscriber, event protocol.Event) {
	sub.close(protocol.CodeSlowConsumer)
	r.detach(sub)
	r.logger.Warn("dropping slow consumer",
		zap.String("session_id", sub.sessionID),
		zap.String("subscriber_id", sub.ID),
		zap.String("event_type", event.EventType()))
	if r.bus == nil {
		return
	}
	data := map[string]any{"sessionId": sub.sessionID, "subscriberId": sub.ID}
	if err := r.bus.Publish(context.Background(), SlowConsumerDropped, bus.NewEvent(SlowConsumerDropped, "router", data)); err != nil {
		r.logger.Debug("bus publish failed", zap.Error(err))
	}
}

func (r *Router) detach(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.sessions[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.sessions, sub.sessionID)
		}
	}
}

type syncRequest struct {
	ctx        context.Context
	worktreeID string
	lastSeenID string
}

// Subscriber is one attached consumer, usually a WebSocket connection.
// Events() yields the ordered stream; the channel closes when the
// subscriber is dropped or Close is called, with CloseReason saying
// why.
type Subscriber struct {
	ID        string
	sessionID string

	router *Router
	queue  chan protocol.Event
	syncs  chan syncRequest
	out    chan protocol.Event

	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	reason string
}

// Events is the subscriber's delivery stream.
func (s *Subscriber) Events() <-chan protocol.Event { return s.out }

// Closed fires once the subscriber is finished.
func (s *Subscriber) Closed() <-chan struct{} { return s.closed }

// CloseReason reports why the stream ended. Empty means a normal
// client-side close.
func (s *Subscriber) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Close detaches the subscriber from the router. Idempotent.
func (s *Subscriber) Close() {
	s.close("")
	s.router.detach(s)
}

// Sync schedules a message backfill for the worktree: every persisted
// message after lastSeenID is delivered, in order, before any live
// event that has not yet reached the subscriber.
func (s *Subscriber) Sync(ctx context.Context, worktreeID, lastSeenID string) error {
	select {
	case s.syncs <- syncRequest{ctx: ctx, worktreeID: worktreeID, lastSeenID: lastSeenID}:
		return nil
	case <-s.closed:
		return errSubscriberClosed
	}
}

func (s *Subscriber) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.closed)
	})
}

// pump is the subscriber's single delivery goroutine. Sync requests
// gate the live stream: queued events wait until the backfill has been
// written out.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		select {
		case req := <-s.syncs:
			if !s.backfill(req) {
				return
			}
			continue
		default:
		}

		select {
		case req := <-s.syncs:
			if !s.backfill(req) {
				return
			}
		case ev := <-s.queue:
			select {
			case s.out <- ev:
			case <-s.closed:
				return
			}
		case <-s.closed:
			return
		}
	}
}

// backfill replays persisted messages through the stream. Returns
// false when the subscriber closed mid-replay.
func (s *Subscriber) backfill(req syncRequest) bool {
	msgs, err := s.router.store.ListMessages(req.ctx, s.sessionID, req.worktreeID, req.lastSeenID)
	if err != nil {
		s.router.logger.Warn("message backfill failed",
			zap.String("session_id", s.sessionID),
			zap.String("worktree_id", req.worktreeID),
			zap.Error(err))
		return s.deliver(protocol.NewErrorFrame(req.worktreeID, "", "failed to load message history"))
	}
	for _, msg := range msgs {
		if !s.deliver(protocol.NewChatMessageEvent(*msg.ToAPI())) {
			return false
		}
	}
	return true
}

func (s *Subscriber) deliver(ev protocol.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.closed:
		return false
	}
}
