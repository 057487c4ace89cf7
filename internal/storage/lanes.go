package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// lanedStore serialises message appends per session so that concurrent
// writers cannot interleave within a lane. Timestamps within a worktree
// are forced strictly monotonic: an append landing in the same
// millisecond as the previous one is bumped forward.
type lanedStore struct {
	Store

	mu     sync.Mutex
	lanes  map[string]*sync.Mutex
	lastTS map[string]int64
	seeded map[string]bool
}

// WithMessageLanes wraps a backend with the per-session single-writer
// message lane. Every Store handed to the rest of the server must go
// through this wrapper.
func WithMessageLanes(inner Store) Store {
	return &lanedStore{
		Store:  inner,
		lanes:  make(map[string]*sync.Mutex),
		lastTS: make(map[string]int64),
		seeded: make(map[string]bool),
	}
}

func (s *lanedStore) lane(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[sessionID] = l
	}
	return l
}

// AppendMessage linearises appends for the message's session and assigns
// the message a strictly increasing timestamp within its worktree.
func (s *lanedStore) AppendMessage(ctx context.Context, message *Message) error {
	lane := s.lane(message.SessionID)
	lane.Lock()
	defer lane.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}

	key := message.SessionID + "/" + message.WorktreeID
	if err := s.seedLastTimestamp(ctx, key, message.SessionID, message.WorktreeID); err != nil {
		return err
	}

	ts := message.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	s.mu.Lock()
	if last := s.lastTS[key]; ts <= last {
		ts = last + 1
	}
	s.lastTS[key] = ts
	s.mu.Unlock()
	message.Timestamp = ts

	return s.Store.AppendMessage(ctx, message)
}

// seedLastTimestamp loads the persisted tail of a worktree's log the
// first time the lane touches it, so monotonicity survives restarts.
// Callers must hold the session lane.
func (s *lanedStore) seedLastTimestamp(ctx context.Context, key, sessionID, worktreeID string) error {
	s.mu.Lock()
	done := s.seeded[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	messages, err := s.Store.ListMessages(ctx, sessionID, worktreeID, "")
	if err != nil {
		return err
	}
	var last int64
	if len(messages) > 0 {
		last = messages[len(messages)-1].Timestamp
	}

	s.mu.Lock()
	if !s.seeded[key] {
		s.seeded[key] = true
		if last > s.lastTS[key] {
			s.lastTS[key] = last
		}
	}
	s.mu.Unlock()
	return nil
}
