// Package memory provides the in-memory storage backend, used by tests
// and available as a throwaway backend for local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibe80/vibe80/internal/storage"
)

// Store keeps all records in process memory.
type Store struct {
	mu            sync.RWMutex
	workspaces    map[string]*storage.Workspace
	sessions      map[string]*storage.Session
	worktrees     map[string]map[string]*storage.Worktree
	messages      map[string][]*storage.Message
	refreshTokens map[string]*storage.RefreshToken
	auditEvents   map[string][]*storage.AuditEvent
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workspaces:    make(map[string]*storage.Workspace),
		sessions:      make(map[string]*storage.Session),
		worktrees:     make(map[string]map[string]*storage.Worktree),
		messages:      make(map[string][]*storage.Message),
		refreshTokens: make(map[string]*storage.RefreshToken),
		auditEvents:   make(map[string][]*storage.AuditEvent),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}

// Workspace operations

func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workspace, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, storage.ErrWorkspaceNotFound
	}
	return workspace, nil
}

func (s *Store) SaveWorkspace(ctx context.Context, workspace *storage.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if workspace.CreatedAt == 0 {
		workspace.CreatedAt = now
	}
	workspace.UpdatedAt = now
	s.workspaces[workspace.WorkspaceID] = workspace
	return nil
}

// Session operations

func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Session, 0)
	for _, session := range s.sessions {
		if session.WorkspaceID == workspaceID && session.DeletedAt == 0 {
			result = append(result, session)
		}
	}
	sortSessions(result)
	return result, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.CreatedAt == 0 {
		session.CreatedAt = time.Now().UnixMilli()
	}
	s.sessions[session.SessionID] = session
	return nil
}

// Worktree operations

func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worktree, ok := s.worktrees[sessionID][worktreeID]
	if !ok {
		return nil, storage.ErrWorktreeNotFound
	}
	return worktree, nil
}

func (s *Store) SaveWorktree(ctx context.Context, worktree *storage.Worktree) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if worktree.CreatedAt == 0 {
		worktree.CreatedAt = time.Now().UnixMilli()
	}
	byID, ok := s.worktrees[worktree.SessionID]
	if !ok {
		byID = make(map[string]*storage.Worktree)
		s.worktrees[worktree.SessionID] = byID
	}
	byID[worktree.WorktreeID] = worktree
	return nil
}

func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*storage.Worktree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*storage.Worktree, 0, len(s.worktrees[sessionID]))
	for _, worktree := range s.worktrees[sessionID] {
		result = append(result, worktree)
	}
	sortWorktrees(result)
	return result, nil
}

// Message operations

func (s *Store) AppendMessage(ctx context.Context, message *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	key := message.SessionID + "/" + message.WorktreeID
	s.messages[key] = append(s.messages[key], message)
	return nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lane := s.messages[sessionID+"/"+worktreeID]
	start := 0
	if lastSeenID != "" {
		for i, message := range lane {
			if message.ID == lastSeenID {
				start = i + 1
				break
			}
		}
	}
	result := make([]*storage.Message, len(lane)-start)
	copy(result, lane[start:])
	return result, nil
}

// Refresh token operations

func (s *Store) SaveWorkspaceRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshTokens[token.TokenHash] = token
	return nil
}

func (s *Store) GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.refreshTokens[tokenHash]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	return token, nil
}

func (s *Store) GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*storage.RefreshState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state := &storage.RefreshState{}
	for _, token := range s.refreshTokens {
		if token.WorkspaceID != workspaceID {
			continue
		}
		switch token.Kind {
		case storage.RefreshKindCurrent:
			state.Current = token
		case storage.RefreshKindPrevious:
			state.Previous = token
		}
	}
	return state, nil
}

func (s *Store) DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.refreshTokens, tokenHash)
	return nil
}

// Audit operations

func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.TS == 0 {
		event.TS = time.Now().UnixMilli()
	}
	s.auditEvents[event.WorkspaceID] = append(s.auditEvents[event.WorkspaceID], event)
	return nil
}

func (s *Store) ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*storage.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.auditEvents[workspaceID]
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	result := make([]*storage.AuditEvent, len(events))
	copy(result, events)
	return result, nil
}

func sortSessions(sessions []*storage.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt < sessions[j].CreatedAt
	})
}

func sortWorktrees(worktrees []*storage.Worktree) {
	sort.SliceStable(worktrees, func(i, j int) bool {
		return worktrees[i].CreatedAt < worktrees[j].CreatedAt
	})
}
