// Package redis provides the Redis-backed storage implementation.
// Records are stored as JSON strings, message lanes as lists, and the
// per-workspace refresh state as a small hash. Refresh tokens carry no
// Redis TTL: expiry is decided by the identity service so that an
// expired token stays distinguishable from an unknown one.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vibe80/vibe80/internal/storage"
)

// Store persists records in a Redis instance under a key prefix.
type Store struct {
	client *redis.Client
	prefix string
}

var _ storage.Store = (*Store)(nil)

// New creates a store over an existing Redis client.
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "vibe80:"
	}
	return &Store{client: client, prefix: prefix}
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(parts ...string) string {
	key := s.prefix
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}

func (s *Store) getJSON(ctx context.Context, key string, dest any, notFound error) error {
	data, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return notFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to decode record %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// Workspace operations

func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	workspace := &storage.Workspace{}
	if err := s.getJSON(ctx, s.key("workspace", workspaceID), workspace, storage.ErrWorkspaceNotFound); err != nil {
		return nil, err
	}
	if workspace.Providers == nil {
		workspace.Providers = make(map[string]storage.ProviderConfig)
	}
	return workspace, nil
}

func (s *Store) SaveWorkspace(ctx context.Context, workspace *storage.Workspace) error {
	now := time.Now().UnixMilli()
	if workspace.CreatedAt == 0 {
		workspace.CreatedAt = now
	}
	workspace.UpdatedAt = now
	return s.setJSON(ctx, s.key("workspace", workspace.WorkspaceID), workspace)
}

// Session operations

func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*storage.Session, error) {
	ids, err := s.client.SMembers(ctx, s.key("workspace", workspaceID, "sessions")).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*storage.Session, 0, len(ids))
	for _, id := range ids {
		session, err := s.GetSession(ctx, id)
		if errors.Is(err, storage.ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if session.DeletedAt != 0 {
			continue
		}
		result = append(result, session)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	session := &storage.Session{}
	if err := s.getJSON(ctx, s.key("session", sessionID), session, storage.ErrSessionNotFound); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session.CreatedAt == 0 {
		session.CreatedAt = time.Now().UnixMilli()
	}
	if err := s.setJSON(ctx, s.key("session", session.SessionID), session); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("workspace", session.WorkspaceID, "sessions"), session.SessionID).Err()
}

// Worktree operations

func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error) {
	worktree := &storage.Worktree{}
	if err := s.getJSON(ctx, s.key("worktree", sessionID, worktreeID), worktree, storage.ErrWorktreeNotFound); err != nil {
		return nil, err
	}
	return worktree, nil
}

func (s *Store) SaveWorktree(ctx context.Context, worktree *storage.Worktree) error {
	if worktree.CreatedAt == 0 {
		worktree.CreatedAt = time.Now().UnixMilli()
	}
	if err := s.setJSON(ctx, s.key("worktree", worktree.SessionID, worktree.WorktreeID), worktree); err != nil {
		return err
	}
	return s.client.SAdd(ctx, s.key("session", worktree.SessionID, "worktrees"), worktree.WorktreeID).Err()
}

func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*storage.Worktree, error) {
	ids, err := s.client.SMembers(ctx, s.key("session", sessionID, "worktrees")).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*storage.Worktree, 0, len(ids))
	for _, id := range ids {
		worktree, err := s.GetWorktree(ctx, sessionID, id)
		if errors.Is(err, storage.ErrWorktreeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, worktree)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result, nil
}

// Message operations

func (s *Store) AppendMessage(ctx context.Context, message *storage.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.Timestamp == 0 {
		message.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return s.client.RPush(ctx, s.key("messages", message.SessionID, message.WorktreeID), data).Err()
}

func (s *Store) ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]*storage.Message, error) {
	entries, err := s.client.LRange(ctx, s.key("messages", sessionID, worktreeID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]*storage.Message, 0, len(entries))
	for _, entry := range entries {
		message := &storage.Message{}
		if err := json.Unmarshal([]byte(entry), message); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, message)
	}

	if lastSeenID == "" {
		return messages, nil
	}
	for i, message := range messages {
		if message.ID == lastSeenID {
			return messages[i+1:], nil
		}
	}
	return messages, nil
}

// Refresh token operations

func (s *Store) SaveWorkspaceRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := s.setJSON(ctx, s.key("refresh", token.TokenHash), token); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.key("workspace", token.WorkspaceID, "refresh"), token.Kind, token.TokenHash).Err()
}

func (s *Store) GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	token := &storage.RefreshToken{}
	if err := s.getJSON(ctx, s.key("refresh", tokenHash), token, storage.ErrRefreshTokenNotFound); err != nil {
		return nil, err
	}
	return token, nil
}

func (s *Store) GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*storage.RefreshState, error) {
	fields, err := s.client.HGetAll(ctx, s.key("workspace", workspaceID, "refresh")).Result()
	if err != nil {
		return nil, err
	}

	state := &storage.RefreshState{}
	if hash, ok := fields[storage.RefreshKindCurrent]; ok {
		if token, err := s.GetWorkspaceRefreshToken(ctx, hash); err == nil {
			state.Current = token
		}
	}
	if hash, ok := fields[storage.RefreshKindPrevious]; ok {
		if token, err := s.GetWorkspaceRefreshToken(ctx, hash); err == nil {
			state.Previous = token
		}
	}
	return state, nil
}

func (s *Store) DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error {
	token, err := s.GetWorkspaceRefreshToken(ctx, tokenHash)
	if errors.Is(err, storage.ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, s.key("refresh", tokenHash)).Err(); err != nil {
		return err
	}
	// Unlink the state index only if it still points at this hash.
	indexKey := s.key("workspace", token.WorkspaceID, "refresh")
	current, err := s.client.HGet(ctx, indexKey, token.Kind).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if current == tokenHash {
		return s.client.HDel(ctx, indexKey, token.Kind).Err()
	}
	return nil
}

// Audit operations

func (s *Store) AppendAuditEvent(ctx context.Context, event *storage.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.TS == 0 {
		event.TS = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	return s.client.RPush(ctx, s.key("audit", event.WorkspaceID), data).Err()
}

func (s *Store) ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*storage.AuditEvent, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	entries, err := s.client.LRange(ctx, s.key("audit", workspaceID), start, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*storage.AuditEvent, 0, len(entries))
	for _, entry := range entries {
		event := &storage.AuditEvent{}
		if err := json.Unmarshal([]byte(entry), event); err != nil {
			return nil, fmt.Errorf("failed to decode audit event: %w", err)
		}
		result = append(result, event)
	}
	return result, nil
}
