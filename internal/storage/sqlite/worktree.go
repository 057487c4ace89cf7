package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// Worktree operations

// GetWorktree retrieves a worktree by its (sessionId, worktreeId) key.
func (s *Store) GetWorktree(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error) {
	worktree := &storage.Worktree{}
	var configJSON string
	err := s.ro.QueryRowContext(ctx, `
		SELECT session_id, worktree_id, branch_name, status, provider, config, color, created_at
		FROM worktrees WHERE session_id = ? AND worktree_id = ?
	`, sessionID, worktreeID).Scan(&worktree.SessionID, &worktree.WorktreeID, &worktree.BranchName,
		&worktree.Status, &worktree.Provider, &configJSON, &worktree.Color, &worktree.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrWorktreeNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := decodeWorktreeConfig(configJSON, &worktree.Config); err != nil {
		return nil, err
	}
	return worktree, nil
}

// SaveWorktree inserts or replaces a worktree record.
func (s *Store) SaveWorktree(ctx context.Context, worktree *storage.Worktree) error {
	if worktree.CreatedAt == 0 {
		worktree.CreatedAt = time.Now().UnixMilli()
	}

	configBytes, err := json.Marshal(worktree.Config)
	if err != nil {
		return fmt.Errorf("failed to serialize worktree config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO worktrees (session_id, worktree_id, branch_name, status, provider, config, color, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, worktree_id) DO UPDATE SET
			branch_name = excluded.branch_name,
			status = excluded.status,
			provider = excluded.provider,
			config = excluded.config,
			color = excluded.color
	`, worktree.SessionID, worktree.WorktreeID, worktree.BranchName, worktree.Status,
		worktree.Provider, string(configBytes), worktree.Color, worktree.CreatedAt)
	return err
}

// ListWorktrees returns all worktree records for a session ordered by
// creation time.
func (s *Store) ListWorktrees(ctx context.Context, sessionID string) ([]*storage.Worktree, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT session_id, worktree_id, branch_name, status, provider, config, color, created_at
		FROM worktrees WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.Worktree
	for rows.Next() {
		worktree := &storage.Worktree{}
		var configJSON string
		err := rows.Scan(&worktree.SessionID, &worktree.WorktreeID, &worktree.BranchName,
			&worktree.Status, &worktree.Provider, &configJSON, &worktree.Color, &worktree.CreatedAt)
		if err != nil {
			return nil, err
		}
		if err := decodeWorktreeConfig(configJSON, &worktree.Config); err != nil {
			return nil, err
		}
		result = append(result, worktree)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeWorktreeConfig(configJSON string, config *protocol.WorktreeConfig) error {
	if configJSON == "" || configJSON == "{}" {
		return nil
	}
	if err := json.Unmarshal([]byte(configJSON), config); err != nil {
		return fmt.Errorf("failed to deserialize worktree config: %w", err)
	}
	return nil
}
