package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vibe80/vibe80/internal/storage"
)

// Workspace operations

// GetWorkspace retrieves a workspace by ID.
func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (*storage.Workspace, error) {
	workspace := &storage.Workspace{}
	var providersJSON string
	err := s.ro.QueryRowContext(ctx, `
		SELECT workspace_id, secret_hash, uid, gid, providers, created_at, updated_at
		FROM workspaces WHERE workspace_id = ?
	`, workspaceID).Scan(&workspace.WorkspaceID, &workspace.SecretHash, &workspace.UID, &workspace.GID,
		&providersJSON, &workspace.CreatedAt, &workspace.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrWorkspaceNotFound
	}
	if err != nil {
		return nil, err
	}

	if providersJSON != "" && providersJSON != "{}" {
		if err := json.Unmarshal([]byte(providersJSON), &workspace.Providers); err != nil {
			return nil, fmt.Errorf("failed to deserialize workspace providers: %w", err)
		}
	}
	if workspace.Providers == nil {
		workspace.Providers = make(map[string]storage.ProviderConfig)
	}
	return workspace, nil
}

// SaveWorkspace inserts or replaces a workspace record.
func (s *Store) SaveWorkspace(ctx context.Context, workspace *storage.Workspace) error {
	now := time.Now().UnixMilli()
	if workspace.CreatedAt == 0 {
		workspace.CreatedAt = now
	}
	workspace.UpdatedAt = now

	providersJSON := "{}"
	if workspace.Providers != nil {
		providersBytes, err := json.Marshal(workspace.Providers)
		if err != nil {
			return fmt.Errorf("failed to serialize workspace providers: %w", err)
		}
		providersJSON = string(providersBytes)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, secret_hash, uid, gid, providers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			uid = excluded.uid,
			gid = excluded.gid,
			providers = excluded.providers,
			updated_at = excluded.updated_at
	`, workspace.WorkspaceID, workspace.SecretHash, workspace.UID, workspace.GID, providersJSON,
		workspace.CreatedAt, workspace.UpdatedAt)
	return err
}
