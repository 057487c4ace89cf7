package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/vibe80/vibe80/internal/storage"
)

// Refresh token operations

// SaveWorkspaceRefreshToken inserts or replaces a refresh token record
// keyed by its hash.
func (s *Store) SaveWorkspaceRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, workspace_id, kind, expires_at, previous_valid_until)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token_hash) DO UPDATE SET
			kind = excluded.kind,
			expires_at = excluded.expires_at,
			previous_valid_until = excluded.previous_valid_until
	`, token.TokenHash, token.WorkspaceID, token.Kind, token.ExpiresAt, token.PreviousValidUntil)
	return err
}

// GetWorkspaceRefreshToken retrieves a refresh token by hash.
func (s *Store) GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*storage.RefreshToken, error) {
	token := &storage.RefreshToken{}
	err := s.ro.QueryRowContext(ctx, `
		SELECT token_hash, workspace_id, kind, expires_at, previous_valid_until
		FROM refresh_tokens WHERE token_hash = ?
	`, tokenHash).Scan(&token.TokenHash, &token.WorkspaceID, &token.Kind, &token.ExpiresAt, &token.PreviousValidUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}

// GetWorkspaceRefreshState returns the workspace's current and previous
// refresh token records.
func (s *Store) GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*storage.RefreshState, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT token_hash, workspace_id, kind, expires_at, previous_valid_until
		FROM refresh_tokens WHERE workspace_id = ?
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	state := &storage.RefreshState{}
	for rows.Next() {
		token := &storage.RefreshToken{}
		err := rows.Scan(&token.TokenHash, &token.WorkspaceID, &token.Kind, &token.ExpiresAt, &token.PreviousValidUntil)
		if err != nil {
			return nil, err
		}
		switch token.Kind {
		case storage.RefreshKindCurrent:
			state.Current = token
		case storage.RefreshKindPrevious:
			state.Previous = token
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteWorkspaceRefreshToken removes a refresh token by hash. Deleting
// an absent token is not an error.
func (s *Store) DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refresh_tokens WHERE token_hash = ?`, tokenHash)
	return err
}
