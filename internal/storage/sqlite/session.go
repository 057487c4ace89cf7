package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibe80/vibe80/internal/storage"
)

// Session operations

// ListSessions returns all live sessions for a workspace ordered by
// creation time. Soft-deleted sessions are excluded.
func (s *Store) ListSessions(ctx context.Context, workspaceID string) ([]*storage.Session, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT session_id, workspace_id, repo_url, name, repository_dir, attachments_dir, worktrees_dir, logs_dir,
			created_at, last_activity_at, deleted_at
		FROM sessions WHERE workspace_id = ? AND deleted_at = 0 ORDER BY created_at ASC
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*storage.Session
	for rows.Next() {
		session := &storage.Session{}
		if err := scanSession(rows.Scan, session); err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetSession retrieves a session by ID, including soft-deleted records.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.Session, error) {
	session := &storage.Session{}
	row := s.ro.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, repo_url, name, repository_dir, attachments_dir, worktrees_dir, logs_dir,
			created_at, last_activity_at, deleted_at
		FROM sessions WHERE session_id = ?
	`, sessionID)
	err := scanSession(row.Scan, session)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, session *storage.Session) error {
	if session.CreatedAt == 0 {
		session.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, workspace_id, repo_url, name, repository_dir, attachments_dir, worktrees_dir, logs_dir,
			created_at, last_activity_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			repo_url = excluded.repo_url,
			name = excluded.name,
			repository_dir = excluded.repository_dir,
			attachments_dir = excluded.attachments_dir,
			worktrees_dir = excluded.worktrees_dir,
			logs_dir = excluded.logs_dir,
			last_activity_at = excluded.last_activity_at,
			deleted_at = excluded.deleted_at
	`, session.SessionID, session.WorkspaceID, session.RepoURL, session.Name, session.RepositoryDir,
		session.AttachmentsDir, session.WorktreesDir, session.LogsDir,
		session.CreatedAt, session.LastActivityAt, session.DeletedAt)
	return err
}

func scanSession(scan func(dest ...any) error, session *storage.Session) error {
	return scan(&session.SessionID, &session.WorkspaceID, &session.RepoURL, &session.Name,
		&session.RepositoryDir, &session.AttachmentsDir, &session.WorktreesDir, &session.LogsDir,
		&session.CreatedAt, &session.LastActivityAt, &session.DeletedAt)
}
