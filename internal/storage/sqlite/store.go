// Package sqlite provides the SQLite-backed storage implementation.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/vibe80/vibe80/internal/storage"
)

// Store persists records in a single SQLite file using one writer
// connection and a small read-only pool.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

var _ storage.Store = (*Store)(nil)

// NewWithDB creates a store over existing writer and reader connections
// (shared ownership, Close is a no-op).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

// New creates a store that owns its connections and closes them.
func New(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, true)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections when the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema() error {
	if err := s.initWorkspaceSchema(); err != nil {
		return err
	}
	if err := s.initSessionSchema(); err != nil {
		return err
	}
	if err := s.initTokenSchema(); err != nil {
		return err
	}
	if err := s.initAuditSchema(); err != nil {
		return err
	}
	if err := s.runMigrations(); err != nil {
		return err
	}
	return s.ensureIndexes()
}

func (s *Store) initWorkspaceSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS workspaces (
		workspace_id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		uid INTEGER NOT NULL DEFAULT 0,
		gid INTEGER NOT NULL DEFAULT 0,
		providers TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`)
	return err
}

func (s *Store) initSessionSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		repo_url TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		repository_dir TEXT NOT NULL DEFAULT '',
		attachments_dir TEXT NOT NULL DEFAULT '',
		worktrees_dir TEXT NOT NULL DEFAULT '',
		logs_dir TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL DEFAULT 0,
		deleted_at INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id)
	);

	CREATE TABLE IF NOT EXISTS worktrees (
		session_id TEXT NOT NULL,
		worktree_id TEXT NOT NULL,
		branch_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'creating',
		provider TEXT NOT NULL DEFAULT '',
		config TEXT NOT NULL DEFAULT '{}',
		color TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, worktree_id),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		worktree_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		text TEXT NOT NULL DEFAULT '',
		attachments TEXT NOT NULL DEFAULT '[]',
		command TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);
	`)
	return err
}

func (s *Store) initTokenSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'current',
		expires_at INTEGER NOT NULL,
		previous_valid_until INTEGER NOT NULL DEFAULT 0
	);
	`)
	return err
}

func (s *Store) initAuditSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		workspace_id TEXT NOT NULL,
		event TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '{}'
	);
	`)
	return err
}

// runMigrations applies idempotent ALTER TABLE migrations for schema
// evolution (errors are ignored when the column already exists).
func (s *Store) runMigrations() error {
	_, _ = s.db.Exec(`ALTER TABLE sessions ADD COLUMN deleted_at INTEGER NOT NULL DEFAULT 0`)
	_, _ = s.db.Exec(`ALTER TABLE worktrees ADD COLUMN color TEXT NOT NULL DEFAULT ''`)
	_, _ = s.db.Exec(`ALTER TABLE messages ADD COLUMN status TEXT NOT NULL DEFAULT ''`)
	return nil
}

func (s *Store) ensureIndexes() error {
	_, err := s.db.Exec(`
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_worktrees_session_id ON worktrees(session_id);
	CREATE INDEX IF NOT EXISTS idx_messages_lane ON messages(session_id, worktree_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_refresh_tokens_workspace ON refresh_tokens(workspace_id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_workspace ON audit_events(workspace_id, ts);
	`)
	return err
}
