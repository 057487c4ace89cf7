// Package storage defines the persistence contract shared by every
// backend. The server mutates workspace state exclusively through the
// Store interface; direct filesystem reads of workspace data are not
// allowed from the server process.
package storage

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store implementations.
var (
	ErrWorkspaceNotFound    = errors.New("workspace not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrWorktreeNotFound     = errors.New("worktree not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
)

// RefreshState is the per-workspace view of refresh tokens: at most one
// current and at most one previous record at any instant.
type RefreshState struct {
	Current  *RefreshToken
	Previous *RefreshToken
}

// Store is the narrow persistence interface. All implementations must be
// safe for concurrent use. Message appends for a given session are
// expected to go through the single-writer lane (see WithMessageLanes),
// which guarantees strictly monotonic timestamps per worktree.
type Store interface {
	// Workspace operations
	GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)
	SaveWorkspace(ctx context.Context, workspace *Workspace) error

	// Session operations
	ListSessions(ctx context.Context, workspaceID string) ([]*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SaveSession(ctx context.Context, session *Session) error

	// Worktree operations
	GetWorktree(ctx context.Context, sessionID, worktreeID string) (*Worktree, error)
	SaveWorktree(ctx context.Context, worktree *Worktree) error
	ListWorktrees(ctx context.Context, sessionID string) ([]*Worktree, error)

	// Message operations. ListMessages returns the worktree's messages in
	// append order, starting after lastSeenID; an empty or unknown cursor
	// returns the full history.
	AppendMessage(ctx context.Context, message *Message) error
	ListMessages(ctx context.Context, sessionID, worktreeID, lastSeenID string) ([]*Message, error)

	// Refresh token operations
	SaveWorkspaceRefreshToken(ctx context.Context, token *RefreshToken) error
	GetWorkspaceRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	GetWorkspaceRefreshState(ctx context.Context, workspaceID string) (*RefreshState, error)
	DeleteWorkspaceRefreshToken(ctx context.Context, tokenHash string) error

	// Audit operations
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, workspaceID string, limit int) ([]*AuditEvent, error)

	// Close releases backend resources (database connections).
	Close() error
}
