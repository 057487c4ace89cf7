package storage

import (
	"github.com/vibe80/vibe80/pkg/protocol"
)

// ProviderAuthType enumerates how a provider credential is supplied.
type ProviderAuthType string

const (
	ProviderAuthAPIKey     ProviderAuthType = "api_key"
	ProviderAuthJSONB64    ProviderAuthType = "auth_json_b64"
	ProviderAuthSetupToken ProviderAuthType = "setup_token"
)

// ProviderAuth holds one credential for an LLM provider. Value is opaque
// and must never be returned to clients unredacted.
type ProviderAuth struct {
	Type  ProviderAuthType `json:"type"`
	Value string           `json:"value"`
}

// ProviderConfig is the per-provider slice of a workspace's configuration.
type ProviderConfig struct {
	Enabled bool          `json:"enabled"`
	Auth    *ProviderAuth `json:"auth,omitempty"`
}

// Workspace is the persisted tenant record. WorkspaceID doubles as the
// OS user name; the uid/gid pair is immutable after provisioning.
type Workspace struct {
	WorkspaceID string                    `json:"workspaceId" db:"workspace_id"`
	SecretHash  string                    `json:"-" db:"secret_hash"`
	UID         int                       `json:"uid" db:"uid"`
	GID         int                       `json:"gid" db:"gid"`
	Providers   map[string]ProviderConfig `json:"providers"`
	CreatedAt   int64                     `json:"createdAt" db:"created_at"`
	UpdatedAt   int64                     `json:"updatedAt" db:"updated_at"`
}

// Session is the persisted session record. The directory fields are
// absolute paths inside the workspace root, owned by the workspace
// uid/gid with mode 02750.
type Session struct {
	SessionID      string `json:"sessionId" db:"session_id"`
	WorkspaceID    string `json:"workspaceId" db:"workspace_id"`
	RepoURL        string `json:"repoUrl" db:"repo_url"`
	Name           string `json:"name" db:"name"`
	RepositoryDir  string `json:"repositoryDir" db:"repository_dir"`
	AttachmentsDir string `json:"attachmentsDir" db:"attachments_dir"`
	WorktreesDir   string `json:"worktreesDir" db:"worktrees_dir"`
	LogsDir        string `json:"logsDir" db:"logs_dir"`
	CreatedAt      int64  `json:"createdAt" db:"created_at"`
	LastActivityAt int64  `json:"lastActivityAt" db:"last_activity_at"`
	DeletedAt      int64  `json:"deletedAt,omitempty" db:"deleted_at"`
}

// ToAPI converts the session record to its wire representation.
func (s *Session) ToAPI() *protocol.Session {
	return &protocol.Session{
		SessionID:      s.SessionID,
		WorkspaceID:    s.WorkspaceID,
		RepoURL:        s.RepoURL,
		Name:           s.Name,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
	}
}

// Worktree is the persisted worktree record, keyed by (sessionId,
// worktreeId). The "main" pseudo-worktree aliases the session clone.
type Worktree struct {
	SessionID  string                  `json:"sessionId" db:"session_id"`
	WorktreeID string                  `json:"worktreeId" db:"worktree_id"`
	BranchName string                  `json:"branchName" db:"branch_name"`
	Status     string                  `json:"status" db:"status"`
	Provider   string                  `json:"provider" db:"provider"`
	Config     protocol.WorktreeConfig `json:"config"`
	Color      string                  `json:"color" db:"color"`
	CreatedAt  int64                   `json:"createdAt" db:"created_at"`
}

// ToAPI converts the worktree record to its wire representation.
func (w *Worktree) ToAPI() *protocol.Worktree {
	return &protocol.Worktree{
		WorktreeID: w.WorktreeID,
		SessionID:  w.SessionID,
		BranchName: w.BranchName,
		Status:     w.Status,
		Provider:   w.Provider,
		Config:     w.Config,
		Color:      w.Color,
		CreatedAt:  w.CreatedAt,
	}
}

// Message is one persisted chat message. Per worktree the log is
// append-only with strictly increasing timestamps (epoch ms).
type Message struct {
	ID          string                `json:"id" db:"id"`
	SessionID   string                `json:"sessionId" db:"session_id"`
	WorktreeID  string                `json:"worktreeId" db:"worktree_id"`
	Role        string                `json:"role" db:"role"`
	Text        string                `json:"text" db:"text"`
	Attachments []protocol.Attachment `json:"attachments,omitempty"`
	Command     string                `json:"command,omitempty" db:"command"`
	Output      string                `json:"output,omitempty" db:"output"`
	Status      string                `json:"status,omitempty" db:"status"`
	Timestamp   int64                 `json:"timestamp" db:"timestamp"`
}

// ToAPI converts the message record to its wire representation.
func (m *Message) ToAPI() *protocol.ChatMessage {
	return &protocol.ChatMessage{
		ID:          m.ID,
		WorktreeID:  m.WorktreeID,
		Role:        m.Role,
		Text:        m.Text,
		Attachments: m.Attachments,
		Command:     m.Command,
		Output:      m.Output,
		Status:      m.Status,
		Timestamp:   m.Timestamp,
	}
}

// Refresh token kinds.
const (
	RefreshKindCurrent  = "current"
	RefreshKindPrevious = "previous"
)

// RefreshToken stores the SHA-256 of an opaque refresh token; the raw
// token is never persisted. PreviousValidUntil is set only on
// kind=previous records and bounds the rotation overlap window.
type RefreshToken struct {
	TokenHash          string `json:"tokenHash" db:"token_hash"`
	WorkspaceID        string `json:"workspaceId" db:"workspace_id"`
	Kind               string `json:"kind" db:"kind"`
	ExpiresAt          int64  `json:"expiresAt" db:"expires_at"`
	PreviousValidUntil int64  `json:"previousValidUntil,omitempty" db:"previous_valid_until"`
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID          string         `json:"id" db:"id"`
	TS          int64          `json:"ts" db:"ts"`
	WorkspaceID string         `json:"workspaceId" db:"workspace_id"`
	Event       string         `json:"event" db:"event"`
	Details     map[string]any `json:"details,omitempty"`
}
