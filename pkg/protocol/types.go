// Package protocol defines the wire types shared by the REST API, the
// WebSocket stream, and the agent stdio link: the closed event union, the
// client frame set, and the resource views they carry.
package protocol

// Message roles.
const (
	RoleUser             = "user"
	RoleAssistant        = "assistant"
	RoleToolResult       = "tool_result"
	RoleCommandExecution = "command_execution"
)

// Command execution statuses.
const (
	CommandRunning   = "running"
	CommandCompleted = "completed"
	CommandError     = "error"
)

// Worktree statuses.
const (
	WorktreeCreating      = "creating"
	WorktreeReady         = "ready"
	WorktreeProcessing    = "processing"
	WorktreeCompleted     = "completed"
	WorktreeIdle          = "idle"
	WorktreeStopped       = "stopped"
	WorktreeError         = "error"
	WorktreeMerging       = "merging"
	WorktreeMergeConflict = "merge_conflict"
	WorktreeClosed        = "closed"
)

// MainWorktreeID is the pseudo-worktree aliasing the session clone's
// default branch. It cannot be closed.
const MainWorktreeID = "main"

// Worktree is the API view of a worktree.
type Worktree struct {
	WorktreeID string         `json:"worktreeId"`
	SessionID  string         `json:"sessionId"`
	BranchName string         `json:"branchName"`
	Status     string         `json:"status"`
	Provider   string         `json:"provider"`
	Config     WorktreeConfig `json:"config"`
	CreatedAt  int64          `json:"createdAt"`
	Color      string         `json:"color,omitempty"`
}

// WorktreeConfig carries the per-worktree agent settings.
type WorktreeConfig struct {
	Model            string `json:"model,omitempty"`
	ReasoningEffort  string `json:"reasoningEffort,omitempty"`
	InternetAccess   bool   `json:"internetAccess"`
	DenyCredentials  bool   `json:"denyCredentials"`
	ParentWorktreeID string `json:"parentWorktreeId,omitempty"`
}

// ChatMessage is the API view of a persisted message.
type ChatMessage struct {
	ID          string       `json:"id"`
	WorktreeID  string       `json:"worktreeId"`
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"timestamp"`

	// Command execution messages only.
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Attachment describes an uploaded file scoped to a session.
type Attachment struct {
	Name     string `json:"name"`
	Path     string `json:"path"` // workspace-relative
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType,omitempty"`
}

// Session is the API view of a session.
type Session struct {
	SessionID      string `json:"sessionId"`
	WorkspaceID    string `json:"workspaceId"`
	RepoURL        string `json:"repoUrl"`
	Name           string `json:"name,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
	LastActivityAt int64  `json:"lastActivityAt"`
}

// ModelInfo describes one model a provider can run.
type ModelInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Default bool   `json:"default,omitempty"`
}

// ProviderAuthInput is a credential as supplied by a client. Values are
// write-only; reads come back as AuthPresence.
type ProviderAuthInput struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProviderPatch is one provider's slice of a create or update request.
// Enabled is a pointer so a patch can change auth without touching the
// enabled flag.
type ProviderPatch struct {
	Enabled *bool              `json:"enabled,omitempty"`
	Auth    *ProviderAuthInput `json:"auth,omitempty"`
}

// CreateWorkspaceRequest is the body of POST /api/workspaces.
type CreateWorkspaceRequest struct {
	Providers map[string]ProviderPatch `json:"providers"`
}

// CreateWorkspaceResponse carries the raw workspace secret. It is
// returned exactly once; afterwards only its hash exists server-side.
type CreateWorkspaceResponse struct {
	WorkspaceID     string `json:"workspaceId"`
	WorkspaceSecret string `json:"workspaceSecret"`
}

// UpdateWorkspaceRequest is the body of PATCH /api/workspaces/:id.
type UpdateWorkspaceRequest struct {
	Providers map[string]ProviderPatch `json:"providers"`
}

// AuthPresence replaces credential values in read responses.
type AuthPresence struct {
	HasValue bool `json:"hasValue"`
}

// ProviderView is the sanitised per-provider configuration.
type ProviderView struct {
	Enabled bool          `json:"enabled"`
	Auth    *AuthPresence `json:"auth,omitempty"`
}

// WorkspaceView is the sanitised workspace configuration returned by
// reads and updates. It never carries credential values or the secret
// hash.
type WorkspaceView struct {
	WorkspaceID string                  `json:"workspaceId"`
	Providers   map[string]ProviderView `json:"providers"`
	CreatedAt   int64                   `json:"createdAt"`
	UpdatedAt   int64                   `json:"updatedAt"`
}

// GitAuth carries optional clone credentials. SSHKeyPath must point at
// a key readable by the workspace user; HTTPToken is installed as a
// session-scoped git credential helper.
type GitAuth struct {
	SSHKeyPath string `json:"sshKeyPath,omitempty"`
	HTTPToken  string `json:"httpToken,omitempty"`
}

// CreateSessionRequest is the body of POST /api/session.
type CreateSessionRequest struct {
	RepoURL string   `json:"repoUrl"`
	Name    string   `json:"name,omitempty"`
	Auth    *GitAuth `json:"auth,omitempty"`
}

// CreateSessionResponse returns the new session together with the
// workspace's sanitised provider map and the (empty) message history.
type CreateSessionResponse struct {
	SessionID string                  `json:"sessionId"`
	RepoURL   string                  `json:"repoUrl"`
	Providers map[string]ProviderView `json:"providers"`
	Messages  []ChatMessage           `json:"messages"`
}

// Branch is one entry of a branch listing.
type Branch struct {
	Name    string `json:"name"`
	Current bool   `json:"current,omitempty"`
	Remote  bool   `json:"remote,omitempty"`
}

// Worktree creation contexts.
const (
	WorktreeContextNew  = "new"
	WorktreeContextFork = "fork"
)

// CreateWorktreeRequest is the body of POST /api/worktree.
type CreateWorktreeRequest struct {
	SessionID        string         `json:"sessionId"`
	Context          string         `json:"context"` // new | fork
	StartingBranch   string         `json:"startingBranch,omitempty"`
	SourceWorktreeID string         `json:"sourceWorktreeId,omitempty"`
	BranchName       string         `json:"branchName,omitempty"`
	Provider         string         `json:"provider"`
	Config           WorktreeConfig `json:"config"`
	Color            string         `json:"color,omitempty"`
}

// WorktreeDiff is the response of GET /api/worktree/:id/diff: porcelain
// status plus the unified diff of the working tree.
type WorktreeDiff struct {
	Status string `json:"status"`
	Diff   string `json:"diff"`
}

// AttachmentList is the response of GET /api/attachments. Truncated is
// set when the directory held more entries than the listing ceiling.
type AttachmentList struct {
	Attachments []Attachment `json:"attachments"`
	Truncated   bool         `json:"truncated"`
}

// FileContent is an explorer read. Binary content is base64-encoded.
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
	Binary  bool   `json:"binary"`
}

// WriteFileRequest is the body of PUT /api/worktree/:id/file.
type WriteFileRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}
