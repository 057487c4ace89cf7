// Package session provisions and manages repository sessions. A session
// is one clone of a git repository inside a workspace, with sibling
// directories for attachments, worktrees, and logs. All filesystem and
// git work goes through the sandbox runner so it executes as the
// workspace user with the session tree as the only writable surface.
package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// cloneNet is the network policy for git operations that reach a remote:
// ssh, https, and the bare git protocol.
const cloneNet = "tcp:22,443,9418"

var branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,199}$`)

// Dirs are the absolute per-session directories under
// <root>/<workspaceId>/sessions/<sessionId>/.
type Dirs struct {
	Base        string
	Repository  string
	Attachments string
	Worktrees   string
	Logs        string
}

// Service owns session lifecycle: cloning, metadata, and branch
// operations on the session's main clone.
type Service struct {
	store      storage.Store
	runner     sandbox.Runner
	workspaces *workspace.Service
	auditor    *audit.Recorder
	cfg        *config.Config
	logger     *logger.Logger
	now        func() time.Time
}

// New creates a session service.
func New(store storage.Store, runner sandbox.Runner, workspaces *workspace.Service, auditor *audit.Recorder, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		store:      store,
		runner:     runner,
		workspaces: workspaces,
		auditor:    auditor,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "session")),
		now:        time.Now,
	}
}

// Create clones req.RepoURL into a fresh session tree and seeds the main
// worktree record. On any failure after directory creation the partial
// tree is removed before the error is returned.
func (s *Service) Create(ctx context.Context, workspaceID string, req *protocol.CreateSessionRequest) (*protocol.CreateSessionResponse, error) {
	if req == nil || strings.TrimSpace(req.RepoURL) == "" {
		return nil, apierr.Validation("repoUrl is required")
	}
	view, err := s.workspaces.ReadConfig(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	sessionID := ids.NewSessionID()
	d := s.Dirs(workspaceID, sessionID)

	cloneCtx, cancel := context.WithTimeout(ctx, s.cfg.Session.CloneTimeoutDuration())
	defer cancel()

	if err := s.makeTree(cloneCtx, workspaceID, d); err != nil {
		return nil, apierr.Internal("failed to create session directories", err)
	}
	if err := s.clone(cloneCtx, workspaceID, d, req); err != nil {
		s.rollback(workspaceID, d)
		return nil, err
	}
	branch, err := s.defaultBranch(cloneCtx, workspaceID, d)
	if err != nil {
		s.rollback(workspaceID, d)
		return nil, apierr.Internal("failed to resolve default branch", err)
	}

	nowMs := s.now().UnixMilli()
	session := &storage.Session{
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		RepoURL:        req.RepoURL,
		Name:           req.Name,
		RepositoryDir:  d.Repository,
		AttachmentsDir: d.Attachments,
		WorktreesDir:   d.Worktrees,
		LogsDir:        d.Logs,
		CreatedAt:      nowMs,
		LastActivityAt: nowMs,
	}
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.rollback(workspaceID, d)
		return nil, apierr.Internal("failed to persist session", err)
	}

	// The main pseudo-worktree aliases the clone's default branch. It is
	// idle from the start: the first user message spawns its agent.
	main := &storage.Worktree{
		SessionID:  sessionID,
		WorktreeID: protocol.MainWorktreeID,
		BranchName: branch,
		Status:     protocol.WorktreeIdle,
		Provider:   defaultProvider(view),
		CreatedAt:  nowMs,
	}
	if err := s.store.SaveWorktree(ctx, main); err != nil {
		s.rollback(workspaceID, d)
		return nil, apierr.Internal("failed to persist main worktree", err)
	}

	s.auditor.Record(ctx, workspaceID, audit.EventSessionCreated, map[string]any{
		"sessionId": sessionID,
		"repoUrl":   req.RepoURL,
	})
	s.logger.Info("session created",
		zap.String("workspace_id", workspaceID),
		zap.String("session_id", sessionID),
		zap.String("repo_url", req.RepoURL),
		zap.String("default_branch", branch))

	return &protocol.CreateSessionResponse{
		SessionID: sessionID,
		RepoURL:   req.RepoURL,
		Providers: view.Providers,
		Messages:  []protocol.ChatMessage{},
	}, nil
}

// Get returns a live session record. Soft-deleted sessions read as not
// found.
func (s *Service) Get(ctx context.Context, sessionID string) (*storage.Session, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, apierr.NotFound("session %s not found", sessionID)
		}
		return nil, apierr.Internal("failed to load session", err)
	}
	if session.DeletedAt != 0 {
		return nil, apierr.NotFound("session %s not found", sessionID)
	}
	return session, nil
}

// List returns the workspace's live sessions in wire form.
func (s *Service) List(ctx context.Context, workspaceID string) ([]*protocol.Session, error) {
	records, err := s.store.ListSessions(ctx, workspaceID)
	if err != nil {
		return nil, apierr.Internal("failed to list sessions", err)
	}
	out := make([]*protocol.Session, 0, len(records))
	for _, r := range records {
		out = append(out, r.ToAPI())
	}
	return out, nil
}

// Delete soft-deletes a session. The on-disk tree is kept so the clone
// can be inspected or recovered out of band; only the record is hidden.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.DeletedAt = s.now().UnixMilli()
	if err := s.store.SaveSession(ctx, session); err != nil {
		return apierr.Internal("failed to delete session", err)
	}
	s.logger.Info("session deleted", zap.String("session_id", sessionID))
	return nil
}

// TouchActivity bumps the session's last-activity timestamp. Called by
// the agent supervisor at turn boundaries; failures are logged and
// swallowed because activity tracking must never fail a turn.
func (s *Service) TouchActivity(ctx context.Context, sessionID string) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	session.LastActivityAt = s.now().UnixMilli()
	if err := s.store.SaveSession(ctx, session); err != nil {
		s.logger.Warn("failed to touch session activity",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Dirs computes the session directory layout without touching disk.
func (s *Service) Dirs(workspaceID, sessionID string) Dirs {
	base := filepath.Join(s.cfg.Workspace.RootDirectory, workspaceID, "sessions", sessionID)
	return Dirs{
		Base:        base,
		Repository:  filepath.Join(base, "repository"),
		Attachments: filepath.Join(base, "attachments"),
		Worktrees:   filepath.Join(base, "worktrees"),
		Logs:        filepath.Join(base, "logs"),
	}
}

// makeTree creates the session directories and sets their modes. The
// setgid bit keeps everything group-owned so the server group can read
// attachments and logs without write access.
func (s *Service) makeTree(ctx context.Context, workspaceID string, d Dirs) error {
	sessionsDir := filepath.Dir(d.Base)

	mk := sandbox.NewSpec(workspaceID, "mkdir", "-p", d.Repository, d.Attachments, d.Worktrees, d.Logs)
	mk.AllowRW = []string{sessionsDir}
	if _, err := s.runner.Run(ctx, mk); err != nil {
		return err
	}

	ch := sandbox.NewSpec(workspaceID, "chmod", "02750", d.Base, d.Repository, d.Attachments, d.Worktrees, d.Logs)
	ch.AllowRW = []string{sessionsDir}
	if _, err := s.runner.Run(ctx, ch); err != nil {
		return err
	}
	return nil
}

// clone runs git clone inside the sandbox. Network access is limited to
// the git ports and the session base is the only writable path.
func (s *Service) clone(ctx context.Context, workspaceID string, d Dirs, req *protocol.CreateSessionRequest) error {
	if req.Auth != nil && req.Auth.HTTPToken != "" {
		if err := s.writeGitConfig(ctx, workspaceID, d, req.Auth.HTTPToken); err != nil {
			return apierr.Internal("failed to install git credentials", err)
		}
	}

	spec := sandbox.NewSpec(workspaceID, "git", "clone", "--", req.RepoURL, d.Repository)
	spec.Cwd = d.Base
	spec.Net = cloneNet
	spec.Env = s.gitEnv(workspaceID, d, req.Auth)
	spec.AllowRW = []string{d.Base}
	spec.AllowRO = []string{s.homeDir(workspaceID)}
	if req.Auth != nil && req.Auth.SSHKeyPath != "" {
		spec.AllowROFile = []string{req.Auth.SSHKeyPath}
	}

	if _, err := s.runner.Run(ctx, spec); err != nil {
		s.logger.Warn("git clone failed",
			zap.String("workspace_id", workspaceID),
			zap.String("repo_url", req.RepoURL),
			zap.Error(err))
		// The runner embeds the stderr tail in err; clients need that to
		// fix a bad URL or credentials.
		return apierr.External(fmt.Sprintf("git clone failed: %v", err), nil)
	}
	return nil
}

// writeGitConfig streams a session-scoped git config through the sandbox
// so the token lands on disk without ever appearing in an argv.
func (s *Service) writeGitConfig(ctx context.Context, workspaceID string, d Dirs, token string) error {
	content := fmt.Sprintf("[credential]\n\thelper = \"!f() { echo username=x-access-token; echo password=%s; }; f\"\n", token)

	spec := sandbox.NewSpec(workspaceID, "tee", s.gitConfigPath(d))
	spec.AllowRW = []string{d.Logs}
	cmd := s.runner.Command(ctx, spec)
	cmd.Stdin = strings.NewReader(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("write git config: %v: %s", err, firstLine(out))
	}
	return nil
}

// gitEnv builds the environment for git commands. GIT_CONFIG_GLOBAL
// always points into the session logs dir; git tolerates the file being
// absent, and when HTTP credentials exist that is where they live.
func (s *Service) gitEnv(workspaceID string, d Dirs, auth *protocol.GitAuth) []string {
	env := []string{
		"GIT_TERMINAL_PROMPT=0",
		"HOME=" + s.homeDir(workspaceID),
		"GIT_CONFIG_GLOBAL=" + s.gitConfigPath(d),
	}
	if auth != nil && auth.SSHKeyPath != "" {
		env = append(env, fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes", auth.SSHKeyPath))
	}
	return env
}

func (s *Service) gitConfigPath(d Dirs) string {
	return filepath.Join(d.Logs, "gitconfig")
}

func (s *Service) homeDir(workspaceID string) string {
	return filepath.Join(s.cfg.Workspace.HomeBase, workspaceID)
}

// rollback removes a partially built session tree. Runs on a fresh
// context so cleanup still happens when the clone context timed out.
func (s *Service) rollback(workspaceID string, d Dirs) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.CloneTimeoutDuration())
	defer cancel()

	spec := sandbox.NewSpec(workspaceID, "rm", "-rf", "--", d.Base)
	spec.AllowRW = []string{filepath.Dir(d.Base)}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		s.logger.Error("failed to roll back session tree",
			zap.String("base", d.Base), zap.Error(err))
	}
}

// defaultBranch reads the clone's checked-out branch.
func (s *Service) defaultBranch(ctx context.Context, workspaceID string, d Dirs) (string, error) {
	spec := sandbox.NewSpec(workspaceID, "git", "symbolic-ref", "--short", "HEAD")
	spec.Cwd = d.Repository
	spec.AllowRO = []string{d.Repository}
	res, err := s.runner.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(res.Stdout)
	if branch == "" {
		// Detached HEAD (e.g. the remote advertises no symbolic HEAD).
		branch = "main"
	}
	return branch, nil
}

// defaultProvider picks the provider the main worktree starts with:
// the first enabled provider in key order.
func defaultProvider(view *protocol.WorkspaceView) string {
	keys := make([]string, 0, len(view.Providers))
	for key, p := range view.Providers {
		if p.Enabled {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	return keys[0]
}

func firstLine(b []byte) string {
	line := strings.TrimSpace(string(b))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	return line
}
