// Package worktree manages Git worktrees inside a session clone. Each
// worktree is an isolated checkout an agent works on; git runs through
// the sandbox runner as the workspace user.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// EventPublisher fans worktree lifecycle events out to a session's
// subscribers. Implemented by the event router.
type EventPublisher interface {
	PublishEvent(sessionID string, event protocol.Event)
}

// AgentStopper shuts an agent down before its worktree directory is
// removed. Implemented by the agent manager.
type AgentStopper interface {
	StopWorktree(ctx context.Context, sessionID, worktreeID string)
}

// Manager owns worktree lifecycle for all sessions.
type Manager struct {
	store      storage.Store
	runner     sandbox.Runner
	sessions   *session.Service
	workspaces *workspace.Service
	auditor    *audit.Recorder
	cfg        *config.Config
	logger     *logger.Logger
	now        func() time.Time

	publisher EventPublisher
	stopper   AgentStopper

	// git worktree mutates shared .git state; serialise per session.
	repoLocks  map[string]*sync.Mutex
	repoLockMu sync.Mutex
}

// NewManager creates the worktree manager.
func NewManager(store storage.Store, runner sandbox.Runner, sessions *session.Service, workspaces *workspace.Service, auditor *audit.Recorder, cfg *config.Config, log *logger.Logger) *Manager {
	return &Manager{
		store:      store,
		runner:     runner,
		sessions:   sessions,
		workspaces: workspaces,
		auditor:    auditor,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "worktree-manager")),
		now:        time.Now,
		repoLocks:  make(map[string]*sync.Mutex),
	}
}

// SetPublisher wires the event router in after construction.
func (m *Manager) SetPublisher(p EventPublisher) { m.publisher = p }

// SetAgentStopper wires the agent manager in after construction.
func (m *Manager) SetAgentStopper(s AgentStopper) { m.stopper = s }

func (m *Manager) repoLock(sessionID string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()
	lock, ok := m.repoLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.repoLocks[sessionID] = lock
	}
	return lock
}

// Create adds a git worktree under <session>/worktrees/<worktreeId> and
// persists its record in status creating. context=new branches off
// req.StartingBranch (default: the main clone's branch); context=fork
// branches off the source worktree's tree.
func (m *Manager) Create(ctx context.Context, req *protocol.CreateWorktreeRequest) (*protocol.Worktree, error) {
	if req.Provider == "" {
		return nil, apierr.Validation("provider is required")
	}
	sess, err := m.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	ws, err := m.workspaces.Get(ctx, sess.WorkspaceID)
	if err != nil {
		return nil, err
	}
	provider, ok := ws.Providers[req.Provider]
	if !ok || !provider.Enabled {
		return nil, apierr.Validation("provider %s is not enabled for this workspace", req.Provider)
	}

	active, err := m.activeCount(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if active >= m.cfg.Session.WorktreeQuota {
		return nil, apierr.Conflict("worktree limit reached (%d active)", m.cfg.Session.WorktreeQuota)
	}

	cfgCopy := req.Config
	base, err := m.resolveBase(ctx, req, &cfgCopy)
	if err != nil {
		return nil, err
	}

	worktreeID := ids.NewWorktreeID()
	branch, err := branchForWorktree(req.BranchName, worktreeID)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(sess.WorktreesDir, worktreeID)

	lock := m.repoLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	add := sandbox.NewSpec(sess.WorkspaceID, "git", "worktree", "add", "-b", branch, path, base)
	add.Cwd = sess.RepositoryDir
	add.AllowRW = []string{sess.RepositoryDir, sess.WorktreesDir}
	if _, err := m.runner.Run(ctx, add); err != nil {
		m.logger.Error("git worktree add failed",
			zap.String("session_id", req.SessionID),
			zap.String("branch", branch),
			zap.Error(err))
		return nil, apierr.External(fmt.Sprintf("git worktree add failed: %v", err), nil)
	}

	record := &storage.Worktree{
		SessionID:  req.SessionID,
		WorktreeID: worktreeID,
		BranchName: branch,
		Status:     protocol.WorktreeCreating,
		Provider:   req.Provider,
		Config:     cfgCopy,
		Color:      req.Color,
		CreatedAt:  m.now().UnixMilli(),
	}
	if err := m.store.SaveWorktree(ctx, record); err != nil {
		m.removeDir(ctx, sess, path)
		return nil, apierr.Internal("failed to persist worktree", err)
	}

	m.auditor.Record(ctx, sess.WorkspaceID, audit.EventWorktreeCreated, map[string]any{
		"sessionId":  req.SessionID,
		"worktreeId": worktreeID,
		"provider":   req.Provider,
	})
	m.publish(req.SessionID, protocol.NewWorktreeCreated(*record.ToAPI()))
	m.logger.Info("created worktree",
		zap.String("session_id", req.SessionID),
		zap.String("worktree_id", worktreeID),
		zap.String("branch", branch),
		zap.String("base", base))

	return record.ToAPI(), nil
}

// resolveBase picks the commit-ish the new worktree branches from.
func (m *Manager) resolveBase(ctx context.Context, req *protocol.CreateWorktreeRequest, cfg *protocol.WorktreeConfig) (string, error) {
	switch req.Context {
	case protocol.WorktreeContextNew, "":
		if req.StartingBranch != "" {
			if !validBranchName(req.StartingBranch) {
				return "", apierr.Validation("invalid starting branch %q", req.StartingBranch)
			}
			return req.StartingBranch, nil
		}
		main, err := m.Get(ctx, req.SessionID, protocol.MainWorktreeID)
		if err != nil {
			return "", err
		}
		return main.BranchName, nil
	case protocol.WorktreeContextFork:
		if req.SourceWorktreeID == "" {
			return "", apierr.Validation("sourceWorktreeId is required for a fork")
		}
		src, err := m.Get(ctx, req.SessionID, req.SourceWorktreeID)
		if err != nil {
			return "", err
		}
		if src.Status == protocol.WorktreeClosed {
			return "", apierr.Validation("source worktree %s is closed", req.SourceWorktreeID)
		}
		cfg.ParentWorktreeID = src.WorktreeID
		return src.BranchName, nil
	default:
		return "", apierr.Validation("unknown worktree context %q", req.Context)
	}
}

// Close stops the worktree's agent, removes its directory, and marks the
// record closed. Closing main is refused; closing twice is a no-op.
func (m *Manager) Close(ctx context.Context, sessionID, worktreeID string) error {
	if worktreeID == protocol.MainWorktreeID {
		return apierr.Validation("the main worktree cannot be closed")
	}
	record, err := m.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	if record.Status == protocol.WorktreeClosed {
		return nil
	}
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if m.stopper != nil {
		m.stopper.StopWorktree(ctx, sessionID, worktreeID)
	}

	lock := m.repoLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(sess.WorktreesDir, worktreeID)
	m.removeDir(ctx, sess, path)

	prune := sandbox.NewSpec(sess.WorkspaceID, "git", "worktree", "prune")
	prune.Cwd = sess.RepositoryDir
	prune.AllowRW = []string{sess.RepositoryDir}
	if _, err := m.runner.Run(ctx, prune); err != nil {
		m.logger.Warn("git worktree prune failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	record.Status = protocol.WorktreeClosed
	if err := m.store.SaveWorktree(ctx, record); err != nil {
		return apierr.Internal("failed to mark worktree closed", err)
	}

	m.auditor.Record(ctx, sess.WorkspaceID, audit.EventWorktreeClosed, map[string]any{
		"sessionId":  sessionID,
		"worktreeId": worktreeID,
	})
	m.publish(sessionID, protocol.NewWorktreeClosed(worktreeID))
	m.logger.Info("closed worktree",
		zap.String("session_id", sessionID),
		zap.String("worktree_id", worktreeID))
	return nil
}

// removeDir removes a worktree checkout, falling back to rm -rf when git
// no longer knows the path.
func (m *Manager) removeDir(ctx context.Context, sess *storage.Session, path string) {
	remove := sandbox.NewSpec(sess.WorkspaceID, "git", "worktree", "remove", "--force", path)
	remove.Cwd = sess.RepositoryDir
	remove.AllowRW = []string{sess.RepositoryDir, sess.WorktreesDir}
	if _, err := m.runner.Run(ctx, remove); err == nil {
		return
	}
	rm := sandbox.NewSpec(sess.WorkspaceID, "rm", "-rf", "--", path)
	rm.AllowRW = []string{sess.WorktreesDir}
	if _, err := m.runner.Run(ctx, rm); err != nil {
		m.logger.Warn("failed to remove worktree directory",
			zap.String("path", path), zap.Error(err))
	}
}

// List returns the session's worktrees that are not closed, main first,
// then by creation time.
func (m *Manager) List(ctx context.Context, sessionID string) ([]protocol.Worktree, error) {
	if _, err := m.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	records, err := m.store.ListWorktrees(ctx, sessionID)
	if err != nil {
		return nil, apierr.Internal("failed to list worktrees", err)
	}
	var out []protocol.Worktree
	for _, r := range records {
		if r.Status == protocol.WorktreeClosed {
			continue
		}
		out = append(out, *r.ToAPI())
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].WorktreeID == protocol.MainWorktreeID) != (out[j].WorktreeID == protocol.MainWorktreeID) {
			return out[i].WorktreeID == protocol.MainWorktreeID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out, nil
}

// Get returns a worktree record.
func (m *Manager) Get(ctx context.Context, sessionID, worktreeID string) (*storage.Worktree, error) {
	record, err := m.store.GetWorktree(ctx, sessionID, worktreeID)
	if err != nil {
		if errors.Is(err, storage.ErrWorktreeNotFound) {
			return nil, apierr.NotFound("worktree %s not found", worktreeID)
		}
		return nil, apierr.Internal("failed to load worktree", err)
	}
	return record, nil
}

// UpdateStatus persists a status transition and broadcasts the updated
// record. Transition legality is the supervisor's concern; this only
// records the outcome.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID, worktreeID, status string) error {
	record, err := m.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	if record.Status == status {
		return nil
	}
	record.Status = status
	if err := m.store.SaveWorktree(ctx, record); err != nil {
		return apierr.Internal("failed to update worktree status", err)
	}
	m.publish(sessionID, protocol.NewWorktreeUpdated(*record.ToAPI()))
	return nil
}

// Dir returns the worktree's checkout directory; main resolves to the
// session's repository clone.
func (m *Manager) Dir(sess *storage.Session, worktreeID string) string {
	if worktreeID == protocol.MainWorktreeID {
		return sess.RepositoryDir
	}
	return filepath.Join(sess.WorktreesDir, worktreeID)
}

func (m *Manager) activeCount(ctx context.Context, sessionID string) (int, error) {
	records, err := m.store.ListWorktrees(ctx, sessionID)
	if err != nil {
		return 0, apierr.Internal("failed to count worktrees", err)
	}
	count := 0
	for _, r := range records {
		if r.Status != protocol.WorktreeClosed {
			count++
		}
	}
	return count, nil
}

func (m *Manager) publish(sessionID string, event protocol.Event) {
	if m.publisher != nil {
		m.publisher.PublishEvent(sessionID, event)
	}
}
