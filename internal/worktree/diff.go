package worktree

import (
	"context"
	"fmt"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// Diff reports the working-tree state of a worktree on demand: porcelain
// status plus the unified diff against HEAD. The post-turn repo_diff
// event carries the same shape; this is the pull counterpart for clients
// that reconnect or render a review screen.
func (m *Manager) Diff(ctx context.Context, sessionID, worktreeID string) (*protocol.WorktreeDiff, error) {
	wt, err := m.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	if wt.Status == protocol.WorktreeClosed {
		return nil, apierr.NotFound("worktree %s is closed", worktreeID)
	}
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	dir := m.Dir(sess, worktreeID)

	status, err := m.runGit(ctx, sess, dir, "status", "--porcelain")
	if err != nil {
		return nil, apierr.External(fmt.Sprintf("git status failed: %v", err), nil)
	}
	diff, err := m.runGit(ctx, sess, dir, "diff")
	if err != nil {
		return nil, apierr.External(fmt.Sprintf("git diff failed: %v", err), nil)
	}
	return &protocol.WorktreeDiff{Status: status, Diff: diff}, nil
}

func (m *Manager) runGit(ctx context.Context, sess *storage.Session, dir string, args ...string) (string, error) {
	spec := sandbox.NewSpec(sess.WorkspaceID, "git", args...)
	spec.Cwd = dir
	if dir == sess.RepositoryDir {
		spec.AllowRW = []string{dir}
	} else {
		// Linked worktrees keep their index under the clone's .git.
		spec.AllowRW = []string{dir, sess.RepositoryDir}
	}
	res, err := m.runner.Run(ctx, spec)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}
