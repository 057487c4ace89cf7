package worktree

import (
	"context"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// Merge result values carried by worktree_merge_result events.
const (
	MergeResultMerged   = "merged"
	MergeResultConflict = "conflict"
)

// Merge merges the worktree's branch into the session's main branch. The
// worktree passes through merging and lands in completed, or in
// merge_conflict with the merge aborted and the main clone left clean.
func (m *Manager) Merge(ctx context.Context, sessionID, worktreeID string) error {
	if worktreeID == protocol.MainWorktreeID {
		return apierr.Validation("the main worktree has nothing to merge into")
	}
	record, err := m.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	if record.Status == protocol.WorktreeClosed {
		return apierr.Validation("worktree %s is closed", worktreeID)
	}
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := m.UpdateStatus(ctx, sessionID, worktreeID, protocol.WorktreeMerging); err != nil {
		return err
	}

	lock := m.repoLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	merge := sandbox.NewSpec(sess.WorkspaceID, "git", "merge", "--no-ff", "--", record.BranchName)
	merge.Cwd = sess.RepositoryDir
	merge.AllowRW = []string{sess.RepositoryDir}
	if _, err := m.runner.Run(ctx, merge); err != nil {
		abort := sandbox.NewSpec(sess.WorkspaceID, "git", "merge", "--abort")
		abort.Cwd = sess.RepositoryDir
		abort.AllowRW = []string{sess.RepositoryDir}
		if _, abortErr := m.runner.Run(ctx, abort); abortErr != nil {
			m.logger.Warn("git merge --abort failed",
				zap.String("session_id", sessionID), zap.Error(abortErr))
		}

		if statusErr := m.UpdateStatus(ctx, sessionID, worktreeID, protocol.WorktreeMergeConflict); statusErr != nil {
			return statusErr
		}
		m.publish(sessionID, protocol.NewWorktreeMergeResult(worktreeID, MergeResultConflict, err.Error()))
		m.logger.Info("merge conflict",
			zap.String("session_id", sessionID),
			zap.String("worktree_id", worktreeID),
			zap.String("branch", record.BranchName))
		return nil
	}

	if err := m.UpdateStatus(ctx, sessionID, worktreeID, protocol.WorktreeCompleted); err != nil {
		return err
	}
	m.publish(sessionID, protocol.NewWorktreeMergeResult(worktreeID, MergeResultMerged, ""))
	m.logger.Info("merged worktree",
		zap.String("session_id", sessionID),
		zap.String("worktree_id", worktreeID),
		zap.String("branch", record.BranchName))
	return nil
}
