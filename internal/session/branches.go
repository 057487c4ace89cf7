package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// localGitSpec builds a spec for a git command that stays inside the
// session clone: no network, repository writable.
func localGitSpec(workspaceID, repoDir string, args ...string) *sandbox.Spec {
	spec := sandbox.NewSpec(workspaceID, "git", args...)
	spec.Cwd = repoDir
	spec.AllowRW = []string{repoDir}
	return spec
}

// ListBranches returns local and remote branches of the session clone.
// The current branch is flagged; symbolic refs like origin/HEAD are
// dropped.
func (s *Service) ListBranches(ctx context.Context, sessionID string) ([]protocol.Branch, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	spec := localGitSpec(session.WorkspaceID, session.RepositoryDir,
		"branch", "-a", "--format=%(HEAD)%(refname:short)")
	res, err := s.runner.Run(ctx, spec)
	if err != nil {
		return nil, apierr.Internal("failed to list branches", err)
	}

	var branches []protocol.Branch
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		current := strings.HasPrefix(line, "*")
		name := strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if name == "" || strings.HasSuffix(name, "/HEAD") {
			continue
		}
		branches = append(branches, protocol.Branch{
			Name:    name,
			Current: current,
			Remote:  strings.Contains(name, "/"),
		})
	}
	return branches, nil
}

// CreateBranch creates a local branch. With from empty the branch starts
// at the current HEAD.
func (s *Service) CreateBranch(ctx context.Context, sessionID, name, from string) error {
	if !branchNamePattern.MatchString(name) {
		return apierr.Validation("invalid branch name %q", name)
	}
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	args := []string{"branch", "--", name}
	if from != "" {
		if !branchNamePattern.MatchString(from) {
			return apierr.Validation("invalid branch name %q", from)
		}
		args = append(args, from)
	}
	spec := localGitSpec(session.WorkspaceID, session.RepositoryDir, args...)
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return apierr.Validation("git branch failed: %v", err)
	}
	return nil
}

// FetchBranches refreshes all remotes of the session clone.
func (s *Service) FetchBranches(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	d := s.Dirs(session.WorkspaceID, session.SessionID)

	spec := localGitSpec(session.WorkspaceID, session.RepositoryDir,
		"fetch", "--all", "--prune")
	spec.Net = cloneNet
	spec.Env = s.gitEnv(session.WorkspaceID, d, nil)
	spec.AllowRO = []string{s.homeDir(session.WorkspaceID)}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return apierr.External(fmt.Sprintf("git fetch failed: %v", err), nil)
	}
	return nil
}

// SwitchBranch checks out a branch in the session's main clone. Git
// refuses to switch to a branch held by a linked worktree; that surfaces
// as a conflict.
func (s *Service) SwitchBranch(ctx context.Context, sessionID, name string) error {
	if !branchNamePattern.MatchString(name) {
		return apierr.Validation("invalid branch name %q", name)
	}
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	spec := localGitSpec(session.WorkspaceID, session.RepositoryDir,
		"switch", "--", name)
	if _, err := s.runner.Run(ctx, spec); err != nil {
		if strings.Contains(err.Error(), "already used by worktree") ||
			strings.Contains(err.Error(), "already checked out") {
			return apierr.Conflict("branch %s is checked out by a worktree", name)
		}
		return apierr.Validation("git switch failed: %v", err)
	}

	// Keep the main pseudo-worktree record pointing at the clone's branch.
	main, err := s.store.GetWorktree(ctx, sessionID, protocol.MainWorktreeID)
	if err == nil {
		main.BranchName = name
		if err := s.store.SaveWorktree(ctx, main); err != nil {
			return apierr.Internal("failed to update main worktree record", err)
		}
	}
	return nil
}
