package session

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage/memory"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// fakeRunner records every spec it is asked to execute. Output and
// failures are keyed by "command firstArg" (e.g. "git clone"); paths in
// the first position fall back to the bare command.
type fakeRunner struct {
	mu     sync.Mutex
	specs  []*sandbox.Spec
	stdout map[string]string
	fail   map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{stdout: map[string]string{}, fail: map[string]string{}}
}

func specKey(spec *sandbox.Spec) string {
	if len(spec.Args) > 0 && !strings.HasPrefix(spec.Args[0], "/") {
		return spec.Command + " " + spec.Args[0]
	}
	return spec.Command
}

func (f *fakeRunner) record(spec *sandbox.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
}

func (f *fakeRunner) Command(ctx context.Context, spec *sandbox.Spec) *exec.Cmd {
	f.record(spec)
	return exec.CommandContext(ctx, "true")
}

func (f *fakeRunner) Run(ctx context.Context, spec *sandbox.Spec) (*sandbox.RunResult, error) {
	f.record(spec)
	key := specKey(spec)
	if msg, ok := f.fail[key]; ok {
		return &sandbox.RunResult{ExitCode: 1, Stderr: msg},
			fmt.Errorf("%s exited 1: %s", spec.Command, msg)
	}
	return &sandbox.RunResult{Stdout: f.stdout[key]}, nil
}

func (f *fakeRunner) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.specs))
	for _, spec := range f.specs {
		out = append(out, specKey(spec))
	}
	return out
}

func (f *fakeRunner) find(t *testing.T, key string) *sandbox.Spec {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, spec := range f.specs {
		if specKey(spec) == key {
			return spec
		}
	}
	t.Fatalf("no %q command was run; saw %v", key, f.keys())
	return nil
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func boolPtr(b bool) *bool { return &b }

// newTestEnv wires a session service over the in-memory store with a
// fake runner and one codex-enabled workspace.
func newTestEnv(t *testing.T) (*Service, *fakeRunner, *memory.Store, string) {
	t.Helper()
	store := memory.New()
	log := newTestLogger(t)
	auditor := audit.NewRecorder(store, nil, log)
	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{RootDirectory: root, HomeBase: "/home"},
		Session:   config.SessionConfig{WorktreeQuota: 10, CloneTimeout: 60},
	}

	workspaces := workspace.New(store, workspace.NewLocalProvisioner(root, log), auditor, log)
	resp, err := workspaces.Create(context.Background(), &protocol.CreateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {
				Enabled: boolPtr(true),
				Auth:    &protocol.ProviderAuthInput{Type: "api_key", Value: "sk-test"},
			},
		},
	})
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.stdout["git symbolic-ref"] = "trunk\n"
	svc := New(store, runner, workspaces, auditor, cfg, log)
	return svc, runner, store, resp.WorkspaceID
}

func TestCreateSessionRunsCloneFlow(t *testing.T) {
	svc, runner, store, workspaceID := newTestEnv(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, workspaceID, &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/repo.git",
		Name:    "demo",
	})
	require.NoError(t, err)
	require.True(t, ids.ValidSessionID(resp.SessionID))
	assert.Equal(t, "https://example.com/repo.git", resp.RepoURL)
	assert.NotNil(t, resp.Messages)
	assert.Empty(t, resp.Messages)
	require.Contains(t, resp.Providers, "codex")
	assert.True(t, resp.Providers["codex"].Enabled)

	assert.Equal(t, []string{"mkdir -p", "chmod 02750", "git clone", "git symbolic-ref"}, runner.keys())

	d := svc.Dirs(workspaceID, resp.SessionID)
	clone := runner.find(t, "git clone")
	assert.Equal(t, d.Base, clone.Cwd)
	assert.Equal(t, cloneNet, clone.Net)
	assert.True(t, clone.Seccomp)
	assert.Equal(t, []string{d.Base}, clone.AllowRW)
	assert.Contains(t, clone.Env, "GIT_TERMINAL_PROMPT=0")
	assert.Contains(t, clone.Env, "HOME=/home/"+workspaceID)
	assert.Contains(t, clone.Env, "GIT_CONFIG_GLOBAL="+filepath.Join(d.Logs, "gitconfig"))
	assert.Equal(t, []string{"clone", "--", "https://example.com/repo.git", d.Repository}, clone.Args)

	chmod := runner.find(t, "chmod 02750")
	assert.Contains(t, chmod.Args, d.Base)
	assert.Contains(t, chmod.Args, d.Attachments)

	session, err := store.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, workspaceID, session.WorkspaceID)
	assert.Equal(t, d.Repository, session.RepositoryDir)
	assert.Equal(t, "demo", session.Name)

	main, err := store.GetWorktree(ctx, resp.SessionID, protocol.MainWorktreeID)
	require.NoError(t, err)
	assert.Equal(t, "trunk", main.BranchName)
	assert.Equal(t, protocol.WorktreeIdle, main.Status)
	assert.Equal(t, "codex", main.Provider)

	events, err := store.ListAuditEvents(ctx, workspaceID, 10)
	require.NoError(t, err)
	var names []string
	for _, e := range events {
		names = append(names, e.Event)
	}
	assert.Contains(t, names, audit.EventSessionCreated)
}

func TestCreateSessionInstallsHTTPCredentialHelper(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)

	resp, err := svc.Create(context.Background(), workspaceID, &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/private.git",
		Auth:    &protocol.GitAuth{HTTPToken: "ghp_secret"},
	})
	require.NoError(t, err)

	d := svc.Dirs(workspaceID, resp.SessionID)
	tee := runner.find(t, "tee")
	assert.Equal(t, []string{filepath.Join(d.Logs, "gitconfig")}, tee.Args)
	assert.Equal(t, []string{d.Logs}, tee.AllowRW)

	// The token travels over stdin, never in argv.
	for _, arg := range tee.Args {
		assert.NotContains(t, arg, "ghp_secret")
	}
}

func TestCreateSessionWiresSSHKey(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)

	_, err := svc.Create(context.Background(), workspaceID, &protocol.CreateSessionRequest{
		RepoURL: "git@example.com:repo.git",
		Auth:    &protocol.GitAuth{SSHKeyPath: "/home/" + workspaceID + "/.ssh/id_ed25519"},
	})
	require.NoError(t, err)

	clone := runner.find(t, "git clone")
	assert.Contains(t, clone.Env,
		"GIT_SSH_COMMAND=ssh -i /home/"+workspaceID+"/.ssh/id_ed25519 -o IdentitiesOnly=yes")
	assert.Contains(t, clone.AllowROFile, "/home/"+workspaceID+"/.ssh/id_ed25519")
}

func TestCreateSessionRollsBackOnCloneFailure(t *testing.T) {
	svc, runner, store, workspaceID := newTestEnv(t)
	runner.fail["git clone"] = "fatal: repository not found"

	_, err := svc.Create(context.Background(), workspaceID, &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/missing.git",
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindExternal))
	assert.Contains(t, err.Error(), "repository not found")

	assert.Equal(t, []string{"mkdir -p", "chmod 02750", "git clone", "rm -rf"}, runner.keys())

	sessions, err := store.ListSessions(context.Background(), workspaceID)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCreateSessionValidatesRepoURL(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)

	_, err := svc.Create(context.Background(), workspaceID, &protocol.CreateSessionRequest{RepoURL: "   "})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Empty(t, runner.keys())
}

func TestCreateSessionUnknownWorkspace(t *testing.T) {
	svc, runner, _, _ := newTestEnv(t)

	_, err := svc.Create(context.Background(), "w999999999999999999999999", &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/repo.git",
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
	assert.Empty(t, runner.keys())
}

func createTestSession(t *testing.T, svc *Service, workspaceID string) string {
	t.Helper()
	resp, err := svc.Create(context.Background(), workspaceID, &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/repo.git",
	})
	require.NoError(t, err)
	return resp.SessionID
}

func TestListBranchesParsesOutput(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)
	runner.stdout["git branch"] = "*trunk\n dev\n origin/trunk\n origin/HEAD\n"

	branches, err := svc.ListBranches(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, branches, 3)
	assert.Equal(t, protocol.Branch{Name: "trunk", Current: true}, branches[0])
	assert.Equal(t, protocol.Branch{Name: "dev"}, branches[1])
	assert.Equal(t, protocol.Branch{Name: "origin/trunk", Remote: true}, branches[2])
}

func TestCreateBranchValidatesName(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)
	before := len(runner.keys())

	err := svc.CreateBranch(context.Background(), sessionID, "-rf", "")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
	assert.Len(t, runner.keys(), before)

	require.NoError(t, svc.CreateBranch(context.Background(), sessionID, "feature/x", ""))
	branch := runner.find(t, "git branch")
	assert.Equal(t, []string{"branch", "--", "feature/x"}, branch.Args)
}

func TestSwitchBranchConflictWhenCheckedOut(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)
	runner.fail["git switch"] = "fatal: 'dev' is already used by worktree at '/x'"

	err := svc.SwitchBranch(context.Background(), sessionID, "dev")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestSwitchBranchUpdatesMainRecord(t *testing.T) {
	svc, _, store, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)

	require.NoError(t, svc.SwitchBranch(context.Background(), sessionID, "dev"))

	main, err := store.GetWorktree(context.Background(), sessionID, protocol.MainWorktreeID)
	require.NoError(t, err)
	assert.Equal(t, "dev", main.BranchName)
}

func TestFetchBranchesOpensNetwork(t *testing.T) {
	svc, runner, _, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)

	require.NoError(t, svc.FetchBranches(context.Background(), sessionID))
	fetch := runner.find(t, "git fetch")
	assert.Equal(t, cloneNet, fetch.Net)
	assert.Contains(t, fetch.Env, "GIT_TERMINAL_PROMPT=0")
}

func TestDeleteHidesSession(t *testing.T) {
	svc, _, _, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)
	ctx := context.Background()

	require.NoError(t, svc.Delete(ctx, sessionID))

	_, err := svc.Get(ctx, sessionID)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))

	sessions, err := svc.List(ctx, workspaceID)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	// Deleting twice reads as not found, same as reading.
	err = svc.Delete(ctx, sessionID)
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestTouchActivityBumpsTimestamp(t *testing.T) {
	svc, _, store, workspaceID := newTestEnv(t)
	sessionID := createTestSession(t, svc, workspaceID)
	ctx := context.Background()

	before, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)

	later := time.Now().Add(time.Minute)
	svc.now = func() time.Time { return later }
	svc.TouchActivity(ctx, sessionID)

	after, err := store.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Greater(t, after.LastActivityAt, before.LastActivityAt)
}
