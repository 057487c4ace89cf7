package worktree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/audit"
	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage/memory"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// fakeRunner records specs and keys them by the command plus its leading
// non-flag arguments, so "git worktree add" and "git worktree remove"
// dispatch independently.
type fakeRunner struct {
	mu    sync.Mutex
	specs []*sandbox.Spec
	out   map[string]string
	fail  map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{out: map[string]string{}, fail: map[string]string{}}
}

func specKey(spec *sandbox.Spec) string {
	parts := []string{spec.Command}
	for _, arg := range spec.Args {
		if strings.HasPrefix(arg, "-") || strings.HasPrefix(arg, "/") {
			break
		}
		parts = append(parts, arg)
		if len(parts) == 3 {
			break
		}
	}
	return strings.Join(parts, " ")
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
	return &sandbox.RunResult{Stdout: f.out[key]}, nil
}

func (f *fakeRunner) record(spec *sandbox.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
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

func (f *fakeRunner) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (p *fakePublisher) PublishEvent(sessionID string, event protocol.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType())
	}
	return out
}

type fakeStopper struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeStopper) StopWorktree(ctx context.Context, sessionID, worktreeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, worktreeID)
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func boolPtr(b bool) *bool { return &b }

type testEnv struct {
	manager   *Manager
	runner    *fakeRunner
	store     *memory.Store
	publisher *fakePublisher
	stopper   *fakeStopper
	sessionID string
}

func newTestEnv(t *testing.T, quota int) *testEnv {
	t.Helper()
	store := memory.New()
	log := newTestLogger(t)
	auditor := audit.NewRecorder(store, nil, log)
	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{RootDirectory: root, HomeBase: "/home"},
		Session:   config.SessionConfig{WorktreeQuota: quota, CloneTimeout: 60},
	}

	workspaces := workspace.New(store, workspace.NewLocalProvisioner(root, log), auditor, log)
	ws, err := workspaces.Create(context.Background(), &protocol.CreateWorkspaceRequest{
		Providers: map[string]protocol.ProviderPatch{
			"codex": {
				Enabled: boolPtr(true),
				Auth:    &protocol.ProviderAuthInput{Type: "api_key", Value: "sk-test"},
			},
		},
	})
	require.NoError(t, err)

	runner := newFakeRunner()
	runner.out["git symbolic-ref"] = "main\n"
	sessions := session.New(store, runner, workspaces, auditor, cfg, log)
	sess, err := sessions.Create(context.Background(), ws.WorkspaceID, &protocol.CreateSessionRequest{
		RepoURL: "https://example.com/repo.git",
	})
	require.NoError(t, err)

	manager := NewManager(store, runner, sessions, workspaces, auditor, cfg, log)
	publisher := &fakePublisher{}
	stopper := &fakeStopper{}
	manager.SetPublisher(publisher)
	manager.SetAgentStopper(stopper)
	runner.reset()

	return &testEnv{
		manager:   manager,
		runner:    runner,
		store:     store,
		publisher: publisher,
		stopper:   stopper,
		sessionID: sess.SessionID,
	}
}

func (env *testEnv) create(t *testing.T, req *protocol.CreateWorktreeRequest) *protocol.Worktree {
	t.Helper()
	if req.SessionID == "" {
		req.SessionID = env.sessionID
	}
	if req.Provider == "" {
		req.Provider = "codex"
	}
	wt, err := env.manager.Create(context.Background(), req)
	require.NoError(t, err)
	return wt
}

func TestCreateWorktree(t *testing.T) {
	env := newTestEnv(t, 10)

	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	assert.Equal(t, protocol.WorktreeCreating, wt.Status)
	assert.Equal(t, "codex", wt.Provider)
	assert.True(t, strings.HasPrefix(wt.BranchName, "vibe80/"), wt.BranchName)

	add := env.runner.find(t, "git worktree add")
	assert.Contains(t, add.Args, "-b")
	assert.Contains(t, add.Args, wt.BranchName)
	// Base defaults to the main clone's branch.
	assert.Equal(t, "main", add.Args[len(add.Args)-1])
	assert.True(t, add.Seccomp)
	assert.Equal(t, string(sandbox.NetNone), add.Net)

	assert.Equal(t, []string{protocol.EventWorktreeCreated}, env.publisher.types())

	record, err := env.store.GetWorktree(context.Background(), env.sessionID, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorktreeCreating, record.Status)
}

func TestCreateWorktreeFromStartingBranch(t *testing.T) {
	env := newTestEnv(t, 10)

	env.create(t, &protocol.CreateWorktreeRequest{
		Context:        protocol.WorktreeContextNew,
		StartingBranch: "release/2.0",
	})
	add := env.runner.find(t, "git worktree add")
	assert.Equal(t, "release/2.0", add.Args[len(add.Args)-1])
}

func TestCreateWorktreeFork(t *testing.T) {
	env := newTestEnv(t, 10)
	src := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})

	fork := env.create(t, &protocol.CreateWorktreeRequest{
		Context:          protocol.WorktreeContextFork,
		SourceWorktreeID: src.WorktreeID,
	})
	assert.Equal(t, src.WorktreeID, fork.Config.ParentWorktreeID)

	specs := env.runner.keys()
	assert.Equal(t, "git worktree add", specs[len(specs)-1])
}

func TestCreateWorktreeForkRequiresSource(t *testing.T) {
	env := newTestEnv(t, 10)

	_, err := env.manager.Create(context.Background(), &protocol.CreateWorktreeRequest{
		SessionID: env.sessionID,
		Provider:  "codex",
		Context:   protocol.WorktreeContextFork,
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestCreateWorktreeQuota(t *testing.T) {
	// Quota 2: the seeded main record plus one extra.
	env := newTestEnv(t, 2)
	env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})

	_, err := env.manager.Create(context.Background(), &protocol.CreateWorktreeRequest{
		SessionID: env.sessionID,
		Provider:  "codex",
		Context:   protocol.WorktreeContextNew,
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindConflict))
}

func TestCreateWorktreeRejectsDisabledProvider(t *testing.T) {
	env := newTestEnv(t, 10)

	_, err := env.manager.Create(context.Background(), &protocol.CreateWorktreeRequest{
		SessionID: env.sessionID,
		Provider:  "claude",
		Context:   protocol.WorktreeContextNew,
	})
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestCloseWorktree(t *testing.T) {
	env := newTestEnv(t, 10)
	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	env.runner.reset()
	ctx := context.Background()

	require.NoError(t, env.manager.Close(ctx, env.sessionID, wt.WorktreeID))
	assert.Equal(t, []string{"git worktree remove", "git worktree prune"}, env.runner.keys())
	assert.Equal(t, []string{wt.WorktreeID}, env.stopper.calls)

	record, err := env.store.GetWorktree(ctx, env.sessionID, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorktreeClosed, record.Status)

	// Closing again is a no-op.
	env.runner.reset()
	require.NoError(t, env.manager.Close(ctx, env.sessionID, wt.WorktreeID))
	assert.Empty(t, env.runner.keys())
}

func TestCloseWorktreeRefusesMain(t *testing.T) {
	env := newTestEnv(t, 10)

	err := env.manager.Close(context.Background(), env.sessionID, protocol.MainWorktreeID)
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestCloseWorktreeFallsBackToRm(t *testing.T) {
	env := newTestEnv(t, 10)
	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	env.runner.reset()
	env.runner.fail["git worktree remove"] = "fatal: not a working tree"

	require.NoError(t, env.manager.Close(context.Background(), env.sessionID, wt.WorktreeID))
	assert.Equal(t, []string{"git worktree remove", "rm", "git worktree prune"}, env.runner.keys())
}

func TestListWorktreesExcludesClosed(t *testing.T) {
	env := newTestEnv(t, 10)
	keep := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	gone := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	require.NoError(t, env.manager.Close(context.Background(), env.sessionID, gone.WorktreeID))

	list, err := env.manager.List(context.Background(), env.sessionID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, protocol.MainWorktreeID, list[0].WorktreeID)
	assert.Equal(t, keep.WorktreeID, list[1].WorktreeID)
}

func TestUpdateStatusPublishes(t *testing.T) {
	env := newTestEnv(t, 10)
	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	ctx := context.Background()

	require.NoError(t, env.manager.UpdateStatus(ctx, env.sessionID, wt.WorktreeID, protocol.WorktreeReady))
	types := env.publisher.types()
	assert.Equal(t, protocol.EventWorktreeUpdated, types[len(types)-1])

	record, err := env.store.GetWorktree(ctx, env.sessionID, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorktreeReady, record.Status)

	// Same status again publishes nothing.
	before := len(env.publisher.types())
	require.NoError(t, env.manager.UpdateStatus(ctx, env.sessionID, wt.WorktreeID, protocol.WorktreeReady))
	assert.Len(t, env.publisher.types(), before)
}

func TestMergeWorktree(t *testing.T) {
	env := newTestEnv(t, 10)
	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	env.runner.reset()
	ctx := context.Background()

	require.NoError(t, env.manager.Merge(ctx, env.sessionID, wt.WorktreeID))

	merge := env.runner.find(t, "git merge")
	assert.Contains(t, merge.Args, wt.BranchName)
	assert.Contains(t, merge.Args, "--no-ff")

	record, err := env.store.GetWorktree(ctx, env.sessionID, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorktreeCompleted, record.Status)

	types := env.publisher.types()
	assert.Equal(t, protocol.EventWorktreeMergeResult, types[len(types)-1])
}

func TestMergeConflictAborts(t *testing.T) {
	env := newTestEnv(t, 10)
	wt := env.create(t, &protocol.CreateWorktreeRequest{Context: protocol.WorktreeContextNew})
	env.runner.reset()
	env.runner.fail["git merge"] = "CONFLICT (content): Merge conflict in main.go"
	ctx := context.Background()

	require.NoError(t, env.manager.Merge(ctx, env.sessionID, wt.WorktreeID))

	keys := env.runner.keys()
	assert.Equal(t, 2, strings.Count(strings.Join(keys, ","), "git merge"))

	record, err := env.store.GetWorktree(ctx, env.sessionID, wt.WorktreeID)
	require.NoError(t, err)
	assert.Equal(t, protocol.WorktreeMergeConflict, record.Status)
}

func TestBranchNameValidation(t *testing.T) {
	assert.True(t, validBranchName("feature/login"))
	assert.True(t, validBranchName("v1.2.3"))
	assert.False(t, validBranchName("-rf"))
	assert.False(t, validBranchName("a..b"))
	assert.False(t, validBranchName("x@{1}"))
	assert.False(t, validBranchName("name.lock"))
	assert.False(t, validBranchName(""))

	assert.Equal(t, "fix-login-bug", SanitizeBranchName("Fix Login  Bug!", 30))
	assert.Equal(t, "abcde", SanitizeBranchName("abcdefgh", 5))
}
