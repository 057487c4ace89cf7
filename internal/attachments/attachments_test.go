package attachments

import (
	"bytes"
	"context"
	"fmt"
	"os"
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
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/storage/memory"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// execRunner records specs and executes them directly, unconfined. The
// attachments service only issues tee and mkdir, both safe to run
// against a test temp dir.
type execRunner struct {
	mu    sync.Mutex
	specs []*sandbox.Spec
}

func (f *execRunner) record(spec *sandbox.Spec) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
}

func (f *execRunner) Command(ctx context.Context, spec *sandbox.Spec) *exec.Cmd {
	f.record(spec)
	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.Cwd
	return cmd
}

func (f *execRunner) Run(ctx context.Context, spec *sandbox.Spec) (*sandbox.RunResult, error) {
	cmd := f.Command(ctx, spec)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return &sandbox.RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 1},
			fmt.Errorf("%s failed: %s", spec.Command, stderr.String())
	}
	return &sandbox.RunResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func (f *execRunner) find(command string) *sandbox.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, spec := range f.specs {
		if spec.Command == command {
			return spec
		}
	}
	return nil
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

type attachEnv struct {
	svc    *Service
	store  *memory.Store
	runner *execRunner
	dirs   session.Dirs
}

func newAttachEnv(t *testing.T) *attachEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		Workspace: config.WorkspaceConfig{RootDirectory: root, HomeBase: "/home"},
		Session:   config.SessionConfig{WorktreeQuota: 10, CloneTimeout: 60},
	}
	log := newTestLogger(t)
	store := memory.New()
	auditor := audit.NewRecorder(store, nil, log)
	runner := &execRunner{}
	sessions := session.New(store, runner, nil, auditor, cfg, log)
	worktrees := worktree.NewManager(store, runner, sessions, nil, auditor, cfg, log)

	dirs := sessions.Dirs("ws1", "s1")
	for _, d := range []string{dirs.Repository, dirs.Attachments, dirs.Worktrees, dirs.Logs} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	now := time.Now().UnixMilli()
	require.NoError(t, store.SaveSession(context.Background(), &storage.Session{
		SessionID:      "s1",
		WorkspaceID:    "ws1",
		RepoURL:        "https://example.com/repo.git",
		RepositoryDir:  dirs.Repository,
		AttachmentsDir: dirs.Attachments,
		WorktreesDir:   dirs.Worktrees,
		LogsDir:        dirs.Logs,
		CreatedAt:      now,
		LastActivityAt: now,
	}))
	require.NoError(t, store.SaveWorktree(context.Background(), &storage.Worktree{
		SessionID:  "s1",
		WorktreeID: protocol.MainWorktreeID,
		BranchName: "main",
		Status:     protocol.WorktreeIdle,
		Provider:   "codex",
		CreatedAt:  now,
	}))

	return &attachEnv{
		svc:    New(runner, sessions, worktrees, cfg, log),
		store:  store,
		runner: runner,
		dirs:   dirs,
	}
}

func (env *attachEnv) addWorktree(t *testing.T, worktreeID, status string) string {
	t.Helper()
	require.NoError(t, env.store.SaveWorktree(context.Background(), &storage.Worktree{
		SessionID:  "s1",
		WorktreeID: worktreeID,
		BranchName: "vibe80/" + worktreeID,
		Status:     status,
		Provider:   "codex",
		CreatedAt:  time.Now().UnixMilli(),
	}))
	dir := filepath.Join(env.dirs.Worktrees, worktreeID)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	return dir
}

func TestUploadRoundTrip(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	att, err := env.svc.Upload(ctx, "s1", "notes.txt", strings.NewReader("hello attachments"))
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", att.Name)
	assert.Equal(t, filepath.Join("sessions", "s1", "attachments", "notes.txt"), att.Path)
	assert.Equal(t, int64(len("hello attachments")), att.Size)
	assert.Contains(t, att.MimeType, "text/plain")

	data, err := os.ReadFile(filepath.Join(env.dirs.Attachments, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello attachments", string(data))

	spec := env.runner.find("tee")
	require.NotNil(t, spec)
	assert.Equal(t, "ws1", spec.WorkspaceID)
	assert.Equal(t, []string{env.dirs.Attachments}, spec.AllowRW)
	// The payload must never ride in argv.
	assert.Equal(t, []string{filepath.Join(env.dirs.Attachments, "notes.txt")}, spec.Args)
}

func TestUploadCollisionGetsSuffix(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	first, err := env.svc.Upload(ctx, "s1", "report.pdf", strings.NewReader("v1"))
	require.NoError(t, err)
	second, err := env.svc.Upload(ctx, "s1", "report.pdf", strings.NewReader("v2"))
	require.NoError(t, err)

	assert.Equal(t, "report.pdf", first.Name)
	assert.Equal(t, "report-1.pdf", second.Name)

	data, err := os.ReadFile(filepath.Join(env.dirs.Attachments, "report-1.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestUploadRejectsUnusableNames(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "a/.."} {
		_, err := env.svc.Upload(ctx, "s1", name, strings.NewReader("x"))
		assert.True(t, apierr.IsKind(err, apierr.KindValidation), "name %q", name)
	}

	// A path-qualified name is reduced to its base, not rejected.
	att, err := env.svc.Upload(ctx, "s1", "dir/sub/ok.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "ok.txt", att.Name)
}

func TestUploadUnknownSession(t *testing.T) {
	env := newAttachEnv(t)
	_, err := env.svc.Upload(context.Background(), "ghost", "a.txt", strings.NewReader("x"))
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestDownloadAcceptsBothPathForms(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	att, err := env.svc.Upload(ctx, "s1", "data.json", strings.NewReader(`{"k":1}`))
	require.NoError(t, err)

	for _, path := range []string{att.Path, "data.json"} {
		rc, meta, err := env.svc.Open(ctx, "s1", path)
		require.NoError(t, err, "path %q", path)
		body := new(bytes.Buffer)
		_, err = body.ReadFrom(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		assert.Equal(t, `{"k":1}`, body.String())
		assert.Equal(t, "data.json", meta.Name)
		assert.Equal(t, int64(7), meta.Size)
	}
}

func TestDownloadRejectsEscapes(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(env.dirs.Repository, "secret"), []byte("no"), 0o644))

	for _, path := range []string{
		"../repository/secret",
		"../../s1/repository/secret",
	} {
		_, _, err := env.svc.Open(ctx, "s1", path)
		assert.True(t, apierr.IsKind(err, apierr.KindValidation), "path %q", path)
	}

	// Absolute paths are treated as directory-relative, so this probes
	// attachments/etc/passwd and misses rather than escaping.
	_, _, err := env.svc.Open(ctx, "s1", "/etc/passwd")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestDownloadRejectsSymlinkEscape(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "outside.txt")
	require.NoError(t, os.WriteFile(outside, []byte("leak"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(env.dirs.Attachments, "link.txt")))
	require.NoError(t, os.Symlink(filepath.Dir(outside), filepath.Join(env.dirs.Attachments, "linkdir")))

	_, _, err := env.svc.Open(ctx, "s1", "link.txt")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, _, err = env.svc.Open(ctx, "s1", "linkdir/outside.txt")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestDownloadMissingIsNotFound(t *testing.T) {
	env := newAttachEnv(t)
	_, _, err := env.svc.Open(context.Background(), "s1", "nope.bin")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestListTruncatesAtCeiling(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()

	for i := 0; i < listCeiling+5; i++ {
		name := filepath.Join(env.dirs.Attachments, fmt.Sprintf("f%03d.txt", i))
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(env.dirs.Attachments, "subdir"), 0o755))

	list, err := env.svc.List(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, list.Attachments, listCeiling)
	assert.True(t, list.Truncated)
	assert.Equal(t, "f000.txt", list.Attachments[0].Name)
	assert.Equal(t, int64(1), list.Attachments[0].Size)
}

func TestListEmptySession(t *testing.T) {
	env := newAttachEnv(t)
	list, err := env.svc.List(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, list.Attachments)
	assert.False(t, list.Truncated)
}

func TestWorktreeFileReads(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()
	dir := env.addWorktree(t, "wt-1", protocol.WorktreeReady)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.go"), []byte("package main\n"), 0o644))

	file, err := env.svc.WorktreeFile(ctx, "s1", "wt-1", "src/main.go")
	require.NoError(t, err)
	assert.Equal(t, "package main\n", file.Content)
	assert.False(t, file.Binary)
	assert.Equal(t, int64(13), file.Size)

	// The main pseudo-worktree resolves to the repository clone.
	require.NoError(t, os.WriteFile(filepath.Join(env.dirs.Repository, "README.md"), []byte("# repo"), 0o644))
	file, err = env.svc.WorktreeFile(ctx, "s1", protocol.MainWorktreeID, "README.md")
	require.NoError(t, err)
	assert.Equal(t, "# repo", file.Content)
}

func TestWorktreeFileBinaryIsBase64(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()
	dir := env.addWorktree(t, "wt-1", protocol.WorktreeReady)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	file, err := env.svc.WorktreeFile(ctx, "s1", "wt-1", "blob.bin")
	require.NoError(t, err)
	assert.True(t, file.Binary)
	assert.Equal(t, "//4AAQ==", file.Content)
}

func TestWorktreeFileRejectsTraversalAndDirs(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()
	dir := env.addWorktree(t, "wt-1", protocol.WorktreeReady)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "docs"), 0o755))

	_, err := env.svc.WorktreeFile(ctx, "s1", "wt-1", "../../repository/README.md")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = env.svc.WorktreeFile(ctx, "s1", "wt-1", "docs")
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = env.svc.WorktreeFile(ctx, "s1", "wt-1", "missing.go")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestWorktreeFileClosedWorktree(t *testing.T) {
	env := newAttachEnv(t)
	env.addWorktree(t, "wt-gone", protocol.WorktreeClosed)

	_, err := env.svc.WorktreeFile(context.Background(), "s1", "wt-gone", "x")
	assert.True(t, apierr.IsKind(err, apierr.KindNotFound))
}

func TestWriteWorktreeFileCreatesParents(t *testing.T) {
	env := newAttachEnv(t)
	ctx := context.Background()
	dir := env.addWorktree(t, "wt-1", protocol.WorktreeReady)

	err := env.svc.WriteWorktreeFile(ctx, "s1", "wt-1", "docs/new/readme.md", []byte("fresh"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "docs", "new", "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(data))

	mkdir := env.runner.find("mkdir")
	require.NotNil(t, mkdir)
	assert.Equal(t, []string{dir}, mkdir.AllowRW)
	tee := env.runner.find("tee")
	require.NotNil(t, tee)
	assert.Equal(t, []string{dir}, tee.AllowRW)
}

func TestWriteWorktreeFileRejectsEscape(t *testing.T) {
	env := newAttachEnv(t)
	env.addWorktree(t, "wt-1", protocol.WorktreeReady)

	err := env.svc.WriteWorktreeFile(context.Background(), "s1", "wt-1", "../escape.txt", []byte("x"))
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}
