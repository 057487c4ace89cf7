// Package attachments implements session-scoped file access: uploads
// into the session's attachments directory, raw downloads, directory
// listings, and explorer reads and writes inside a worktree checkout.
// Every client path is resolved and confined before any filesystem
// touch; writes go through the sandbox runner as the workspace user
// while reads use the group-read grant on the session tree.
package attachments

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/session"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/worktree"
	"github.com/vibe80/vibe80/pkg/protocol"
)

const (
	// listCeiling caps directory listings; larger directories return
	// the first entries with the truncated flag set.
	listCeiling = 200
	// maxExplorerBytes caps JSON-embedded file reads. Raw attachment
	// downloads stream and carry no cap.
	maxExplorerBytes = 10 * 1024 * 1024
	// nameAttempts bounds the collision suffixes tried on upload.
	nameAttempts = 100
)

// Service owns attachment storage and explorer access for sessions.
type Service struct {
	runner    sandbox.Runner
	sessions  *session.Service
	worktrees *worktree.Manager
	cfg       *config.Config
	logger    *logger.Logger
}

// New creates the attachments service.
func New(runner sandbox.Runner, sessions *session.Service, worktrees *worktree.Manager, cfg *config.Config, log *logger.Logger) *Service {
	return &Service{
		runner:    runner,
		sessions:  sessions,
		worktrees: worktrees,
		cfg:       cfg,
		logger:    log.WithFields(zap.String("component", "attachments")),
	}
}

// Upload streams src into the session's attachments directory as the
// workspace user and returns the stored attachment. A name that is
// already taken gets a numeric suffix instead of overwriting.
func (s *Service) Upload(ctx context.Context, sessionID, filename string, src io.Reader) (*protocol.Attachment, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	name, err := safeName(filename)
	if err != nil {
		return nil, err
	}

	dir := filepath.Clean(sess.AttachmentsDir)
	stored, err := availableName(dir, name)
	if err != nil {
		return nil, err
	}
	dst := filepath.Join(dir, stored)

	spec := sandbox.NewSpec(sess.WorkspaceID, "tee", dst)
	spec.Cwd = dir
	spec.AllowRW = []string{dir}
	cmd := s.runner.Command(ctx, spec)
	counter := &countingReader{r: src}
	cmd.Stdin = counter
	// tee echoes the payload; discard it instead of buffering.
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, apierr.Internal("failed to store attachment: "+firstLine(stderr.Bytes()), err)
	}

	att := &protocol.Attachment{
		Name:     stored,
		Path:     s.workspaceRel(sess, dst),
		Size:     counter.n,
		MimeType: mime.TypeByExtension(filepath.Ext(stored)),
	}
	s.logger.Info("attachment stored",
		zap.String("session_id", sessionID),
		zap.String("name", stored),
		zap.Int64("size", att.Size))
	return att, nil
}

// Open returns a reader over a stored attachment together with its
// metadata. The caller closes the reader. Paths are accepted in the
// workspace-relative form Upload hands out or as a bare name.
func (s *Service) Open(ctx context.Context, sessionID, reqPath string) (io.ReadCloser, *protocol.Attachment, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	full, err := s.attachmentTarget(sess, reqPath)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return nil, nil, apierr.NotFound("attachment %s not found", reqPath)
	}
	file, err := os.Open(full)
	if err != nil {
		return nil, nil, apierr.Internal("failed to open attachment", err)
	}
	att := &protocol.Attachment{
		Name:     filepath.Base(full),
		Path:     s.workspaceRel(sess, full),
		Size:     info.Size(),
		MimeType: mime.TypeByExtension(filepath.Ext(full)),
	}
	return file, att, nil
}

// List returns the session's attachments, truncated at the listing
// ceiling.
func (s *Service) List(ctx context.Context, sessionID string) (*protocol.AttachmentList, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Clean(sess.AttachmentsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierr.Internal("failed to list attachments", err)
	}

	out := &protocol.AttachmentList{Attachments: []protocol.Attachment{}}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if len(out.Attachments) == listCeiling {
			out.Truncated = true
			break
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out.Attachments = append(out.Attachments, protocol.Attachment{
			Name:     entry.Name(),
			Path:     s.workspaceRel(sess, filepath.Join(dir, entry.Name())),
			Size:     info.Size(),
			MimeType: mime.TypeByExtension(filepath.Ext(entry.Name())),
		})
	}
	return out, nil
}

// WorktreeFile reads a file inside a worktree checkout for the explorer.
// Content that is not valid UTF-8 comes back base64-encoded with the
// binary flag set.
func (s *Service) WorktreeFile(ctx context.Context, sessionID, worktreeID, reqPath string) (*protocol.FileContent, error) {
	dir, err := s.worktreeDir(ctx, sessionID, worktreeID)
	if err != nil {
		return nil, err
	}
	full, err := resolveUnder(dir, reqPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return nil, apierr.NotFound("file %s not found", reqPath)
	}
	if info.IsDir() {
		return nil, apierr.Validation("path %s is a directory", reqPath)
	}
	if info.Size() > maxExplorerBytes {
		return nil, apierr.Validation("file %s is too large to read inline", reqPath)
	}
	content, err := os.ReadFile(full)
	if err != nil {
		return nil, apierr.Internal("failed to read file", err)
	}

	out := &protocol.FileContent{Path: reqPath, Size: info.Size()}
	if utf8.Valid(content) {
		out.Content = string(content)
	} else {
		out.Content = base64.StdEncoding.EncodeToString(content)
		out.Binary = true
	}
	return out, nil
}

// WriteWorktreeFile writes content to a file inside a worktree checkout
// through the sandbox runner, creating parent directories as needed.
func (s *Service) WriteWorktreeFile(ctx context.Context, sessionID, worktreeID, reqPath string, content []byte) error {
	dir, err := s.worktreeDir(ctx, sessionID, worktreeID)
	if err != nil {
		return err
	}
	full, err := resolveUnder(dir, reqPath)
	if err != nil {
		return err
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if parent := filepath.Dir(full); parent != dir {
		spec := sandbox.NewSpec(sess.WorkspaceID, "mkdir", "-p", parent)
		spec.AllowRW = []string{dir}
		if _, err := s.runner.Run(ctx, spec); err != nil {
			return apierr.Internal("failed to create directory", err)
		}
	}

	spec := sandbox.NewSpec(sess.WorkspaceID, "tee", full)
	spec.Cwd = dir
	spec.AllowRW = []string{dir}
	cmd := s.runner.Command(ctx, spec)
	cmd.Stdin = bytes.NewReader(content)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return apierr.Internal("failed to write file: "+firstLine(stderr.Bytes()), err)
	}
	return nil
}

// worktreeDir resolves the checkout directory of an open worktree.
func (s *Service) worktreeDir(ctx context.Context, sessionID, worktreeID string) (string, error) {
	wt, err := s.worktrees.Get(ctx, sessionID, worktreeID)
	if err != nil {
		return "", err
	}
	if wt.Status == protocol.WorktreeClosed {
		return "", apierr.NotFound("worktree %s is closed", worktreeID)
	}
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Clean(s.worktrees.Dir(sess, worktreeID)), nil
}

// attachmentTarget resolves a download path. Clients send back the
// workspace-relative path Upload returned, so that form is tried against
// the workspace root first; anything else resolves against the
// attachments directory itself. Either way the result must stay inside
// the session's attachments directory.
func (s *Service) attachmentTarget(sess *storage.Session, reqPath string) (string, error) {
	root := filepath.Clean(sess.AttachmentsDir)
	clean := filepath.Clean(reqPath)

	var candidate string
	switch {
	case filepath.IsAbs(clean):
		if inside(root, clean) {
			candidate = clean
		} else {
			candidate = filepath.Join(root, clean)
		}
	default:
		candidate = filepath.Join(s.workspaceRoot(sess.WorkspaceID), clean)
		if !inside(root, candidate) {
			candidate = filepath.Join(root, clean)
		}
	}
	return confine(root, candidate, reqPath)
}

func (s *Service) workspaceRoot(workspaceID string) string {
	return filepath.Join(s.cfg.Workspace.RootDirectory, workspaceID)
}

// workspaceRel converts an absolute path inside the workspace tree to
// the workspace-relative form used on the wire.
func (s *Service) workspaceRel(sess *storage.Session, full string) string {
	rel, err := filepath.Rel(s.workspaceRoot(sess.WorkspaceID), full)
	if err != nil {
		return filepath.Base(full)
	}
	return rel
}

// resolveUnder resolves a client path against root and rejects anything
// that escapes it. Absolute paths already inside root pass through;
// other absolute paths are treated as root-relative.
func resolveUnder(root, reqPath string) (string, error) {
	cleanRoot := filepath.Clean(root)
	clean := filepath.Clean(reqPath)

	var full string
	if filepath.IsAbs(clean) && inside(cleanRoot, clean) {
		full = clean
	} else {
		full = filepath.Join(cleanRoot, clean)
	}
	return confine(cleanRoot, full, reqPath)
}

// confine verifies that full stays inside root, first lexically and
// then with symlinks resolved over the existing portion of the path,
// so a link planted inside the tree cannot point a request outside it.
func confine(root, full, reqPath string) (string, error) {
	if !inside(root, full) {
		return "", apierr.Validation("path %s escapes its directory", reqPath)
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", apierr.Internal("failed to resolve path", err)
	}
	real, err := resolveExisting(full)
	if err != nil {
		return "", apierr.Internal("failed to resolve path", err)
	}
	if !inside(realRoot, real) {
		return "", apierr.Validation("path %s escapes its directory", reqPath)
	}
	return full, nil
}

func inside(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// resolveExisting evaluates symlinks over the longest existing prefix
// of path and reattaches the rest, so targets that do not exist yet can
// still be checked.
func resolveExisting(path string) (string, error) {
	rest := ""
	for {
		real, err := filepath.EvalSymlinks(path)
		if err == nil {
			return filepath.Join(real, rest), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		rest = filepath.Join(filepath.Base(path), rest)
		parent := filepath.Dir(path)
		if parent == path {
			return "", err
		}
		path = parent
	}
}

// safeName reduces a client filename to a bare, usable base name.
func safeName(filename string) (string, error) {
	name := filepath.Base(strings.TrimSpace(filename))
	if name == "" || name == "." || name == ".." || name == string(os.PathSeparator) {
		return "", apierr.Validation("attachment name %q is not usable", filename)
	}
	return name, nil
}

// availableName returns name, or name with a numeric suffix when the
// target already exists.
func availableName(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; i <= nameAttempts; i++ {
		if _, err := os.Stat(filepath.Join(dir, candidate)); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	return "", apierr.Conflict("too many attachments named %s", name)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
