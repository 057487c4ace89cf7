// Package provision implements the create-workspace helper: it converges
// a workspace's OS user, group, and directory tree to the provisioned
// state. Every step checks before it creates, so re-running after a
// partial failure completes the remainder; nothing is rolled back.
package provision

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/common/logger"
)

// Directory mode for the workspace tree: setgid so new files inherit the
// workspace group, no world access so other workspaces cannot traverse.
const treeMode = os.FileMode(0o750) | os.ModeSetgid

// Config collects the provisioner's filesystem and account layout.
type Config struct {
	WorkspaceRoot string
	HomeBase      string
	ServerGroup   string
}

// Provisioner converges workspaces on the host.
type Provisioner struct {
	sys    System
	cfg    Config
	logger *logger.Logger
}

// New creates a Provisioner over the given system backend.
func New(sys System, cfg Config, log *logger.Logger) *Provisioner {
	return &Provisioner{sys: sys, cfg: cfg, logger: log.WithFields(zap.String("component", "provisioner"))}
}

// Provision creates (or completes) the OS user, group, directory tree,
// and metadata for a workspace. secretHash, when non-empty, is written
// to metadata/workspace.secret readable by the server group.
func (p *Provisioner) Provision(workspaceID, secretHash string) (*Metadata, error) {
	if !ids.ValidWorkspaceID(workspaceID) {
		return nil, fmt.Errorf("invalid workspace id %q", workspaceID)
	}

	gid, err := p.ensureGroup(workspaceID)
	if err != nil {
		return nil, err
	}
	uid, err := p.ensureUser(workspaceID, gid)
	if err != nil {
		return nil, err
	}

	if err := p.ensureTree(workspaceID, uid, gid); err != nil {
		return nil, err
	}

	meta := &Metadata{WorkspaceID: workspaceID, UID: uid, GID: gid}
	if err := p.writeMetadata(meta, gid); err != nil {
		return nil, err
	}
	if secretHash != "" {
		if err := p.writeSecret(workspaceID, secretHash, uid); err != nil {
			return nil, err
		}
	}

	p.logger.Info("workspace provisioned",
		zap.String("workspace_id", workspaceID),
		zap.Int("uid", uid),
		zap.Int("gid", gid))
	return meta, nil
}

func (p *Provisioner) ensureGroup(workspaceID string) (int, error) {
	gid, err := p.sys.LookupGroup(workspaceID)
	if err == nil {
		return gid, nil
	}
	if !errors.Is(err, ErrNotExists) {
		return 0, fmt.Errorf("failed to look up group %s: %w", workspaceID, err)
	}
	if err := p.sys.CreateGroup(workspaceID); err != nil {
		return 0, fmt.Errorf("failed to create group %s: %w", workspaceID, err)
	}
	gid, err = p.sys.LookupGroup(workspaceID)
	if err != nil {
		return 0, fmt.Errorf("group %s missing after create: %w", workspaceID, err)
	}
	return gid, nil
}

func (p *Provisioner) ensureUser(workspaceID string, gid int) (int, error) {
	uid, _, err := p.sys.LookupUser(workspaceID)
	if err == nil {
		return uid, nil
	}
	if !errors.Is(err, ErrNotExists) {
		return 0, fmt.Errorf("failed to look up user %s: %w", workspaceID, err)
	}
	homeDir := filepath.Join(p.cfg.HomeBase, workspaceID)
	if err := p.sys.CreateUser(workspaceID, gid, homeDir); err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", workspaceID, err)
	}
	uid, _, err = p.sys.LookupUser(workspaceID)
	if err != nil {
		return 0, fmt.Errorf("user %s missing after create: %w", workspaceID, err)
	}
	return uid, nil
}

func (p *Provisioner) ensureTree(workspaceID string, uid, gid int) error {
	root := filepath.Join(p.cfg.WorkspaceRoot, workspaceID)
	for _, dir := range []string{root, MetadataDir(p.cfg.WorkspaceRoot, workspaceID), filepath.Join(root, "sessions")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
		if err := p.sys.Chown(dir, uid, gid); err != nil {
			return fmt.Errorf("failed to chown %s: %w", dir, err)
		}
		if err := os.Chmod(dir, treeMode); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", dir, err)
		}
	}
	return nil
}

func (p *Provisioner) writeMetadata(meta *Metadata, gid int) error {
	path := MetadataPath(p.cfg.WorkspaceRoot, meta.WorkspaceID)
	data := fmt.Sprintf("{\"workspaceId\":%q,\"uid\":%d,\"gid\":%d}\n", meta.WorkspaceID, meta.UID, meta.GID)
	if err := os.WriteFile(path, []byte(data), 0o640); err != nil {
		return fmt.Errorf("failed to write workspace metadata: %w", err)
	}
	if err := p.sys.Chown(path, meta.UID, gid); err != nil {
		return fmt.Errorf("failed to chown workspace metadata: %w", err)
	}
	return nil
}

// writeSecret stores the secret hash readable by the server group only,
// so the unprivileged server can verify logins without reading workspace
// files as the workspace user.
func (p *Provisioner) writeSecret(workspaceID, secretHash string, uid int) error {
	serverGID, err := p.sys.LookupGroup(p.cfg.ServerGroup)
	if err != nil {
		return fmt.Errorf("failed to look up server group %s: %w", p.cfg.ServerGroup, err)
	}

	path := SecretPath(p.cfg.WorkspaceRoot, workspaceID)
	if err := os.WriteFile(path, []byte(secretHash+"\n"), 0o640); err != nil {
		return fmt.Errorf("failed to write workspace secret: %w", err)
	}
	if err := p.sys.Chown(path, uid, serverGID); err != nil {
		return fmt.Errorf("failed to chown workspace secret: %w", err)
	}
	return nil
}
