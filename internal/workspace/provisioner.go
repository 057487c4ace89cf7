package workspace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
	"github.com/vibe80/vibe80/internal/provision"
)

// Provisioner creates the OS-level footprint of a workspace: account,
// directory tree, metadata and secret files. Calls are idempotent;
// re-running after a partial failure converges.
type Provisioner interface {
	Provision(ctx context.Context, workspaceID, secretHash string) (*provision.Metadata, error)
}

// NewProvisioner selects the implementation for the deployment mode.
func NewProvisioner(cfg *config.Config, log *logger.Logger) Provisioner {
	if cfg.Deployment.Mode == config.ModeMultiUser {
		return NewCLIProvisioner(cfg.Workspace, log)
	}
	return NewLocalProvisioner(cfg.Workspace.RootDirectory, log)
}

// CLIProvisioner shells out to the root-owned create-workspace helper
// through password-less sudo and parses the identity line it prints.
type CLIProvisioner struct {
	sudoPath string
	toolPath string
	logger   *logger.Logger
}

var _ Provisioner = (*CLIProvisioner)(nil)

// NewCLIProvisioner creates a provisioner that delegates to sudo
// create-workspace.
func NewCLIProvisioner(cfg config.WorkspaceConfig, log *logger.Logger) *CLIProvisioner {
	sudo := cfg.SudoPath
	if sudo == "" {
		sudo = "/usr/bin/sudo"
	}
	return &CLIProvisioner{
		sudoPath: sudo,
		toolPath: cfg.ProvisionPath,
		logger:   log.WithFields(zap.String("component", "provisioner")),
	}
}

func (p *CLIProvisioner) Provision(ctx context.Context, workspaceID, secretHash string) (*provision.Metadata, error) {
	args := []string{p.toolPath, "--workspace-id", workspaceID}
	if secretHash != "" {
		args = append(args, "--secret-hash", secretHash)
	}
	cmd := exec.CommandContext(ctx, p.sudoPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Info("provisioning workspace", zap.String("workspace_id", workspaceID))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("create-workspace failed: %s", msg)
	}

	meta := &provision.Metadata{}
	if err := json.Unmarshal([]byte(lastLine(stdout.String())), meta); err != nil {
		return nil, fmt.Errorf("create-workspace printed no identity line: %w", err)
	}
	if meta.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("create-workspace provisioned %q, expected %q", meta.WorkspaceID, workspaceID)
	}
	return meta, nil
}

// lastLine returns the final non-empty line, skipping any warnings the
// helper may have logged to stdout before the identity line.
func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// LocalProvisioner builds the workspace tree directly as the server
// user. Used in mono-user deployments, which have no per-workspace OS
// accounts and no sudo configuration.
type LocalProvisioner struct {
	root   string
	logger *logger.Logger
}

var _ Provisioner = (*LocalProvisioner)(nil)

// NewLocalProvisioner creates the direct-filesystem provisioner.
func NewLocalProvisioner(root string, log *logger.Logger) *LocalProvisioner {
	return &LocalProvisioner{
		root:   root,
		logger: log.WithFields(zap.String("component", "provisioner")),
	}
}

func (p *LocalProvisioner) Provision(ctx context.Context, workspaceID, secretHash string) (*provision.Metadata, error) {
	dirs := []string{
		provision.MetadataDir(p.root, workspaceID),
		filepath.Join(p.root, workspaceID, "sessions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	meta := &provision.Metadata{WorkspaceID: workspaceID, UID: os.Getuid(), GID: os.Getgid()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(provision.MetadataPath(p.root, workspaceID), append(data, '\n'), 0o640); err != nil {
		return nil, fmt.Errorf("failed to write workspace metadata: %w", err)
	}
	if secretHash != "" {
		if err := os.WriteFile(provision.SecretPath(p.root, workspaceID), []byte(secretHash+"\n"), 0o640); err != nil {
			return nil, fmt.Errorf("failed to write workspace secret: %w", err)
		}
	}
	p.logger.Info("provisioned local workspace", zap.String("workspace_id", workspaceID))
	return meta, nil
}
