package agent

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/sandbox"
	"github.com/vibe80/vibe80/internal/storage"
	"github.com/vibe80/vibe80/internal/workspace"
)

// credentialSet is the spawn material derived from a workspace's
// provider credential: env entries for the agent process and the files
// the sandbox must expose read-only.
type credentialSet struct {
	env     []string
	roFiles []string
}

// materialiseCredentials decodes the workspace's credential for the
// provider and stages any credential files into the worktree's agent
// config directory. Files are written through the sandbox runner so
// they are owned by the workspace user, with the secret streamed over
// stdin rather than passed in argv. A deny flag on the worktree skips
// all of it and the agent runs uncredentialed.
func (s *Supervisor) materialiseCredentials(ctx context.Context, ws *storage.Workspace, def *Definition, configDir string, deny bool) (*credentialSet, error) {
	if deny {
		return &credentialSet{}, nil
	}

	provider, ok := ws.Providers[def.Name]
	if !ok || !provider.Enabled {
		return nil, apierr.Validation("provider %s is not enabled for this workspace", def.Name)
	}
	material, err := workspace.DecodeAuth(def.Name, provider.Auth, def.Auth)
	if err != nil {
		return nil, err
	}

	set := &credentialSet{env: material.Env}
	if def.ConfigDirEnv != "" {
		set.env = append(set.env, def.ConfigDirEnv+"="+configDir)
	}
	if len(material.Files) == 0 {
		return set, nil
	}

	if err := s.ensureDir(ctx, configDir, "0700"); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(material.Files))
	for name := range material.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(configDir, name)
		if err := s.writeFile(ctx, configDir, path, material.Files[name]); err != nil {
			return nil, err
		}
		set.roFiles = append(set.roFiles, path)
	}
	return set, nil
}

// ensureDir creates a directory inside the session tree and tightens
// its mode, both as the workspace user.
func (s *Supervisor) ensureDir(ctx context.Context, dir, mode string) error {
	spec := sandbox.NewSpec(s.workspaceID, "mkdir", "-p", dir)
	spec.AllowRW = []string{filepath.Dir(dir)}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return apierr.Internal("failed to create agent config dir", err)
	}
	spec = sandbox.NewSpec(s.workspaceID, "chmod", mode, dir)
	spec.AllowRW = []string{filepath.Dir(dir)}
	if _, err := s.runner.Run(ctx, spec); err != nil {
		return apierr.Internal("failed to set agent config dir mode", err)
	}
	return nil
}

// writeFile streams content to path through tee running as the
// workspace user. The content never appears in argv.
func (s *Supervisor) writeFile(ctx context.Context, dir, path string, content []byte) error {
	spec := sandbox.NewSpec(s.workspaceID, "tee", path)
	spec.AllowRW = []string{dir}
	cmd := s.runner.Command(ctx, spec)
	cmd.Stdin = bytes.NewReader(content)
	if out, err := cmd.CombinedOutput(); err != nil {
		return apierr.Internal("failed to write credential file: "+firstLine(out), err)
	}
	return nil
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}
