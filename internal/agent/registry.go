// Package agent supervises the LLM agent subprocesses. Each worktree
// that has been touched since the last server restart gets one
// supervisor running a single loop goroutine that multiplexes client
// commands, agent stdout frames, subprocess exits, and timers.
// Spawning goes through the sandbox runner, so every agent is confined
// to its workspace identity, its worktree paths, and its declared
// network policy.
package agent

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/workspace"
	"github.com/vibe80/vibe80/pkg/protocol"
)

// Definition describes how to launch one agent provider: the command
// line, the env key that receives the credential directory, where
// decoded workspace credentials land, and the models it offers.
type Definition struct {
	Name         string
	Command      string
	Args         []string
	ConfigDirEnv string
	Auth         workspace.AuthTarget
	Models       []protocol.ModelInfo
}

// DefaultModel returns the definition's default model id, or the first
// model when none is marked default.
func (d *Definition) DefaultModel() string {
	for _, m := range d.Models {
		if m.Default {
			return m.ID
		}
	}
	if len(d.Models) > 0 {
		return d.Models[0].ID
	}
	return ""
}

// Registry resolves provider names to launch definitions. Built-in
// definitions cover codex and claude; a providers file can add or
// override entries. A configured mock agent path replaces every
// command line, which is how dev runs and integration tests substitute
// a scripted agent.
type Registry struct {
	defs     map[string]Definition
	mockPath string
}

// NewRegistry builds the registry from the built-in definitions plus
// the optional providers file named in the agent configuration.
func NewRegistry(cfg config.AgentConfig) (*Registry, error) {
	r := &Registry{defs: builtins(), mockPath: cfg.MockAgentPath}
	if cfg.ProvidersFile != "" {
		if err := r.loadFile(cfg.ProvidersFile); err != nil {
			return nil, fmt.Errorf("failed to load providers file %s: %w", cfg.ProvidersFile, err)
		}
	}
	return r, nil
}

// Lookup resolves a provider name to its definition.
func (r *Registry) Lookup(provider string) (*Definition, error) {
	def, ok := r.defs[provider]
	if !ok {
		return nil, apierr.Validation("unknown provider %q", provider)
	}
	if r.mockPath != "" {
		def.Command = r.mockPath
		def.Args = []string{"--provider", provider}
	}
	return &def, nil
}

// Models returns the models a provider offers.
func (r *Registry) Models(provider string) ([]protocol.ModelInfo, error) {
	def, ok := r.defs[provider]
	if !ok {
		return nil, apierr.Validation("unknown provider %q", provider)
	}
	return def.Models, nil
}

// Providers returns the known provider names, sorted.
func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type registryFile struct {
	Providers []providerEntry `yaml:"providers"`
}

type providerEntry struct {
	Name         string   `yaml:"name"`
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	ConfigDirEnv string   `yaml:"configDirEnv"`
	Auth         struct {
		APIKeyEnv     string `yaml:"apiKeyEnv"`
		SetupTokenEnv string `yaml:"setupTokenEnv"`
		AuthFile      string `yaml:"authFile"`
	} `yaml:"auth"`
	Models []protocol.ModelInfo `yaml:"models"`
}

func (r *Registry) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, entry := range file.Providers {
		if entry.Name == "" || entry.Command == "" {
			return fmt.Errorf("provider entries need both name and command")
		}
		r.defs[entry.Name] = Definition{
			Name:         entry.Name,
			Command:      entry.Command,
			Args:         entry.Args,
			ConfigDirEnv: entry.ConfigDirEnv,
			Auth: workspace.AuthTarget{
				APIKeyEnv:     entry.Auth.APIKeyEnv,
				SetupTokenEnv: entry.Auth.SetupTokenEnv,
				AuthFile:      entry.Auth.AuthFile,
			},
			Models: entry.Models,
		}
	}
	return nil
}

func builtins() map[string]Definition {
	return map[string]Definition{
		"codex": {
			Name:         "codex",
			Command:      "codex",
			Args:         []string{"proto"},
			ConfigDirEnv: "CODEX_HOME",
			Auth: workspace.AuthTarget{
				APIKeyEnv: "OPENAI_API_KEY",
				AuthFile:  "auth.json",
			},
			Models: []protocol.ModelInfo{
				{ID: "gpt-5-codex", Name: "GPT-5 Codex", Default: true},
				{ID: "gpt-5", Name: "GPT-5"},
				{ID: "o4-mini", Name: "o4-mini"},
			},
		},
		"claude": {
			Name:         "claude",
			Command:      "claude",
			Args:         []string{"--input-format", "stream-json", "--output-format", "stream-json"},
			ConfigDirEnv: "CLAUDE_CONFIG_DIR",
			Auth: workspace.AuthTarget{
				APIKeyEnv:     "ANTHROPIC_API_KEY",
				SetupTokenEnv: "CLAUDE_CODE_OAUTH_TOKEN",
				AuthFile:      ".credentials.json",
			},
			Models: []protocol.ModelInfo{
				{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Default: true},
				{ID: "claude-opus-4-1", Name: "Claude Opus 4.1"},
				{ID: "claude-haiku-4-5", Name: "Claude Haiku 4.5"},
			},
		},
	}
}
