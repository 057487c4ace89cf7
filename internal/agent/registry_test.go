package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibe80/vibe80/internal/common/apierr"
	"github.com/vibe80/vibe80/internal/common/config"
)

func TestRegistryBuiltins(t *testing.T) {
	r, err := NewRegistry(config.AgentConfig{})
	require.NoError(t, err)

	assert.Equal(t, []string{"claude", "codex"}, r.Providers())

	codex, err := r.Lookup("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex", codex.Command)
	assert.Equal(t, []string{"proto"}, codex.Args)
	assert.Equal(t, "CODEX_HOME", codex.ConfigDirEnv)
	assert.Equal(t, "OPENAI_API_KEY", codex.Auth.APIKeyEnv)
	assert.Equal(t, "gpt-5-codex", codex.DefaultModel())

	claude, err := r.Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, "CLAUDE_CODE_OAUTH_TOKEN", claude.Auth.SetupTokenEnv)
	assert.Equal(t, ".credentials.json", claude.Auth.AuthFile)
	assert.Equal(t, "claude-sonnet-4-5", claude.DefaultModel())

	models, err := r.Models("codex")
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.True(t, models[0].Default)
}

func TestRegistryUnknownProvider(t *testing.T) {
	r, err := NewRegistry(config.AgentConfig{})
	require.NoError(t, err)

	_, err = r.Lookup("gemini")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))

	_, err = r.Models("gemini")
	require.Error(t, err)
	assert.True(t, apierr.IsKind(err, apierr.KindValidation))
}

func TestRegistryMockOverride(t *testing.T) {
	r, err := NewRegistry(config.AgentConfig{MockAgentPath: "/usr/local/bin/mock-agent"})
	require.NoError(t, err)

	def, err := r.Lookup("claude")
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/mock-agent", def.Command)
	assert.Equal(t, []string{"--provider", "claude"}, def.Args)
	// The credential wiring is untouched so mock runs still exercise it.
	assert.Equal(t, "CLAUDE_CONFIG_DIR", def.ConfigDirEnv)
}

func TestRegistryProvidersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	file := `providers:
  - name: aider
    command: aider
    args: ["--stream-json"]
    configDirEnv: AIDER_HOME
    auth:
      apiKeyEnv: AIDER_API_KEY
    models:
      - id: deepseek-v3
        name: DeepSeek V3
        default: true
  - name: codex
    command: codex-nightly
    args: ["proto"]
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o600))

	r, err := NewRegistry(config.AgentConfig{ProvidersFile: path})
	require.NoError(t, err)

	assert.Equal(t, []string{"aider", "claude", "codex"}, r.Providers())

	aider, err := r.Lookup("aider")
	require.NoError(t, err)
	assert.Equal(t, "aider", aider.Command)
	assert.Equal(t, "AIDER_API_KEY", aider.Auth.APIKeyEnv)
	assert.Equal(t, "deepseek-v3", aider.DefaultModel())

	// File entries override builtins wholesale.
	codex, err := r.Lookup("codex")
	require.NoError(t, err)
	assert.Equal(t, "codex-nightly", codex.Command)
	assert.Empty(t, codex.Models)
}

func TestRegistryProvidersFileRejectsIncompleteEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - name: broken\n"), 0o600))

	_, err := NewRegistry(config.AgentConfig{ProvidersFile: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name and command")
}
