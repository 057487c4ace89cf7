package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// allowedCommands is the closed set of binaries a sandboxed process may
// exec. Everything else is rejected before fork.
var allowedCommands = map[string]bool{
	"git":         true,
	"ssh-keyscan": true,
	"mkdir":       true,
	"chmod":       true,
	"cat":         true,
	"rm":          true,
	"ls":          true,
	"stat":        true,
	"head":        true,
	"find":        true,
	"tee":         true,
	"env":         true,
	"id":          true,
	"bash":        true,
	"sh":          true,
	"codex":       true,
	"claude":      true,
}

// allowedEnvKeys is the closed set of environment keys a caller may pass
// through: the git/terminal basics plus the credential keys the agent
// supervisor materialises for the LLM CLIs.
var allowedEnvKeys = map[string]bool{
	"GIT_SSH_COMMAND":     true,
	"GIT_CONFIG_GLOBAL":   true,
	"GIT_TERMINAL_PROMPT": true,
	"TERM":                true,
	"TMPDIR":              true,
	"HOME":                true,
	"OPENAI_API_KEY":          true,
	"ANTHROPIC_API_KEY":       true,
	"CLAUDE_CODE_OAUTH_TOKEN": true,
	"CODEX_HOME":              true,
	"CLAUDE_CONFIG_DIR":       true,
}

var pathDirs = strings.Split(ForcedPath, ":")

// ResolveCommand maps a command name or absolute path to the absolute
// path that will be executed. The base name must be allow-listed and the
// binary must live under one of the forced PATH directories.
func ResolveCommand(command string) (string, error) {
	if command == "" {
		return "", fmt.Errorf("%w: empty command", ErrCommandNotAllowed)
	}
	base := filepath.Base(command)
	if !allowedCommands[base] {
		return "", fmt.Errorf("%w: %s", ErrCommandNotAllowed, base)
	}

	if filepath.IsAbs(command) {
		if !underPathDirs(command) {
			return "", fmt.Errorf("%w: %s is outside the forced PATH", ErrCommandNotAllowed, command)
		}
		if !isExecutable(command) {
			return "", fmt.Errorf("%w: %s is not executable", ErrCommandNotAllowed, command)
		}
		return command, nil
	}
	if strings.ContainsRune(command, os.PathSeparator) {
		return "", fmt.Errorf("%w: relative paths are not accepted", ErrCommandNotAllowed)
	}

	for _, dir := range pathDirs {
		candidate := filepath.Join(dir, base)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s not found in %s", ErrCommandNotAllowed, base, ForcedPath)
}

// ValidateEnv checks every KEY=VALUE pair against the env allow-list.
func ValidateEnv(env []string) error {
	for _, kv := range env {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: malformed entry %q", ErrEnvNotAllowed, kv)
		}
		if !allowedEnvKeys[key] {
			return fmt.Errorf("%w: %s", ErrEnvNotAllowed, key)
		}
	}
	return nil
}

func underPathDirs(path string) bool {
	dir := filepath.Dir(path)
	for _, allowed := range pathDirs {
		if dir == allowed {
			return true
		}
	}
	return false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
