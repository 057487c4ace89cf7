package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkspaceID = "w0123456789abcdef01234567"

func TestParseArgs(t *testing.T) {
	spec, err := ParseArgs([]string{
		"--workspace-id", testWorkspaceID,
		"--cwd", "/srv/workspaces/" + testWorkspaceID + "/sessions/s1/repository",
		"--env", "GIT_TERMINAL_PROMPT=0",
		"--env", "TERM=xterm",
		"--allow-ro", "/srv/workspaces/" + testWorkspaceID,
		"--allow-rw", "/tmp/wt",
		"--allow-ro-file", "/etc/hosts",
		"--net", "tcp:443",
		"--", "git", "clone", "https://example.com/repo.git",
	})
	require.NoError(t, err)
	assert.Equal(t, testWorkspaceID, spec.WorkspaceID)
	assert.Equal(t, []string{"GIT_TERMINAL_PROMPT=0", "TERM=xterm"}, spec.Env)
	assert.Equal(t, []string{"/tmp/wt"}, spec.AllowRW)
	assert.Equal(t, "tcp:443", spec.Net)
	assert.True(t, spec.Seccomp)
	assert.Equal(t, "git", spec.Command)
	assert.Equal(t, []string{"clone", "https://example.com/repo.git"}, spec.Args)
}

func TestParseArgsIgnoresUnknownFlags(t *testing.T) {
	spec, err := ParseArgs([]string{
		"--workspace-id", testWorkspaceID,
		"--experimental-thing",
		"--", "id",
	})
	require.NoError(t, err)
	assert.Equal(t, "id", spec.Command)
	assert.Empty(t, spec.Args)
}

func TestParseArgsRequiresSeparator(t *testing.T) {
	_, err := ParseArgs([]string{"--workspace-id", testWorkspaceID, "git", "status"})
	assert.Error(t, err)

	_, err = ParseArgs([]string{"--workspace-id", testWorkspaceID, "--"})
	assert.Error(t, err)
}

func TestParseArgsSeccompOff(t *testing.T) {
	spec, err := ParseArgs([]string{"--workspace-id", testWorkspaceID, "--seccomp", "off", "--", "id"})
	require.NoError(t, err)
	assert.False(t, spec.Seccomp)
}

func TestResolveCommand(t *testing.T) {
	path, err := ResolveCommand("sh")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "sh", filepath.Base(path))

	_, err = ResolveCommand("curl")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	_, err = ResolveCommand("python3")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	// Allow-listed name outside the forced PATH is still rejected.
	_, err = ResolveCommand("/opt/evil/git")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	// Relative paths never resolve.
	_, err = ResolveCommand("./git")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)

	_, err = ResolveCommand("")
	assert.ErrorIs(t, err, ErrCommandNotAllowed)
}

func TestValidateEnv(t *testing.T) {
	err := ValidateEnv([]string{"GIT_SSH_COMMAND=ssh -i /key", "TERM=xterm", "TMPDIR=/tmp/x"})
	assert.NoError(t, err)

	assert.ErrorIs(t, ValidateEnv([]string{"LD_PRELOAD=/tmp/evil.so"}), ErrEnvNotAllowed)
	assert.ErrorIs(t, ValidateEnv([]string{"PATH=/tmp"}), ErrEnvNotAllowed)
	assert.ErrorIs(t, ValidateEnv([]string{"no-equals-sign"}), ErrEnvNotAllowed)
}

func TestResolveCwd(t *testing.T) {
	base := t.TempDir()
	homeBase := filepath.Join(base, "home")
	workspaceRoot := filepath.Join(base, "workspaces")
	inside := filepath.Join(workspaceRoot, testWorkspaceID, "sessions", "s1")
	require.NoError(t, os.MkdirAll(inside, 0o750))
	require.NoError(t, os.MkdirAll(filepath.Join(homeBase, testWorkspaceID), 0o750))

	resolved, err := ResolveCwd(inside, testWorkspaceID, homeBase, workspaceRoot)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(resolved, filepath.Join(testWorkspaceID, "sessions", "s1")))

	// Home-base side is accepted too.
	homeCwd := filepath.Join(homeBase, testWorkspaceID)
	_, err = ResolveCwd(homeCwd, testWorkspaceID, homeBase, workspaceRoot)
	assert.NoError(t, err)

	// Empty cwd is allowed (helper keeps its own directory).
	resolved, err = ResolveCwd("", testWorkspaceID, homeBase, workspaceRoot)
	require.NoError(t, err)
	assert.Empty(t, resolved)
}

func TestResolveCwdRejectsEscapes(t *testing.T) {
	base := t.TempDir()
	homeBase := filepath.Join(base, "home")
	workspaceRoot := filepath.Join(base, "workspaces")
	wsDir := filepath.Join(workspaceRoot, testWorkspaceID)
	outside := filepath.Join(base, "elsewhere")
	require.NoError(t, os.MkdirAll(wsDir, 0o750))
	require.NoError(t, os.MkdirAll(outside, 0o750))

	cases := []string{
		outside,
		filepath.Join(workspaceRoot, "w999999999999999999999999"),
		filepath.Join(wsDir, "..", ".."),
		"relative/path",
	}
	for _, cwd := range cases {
		_, err := ResolveCwd(cwd, testWorkspaceID, homeBase, workspaceRoot)
		assert.ErrorIs(t, err, ErrCwdOutsideRoots, "cwd %q", cwd)
	}

	// A symlink inside the workspace pointing outside must not pass.
	link := filepath.Join(wsDir, "sneaky")
	require.NoError(t, os.Symlink(outside, link))
	_, err := ResolveCwd(link, testWorkspaceID, homeBase, workspaceRoot)
	assert.ErrorIs(t, err, ErrCwdOutsideRoots)
}

func TestParseNetMode(t *testing.T) {
	mode, err := ParseNetMode("")
	require.NoError(t, err)
	assert.Equal(t, NetNone, mode.Kind)

	mode, err = ParseNetMode("none")
	require.NoError(t, err)
	assert.Equal(t, NetNone, mode.Kind)

	mode, err = ParseNetMode("tcp:443")
	require.NoError(t, err)
	assert.Equal(t, NetTCP, mode.Kind)
	assert.Equal(t, []uint16{443}, mode.Ports)

	mode, err = ParseNetMode("tcp:22,443,9418")
	require.NoError(t, err)
	assert.Equal(t, []uint16{22, 443, 9418}, mode.Ports)
	assert.Equal(t, "tcp:22,443,9418", mode.String())

	mode, err = ParseNetMode("bind:3000")
	require.NoError(t, err)
	assert.Equal(t, NetBind, mode.Kind)

	for _, bad := range []string{"tcp", "tcp:", "tcp:0", "tcp:70000", "udp:53", "tcp:abc"} {
		_, err := ParseNetMode(bad)
		assert.ErrorIs(t, err, ErrInvalidNetMode, "value %q", bad)
	}
}

func TestSeccompPolicyDenySets(t *testing.T) {
	none := seccompPolicy(NetMode{Kind: NetNone})
	require.Len(t, none.Syscalls, 1)
	assert.Contains(t, none.Syscalls[0].Names, "socket")
	assert.Contains(t, none.Syscalls[0].Names, "connect")

	tcp := seccompPolicy(NetMode{Kind: NetTCP, Ports: []uint16{443}})
	assert.Contains(t, tcp.Syscalls[0].Names, "listen")
	assert.NotContains(t, tcp.Syscalls[0].Names, "connect")

	bind := seccompPolicy(NetMode{Kind: NetBind, Ports: []uint16{3000}})
	assert.Contains(t, bind.Syscalls[0].Names, "connect")
	assert.NotContains(t, bind.Syscalls[0].Names, "bind")
}

func TestBuildArgvRoundTrip(t *testing.T) {
	spec := &Spec{
		WorkspaceID: testWorkspaceID,
		Cwd:         "/srv/workspaces/" + testWorkspaceID + "/sessions/s1/worktrees/wt1",
		Env:         []string{"TERM=xterm", "GIT_TERMINAL_PROMPT=0"},
		AllowRO:     []string{"/srv/workspaces/" + testWorkspaceID + "/sessions/s1/repository"},
		AllowRW:     []string{"/srv/workspaces/" + testWorkspaceID + "/sessions/s1/worktrees/wt1"},
		AllowRWFile: []string{"/tmp/creds.json"},
		Net:         "tcp:443",
		Seccomp:     true,
		Command:     "codex",
		Args:        []string{"--json-rpc"},
	}

	parsed, err := ParseArgs(BuildArgv(spec))
	require.NoError(t, err)
	assert.Equal(t, spec, parsed)
}

func TestBuildArgvDefaultsNetNone(t *testing.T) {
	argv := BuildArgv(&Spec{WorkspaceID: testWorkspaceID, Seccomp: true, Command: "id"})
	joined := strings.Join(argv, " ")
	assert.Contains(t, joined, "--net none")
	assert.NotContains(t, joined, "--seccomp")
}

func TestLandlockRulesIncludeBaseSet(t *testing.T) {
	spec := &Spec{
		AllowRO: []string{"/srv/data"},
		AllowRW: []string{"/srv/rw"},
	}
	rules := landlockRules(spec, "/usr/bin/git", NetMode{Kind: NetTCP, Ports: []uint16{443, 8443}})
	// RO dirs, RW dirs, and one TCP rule per port.
	assert.Len(t, rules, 4)
}
