// Package sandbox implements the confined-execution contract shared by
// the run-as helper and the server-side runner. A Spec describes one
// command to run as a workspace user: the command and env must match
// built-in allow-lists, the working directory must canonicalise inside
// the workspace's home or workspace root, filesystem access is reduced
// to an explicit landlock rule set, and networking is cut down with a
// seccomp filter plus per-port landlock TCP rules.
package sandbox

import "errors"

// ForcedPath is the only PATH value a sandboxed process ever sees.
const ForcedPath = "/usr/local/bin:/usr/bin:/bin"

var (
	ErrInvalidWorkspaceID = errors.New("invalid workspace id")
	ErrCommandNotAllowed  = errors.New("command not in allow-list")
	ErrEnvNotAllowed      = errors.New("environment variable not in allow-list")
	ErrCwdOutsideRoots    = errors.New("cwd outside workspace roots")
	ErrInvalidNetMode     = errors.New("invalid net mode")
)

// Spec is one sandboxed command invocation.
type Spec struct {
	WorkspaceID string
	Cwd         string
	Env         []string // KEY=VALUE pairs, keys must be allow-listed
	AllowRO     []string // read-only directories
	AllowRW     []string // read-write directories
	AllowROFile []string // read-only files
	AllowRWFile []string // read-write files
	Net         string   // none | tcp:PORTS | bind:PORTS
	Seccomp     bool
	Command     string
	Args        []string
}

// NewSpec returns a Spec with the restrictive defaults: seccomp on, no
// network.
func NewSpec(workspaceID, command string, args ...string) *Spec {
	return &Spec{
		WorkspaceID: workspaceID,
		Command:     command,
		Args:        args,
		Net:         string(NetNone),
		Seccomp:     true,
	}
}

// Identity is the resolved POSIX identity a Spec runs under.
type Identity struct {
	UID int
	GID int
}
