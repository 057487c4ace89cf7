// Package main is the entry point for the run-as helper binary.
// run-as is installed root-owned and invoked through password-less sudo
// by the Vibe80 server. It validates the requested command, environment,
// and working directory against built-in allow-lists, confines the
// filesystem and network with landlock and seccomp, then executes the
// command as the workspace's OS user.
//
// The helper is deliberately free of config files and logging stacks:
// everything it accepts arrives on the command line, violations are
// reported on stderr, and the exit code is the child's exit code.
package main

import (
	"fmt"
	"os"

	"github.com/vibe80/vibe80/internal/sandbox"
)

func main() {
	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "run-as: must run as root (via sudo)")
		os.Exit(1)
	}

	spec, err := sandbox.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "run-as: %v\n", err)
		fmt.Fprintln(os.Stderr, "usage: run-as --workspace-id <id> [--cwd <dir>] [--env K=V]... [--allow-ro <dir>]... [--allow-rw <dir>]... [--allow-ro-file <file>]... [--allow-rw-file <file>]... [--net none|tcp:PORTS|bind:PORTS] -- <command> [args...]")
		os.Exit(1)
	}

	cfg := sandbox.HelperConfig{
		HomeBase:      envOr("WORKSPACE_HOME_BASE", "/home"),
		WorkspaceRoot: envOr("WORKSPACE_ROOT_DIRECTORY", "/srv/vibe80/workspaces"),
	}
	os.Exit(sandbox.Execute(cfg, spec, os.Stdin, os.Stdout, os.Stderr))
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
