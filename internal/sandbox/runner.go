package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/config"
	"github.com/vibe80/vibe80/internal/common/logger"
)

// Runner executes confined commands on behalf of the server. In
// multi-user deployments every invocation goes through sudo run-as; in
// mono-user (single developer) deployments commands run directly with
// no privilege switch.
type Runner interface {
	// Command builds the exec.Cmd for a spec without starting it, so
	// callers that need stdio pipes (the agent supervisor) can attach
	// them first.
	Command(ctx context.Context, spec *Spec) *exec.Cmd
	// Run starts the spec, waits for completion, and captures output.
	// A non-zero exit is returned as an error with the stderr tail.
	Run(ctx context.Context, spec *Spec) (*RunResult, error)
}

// RunResult is a completed command's captured output.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// NewRunner selects the runner implementation for the deployment mode.
func NewRunner(cfg *config.Config, log *logger.Logger) Runner {
	if cfg.Deployment.Mode == config.ModeMultiUser {
		return NewMultiUserRunner(cfg.Workspace.SudoPath, cfg.Workspace.RunAsPath, log)
	}
	return NewMonoUserRunner(log)
}

// MultiUserRunner shells out to the root-owned run-as helper through
// password-less sudo.
type MultiUserRunner struct {
	sudoPath  string
	runAsPath string
	logger    *logger.Logger
}

var _ Runner = (*MultiUserRunner)(nil)

// NewMultiUserRunner creates a runner that delegates to sudo run-as.
func NewMultiUserRunner(sudoPath, runAsPath string, log *logger.Logger) *MultiUserRunner {
	if sudoPath == "" {
		sudoPath = "/usr/bin/sudo"
	}
	return &MultiUserRunner{
		sudoPath:  sudoPath,
		runAsPath: runAsPath,
		logger:    log.WithFields(zap.String("component", "runner")),
	}
}

// BuildArgv renders a spec to the run-as argument vector, without the
// sudo and helper path prefix.
func BuildArgv(spec *Spec) []string {
	argv := []string{"--workspace-id", spec.WorkspaceID}
	if spec.Cwd != "" {
		argv = append(argv, "--cwd", spec.Cwd)
	}
	for _, kv := range spec.Env {
		argv = append(argv, "--env", kv)
	}
	for _, dir := range spec.AllowRO {
		argv = append(argv, "--allow-ro", dir)
	}
	for _, dir := range spec.AllowRW {
		argv = append(argv, "--allow-rw", dir)
	}
	for _, file := range spec.AllowROFile {
		argv = append(argv, "--allow-ro-file", file)
	}
	for _, file := range spec.AllowRWFile {
		argv = append(argv, "--allow-rw-file", file)
	}
	net := spec.Net
	if net == "" {
		net = string(NetNone)
	}
	argv = append(argv, "--net", net)
	if !spec.Seccomp {
		argv = append(argv, "--seccomp", "off")
	}
	argv = append(argv, "--")
	argv = append(argv, spec.Command)
	argv = append(argv, spec.Args...)
	return argv
}

func (r *MultiUserRunner) Command(ctx context.Context, spec *Spec) *exec.Cmd {
	argv := append([]string{r.runAsPath}, BuildArgv(spec)...)
	return exec.CommandContext(ctx, r.sudoPath, argv...)
}

func (r *MultiUserRunner) Run(ctx context.Context, spec *Spec) (*RunResult, error) {
	return runAndCapture(r.Command(ctx, spec), r.logger, spec)
}

// MonoUserRunner executes commands directly as the server user. Used in
// single-user deployments where there is no per-workspace OS identity
// and no sudo configuration.
type MonoUserRunner struct {
	logger *logger.Logger
}

var _ Runner = (*MonoUserRunner)(nil)

// NewMonoUserRunner creates the direct-execution runner.
func NewMonoUserRunner(log *logger.Logger) *MonoUserRunner {
	return &MonoUserRunner{logger: log.WithFields(zap.String("component", "runner"))}
}

func (r *MonoUserRunner) Command(ctx context.Context, spec *Spec) *exec.Cmd {
	path := spec.Command
	if resolved, err := exec.LookPath(spec.Command); err == nil {
		path = resolved
	}
	cmd := exec.CommandContext(ctx, path, spec.Args...)
	cmd.Dir = spec.Cwd
	cmd.Env = append(append([]string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}, spec.Env...), extraTermEnv()...)
	return cmd
}

func (r *MonoUserRunner) Run(ctx context.Context, spec *Spec) (*RunResult, error) {
	return runAndCapture(r.Command(ctx, spec), r.logger, spec)
}

func extraTermEnv() []string {
	if value := os.Getenv("TERM"); value != "" {
		return []string{"TERM=" + value}
	}
	return nil
}

func runAndCapture(cmd *exec.Cmd, log *logger.Logger, spec *Spec) (*RunResult, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("running sandboxed command",
		zap.String("workspace_id", spec.WorkspaceID),
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("cwd", spec.Cwd),
		zap.String("net", spec.Net))

	err := cmd.Run()
	result := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return result, fmt.Errorf("%s exited %d: %s", spec.Command, result.ExitCode, tail(result.Stderr))
		}
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", spec.Command, err)
	}
	return result, nil
}

// tail keeps error messages bounded when a command dumps a long stderr.
func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
