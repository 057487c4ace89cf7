package sandbox

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/vibe80/vibe80/internal/common/ids"
	"github.com/vibe80/vibe80/internal/provision"
)

// HelperConfig carries the host layout the helper validates against.
type HelperConfig struct {
	HomeBase      string
	WorkspaceRoot string
}

// ParseArgs parses a run-as command line (everything after the program
// name). Unknown flags are ignored so the accepted surface stays exactly
// the documented one.
func ParseArgs(argv []string) (*Spec, error) {
	spec := &Spec{Seccomp: true}

	i := 0
	for i < len(argv) {
		arg := argv[i]
		if arg == "--" {
			rest := argv[i+1:]
			if len(rest) == 0 {
				return nil, errors.New("no command after --")
			}
			spec.Command = rest[0]
			spec.Args = rest[1:]
			return spec, nil
		}

		name, value, hasValue := strings.Cut(arg, "=")
		take := func() (string, error) {
			if hasValue {
				return value, nil
			}
			i++
			if i >= len(argv) {
				return "", fmt.Errorf("flag %s needs a value", name)
			}
			return argv[i], nil
		}

		var err error
		switch name {
		case "--workspace-id":
			spec.WorkspaceID, err = take()
		case "--cwd":
			spec.Cwd, err = take()
		case "--env":
			var kv string
			kv, err = take()
			spec.Env = append(spec.Env, kv)
		case "--allow-ro":
			var dir string
			dir, err = take()
			spec.AllowRO = append(spec.AllowRO, dir)
		case "--allow-rw":
			var dir string
			dir, err = take()
			spec.AllowRW = append(spec.AllowRW, dir)
		case "--allow-ro-file":
			var file string
			file, err = take()
			spec.AllowROFile = append(spec.AllowROFile, file)
		case "--allow-rw-file":
			var file string
			file, err = take()
			spec.AllowRWFile = append(spec.AllowRWFile, file)
		case "--net":
			spec.Net, err = take()
		case "--seccomp":
			var mode string
			mode, err = take()
			spec.Seccomp = mode != "off"
		default:
			// Ignored deliberately; only the documented flags act.
		}
		if err != nil {
			return nil, err
		}
		i++
	}
	return nil, errors.New("missing -- separator before command")
}

// ResolveIdentity maps a workspace id to its uid/gid via name-service
// lookup, falling back to the metadata file the provisioner wrote.
func ResolveIdentity(workspaceID, workspaceRoot string) (*Identity, error) {
	if u, err := user.Lookup(workspaceID); err == nil {
		uid, uidErr := strconv.Atoi(u.Uid)
		gid, gidErr := strconv.Atoi(u.Gid)
		if uidErr == nil && gidErr == nil {
			return &Identity{UID: uid, GID: gid}, nil
		}
	}

	meta, err := provision.ReadMetadata(workspaceRoot, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace %s does not resolve to a user: %w", workspaceID, err)
	}
	return &Identity{UID: meta.UID, GID: meta.GID}, nil
}

// Execute validates the spec, confines the process, and runs the
// command as the workspace user. It returns the child's exit code; any
// violation is reported on stderr with a non-zero code before the child
// is forked.
func Execute(cfg HelperConfig, spec *Spec, stdin *os.File, stdout, stderr io.Writer) int {
	fail := func(err error) int {
		fmt.Fprintf(stderr, "run-as: %v\n", err)
		return 1
	}

	if !ids.ValidWorkspaceID(spec.WorkspaceID) {
		return fail(fmt.Errorf("%w: %q", ErrInvalidWorkspaceID, spec.WorkspaceID))
	}
	identity, err := ResolveIdentity(spec.WorkspaceID, cfg.WorkspaceRoot)
	if err != nil {
		return fail(err)
	}
	cwd, err := ResolveCwd(spec.Cwd, spec.WorkspaceID, cfg.HomeBase, cfg.WorkspaceRoot)
	if err != nil {
		return fail(err)
	}
	if err := ValidateEnv(spec.Env); err != nil {
		return fail(err)
	}
	commandPath, err := ResolveCommand(spec.Command)
	if err != nil {
		return fail(err)
	}
	net, err := ParseNetMode(spec.Net)
	if err != nil {
		return fail(err)
	}

	// Confinement is applied to the helper itself before fork; the child
	// inherits both the landlock domain and the seccomp filter.
	if err := applyLandlock(spec, commandPath, net); err != nil {
		return fail(fmt.Errorf("landlock: %w", err))
	}
	if spec.Seccomp {
		if err := applySeccomp(net); err != nil {
			return fail(fmt.Errorf("seccomp: %w", err))
		}
	}

	cmd := exec.Command(commandPath, spec.Args...)
	cmd.Dir = cwd
	cmd.Env = append([]string{"PATH=" + ForcedPath}, spec.Env...)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// A fresh process group lets a forwarded signal reach the whole
	// subtree, but taking stdin away from a TTY would break interactive
	// runs, so the group is created only for detached stdin.
	setpgid := !term.IsTerminal(int(stdin.Fd()))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: setpgid,
		Credential: &syscall.Credential{
			Uid:    uint32(identity.UID),
			Gid:    uint32(identity.GID),
			Groups: []uint32{},
		},
	}

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("failed to start %s: %w", commandPath, err))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				forwardSignal(cmd, sig, setpgid)
			case <-done:
				return
			}
		}
	}()

	err = cmd.Wait()
	close(done)
	signal.Stop(signals)

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if code := exitErr.ExitCode(); code >= 0 {
				return code
			}
			return 1
		}
		fmt.Fprintf(stderr, "run-as: %v\n", err)
		return 1
	}
	return 0
}

func forwardSignal(cmd *exec.Cmd, sig os.Signal, processGroup bool) {
	if cmd.Process == nil {
		return
	}
	if processGroup {
		if sysSig, ok := sig.(syscall.Signal); ok {
			_ = syscall.Kill(-cmd.Process.Pid, sysSig)
			return
		}
	}
	_ = cmd.Process.Signal(sig)
}
