package agent

import (
	"bufio"
	"io"
	"os/exec"
	"syscall"

	"go.uber.org/zap"

	"github.com/vibe80/vibe80/internal/common/logger"
)

// process is one live agent subprocess with line-delimited stdio
// attached. done receives the Wait result exactly once. signal
// delivers to the whole process group so CLI children die with their
// parent.
type process struct {
	pid    int
	stdin  io.WriteCloser
	stdout io.ReadCloser
	done   chan error
	signal func(sig syscall.Signal) error
}

// startProcess starts cmd in its own process group with stdin/stdout
// pipes attached and a goroutine draining stderr into the log.
func startProcess(cmd *exec.Cmd, log *logger.Logger) (*process, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &process{
		pid:    cmd.Process.Pid,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan error, 1),
	}
	p.signal = func(sig syscall.Signal) error {
		pgid, err := syscall.Getpgid(p.pid)
		if err != nil {
			return syscall.Kill(p.pid, sig)
		}
		return syscall.Kill(-pgid, sig)
	}

	go drainStderr(stderr, log)
	go func() {
		p.done <- cmd.Wait()
	}()
	return p, nil
}

func drainStderr(r io.Reader, log *logger.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		log.Debug("agent stderr", zap.String("line", scanner.Text()))
	}
}
