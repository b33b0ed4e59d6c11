package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const defaultWaitDelay = 2 * time.Second

// ExecLauncher runs the worker as a child process. Stdout and stderr both go
// to Output.
type ExecLauncher struct {
	Command string
	Args    []string
	Dir     string
	Output  io.Writer

	// WaitDelay bounds how long Wait keeps draining output after the worker
	// exits. Children that inherited the pipes would otherwise hold Wait open
	// until they exit too. Zero means 2s.
	WaitDelay time.Duration
}

func (l *ExecLauncher) Launch(env []string) (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = env
	cmd.Stdout = l.Output
	cmd.Stderr = l.Output
	// Own process group: a terminal Ctrl-C reaches the supervisor only,
	// which then stops the worker itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", l.Command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Signal delivers sig to the worker's whole process group, so helpers it
// spawned go down with it.
func (p *execProcess) Signal(sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	if err := unix.Kill(-p.cmd.Process.Pid, s); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		// ErrWaitDelay: clean exit, but a leftover child kept the output open.
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal.
		return -1, err
	}
	return -1, err
}
