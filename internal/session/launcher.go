package session

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Process is a running session process.
type Process interface {
	Pid() int
	// Exited reports, without blocking, whether the process has ended.
	Exited() bool
	Kill() error
}

type Launcher interface {
	Launch(name string, args []string, dir string) (Process, error)
}

// ExecLauncher starts session processes with os/exec.
type ExecLauncher struct {
	// Output receives the process's stdout and stderr. Nil discards them.
	Output io.Writer
	// KillWait bounds how long Kill waits for the process to be reaped.
	KillWait time.Duration
}

func (l ExecLauncher) Launch(name string, args []string, dir string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = l.Output
	cmd.Stderr = l.Output
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	wait := l.KillWait
	if wait <= 0 {
		wait = 2 * time.Second
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{}), killWait: wait}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	done     chan struct{}
	err      error
	killWait time.Duration
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Kill sends SIGKILL and waits briefly so the port is released before it
// is handed out again.
func (p *execProcess) Kill() error {
	if p.Exited() {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	select {
	case <-p.done:
	case <-time.After(p.killWait):
		return fmt.Errorf("process %d did not exit within %s", p.Pid(), p.killWait)
	}
	return nil
}
