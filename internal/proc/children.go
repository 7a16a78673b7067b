package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Child is a worker process started by this process.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}

	// Set before done is closed.
	state *os.ProcessState
	err   error
}

// Start starts cmd as a child that is killed if this process dies first,
// and begins waiting for it in the background.
func Start(cmd *exec.Cmd) (*Child, error) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	// Pdeathsig fires when the forking thread exits, not the process. The
	// runtime only retires a thread when a goroutine locked to it returns,
	// so Start must not run on a goroutine that called LockOSThread.
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	c := &Child{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		c.state = cmd.ProcessState
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			c.err = err
		}
		close(c.done)
	}()
	return c, nil
}

// Pid returns the child's process ID.
func (c *Child) Pid() int { return c.cmd.Process.Pid }

// Done is closed once the child has exited and been reaped.
func (c *Child) Done() <-chan struct{} { return c.done }

// Exited reports whether the child has already exited.
func (c *Child) Exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Kill sends SIGKILL. Killing a child that already exited is not an error.
func (c *Child) Kill() error {
	if c.Exited() {
		return nil
	}
	err := c.cmd.Process.Signal(syscall.SIGKILL)
	if err != nil && !errors.Is(err, os.ErrProcessDone) && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill worker %d: %w", c.Pid(), err)
	}
	return nil
}

// Wait blocks until the child has exited and returns how it ended.
func (c *Child) Wait() (*os.ProcessState, error) {
	<-c.done
	return c.state, c.err
}

// Killed reports whether the child was terminated by SIGKILL.
func Killed(state *os.ProcessState) bool {
	if state == nil {
		return false
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL
}

// KillAll kills and reaps each child in order. It keeps going after a
// failure and returns the last error.
func KillAll(children []*Child) error {
	var lastErr error
	for _, c := range children {
		if err := c.Kill(); err != nil {
			lastErr = err
		}
		if _, err := c.Wait(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
