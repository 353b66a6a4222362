package process

import (
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

// defaultWaitDelay bounds how long Wait keeps copying output after the
// child exits, so a grandchild holding the pipe cannot hide a crash.
const defaultWaitDelay = 500 * time.Millisecond

// ExecutionConfig is a fully resolved command line for one managed process
type ExecutionConfig struct {
	Argv             []string
	WorkingDirectory string
	Environment      []string
	WaitDelay        time.Duration
}

// Handle is the owned OS process of a launched command. It is the only
// source of truth for liveness: the exit is observed through Wait, never by
// scanning the process list.
type Handle struct {
	cmd     *exec.Cmd
	pid     int
	done    chan struct{}
	exitErr error
}

// Launch spawns the command with stdout and stderr appended to output.
// The child gets its own process group so Kill can take down its descendants.
func Launch(execution ExecutionConfig, output io.Writer, id string, logger logging.Logger) (*Handle, error) {
	if err := ValidateExecutionConfig(execution); err != nil {
		return nil, errors.NewValidationError("invalid execution configuration", err).WithContext("id", id)
	}

	logger.Debugf("Executing process, id: %s, argv: %v, working directory: '%s'",
		id, execution.Argv, execution.WorkingDirectory)

	cmd := exec.Command(execution.Argv[0], execution.Argv[1:]...)
	cmd.Dir = execution.WorkingDirectory
	cmd.Env = append(os.Environ(), execution.Environment...)
	cmd.Stdout = output
	cmd.Stderr = output
	setupProcessAttributes(cmd)

	cmd.WaitDelay = execution.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.NewProcessError("failed to start the process", err).
			WithContext("id", id).WithContext("executable", execution.Argv[0])
	}

	handle := &Handle{
		cmd:  cmd,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	go func() {
		handle.exitErr = cmd.Wait()
		close(handle.done)
	}()

	logger.Infof("Successfully executed process, id: %s, PID: %d", id, handle.pid)
	return handle, nil
}

func (h *Handle) PID() int {
	return h.pid
}

// Done is closed once the process has exited and been reaped
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Alive is a non-blocking liveness check
func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// ExitError returns the Wait result. Only meaningful after Done is closed.
func (h *Handle) ExitError() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Kill sends SIGKILL to the process group and waits up to timeout for the
// exit to be reaped. Killing an already exited process is not an error.
// When Wait is still draining output after the timeout, a signal-0 check
// decides whether the process is gone.
func (h *Handle) Kill(timeout time.Duration) error {
	if !h.Alive() {
		return nil
	}

	if err := SendKillSignal(h.pid); err != nil {
		if h.gone() {
			return nil
		}
		if killErr := h.cmd.Process.Kill(); killErr != nil && !h.gone() {
			return errors.NewProcessError("failed to kill process", killErr).WithContext("pid", h.pid)
		}
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		if h.gone() {
			return nil
		}
		return errors.NewTimeoutError("process did not exit after SIGKILL", nil).
			WithContext("pid", h.pid).WithContext("timeout", timeout.String())
	}
}

// gone reports whether the OS process has exited, even while Wait is still
// copying output left in the pipes by a descendant.
func (h *Handle) gone() bool {
	if !h.Alive() {
		return true
	}
	running, err := processstate.IsProcessRunning(h.pid)
	return err == nil && !running
}
