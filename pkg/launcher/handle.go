package launcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ethchange/taskrunner/pkg/command"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
)

// ProcessState is the completion status of a launched process
type ProcessState string

const (
	ProcessStateRunning ProcessState = "running"
	ProcessStateExited  ProcessState = "exited"
	ProcessStateFailed  ProcessState = "failed"
)

// forceKillTimeout bounds the wait after a forced kill
const forceKillTimeout = 5 * time.Second

type ProcessStatus struct {
	State    ProcessState
	ExitCode int // valid when State is exited; -1 when terminated by a signal
	Err      error
}

// ProcessHandle is the runtime state of one background process for the current run
type ProcessHandle struct {
	id        string
	name      string
	spec      command.Spec
	pid       int
	startedAt time.Time
	process   *os.Process

	mutex   sync.RWMutex
	status  ProcessStatus
	endedAt time.Time
	done    chan struct{}

	logger logging.Logger
}

func newProcessHandle(id, name string, spec command.Spec, logger logging.Logger) *ProcessHandle {
	return &ProcessHandle{
		id:     id,
		name:   name,
		spec:   spec,
		status: ProcessStatus{State: ProcessStateRunning},
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (h *ProcessHandle) ID() string            { return h.id }
func (h *ProcessHandle) Name() string          { return h.name }
func (h *ProcessHandle) PID() int              { return h.pid }
func (h *ProcessHandle) Spec() command.Spec    { return h.spec }
func (h *ProcessHandle) StartedAt() time.Time  { return h.startedAt }
func (h *ProcessHandle) Done() <-chan struct{} { return h.done }

func (h *ProcessHandle) Status() ProcessStatus {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.status
}

func (h *ProcessHandle) EndedAt() time.Time {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.endedAt
}

func (h *ProcessHandle) Running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *ProcessHandle) String() string {
	return fmt.Sprintf("%s(pid=%d)", h.name, h.pid)
}

// Wait blocks until the process exits or ctx is done
func (h *ProcessHandle) Wait(ctx context.Context) (ProcessStatus, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), errors.NewCancelledError("wait for process was cancelled", ctx.Err()).
			WithContext("process", h.String())
	}
}

// finish records the result of cmd.Wait and releases waiters
func (h *ProcessHandle) finish(waitErr error) {
	status := ProcessStatus{State: ProcessStateExited}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if stderrors.As(waitErr, &exitErr) {
			status.ExitCode = exitErr.ExitCode()
		} else {
			status.State = ProcessStateFailed
			status.ExitCode = -1
			status.Err = waitErr
		}
	}

	h.mutex.Lock()
	h.status = status
	h.endedAt = time.Now()
	h.mutex.Unlock()

	close(h.done)

	switch {
	case status.State == ProcessStateFailed:
		h.logger.Errorf("Process failed, name: %s, pid: %d, error: %v", h.name, h.pid, status.Err)
	case status.ExitCode != 0:
		h.logger.Warnf("Process exited, name: %s, pid: %d, exit code: %d", h.name, h.pid, status.ExitCode)
	default:
		h.logger.Infof("Process exited, name: %s, pid: %d", h.name, h.pid)
	}
}

// Terminate stops the process group: termination signal, bounded wait, then forced kill
func (h *ProcessHandle) Terminate(ctx context.Context, gracefulTimeout time.Duration) error {
	if !h.Running() {
		return nil
	}
	if gracefulTimeout <= 0 {
		gracefulTimeout = 10 * time.Second
	}

	h.logger.Infof("Terminating process, name: %s, pid: %d, timeout: %v", h.name, h.pid, gracefulTimeout)
	if err := terminateProcess(h.process); err != nil {
		h.logger.Warnf("Failed to send termination signal, name: %s, pid: %d, error: %v", h.name, h.pid, err)
	}

	timer := time.NewTimer(gracefulTimeout)
	defer timer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process terminated gracefully, name: %s, pid: %d", h.name, h.pid)
		return nil
	case <-timer.C:
		h.logger.Warnf("Process did not terminate within %v, forcing termination, name: %s, pid: %d", gracefulTimeout, h.name, h.pid)
	case <-ctx.Done():
		h.logger.Warnf("Context cancelled during graceful termination, forcing termination, name: %s, pid: %d", h.name, h.pid)
	}

	if err := killProcess(h.process); err != nil && h.Running() {
		return errors.NewProcessError("failed to kill process", err).
			WithContext("process", h.name).WithContext("pid", h.pid)
	}

	killTimer := time.NewTimer(forceKillTimeout)
	defer killTimer.Stop()

	select {
	case <-h.done:
		h.logger.Infof("Process force terminated, name: %s, pid: %d", h.name, h.pid)
		return nil
	case <-killTimer.C:
		return errors.NewTimeoutError("process did not terminate even after force termination", nil).
			WithContext("process", h.name).WithContext("pid", h.pid)
	}
}
