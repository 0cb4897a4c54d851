package launcher

import (
	"context"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/ethchange/taskrunner/pkg/command"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logcollection"
	"github.com/ethchange/taskrunner/pkg/logging"
	"github.com/ethchange/taskrunner/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// waitDelay bounds how long output copying may outlive a process
const waitDelay = 2 * time.Second

// Starter starts processes without waiting for them
type Starter interface {
	Launch(ctx context.Context, name string, spec command.Spec, quiet bool) (*ProcessHandle, error)
}

type LauncherOptions struct {
	Stdout io.Writer
	Stderr io.Writer

	// MaxProcesses bounds the number of concurrently supervised processes
	MaxProcesses int

	// LogCollection captures process output line by line instead of passing it through
	LogCollection *logcollection.Service

	Metrics    *metrics.Metrics
	Supervisor *Supervisor
}

// Launcher spawns background processes. Each process gets a waiter in a bounded
// errgroup so exit status is collected without blocking the caller.
type Launcher struct {
	stdout     io.Writer
	stderr     io.Writer
	waiters    *errgroup.Group
	collection *logcollection.Service
	metrics    *metrics.Metrics
	supervisor *Supervisor
	logger     logging.Logger
}

func DefaultMaxProcesses() int {
	if n := runtime.NumCPU(); n > 4 {
		return n
	}
	return 4
}

func NewLauncher(options LauncherOptions, logger logging.Logger) *Launcher {
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}
	if options.MaxProcesses <= 0 {
		options.MaxProcesses = DefaultMaxProcesses()
	}

	waiters := &errgroup.Group{}
	waiters.SetLimit(options.MaxProcesses)

	return &Launcher{
		stdout:     options.Stdout,
		stderr:     options.Stderr,
		waiters:    waiters,
		collection: options.LogCollection,
		metrics:    options.Metrics,
		supervisor: options.Supervisor,
		logger:     logger,
	}
}

// Supervisor returns the supervisor tracking launched handles, if any
func (l *Launcher) Supervisor() *Supervisor {
	return l.supervisor
}

// Launch starts spec in its own process group and returns once the OS has spawned it.
// The process outlives ctx; only Terminate or the Supervisor stop it.
func (l *Launcher) Launch(ctx context.Context, name string, spec command.Spec, quiet bool) (*ProcessHandle, error) {
	if ctx == nil {
		return nil, errors.NewValidationError("context is required", nil)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelledError("launch cancelled before start", err).WithContext("command", spec.String())
	}
	if name == "" {
		name = spec.Program()
	}

	if !quiet {
		l.logger.Infof("Starting [%s]", spec.String())
	}

	cmd := spec.Cmd(nil)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	collector := l.collect(name)
	if collector != nil {
		cmd.Stdout = collector.Stream(logcollection.StdoutStream)
		cmd.Stderr = collector.Stream(logcollection.StderrStream)
	}

	handle := newProcessHandle(uuid.NewString(), name, spec, l.logger)
	started := make(chan error, 1)

	if !l.waiters.TryGo(func() error {
		if err := cmd.Start(); err != nil {
			closeCollector(collector)
			started <- err
			return nil
		}
		handle.pid = cmd.Process.Pid
		handle.process = cmd.Process
		handle.startedAt = time.Now()
		started <- nil

		waitErr := cmd.Wait()
		closeCollector(collector)
		handle.finish(waitErr)
		l.metrics.ObserveExit(spec.Program())
		return nil
	}) {
		closeCollector(collector)
		err := errors.NewLaunchFailureError("too many running processes", nil).
			WithContext("command", spec.String())
		l.metrics.ObserveLaunch(spec.Program(), err)
		return nil, err
	}

	if err := <-started; err != nil {
		launchErr := errors.NewLaunchFailureError("failed to start process", err).
			WithContext("command", spec.String())
		l.metrics.ObserveLaunch(spec.Program(), launchErr)
		return nil, launchErr
	}
	l.metrics.ObserveLaunch(spec.Program(), nil)

	l.logger.Debugf("Process started, name: %s, pid: %d, id: %s", handle.name, handle.pid, handle.id)
	if l.supervisor != nil {
		l.supervisor.Track(handle)
	}
	return handle, nil
}

func (l *Launcher) collect(name string) *logcollection.ProcessCollector {
	if l.collection == nil {
		return nil
	}
	collector, err := l.collection.RegisterProcess(name)
	if err != nil {
		l.logger.Warnf("Process output will not be collected, name: %s, error: %v", name, err)
		return nil
	}
	return collector
}

func closeCollector(collector *logcollection.ProcessCollector) {
	if collector != nil {
		_ = collector.Close()
	}
}
