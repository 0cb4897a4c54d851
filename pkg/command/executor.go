package command

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"
	"github.com/ethchange/taskrunner/pkg/metrics"
)

// waitDelay bounds how long Wait blocks on stdio held open by orphaned grandchildren
// after the command itself was killed
const waitDelay = 2 * time.Second

// Runner runs a command to completion and reports its exit code
type Runner interface {
	Run(ctx context.Context, spec Spec, quiet bool) (int, error)
}

type ExecutorOptions struct {
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	Metrics *metrics.Metrics
}

type Executor struct {
	options ExecutorOptions
	logger  logging.Logger
}

// NewExecutor returns an Executor that inherits the caller's stdio unless options override it
func NewExecutor(options ExecutorOptions, logger logging.Logger) *Executor {
	if options.Stdin == nil {
		options.Stdin = os.Stdin
	}
	if options.Stdout == nil {
		options.Stdout = os.Stdout
	}
	if options.Stderr == nil {
		options.Stderr = os.Stderr
	}
	return &Executor{options: options, logger: logger}
}

// Run executes spec synchronously. A non-zero exit is reported through the exit code only;
// errors mean the command could not be started or was cancelled.
func (e *Executor) Run(ctx context.Context, spec Spec, quiet bool) (int, error) {
	if ctx == nil {
		return -1, errors.NewValidationError("context cannot be nil", nil)
	}
	if err := spec.Validate(); err != nil {
		return -1, err
	}
	if err := ctx.Err(); err != nil {
		return -1, errors.NewCancelledError("command was cancelled before start", err).
			WithContext("command", spec.String())
	}

	if !quiet {
		e.logger.Infof("Executing [%s]", spec.String())
	}

	cmd := spec.Cmd(ctx)
	cmd.Stdin = e.options.Stdin
	cmd.Stdout = e.options.Stdout
	cmd.Stderr = e.options.Stderr
	cmd.WaitDelay = waitDelay

	started := time.Now()
	if err := cmd.Start(); err != nil {
		e.options.Metrics.ObserveCommand(spec.Program(), -1, err, 0)
		return -1, errors.NewLaunchFailureError("failed to start command", err).
			WithContext("command", spec.String())
	}

	waitErr := cmd.Wait()
	duration := time.Since(started)

	if ctxErr := ctx.Err(); ctxErr != nil {
		e.options.Metrics.ObserveCommand(spec.Program(), -1, ctxErr, duration)
		return -1, errors.NewCancelledError("command was cancelled", ctxErr).
			WithContext("command", spec.String())
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !stderrors.As(waitErr, &exitErr) {
			e.options.Metrics.ObserveCommand(spec.Program(), -1, waitErr, duration)
			return -1, errors.NewProcessError("command wait failed", waitErr).
				WithContext("command", spec.String())
		}
		exitCode = exitErr.ExitCode()
	}

	e.options.Metrics.ObserveCommand(spec.Program(), exitCode, nil, duration)

	if !quiet {
		if exitCode != 0 {
			e.logger.Warnf("Completed with exit code %d in %v ...", exitCode, duration.Round(time.Millisecond))
		} else {
			e.logger.Infof("Completed in %v ...", duration.Round(time.Millisecond))
		}
	}
	return exitCode, nil
}
