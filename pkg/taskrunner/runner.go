package taskrunner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/ethchange/taskrunner/pkg/command"
	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/launcher"
	"github.com/ethchange/taskrunner/pkg/logcollection"
	"github.com/ethchange/taskrunner/pkg/logging"
	"github.com/ethchange/taskrunner/pkg/metrics"
	"github.com/ethchange/taskrunner/pkg/orchestrator"
	"github.com/ethchange/taskrunner/pkg/provision"

	"github.com/google/uuid"
)

const (
	DefaultSettingsFile = "settings.yaml"
	DefaultSecretsFile  = ".secrets.yaml"
)

type Options struct {
	Task        Task
	RunServices bool
	Reformat    bool
	Flush       bool

	ConfigFile  string // defaults to settings.yaml in the base directory, when present
	SecretsFile string // defaults to .secrets.yaml in the base directory
	Env         string
	BaseDir     string
	LogLevel    string

	AllowCommandFailure bool

	// NoWait returns once the workflow is running instead of supervising the launched processes
	NoWait bool

	MetricsAddr string

	// Report receives the elapsed time line after an interrupt; defaults to os.Stdout
	Report io.Writer

	// Output receives the prefixed output of background processes; defaults to os.Stdout
	Output io.Writer
}

// LogSink is the part of the logging backend the runner reconfigures once settings are known
type LogSink interface {
	SetLevel(level string) error
	AttachFile(path string) error
}

type Result struct {
	RunID       string
	Task        Task
	Elapsed     time.Duration
	Interrupted bool

	// Interrupt is the operator interrupt that ended the run, reported instead of returned
	Interrupt error

	// Handles of the launched processes; still running only with NoWait
	Handles []*launcher.ProcessHandle
}

// Run executes one task. Cancelling ctx is treated as an operator interrupt: launched
// processes are stopped, the elapsed time is reported and no error is returned.
// The working directory is restored on every path.
func Run(ctx context.Context, options Options, sink LogSink, logger logging.Logger) (*Result, error) {
	begin := time.Now()
	result := &Result{RunID: uuid.NewString(), Task: options.Task}

	if _, err := ParseTask(string(options.Task)); err != nil {
		return result, err
	}
	if options.Report == nil {
		options.Report = os.Stdout
	}
	if options.Output == nil {
		options.Output = os.Stdout
	}

	logger.Infof("Task runner starting, task: %s, run: %s", options.Task, result.RunID)
	logger.Debugf("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())

	settings, err := loadSettings(options)
	if err != nil {
		return result, err
	}
	if sink != nil {
		if err := sink.SetLevel(settings.LogLevel); err != nil {
			return result, errors.NewValidationError("invalid log level", err).WithContext("log_level", settings.LogLevel)
		}
	}

	restore, err := ChangeDir(settings.BaseDir)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := restore(); err != nil {
			logger.Errorf("%v", err)
		}
	}()

	// The log directory is part of the layout, so the layout is provisioned before the
	// file sink is attached; the workflow's own provisioning step then finds nothing to do.
	layout := provision.DefaultLayout(settings.BaseDir)
	if err := provision.NewProvisioner(logger).EnsureAll(layout); err != nil {
		return result, err
	}
	if sink != nil && settings.Runner.LogFile != "" {
		if err := sink.AttachFile(settings.Runner.LogFile); err != nil {
			logger.Warnf("Failed to attach log file, path: %s, error: %v", settings.Runner.LogFile, err)
		}
	}

	m := metrics.New()
	metricsAddr := options.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = settings.Runner.MetricsAddr
	}
	if metricsAddr != "" {
		metricsCtx, stopMetrics := context.WithCancel(context.Background())
		defer stopMetrics()
		if _, err := m.Serve(metricsCtx, metricsAddr, logger); err != nil {
			return result, errors.NewIOError("failed to serve metrics", err).WithContext("addr", metricsAddr)
		}
	}

	// Collected output goes through pipes owned by this process, so processes left running
	// after return keep their inherited stdio instead
	var collection *logcollection.Service
	if !options.NoWait {
		collection = logcollection.NewService(logcollection.Config{
			Dir:     filepath.Dir(settings.Runner.LogFile),
			Console: options.Output,
		}, logger)
		defer collection.Close()
	}

	supervisor := launcher.NewSupervisor(settings.Runner.GracefulTimeout, logger)
	orch, err := orchestrator.NewOrchestrator(orchestrator.Options{
		Settings: settings,
		Paths:    layout,
		Executor: command.NewExecutor(command.ExecutorOptions{Metrics: m}, logger),
		Launcher: launcher.NewLauncher(launcher.LauncherOptions{
			LogCollection: collection,
			Metrics:       m,
			Supervisor:    supervisor,
		}, logger),
		Metrics:             m,
		AllowCommandFailure: options.AllowCommandFailure,
	}, logger)
	if err != nil {
		return result, err
	}

	err = dispatch(ctx, orch, options)
	if err == nil && !options.NoWait {
		err = supervise(ctx, supervisor, logger)
	}
	result.Handles = orch.Handles()
	result.Elapsed = time.Since(begin)

	if err == nil {
		if options.NoWait {
			logger.Infof("Task [%s] is running, %d process(es) left detached", options.Task, len(supervisor.Running()))
		} else {
			logger.Infof("Task [%s] finished in %v", options.Task, result.Elapsed)
		}
		return result, nil
	}

	interrupted := ctx.Err() != nil
	if !interrupted {
		logger.Errorf("Task [%s] failed: %v", options.Task, err)
	}
	if shutdownErr := shutdown(supervisor, settings.Runner.GracefulTimeout); shutdownErr != nil {
		logger.Errorf("Failed to stop background processes: %v", shutdownErr)
	}

	if interrupted {
		result.Interrupted = true
		result.Interrupt = errors.NewInterruptedError("task interrupted by operator", err).
			WithContext("task", string(options.Task))
		logger.Warnf("%v", result.Interrupt)
		result.Elapsed = time.Since(begin)
		fmt.Fprintf(options.Report, "Executed [%s] in %v\n", options.Task, result.Elapsed.Round(100*time.Microsecond))
		return result, nil
	}
	return result, err
}

func loadSettings(options Options) (*config.Settings, error) {
	baseDir := options.BaseDir
	if baseDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, errors.NewIOError("failed to get working directory", err)
		}
		baseDir = wd
	}

	configFile := options.ConfigFile
	if configFile == "" {
		candidate := filepath.Join(baseDir, DefaultSettingsFile)
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
		}
	}
	secretsFile := options.SecretsFile
	if secretsFile == "" {
		secretsFile = filepath.Join(baseDir, DefaultSecretsFile)
	}

	settings, err := config.LoadSettings(configFile, options.Env, secretsFile)
	if err != nil {
		return nil, err
	}
	if options.LogLevel != "" {
		settings.LogLevel = options.LogLevel
	}
	if err := config.ApplyDefaults(settings, baseDir); err != nil {
		return nil, err
	}
	if err := config.ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func dispatch(ctx context.Context, orch *orchestrator.Orchestrator, options Options) error {
	if options.RunServices && options.Task != TaskRunServices {
		if _, err := orch.StartServices(ctx); err != nil {
			return err
		}
	}

	switch options.Task {
	case TaskRunServer:
		_, err := orch.StartServer(ctx, orchestrator.ServerOptions{
			Flush:    options.Flush,
			Reformat: options.Reformat,
		})
		return err
	case TaskRunServices:
		_, err := orch.StartServices(ctx)
		return err
	case TaskReformat:
		return orch.RunReformat(ctx)
	default:
		return errors.NewInternalError(fmt.Sprintf("unhandled task: %s", options.Task), nil)
	}
}

// supervise blocks until every launched process exits or ctx is done. A process that
// exits with a non-zero status, or is killed, fails the task.
func supervise(ctx context.Context, supervisor *launcher.Supervisor, logger logging.Logger) error {
	running := supervisor.Running()
	if len(running) == 0 {
		return nil
	}
	logger.Infof("Supervising %d background process(es), interrupt to stop", len(running))

	seen := make(map[string]bool)
	for {
		handle, err := supervisor.WaitAny(ctx, seen)
		if err != nil {
			return err
		}
		if handle == nil {
			return nil
		}
		seen[handle.ID()] = true

		status := handle.Status()
		if status.State == launcher.ProcessStateExited && status.ExitCode == 0 {
			logger.Infof("Process [%s] finished", handle.Name())
			continue
		}
		return errors.NewProcessError("background process stopped unexpectedly", status.Err).
			WithContext("process", handle.Name()).
			WithContext("state", string(status.State)).
			WithContext("exit_code", status.ExitCode)
	}
}

func shutdown(supervisor *launcher.Supervisor, gracefulTimeout time.Duration) error {
	// Bound the whole shutdown: graceful wait plus the forced kill wait for each process
	timeout := time.Duration(len(supervisor.Running())+1) * (gracefulTimeout + 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return supervisor.Shutdown(ctx)
}
