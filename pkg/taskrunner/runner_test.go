package taskrunner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/ethchange/taskrunner/pkg/config"
	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const settingsYAML = `
server:
  startle_delay: 10ms
influxdb:
  startle_delay: 10ms
node:
  startle_delay: 10ms
ganache:
  enabled: false
runner:
  graceful_timeout: 2s
`

// The interpreter fake keeps runserver alive and lets tests steer management commands
// through the environment
const pythonScript = `#!/bin/sh
case "$3" in
  runserver) sleep ${RUNSERVER_SECONDS:-30}; exit ${RUNSERVER_EXIT:-0} ;;
  makemigrations) exit ${MAKEMIGRATIONS_EXIT:-0} ;;
  *) exit 0 ;;
esac
`

const serviceScript = "#!/bin/sh\nexec sleep 30\n"
const oneShotScript = "#!/bin/sh\nexit 0\n"

type fakeSink struct {
	mutex    sync.Mutex
	level    string
	attached []string
}

func (s *fakeSink) SetLevel(level string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.level = level
	return nil
}

func (s *fakeSink) AttachFile(path string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.attached = append(s.attached, path)
	return nil
}

func writeExecutable(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
}

// newBase lays out a project directory with settings and fake tools
func newBase(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on shell scripts as tools")
	}

	base := t.TempDir()
	writeExecutable(t, filepath.Join(base, DefaultSettingsFile), settingsYAML)

	for name, tool := range config.DefaultToolPaths() {
		script := oneShotScript
		switch name {
		case config.ToolInfluxd, config.ToolGeth, config.ToolGanache:
			script = serviceScript
		}
		writeExecutable(t, filepath.Join(base, tool.Path), script)
	}
	writeExecutable(t, filepath.Join(base, ".venv", "bin", "python"), pythonScript)
	return base
}

func assertWorkingDir(t *testing.T, expected string) {
	t.Helper()
	current, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, expected, current)
}

func TestRun_InvalidTask(t *testing.T) {
	result, err := Run(context.Background(), Options{Task: "deploy"}, nil, logging.NewNullLogger())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
	assert.NotEmpty(t, result.RunID)
}

func TestRun_Reformat(t *testing.T) {
	base := newBase(t)
	original, err := os.Getwd()
	require.NoError(t, err)

	sink := &fakeSink{}
	result, err := Run(context.Background(), Options{
		Task:        TaskReformat,
		BaseDir:     base,
		MetricsAddr: "127.0.0.1:0",
	}, sink, logging.NewNullLogger())

	require.NoError(t, err)
	assert.False(t, result.Interrupted)
	assert.Empty(t, result.Handles)
	assertWorkingDir(t, original)

	assert.Equal(t, "info", sink.level)
	assert.Equal(t, []string{filepath.Join(base, "volume", "logs", "taskrunner.log")}, sink.attached)
	assert.DirExists(t, filepath.Join(base, "volume", "geth", "keystore"))
	assert.FileExists(t, filepath.Join(base, "volume", "geth", "clef.ipc"))
}

func TestRun_LogLevelOverride(t *testing.T) {
	base := newBase(t)

	sink := &fakeSink{}
	_, err := Run(context.Background(), Options{Task: TaskReformat, BaseDir: base, LogLevel: "debug"}, sink, logging.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, "debug", sink.level)

	_, err = Run(context.Background(), Options{Task: TaskReformat, BaseDir: base, LogLevel: "verbose"}, sink, logging.NewNullLogger())
	assert.True(t, errors.IsValidationError(err))
}

func TestRun_MissingToolRestoresWorkingDir(t *testing.T) {
	base := newBase(t)
	require.NoError(t, os.Remove(filepath.Join(base, "tool", "geth", "geth")))

	original, err := os.Getwd()
	require.NoError(t, err)

	_, err = Run(context.Background(), Options{Task: TaskRunServer, Flush: true, BaseDir: base}, nil, logging.NewNullLogger())
	require.Error(t, err)
	assert.True(t, errors.IsToolNotFoundError(err))
	assertWorkingDir(t, original)
}

func TestRun_CommandFailure(t *testing.T) {
	t.Setenv("MAKEMIGRATIONS_EXIT", "3")
	t.Setenv("RUNSERVER_SECONDS", "0.2")

	t.Run("fails the task", func(t *testing.T) {
		base := newBase(t)
		original, err := os.Getwd()
		require.NoError(t, err)

		result, err := Run(context.Background(), Options{Task: TaskRunServer, BaseDir: base}, nil, logging.NewNullLogger())
		require.Error(t, err)
		assert.True(t, errors.IsCommandFailureError(err))
		assert.Empty(t, result.Handles)
		assertWorkingDir(t, original)
	})

	t.Run("allowed", func(t *testing.T) {
		base := newBase(t)

		result, err := Run(context.Background(), Options{
			Task:                TaskRunServer,
			BaseDir:             base,
			AllowCommandFailure: true,
		}, nil, logging.NewNullLogger())
		require.NoError(t, err)
		require.Len(t, result.Handles, 1)
		assert.False(t, result.Handles[0].Running())
	})
}

func TestRun_SupervisesUntilProcessesExit(t *testing.T) {
	t.Setenv("RUNSERVER_SECONDS", "0.3")
	base := newBase(t)

	begin := time.Now()
	result, err := Run(context.Background(), Options{Task: TaskRunServer, BaseDir: base}, nil, logging.NewNullLogger())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(begin), 300*time.Millisecond)
	require.Len(t, result.Handles, 1)
	assert.False(t, result.Handles[0].Running())
	assert.False(t, result.Interrupted)
	assert.FileExists(t, filepath.Join(base, "volume", "logs", "server.log"))
}

func TestRun_SupervisedProcessFailureFailsTask(t *testing.T) {
	t.Setenv("RUNSERVER_SECONDS", "0.3")
	t.Setenv("RUNSERVER_EXIT", "4")
	base := newBase(t)
	original, err := os.Getwd()
	require.NoError(t, err)

	result, err := Run(context.Background(), Options{
		Task:        TaskRunServer,
		RunServices: true,
		BaseDir:     base,
	}, nil, logging.NewNullLogger())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))

	process, ok := errors.ContextValue(err, "process")
	require.True(t, ok)
	assert.Equal(t, "server", process)
	exitCode, ok := errors.ContextValue(err, "exit_code")
	require.True(t, ok)
	assert.Equal(t, 4, exitCode)

	assert.False(t, result.Interrupted)
	assertWorkingDir(t, original)

	require.Len(t, result.Handles, 3)
	for _, h := range result.Handles {
		assert.False(t, h.Running(), "process %s should be stopped", h.Name())
	}
}

func TestRun_InterruptStopsProcesses(t *testing.T) {
	base := newBase(t)
	original, err := os.Getwd()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(time.Second)
		cancel()
	}()

	var report bytes.Buffer
	result, err := Run(ctx, Options{
		Task:        TaskRunServer,
		RunServices: true,
		BaseDir:     base,
		Report:      &report,
	}, nil, logging.NewNullLogger())

	require.NoError(t, err)
	assert.True(t, result.Interrupted)
	require.Error(t, result.Interrupt)
	assert.True(t, errors.IsInterruptedError(result.Interrupt))
	assert.True(t, errors.IsCancelledError(result.Interrupt))
	assert.Contains(t, report.String(), "Executed [runserver] in ")
	assertWorkingDir(t, original)

	require.Len(t, result.Handles, 3)
	for _, h := range result.Handles {
		assert.False(t, h.Running(), "process %s should be stopped", h.Name())
	}
}

func TestRun_NoWait(t *testing.T) {
	base := newBase(t)

	result, err := Run(context.Background(), Options{
		Task:    TaskRunServices,
		BaseDir: base,
		NoWait:  true,
	}, nil, logging.NewNullLogger())
	require.NoError(t, err)

	require.Len(t, result.Handles, 2)
	for _, h := range result.Handles {
		h := h
		assert.True(t, h.Running())
		t.Cleanup(func() { _ = h.Terminate(context.Background(), time.Second) })
	}
}
