package command

import (
	"bytes"
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLogger struct {
	mock.Mock
}

func (m *mockLogger) LogLevelf(level int, format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *mockLogger) Debugf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *mockLogger) Infof(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *mockLogger) Warnf(format string, args ...interface{}) {
	m.Called(format, args)
}

func (m *mockLogger) Errorf(format string, args ...interface{}) {
	m.Called(format, args)
}

func newPermissiveLogger() *mockLogger {
	logger := &mockLogger{}
	logger.On("Debugf", mock.Anything, mock.Anything).Maybe()
	logger.On("Infof", mock.Anything, mock.Anything).Maybe()
	logger.On("Warnf", mock.Anything, mock.Anything).Maybe()
	logger.On("Errorf", mock.Anything, mock.Anything).Maybe()
	return logger
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on /bin/sh")
	}
}

func newTestExecutor(logger *mockLogger) (*Executor, *bytes.Buffer) {
	var stdout bytes.Buffer
	return NewExecutor(ExecutorOptions{
		Stdin:  bytes.NewReader(nil),
		Stdout: &stdout,
		Stderr: &stdout,
	}, logger), &stdout
}

func TestExecutor_Success(t *testing.T) {
	skipOnWindows(t)

	logger := &mockLogger{}
	logger.On("Infof", "Executing [%s]", []interface{}{"/bin/sh -c 'echo migrated'"}).Once()
	logger.On("Infof", "Completed in %v ...", mock.Anything).Once()

	executor, stdout := newTestExecutor(logger)
	code, err := executor.Run(context.Background(), New("/bin/sh", "-c", "echo migrated"), false)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "migrated\n", stdout.String())
	logger.AssertExpectations(t)
}

func TestExecutor_NonZeroExitIsNotAnError(t *testing.T) {
	skipOnWindows(t)

	executor, _ := newTestExecutor(newPermissiveLogger())
	code, err := executor.Run(context.Background(), New("/bin/sh", "-c", "exit 3"), false)

	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExecutor_Quiet(t *testing.T) {
	skipOnWindows(t)

	logger := &mockLogger{} // any log call would panic on an unexpected mock call
	executor, _ := newTestExecutor(logger)

	code, err := executor.Run(context.Background(), New("/bin/sh", "-c", "true"), true)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	logger.AssertNotCalled(t, "Infof", mock.Anything, mock.Anything)
}

func TestExecutor_DirAndEnv(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	executor, stdout := newTestExecutor(newPermissiveLogger())

	spec := New("/bin/sh", "-c", `printf '%s|%s' "$PWD" "$TASK_NAME"`).WithDir(dir).WithEnv("TASK_NAME=runserver")
	code, err := executor.Run(context.Background(), spec, true)

	require.NoError(t, err)
	assert.Equal(t, 0, code)

	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	out := stdout.String()
	assert.True(t, out == dir+"|runserver" || out == resolved+"|runserver", out)
}

func TestExecutor_MissingProgram(t *testing.T) {
	executor, _ := newTestExecutor(newPermissiveLogger())
	missing := filepath.Join(t.TempDir(), "no-such-binary")

	code, err := executor.Run(context.Background(), New(missing), false)

	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.IsLaunchFailureError(err))
}

func TestExecutor_Cancelled(t *testing.T) {
	skipOnWindows(t)

	executor, _ := newTestExecutor(newPermissiveLogger())

	t.Run("before start", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := executor.Run(ctx, New("/bin/sh", "-c", "true"), false)
		assert.True(t, errors.IsCancelledError(err))
	})

	t.Run("while running", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		started := time.Now()
		_, err := executor.Run(ctx, New("/bin/sh", "-c", "exec sleep 10"), false)

		assert.True(t, errors.IsCancelledError(err))
		assert.Less(t, time.Since(started), 5*time.Second)
	})
}

func TestExecutor_InvalidInput(t *testing.T) {
	executor, _ := newTestExecutor(newPermissiveLogger())

	//nolint:staticcheck // nil context is the point of the test
	_, err := executor.Run(nil, New("/bin/true"), false)
	assert.True(t, errors.IsValidationError(err))

	_, err = executor.Run(context.Background(), New(), false)
	assert.True(t, errors.IsValidationError(err))
}

func TestExecutor_RecordsMetrics(t *testing.T) {
	skipOnWindows(t)

	m := metrics.New()
	executor := NewExecutor(ExecutorOptions{
		Stdin:   bytes.NewReader(nil),
		Stdout:  &bytes.Buffer{},
		Stderr:  &bytes.Buffer{},
		Metrics: m,
	}, newPermissiveLogger())

	_, err := executor.Run(context.Background(), New("/bin/sh", "-c", "exit 2"), true)
	require.NoError(t, err)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() == "taskrunner_commands_total" {
			for _, metric := range family.GetMetric() {
				labels := map[string]string{}
				for _, label := range metric.GetLabel() {
					labels[label.GetName()] = label.GetValue()
				}
				if labels["program"] == "sh" && labels["outcome"] == "exit_2" {
					found = true
					assert.Equal(t, 1.0, metric.GetCounter().GetValue())
				}
			}
		}
	}
	assert.True(t, found)
}
