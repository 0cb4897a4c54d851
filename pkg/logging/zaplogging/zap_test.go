package zaplogging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zapcore.Level
		wantErr  bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"warn", zapcore.WarnLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"trace", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestBackend_Console(t *testing.T) {
	var buf bytes.Buffer
	backend, err := New(Config{Level: "info", Console: &buf})
	require.NoError(t, err)

	logger := backend.NewLogger("module: test , ")
	logger.Debugf("dropped")
	logger.Infof("Executing [%s]", "echo hi")
	require.NoError(t, backend.Sync())

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "INFO")
	assert.Contains(t, out, "module: test , Executing [echo hi]")
}

func TestBackend_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	backend, err := New(Config{Level: "info", Console: &buf})
	require.NoError(t, err)

	require.NoError(t, backend.SetLevel("debug"))
	backend.NewLogger("").Debugf("now visible")
	assert.Contains(t, buf.String(), "now visible")

	assert.Error(t, backend.SetLevel("verbose"))
}

func TestBackend_AttachFile(t *testing.T) {
	var buf bytes.Buffer
	backend, err := New(Config{Console: &buf})
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "taskrunner.log")
	require.NoError(t, backend.AttachFile(logPath))

	backend.NewLogger("").Warnf("written to both")
	require.NoError(t, backend.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written to both"`)
	assert.Contains(t, string(data), `"level":"warn"`)
	assert.Contains(t, buf.String(), "written to both")
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.Error(t, err)
}
