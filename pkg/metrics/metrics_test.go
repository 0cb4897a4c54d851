package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/ethchange/taskrunner/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveCommand("/usr/bin/python", 0, nil, time.Second)
		m.ObserveLaunch("geth", nil)
		m.ObserveExit("geth")
		m.ObserveProbe("tcp", nil)
		m.SetWorkflowState("runserver", "", "migrating")
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_ObserveCommand(t *testing.T) {
	m := New()

	m.ObserveCommand("/repo/.venv/bin/python", 0, nil, 10*time.Millisecond)
	m.ObserveCommand("/repo/.venv/bin/python", 1, nil, 10*time.Millisecond)
	m.ObserveCommand("/repo/.venv/bin/python", 0, fmt.Errorf("spawn failed"), 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("python", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("python", "exit_1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commandsTotal.WithLabelValues("python", "error")))
}

func TestMetrics_LaunchAndExit(t *testing.T) {
	m := New()

	m.ObserveLaunch("/repo/tool/geth/geth", nil)
	m.ObserveLaunch("/repo/tool/influxdb/influxd", nil)
	m.ObserveLaunch("/repo/tool/ganache/ganache", fmt.Errorf("exec format error"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.runningProcesses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launchesTotal.WithLabelValues("ganache", "error")))

	m.ObserveExit("geth")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runningProcesses))
}

func TestMetrics_WorkflowState(t *testing.T) {
	m := New()

	m.SetWorkflowState("runserver", "", "provisioning-paths")
	m.SetWorkflowState("runserver", "provisioning-paths", "resolving-tools")

	assert.Equal(t, 0.0, testutil.ToFloat64(m.workflowStep.WithLabelValues("runserver", "provisioning-paths")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowStep.WithLabelValues("runserver", "resolving-tools")))
}

func TestMetrics_Serve(t *testing.T) {
	m := New()
	m.ObserveProbe("tcp", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := m.Serve(ctx, "127.0.0.1:0", logging.NewNullLogger())
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `taskrunner_readiness_probes_total{kind="tcp",outcome="ok"} 1`)
}
