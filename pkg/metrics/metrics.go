package metrics

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ethchange/taskrunner/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskrunner"

// Metrics holds the runner's collectors on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	launchesTotal    *prometheus.CounterVec
	probesTotal      *prometheus.CounterVec
	runningProcesses prometheus.Gauge
	workflowStep     *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Synchronous commands executed, by program and outcome",
		}, []string{"program", "outcome"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Wall-clock duration of synchronous commands",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"program"}),
		launchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Background process launches, by program and outcome",
		}, []string{"program", "outcome"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readiness_probes_total",
			Help:      "Readiness probe results, by probe kind and outcome",
		}, []string{"kind", "outcome"}),
		runningProcesses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_processes",
			Help:      "Background processes currently supervised and running",
		}),
		workflowStep: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_state",
			Help:      "1 for the current state of each workflow",
		}, []string{"workflow", "state"}),
	}

	m.registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.launchesTotal,
		m.probesTotal,
		m.runningProcesses,
		m.workflowStep,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveCommand records a finished synchronous command. exitCode is ignored when err is set.
func (m *Metrics) ObserveCommand(program string, exitCode int, err error, duration time.Duration) {
	if m == nil {
		return
	}
	program = programLabel(program)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case exitCode != 0:
		outcome = "exit_" + strconv.Itoa(exitCode)
	}
	m.commandsTotal.WithLabelValues(program, outcome).Inc()
	m.commandDuration.WithLabelValues(program).Observe(duration.Seconds())
}

func (m *Metrics) ObserveLaunch(program string, err error) {
	if m == nil {
		return
	}
	m.launchesTotal.WithLabelValues(programLabel(program), outcomeOf(err)).Inc()
	if err == nil {
		m.runningProcesses.Inc()
	}
}

func (m *Metrics) ObserveExit(program string) {
	if m == nil {
		return
	}
	m.runningProcesses.Dec()
}

func (m *Metrics) ObserveProbe(kind string, err error) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(kind, outcomeOf(err)).Inc()
}

// SetWorkflowState marks state as the current state of workflow
func (m *Metrics) SetWorkflowState(workflow, previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.workflowStep.WithLabelValues(workflow, previous).Set(0)
	}
	m.workflowStep.WithLabelValues(workflow, current).Set(1)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done. It returns once the listener is bound.
func (m *Metrics) Serve(ctx context.Context, addr string, logger logging.Logger) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("Serving metrics on %s", listener.Addr())
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Errorf("Metrics server failed: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Metrics server shutdown error: %v", err)
		}
	}()

	return listener.Addr(), nil
}

func programLabel(program string) string {
	if program == "" {
		return "unknown"
	}
	return filepath.Base(program)
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
