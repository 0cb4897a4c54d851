package launcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
)

// ReadinessProbe blocks until a launched service is usable
type ReadinessProbe interface {
	Kind() string
	Wait(ctx context.Context) error
}

// DelayProbe waits a constant time; used when a service has no observable readiness signal
type DelayProbe struct {
	Delay time.Duration
}

func (p DelayProbe) Kind() string { return "delay" }

func (p DelayProbe) Wait(ctx context.Context) error {
	if p.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.NewCancelledError("startle delay interrupted", ctx.Err())
	}
}

// PollSettings bounds a polling probe
type PollSettings struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  uint
}

func (s PollSettings) withDefaults() PollSettings {
	if s.Interval <= 0 {
		s.Interval = 500 * time.Millisecond
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	if s.Retries == 0 {
		s.Retries = 60
	}
	return s
}

// TCPProbe succeeds once Address accepts a connection
type TCPProbe struct {
	Address string
	PollSettings
}

func (p TCPProbe) Kind() string { return "tcp" }

func (p TCPProbe) Wait(ctx context.Context) error {
	settings := p.withDefaults()
	return poll(ctx, p.Kind(), p.Address, settings, func(ctx context.Context) error {
		dialer := net.Dialer{Timeout: settings.Interval}
		conn, err := dialer.DialContext(ctx, "tcp", p.Address)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// HTTPProbe succeeds once URL answers with a 2xx or 3xx status
type HTTPProbe struct {
	URL string
	PollSettings
}

func (p HTTPProbe) Kind() string { return "http" }

func (p HTTPProbe) Wait(ctx context.Context) error {
	settings := p.withDefaults()
	client := &http.Client{Timeout: settings.Interval}

	return poll(ctx, p.Kind(), p.URL, settings, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

func poll(ctx context.Context, kind, target string, settings PollSettings, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, settings.Timeout)
	defer cancel()

	ready := false
	err := retry.Retry(
		func(attempt uint) error {
			if err := check(ctx); err != nil {
				return err
			}
			ready = true
			return nil
		},
		strategy.Limit(settings.Retries),
		func(attempt uint) bool { return ctx.Err() == nil },
		strategy.Wait(settings.Interval),
	)
	if ready {
		return nil
	}

	var probeErr *errors.DomainError
	if ctx.Err() == context.DeadlineExceeded {
		probeErr = errors.NewTimeoutError("service did not become ready", err)
	} else if ctx.Err() != nil {
		probeErr = errors.NewCancelledError("readiness probe cancelled", ctx.Err())
	} else {
		probeErr = errors.NewTimeoutError("service did not become ready within retry limit", err)
	}
	return probeErr.WithContext("probe", kind).WithContext("target", target)
}
