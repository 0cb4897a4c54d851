package launcher

import (
	"context"
	"sync"
	"time"

	"github.com/ethchange/taskrunner/pkg/errors"
	"github.com/ethchange/taskrunner/pkg/logging"

	"go.uber.org/multierr"
)

// Supervisor keeps the handles launched during a run and tears them down on exit
type Supervisor struct {
	gracefulTimeout time.Duration
	logger          logging.Logger

	mutex   sync.Mutex
	handles []*ProcessHandle
}

func NewSupervisor(gracefulTimeout time.Duration, logger logging.Logger) *Supervisor {
	if gracefulTimeout <= 0 {
		gracefulTimeout = 10 * time.Second
	}
	return &Supervisor{
		gracefulTimeout: gracefulTimeout,
		logger:          logger,
	}
}

func (s *Supervisor) Track(handle *ProcessHandle) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.handles = append(s.handles, handle)
}

// Handles returns tracked handles in launch order
func (s *Supervisor) Handles() []*ProcessHandle {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	handles := make([]*ProcessHandle, len(s.handles))
	copy(handles, s.handles)
	return handles
}

func (s *Supervisor) Running() []*ProcessHandle {
	var running []*ProcessHandle
	for _, h := range s.Handles() {
		if h.Running() {
			running = append(running, h)
		}
	}
	return running
}

// WaitAll blocks until every tracked process has exited or ctx is done
func (s *Supervisor) WaitAll(ctx context.Context) error {
	for _, h := range s.Handles() {
		if _, err := h.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WaitAny blocks until one tracked process whose ID is not in seen exits, or ctx is done,
// and returns it. A process that already exited is returned at once. Returns nil when
// every tracked process is in seen.
func (s *Supervisor) WaitAny(ctx context.Context, seen map[string]bool) (*ProcessHandle, error) {
	var handles []*ProcessHandle
	for _, h := range s.Handles() {
		if !seen[h.ID()] {
			handles = append(handles, h)
		}
	}
	if len(handles) == 0 {
		return nil, nil
	}

	exited := make(chan *ProcessHandle, len(handles))
	stop := make(chan struct{})
	defer close(stop)

	for _, h := range handles {
		go func(h *ProcessHandle) {
			select {
			case <-h.Done():
				exited <- h
			case <-stop:
			}
		}(h)
	}

	select {
	case h := <-exited:
		return h, nil
	case <-ctx.Done():
		return nil, errors.NewCancelledError("supervision cancelled", ctx.Err())
	}
}

// Shutdown terminates running processes newest first, so dependents stop before
// the services they use
func (s *Supervisor) Shutdown(ctx context.Context) error {
	running := s.Running()
	if len(running) == 0 {
		return nil
	}
	s.logger.Infof("Stopping %d background process(es)", len(running))

	var err error
	for i := len(running) - 1; i >= 0; i-- {
		err = multierr.Append(err, running[i].Terminate(ctx, s.gracefulTimeout))
	}
	return err
}
