package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Supervisor runs detached background tasks. Task failures and panics are
// logged and counted, never propagated. Shutdown waits for running tasks.
type Supervisor struct {
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool
}

// NewSupervisor creates a Supervisor. metrics may be nil.
func NewSupervisor(logger *slog.Logger, metrics *Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go starts fn in the background. The context passed to fn is cancelled when
// Shutdown gives up waiting. It returns false once Shutdown has been called.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("supervisor closed, task rejected", slog.String("task", name))
		return false
	}

	if s.metrics != nil {
		s.metrics.TaskStarted()
	}
	s.group.Go(func() error {
		s.run(name, fn)
		return nil
	})
	return true
}

func (s *Supervisor) run(name string, fn func(ctx context.Context) error) {
	start := time.Now()
	status := StatusSuccess
	defer func() {
		if r := recover(); r != nil {
			status = StatusFailure
			s.logger.Error("background task panicked",
				slog.String("task", name),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
			if s.metrics != nil {
				s.metrics.IncJobErrors(JobTypeSupervisedTask, "panic")
			}
		}
		if s.metrics != nil {
			s.metrics.TaskFinished()
			s.metrics.IncJobsTotal(JobTypeSupervisedTask, status)
			s.metrics.ObserveJobDuration(JobTypeSupervisedTask, time.Since(start).Seconds())
		}
	}()

	if err := fn(s.ctx); err != nil {
		status = StatusFailure
		s.logger.Error("background task failed",
			slog.String("task", name),
			slog.String("error", err.Error()))
		if s.metrics != nil {
			s.metrics.IncJobErrors(JobTypeSupervisedTask, "task_error")
		}
	}
}

// Shutdown stops accepting tasks and waits for running ones. If ctx expires
// first, running tasks are cancelled and ctx.Err() is returned.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.logger.Warn("supervisor shutdown timed out, cancelled running tasks")
		return ctx.Err()
	}
}
