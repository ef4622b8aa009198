// Package scheduler drives the booking live-flag state machine.
// It is the only writer of the live flag: each tick finishes elapsed
// bookings, starts bookings whose window has opened, delegates streaming
// rights and announces the transitions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/slotcast/internal/booking"
	"github.com/onnwee/slotcast/internal/tracing"
)

// DefaultInterval is the default period between ticks.
const DefaultInterval = 5 * time.Second

// DefaultTimeout bounds a single tick.
const DefaultTimeout = 30 * time.Second

const jobTypeTransition = "booking_transition"

// Tick stages used as error labels.
const (
	stageFinishing = "finishing"
	stageStarting  = "starting"
	stageLock      = "lock"
	stagePanic     = "panic"
)

// TransitionNotifier announces the bookings that changed state in a tick.
type TransitionNotifier interface {
	NotifyTransitions(ctx context.Context, started, finished []booking.Booking)
}

// Granter delegates streaming rights. Calls must not block on the network.
type Granter interface {
	Grant(realm, owner string)
	Revoke(realm, owner string)
}

// Locker elects a single scheduler across replicas.
type Locker interface {
	// Acquire reports whether this process holds the lock after the call.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Config configures the scheduler.
type Config struct {
	// Interval is the duration between ticks.
	Interval time.Duration
	// Timeout bounds a single tick.
	Timeout time.Duration
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// Locker is optional; without it every tick runs.
	Locker     Locker
	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics JobMetrics
}

// TickResult summarizes one tick.
type TickResult struct {
	Started  []booking.Booking
	Finished []booking.Booking
	Skipped  bool
}

// Scheduler periodically transitions bookings between scheduled, live and finished.
type Scheduler struct {
	store    booking.Store
	notifier TransitionNotifier
	granter  Granter
	config   Config
	logger   *slog.Logger

	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a scheduler. granter may be nil when streaming is disabled.
func New(store booking.Store, notifier TransitionNotifier, granter Granter, config Config) *Scheduler {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		notifier: notifier,
		granter:  granter,
		config:   config,
		logger:   config.Logger,
	}
}

// Start begins the periodic ticks.
// Returns immediately; the loop runs in a background goroutine. The loop also
// ends when ctx is cancelled, after which Start may be called again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	s.logger.Info("booking scheduler started", slog.Duration("interval", s.config.Interval))
	go s.run(ctx, stopCh, doneCh)
	return nil
}

// Stop signals the loop to stop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// IsRunning returns whether the loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer func() {
		s.mu.Lock()
		// A later Start owns newer channels and its own running flag.
		if s.doneCh == doneCh {
			s.running = false
		}
		s.mu.Unlock()
		close(doneCh)
	}()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("booking scheduler stopping due to context cancellation")
			s.release()
			return
		case <-stopCh:
			s.logger.Info("booking scheduler stopping due to stop signal")
			s.release()
			return
		case <-ticker.C:
			s.TickNow(ctx)
		}
	}
}

func (s *Scheduler) release() {
	if s.config.Locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.config.Locker.Release(ctx); err != nil {
		s.logger.Warn("failed to release scheduler lock", slog.String("error", err.Error()))
	}
}

// TickNow runs one tick synchronously. Ticks never overlap.
func (s *Scheduler) TickNow(parent context.Context) (result TickResult) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("booking scheduler tick panicked", slog.Any("panic", r))
			s.recordError(stagePanic)
			s.recordJob(false, start)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, s.config.Timeout)
	defer cancel()

	if s.config.Locker != nil {
		held, err := s.config.Locker.Acquire(ctx)
		if err != nil {
			s.logger.Warn("scheduler lock unavailable, skipping tick", slog.String("error", err.Error()))
			s.recordError(stageLock)
		}
		if err != nil || !held {
			if s.config.Metrics != nil {
				s.config.Metrics.IncSkippedTicks()
			}
			result.Skipped = true
			return result
		}
	}

	var err error
	ctx, endSpan := tracing.StartSpan(ctx, "scheduler.tick")
	defer func() { endSpan(err) }()

	result, err = s.tick(ctx)
	tracing.SetAttributes(ctx,
		attribute.Int("bookings.started", len(result.Started)),
		attribute.Int("bookings.finished", len(result.Finished)),
	)
	s.recordJob(err == nil, start)
	return result
}

func (s *Scheduler) tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	var firstErr error
	now := s.config.Now().UnixMilli()

	finishing, err := s.store.ListElapsedLive(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list elapsed bookings", slog.String("error", err.Error()))
		s.recordError(stageFinishing)
		firstErr = fmt.Errorf("list elapsed: %w", err)
		finishing = nil
	}
	if len(finishing) > 0 {
		if err := s.store.SetLive(ctx, ids(finishing), false, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to finish bookings", slog.String("error", err.Error()))
			s.recordError(stageFinishing)
			if firstErr == nil {
				firstErr = fmt.Errorf("finish bookings: %w", err)
			}
			finishing = nil
		}
	}
	for i := range finishing {
		finishing[i].IsLive = false
	}

	starting, err := s.store.ListStartingNow(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list starting bookings", slog.String("error", err.Error()))
		s.recordError(stageStarting)
		if firstErr == nil {
			firstErr = fmt.Errorf("list starting: %w", err)
		}
		starting = nil
	}

	targets := make(map[string]*target)
	if len(starting) > 0 {
		// Grants go out before the live flag is written. When the write fails
		// the bookings stay in the starting set and the next tick grants them
		// again; the streaming service treats a repeated grant as a no-op.
		for _, b := range starting {
			if t := s.target(ctx, targets, b.Location); t != nil {
				s.granter.Grant(t.realm, b.Owner)
			}
		}
		if err := s.store.SetLive(ctx, ids(starting), true, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to start bookings", slog.String("error", err.Error()))
			s.recordError(stageStarting)
			if firstErr == nil {
				firstErr = fmt.Errorf("start bookings: %w", err)
			}
			starting = nil
		}
	}
	for i := range starting {
		starting[i].IsLive = true
	}

	for _, b := range finishing {
		if t := s.target(ctx, targets, b.Location); t != nil {
			s.granter.Revoke(t.realm, b.Owner)
		}
	}

	if len(starting) > 0 || len(finishing) > 0 {
		s.logger.InfoContext(ctx, "booking transitions",
			slog.Int("started", len(starting)),
			slog.Int("finished", len(finishing)))
		s.notifier.NotifyTransitions(ctx, starting, finishing)
	}

	if s.config.Metrics != nil {
		s.config.Metrics.AddTransitions(TransitionStarted, len(starting))
		s.config.Metrics.AddTransitions(TransitionFinished, len(finishing))
	}

	result.Started = starting
	result.Finished = finishing
	return result, firstErr
}

// target is a resolved streaming target; nil means the location cannot stream.
type target struct {
	realm string
}

// target resolves and caches the streaming realm for a location within a tick.
func (s *Scheduler) target(ctx context.Context, cache map[string]*target, location string) *target {
	if s.granter == nil {
		return nil
	}
	if t, ok := cache[location]; ok {
		return t
	}

	var resolved *target
	st, err := s.store.StreamingTarget(ctx, location)
	switch {
	case err != nil:
		s.logger.WarnContext(ctx, "failed to resolve streaming target",
			slog.String("location", location),
			slog.String("error", err.Error()))
	case st.SupportsStreaming:
		scene, err := booking.ParseScene(st.Scene)
		if err != nil {
			s.logger.WarnContext(ctx, "location scene is malformed, streaming skipped",
				slog.String("location", location),
				slog.String("error", err.Error()))
			break
		}
		resolved = &target{realm: scene.Realm}
	}
	cache[location] = resolved
	return resolved
}

func (s *Scheduler) recordError(stage string) {
	if s.config.Metrics != nil {
		s.config.Metrics.IncTickErrors(stage)
	}
	if s.config.JobMetrics != nil {
		s.config.JobMetrics.IncJobErrors(jobTypeTransition, stage)
	}
}

func (s *Scheduler) recordJob(ok bool, start time.Time) {
	elapsed := time.Since(start).Seconds()
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveTickDuration(elapsed)
		if ok {
			s.config.Metrics.IncTicks(time.Now())
		}
	}
	if s.config.JobMetrics != nil {
		status := "success"
		if !ok {
			status = "failure"
		}
		s.config.JobMetrics.IncJobsTotal(jobTypeTransition, status)
		s.config.JobMetrics.ObserveJobDuration(jobTypeTransition, elapsed)
	}
}

func ids(bookings []booking.Booking) []int64 {
	out := make([]int64, len(bookings))
	for i, b := range bookings {
		out[i] = b.ID
	}
	return out
}
