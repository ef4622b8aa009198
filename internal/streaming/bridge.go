package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/slotcast/internal/tracing"
)

// Retry defaults.
const (
	DefaultInitialInterval = 3 * time.Second
	DefaultMaxInterval     = 2 * time.Minute
	DefaultMaxAttempts     = 20
	DefaultAttemptTimeout  = 20 * time.Second
)

// ErrExhausted is returned when every allowed attempt failed with a retryable error.
var ErrExhausted = errors.New("delegation retry budget exhausted")

// Runner starts detached background work.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

const jobTypeDelegation = "streaming_delegation"

// Config configures a Bridge.
type Config struct {
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the wait between retries.
	MaxInterval time.Duration
	// MaxAttempts bounds the number of requests per delegation. 0 means unlimited.
	MaxAttempts int
	// AttemptTimeout bounds a single request.
	AttemptTimeout time.Duration

	Logger     *slog.Logger
	Metrics    *Metrics
	JobMetrics JobMetrics
}

// Bridge turns booking transitions into permission delegations. Grant and
// Revoke return immediately; the request and its retries run on the Runner.
type Bridge struct {
	delegator Delegator
	runner    Runner
	cfg       Config
	logger    *slog.Logger
}

// NewBridge creates a Bridge.
func NewBridge(delegator Delegator, runner Runner, cfg Config) *Bridge {
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultMaxInterval
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		delegator: delegator,
		runner:    runner,
		cfg:       cfg,
		logger:    cfg.Logger,
	}
}

// Grant allows owner to stream in realm.
func (b *Bridge) Grant(realm, owner string) {
	b.dispatch(ActionGrant, realm, owner)
}

// Revoke withdraws owner's streaming permission in realm.
func (b *Bridge) Revoke(realm, owner string) {
	b.dispatch(ActionRevoke, realm, owner)
}

func (b *Bridge) dispatch(action Action, realm, owner string) {
	if realm == "" {
		b.logger.Warn("streaming delegation skipped, scene has no realm",
			slog.String("action", action.String()),
			slog.String("owner", owner))
		return
	}
	identity := strings.ToLower(owner)
	name := "streaming " + action.String() + " " + realm + "/" + identity
	if !b.runner.Go(name, func(ctx context.Context) error {
		return b.Do(ctx, action, realm, identity)
	}) {
		b.logger.Warn("streaming delegation dropped, runner closed",
			slog.String("action", action.String()),
			slog.String("realm", realm),
			slog.String("owner", identity))
	}
}

func (b *Bridge) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.InitialInterval
	exp.MaxInterval = b.cfg.MaxInterval
	exp.MaxElapsedTime = 0

	var bo backoff.BackOff = exp
	if b.cfg.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(b.cfg.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// Do performs a delegation synchronously, retrying server-side and transport
// failures with exponential backoff. Client-side failures are not retried.
func (b *Bridge) Do(ctx context.Context, action Action, realm, identity string) (err error) {
	ctx, endSpan := tracing.StartSpan(ctx, "streaming.delegate",
		attribute.String("streaming.action", action.String()),
		attribute.String("streaming.realm", realm))
	defer func() { endSpan(err) }()

	start := time.Now()
	attempt := 0
	log := b.logger.With(
		slog.String("action", action.String()),
		slog.String("realm", realm),
		slog.String("owner", identity))

	op := func() error {
		attempt++
		if m := b.cfg.Metrics; m != nil {
			m.attempts.WithLabelValues(action.String()).Inc()
		}
		actx, cancel := context.WithTimeout(ctx, b.cfg.AttemptTimeout)
		defer cancel()

		t0 := time.Now()
		derr := b.delegator.Delegate(actx, action, realm, identity)
		if m := b.cfg.Metrics; m != nil {
			m.latency.WithLabelValues(action.String()).Observe(time.Since(t0).Seconds())
		}
		if derr != nil && isPermanent(derr) {
			return backoff.Permanent(derr)
		}
		return derr
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("streaming delegation attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
	}

	err = backoff.RetryNotify(op, b.newBackOff(ctx), notify)
	tracing.SetAttributes(ctx, attribute.Int("streaming.attempts", attempt))
	result := b.classify(ctx, err)
	b.record(action, result, time.Since(start))

	switch result {
	case ResultSuccess:
		log.Info("streaming delegation succeeded", slog.Int("attempts", attempt))
		return nil
	case ResultPermanent:
		log.Warn("streaming delegation rejected, not retrying",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		return err
	case ResultCancelled:
		log.Warn("streaming delegation cancelled",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		return err
	default:
		log.Error("streaming delegation exhausted retry budget",
			slog.Int("attempts", attempt),
			slog.String("error", err.Error()))
		return fmt.Errorf("%w after %d attempts: %v", ErrExhausted, attempt, err)
	}
}

func (b *Bridge) classify(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case isPermanent(err):
		return ResultPermanent
	case ctx.Err() != nil:
		return ResultCancelled
	default:
		return ResultExhausted
	}
}

func (b *Bridge) record(action Action, result string, elapsed time.Duration) {
	if m := b.cfg.Metrics; m != nil {
		m.results.WithLabelValues(action.String(), result).Inc()
		if result == ResultExhausted {
			m.exhausted.WithLabelValues(action.String()).Inc()
		}
	}
	if jm := b.cfg.JobMetrics; jm != nil {
		status := "success"
		if result != ResultSuccess {
			status = "failure"
			jm.IncJobErrors(jobTypeDelegation, result)
		}
		jm.IncJobsTotal(jobTypeDelegation, status)
		jm.ObserveJobDuration(jobTypeDelegation, elapsed.Seconds())
	}
}
