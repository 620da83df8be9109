package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/norskvideo/norsk-studio-docker/internal/metrics"
)

const (
	// DefaultMaxAttempts matches the one-minute health budget used by the studio scripts.
	DefaultMaxAttempts = 60
	// DefaultInterval is the fixed delay between attempts.
	DefaultInterval = time.Second
)

// ErrNotReady is the generic "not yet" signal for attempts with nothing more specific to report.
var ErrNotReady = errors.New("not ready")

// Config bounds a single wait.
type Config struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultConfig returns the default one-minute budget.
func DefaultConfig() Config {
	return Config{MaxAttempts: DefaultMaxAttempts, Interval: DefaultInterval}
}

// Budget is the longest time a wait can spend sleeping between attempts.
func (c Config) Budget() time.Duration {
	return time.Duration(c.MaxAttempts) * c.Interval
}

// Validate rejects configs with no attempts or a negative interval.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.Interval < 0 {
		return fmt.Errorf("interval must be >= 0, got %s", c.Interval)
	}
	return nil
}

// TimeoutError reports a wait whose attempts ran out before success.
type TimeoutError struct {
	Name     string
	Attempts int
	Budget   time.Duration
	LastErr  error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: not satisfied after %d attempts (%s)", e.Name, e.Attempts, e.Budget)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

// Unwrap exposes the last observed failure.
func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Is enables errors.Is checks against any *TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// IsTimeout reports whether err is or wraps a *TimeoutError.
func IsTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as a permanent failure that aborts the wait without using the remaining attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var terminal *terminalError
	return errors.As(err, &terminal)
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger used for per-attempt debug records.
func WithLogger(logger *log.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithTracer sets the tracer used for wait spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Poller) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithMetrics records attempts and outcomes on the given recorder.
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(p *Poller) {
		p.metrics = recorder
	}
}

// WithTimer replaces the wall-clock timer used between attempts.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(p *Poller) {
		if newTimer != nil {
			p.newTimer = newTimer
		}
	}
}

// Poller runs bounded fixed-interval waits.
type Poller struct {
	logger   *log.Logger
	tracer   trace.Tracer
	metrics  *metrics.Recorder
	newTimer func() backoff.Timer
	now      func() time.Time
}

// New builds a Poller backed by the wall clock.
func New(options ...Option) *Poller {
	p := &Poller{
		logger:   log.New(io.Discard),
		tracer:   otel.Tracer("studioctl/poll"),
		newTimer: func() backoff.Timer { return nil },
		now:      time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(p)
	}
	return p
}

// Until calls attempt until it returns nil, returns a Terminal error, or the attempts run out.
//
// Any other error counts as "not yet" and is retried after cfg.Interval.
func (p *Poller) Until(ctx context.Context, name string, cfg Config, attempt func(ctx context.Context) error) error {
	if p == nil {
		return errors.New("poller is nil")
	}
	if attempt == nil {
		return errors.New("attempt func is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("wait for %s: %w", name, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "condition"
	}

	started := p.now()
	ctx, span := p.tracer.Start(ctx, "poll.wait", trace.WithAttributes(
		attribute.String("wait.name", name),
		attribute.Int("wait.max_attempts", cfg.MaxAttempts),
		attribute.Int64("wait.interval_ms", cfg.Interval.Milliseconds()),
	))
	defer span.End()

	attempts := 0
	terminal := false
	var lastErr error

	operation := func() error {
		attempts++
		p.metrics.ObserveAttempt(name)
		err := attempt(ctx)
		if err == nil {
			return nil
		}
		if IsTerminal(err) {
			terminal = true
			return backoff.Permanent(err)
		}
		lastErr = err
		p.logger.Debug("wait attempt not satisfied", "wait", name, "attempt", attempts, "max_attempts", cfg.MaxAttempts, "err", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.Interval), uint64(cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotifyWithTimer(operation, policy, nil, p.newTimer())

	span.SetAttributes(attribute.Int("wait.attempts", attempts))
	elapsed := p.now().Sub(started)

	switch {
	case err == nil:
		p.metrics.ObserveOutcome(name, metrics.OutcomeSuccess, elapsed)
		p.logger.Debug("wait satisfied", "wait", name, "attempts", attempts, "elapsed", elapsed)
		span.SetStatus(codes.Ok, "satisfied")
		return nil
	case terminal:
		p.metrics.ObserveOutcome(name, metrics.OutcomeTerminal, elapsed)
		wrapped := fmt.Errorf("%s: aborted after %d of %d attempts: %w", name, attempts, cfg.MaxAttempts, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	case ctx.Err() != nil:
		p.metrics.ObserveOutcome(name, metrics.OutcomeCanceled, elapsed)
		wrapped := fmt.Errorf("%s: canceled after %d attempts: %w", name, attempts, ctx.Err())
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return wrapped
	default:
		p.metrics.ObserveOutcome(name, metrics.OutcomeTimeout, elapsed)
		timeout := &TimeoutError{
			Name:     name,
			Attempts: attempts,
			Budget:   cfg.Budget(),
			LastErr:  lastErr,
		}
		span.RecordError(timeout)
		span.SetStatus(codes.Error, timeout.Error())
		return timeout
	}
}

// For is Until for attempts that produce a value on success.
func For[T any](ctx context.Context, p *Poller, name string, cfg Config, attempt func(ctx context.Context) (T, error)) (T, error) {
	var result T
	if attempt == nil {
		return result, errors.New("attempt func is required")
	}
	err := p.Until(ctx, name, cfg, func(ctx context.Context) error {
		value, err := attempt(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
