package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/serenitypath/sessionbook/services/booking-service/internal/availability"
)

type RetryConfig struct {
	MaxTries   uint
	MaxElapsed time.Duration
	// NewBackOff overrides the exponential policy, mainly for tests.
	NewBackOff func() backoff.BackOff
	// Observe receives the total lookup time in seconds, retries included.
	Observe func(seconds float64)
}

// RetryingSource retries transient busy-time failures and converts anything
// left over into ErrAvailabilityUnknown.
type RetryingSource struct {
	next   BusySource
	cfg    RetryConfig
	logger *slog.Logger
}

func NewRetryingSource(next BusySource, cfg RetryConfig, logger *slog.Logger) *RetryingSource {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 4
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 8 * time.Second
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingSource{next: next, cfg: cfg, logger: logger}
}

func (r *RetryingSource) QueryBusy(ctx context.Context, from, to time.Time) ([]availability.Interval, error) {
	if r.cfg.Observe != nil {
		started := time.Now()
		defer func() { r.cfg.Observe(time.Since(started).Seconds()) }()
	}
	busy, err := backoff.Retry(ctx, func() ([]availability.Interval, error) {
		b, err := r.next.QueryBusy(ctx, from, to)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	},
		backoff.WithBackOff(r.cfg.NewBackOff()),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsed),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("calendar busy query failed, retrying", "err", err, "wait_ms", wait.Milliseconds())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAvailabilityUnknown, err)
	}
	return busy, nil
}
