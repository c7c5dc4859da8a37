package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/quorumtools/rostersync/internal/remote"
)

// Retry policy for downstream 5xx responses. Client errors and
// not-found are never retried: repeating a rejected request cannot
// succeed, and retrying changes nothing about a deleted record.
const (
	maxRetries = 3
	baseDelay  = time.Second
)

// sleepFunc pauses for d or until the context is done. Injectable so
// tests run without real delays.
type sleepFunc func(ctx context.Context, d time.Duration) error

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withRetry runs fn, retrying on downstream server errors with doubling
// backoff (1s, 2s, 4s). Any other outcome is returned immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !remote.IsServerError(err) || attempt == maxRetries {
			return err
		}
		e.log.Warn("downstream server error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.Any("error", err),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}
