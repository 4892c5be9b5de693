// Package retry implements exponential backoff for transient cloud errors.
package retry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	apperrors "github.com/mpz/devops/tools/aurora-restore-pipeline/internal/errors"
	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/constants"
)

// Policy controls the backoff schedule. The zero value is not usable; use
// DefaultPolicy.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// Sleep is a seam for tests. Nil means time.Sleep honoring ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the pipeline-wide budget for transient cloud errors.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   constants.RetryBaseDelay,
		MaxDelay:    constants.RetryMaxDelay,
		MaxAttempts: constants.RetryMaxAttempts,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or the attempt
// budget is exhausted. Only errors classified transient are retried.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			return err
		}
		if attempt == p.MaxAttempts {
			break
		}
		delay := p.delay(attempt)
		if logger != nil {
			logger.Warn("transient error, retrying",
				slog.String("operation", op),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()))
		}
		if serr := sleep(ctx, delay); serr != nil {
			return errors.Wrapf(serr, "%s: retry interrupted", op)
		}
	}
	return errors.Wrapf(err, "%s: retries exhausted after %d attempts", op, p.MaxAttempts)
}

// delay returns BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transientMarkers are AWS error codes and transport failures worth retrying.
var transientMarkers = []string{
	"Throttling",
	"ThrottlingException",
	"TooManyRequestsException",
	"RequestLimitExceeded",
	"ProvisionedThroughputExceededException",
	"ServiceUnavailable",
	"InternalFailure",
	"InternalServerError",
	"RequestTimeout",
	"connection reset",
	"i/o timeout",
}

// Classify wraps err with the transient sentinel when its error code marks it
// retryable; other errors pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return errors.Mark(err, apperrors.ErrTransient)
		}
	}
	return err
}
