package price

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

// Lookup wraps a Series with the batch-side degradation policy: each
// call is bounded by a timeout, transient upstream failures are retried
// with backoff, and a lookup that still cannot be served degrades to a
// null price instead of stalling or failing the batch.
type Lookup struct {
	series    Series
	tolerance time.Duration
	timeout   time.Duration
	retryMax  int
	backoff   time.Duration
}

func NewLookup(series Series, tolerance, timeout time.Duration, retryMax int, backoff time.Duration) *Lookup {
	if retryMax < 0 {
		retryMax = 0
	}
	return &Lookup{
		series:    series,
		tolerance: tolerance,
		timeout:   timeout,
		retryMax:  retryMax,
		backoff:   backoff,
	}
}

// PriceAt resolves the price at ts. A nil sample means no price within
// tolerance; callers must record null, never zero.
func (l *Lookup) PriceAt(ctx context.Context, ts time.Time) (*Sample, error) {
	return l.withRetries(ctx, func(attemptCtx context.Context) (*Sample, error) {
		return l.series.Nearest(attemptCtx, ts, l.tolerance)
	})
}

// DayClose resolves the closing price for the day ending at dayEnd.
func (l *Lookup) DayClose(ctx context.Context, dayEnd time.Time) (*Sample, error) {
	return l.withRetries(ctx, func(attemptCtx context.Context) (*Sample, error) {
		return l.series.DayClose(attemptCtx, dayEnd)
	})
}

func (l *Lookup) withRetries(ctx context.Context, fn func(context.Context) (*Sample, error)) (*Sample, error) {
	var lastErr error
	for attempt := 0; attempt <= l.retryMax; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, l.timeout)
		sample, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return sample, nil
		}

		var unavailable *types.UpstreamUnavailableError
		retriable := errors.As(err, &unavailable) || errors.Is(err, context.DeadlineExceeded)
		if !retriable {
			return nil, err
		}
		lastErr = err
		if attempt < l.retryMax {
			wait := l.backoff * time.Duration(attempt+1)
			log.Warnf("Price lookup attempt %d failed, retrying in %v: %v", attempt+1, wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	log.Warnf("Price lookup degraded to null after %d attempts: %v", l.retryMax+1, lastErr)
	return nil, nil
}
