package price

import (
	"context"
	"time"
)

// Sample is one close observation from the price oracle's series.
type Sample struct {
	Ts     time.Time
	Close  float64
	Source string
}

// Series answers nearest-timestamp lookups against the oracle's
// (symbol, freq) time series. A lookup outside the caller's tolerance
// window yields a nil sample, never an interpolated one: fabricating a
// price across a gap would break reproducibility downstream.
type Series interface {
	// Nearest returns the sample closest to ts within tolerance, or nil
	// when no sample qualifies.
	Nearest(ctx context.Context, ts time.Time, tolerance time.Duration) (*Sample, error)

	// DayClose returns the last sample at or before dayEnd, looking back
	// at most one day, or nil when the day has no coverage.
	DayClose(ctx context.Context, dayEnd time.Time) (*Sample, error)
}
