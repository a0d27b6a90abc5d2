package price

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

func newSeriesStore(t *testing.T, ticks []db.PriceTick) *Store {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "prices.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&db.PriceTick{}))
	if len(ticks) > 0 {
		require.NoError(t, gdb.Create(&ticks).Error)
	}
	store, err := LoadStore(gdb, "BTCUSD", "1d")
	require.NoError(t, err)
	return store
}

func dailyTicks(start time.Time, closes ...float64) []db.PriceTick {
	ticks := make([]db.PriceTick, 0, len(closes))
	for i, close := range closes {
		ticks = append(ticks, db.PriceTick{
			Symbol: "BTCUSD",
			Freq:   "1d",
			Ts:     start.AddDate(0, 0, i),
			Close:  close,
			Source: "test",
		})
	}
	return ticks
}

func TestNearestWithinTolerance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newSeriesStore(t, dailyTicks(start, 100, 200, 300))

	sample, err := store.Nearest(context.Background(), start.Add(5*time.Hour), 12*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 100.0, sample.Close)

	// Closer to the next day's sample.
	sample, err = store.Nearest(context.Background(), start.Add(20*time.Hour), 12*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 200.0, sample.Close)
}

func TestNearestGapYieldsNilNotZero(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newSeriesStore(t, dailyTicks(start, 100))

	sample, err := store.Nearest(context.Background(), start.AddDate(0, 0, 10), 12*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, sample)

	empty := newSeriesStore(t, nil)
	sample, err = empty.Nearest(context.Background(), start, 12*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, sample)
}

func TestDayClose(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := newSeriesStore(t, dailyTicks(start, 100, 200))

	dayEnd := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	sample, err := store.DayClose(context.Background(), dayEnd)
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 100.0, sample.Close)

	// A day with no coverage in the trailing 24h window has no close.
	sample, err = store.DayClose(context.Background(), dayEnd.AddDate(0, 0, 20))
	require.NoError(t, err)
	assert.Nil(t, sample)
}

type flakySeries struct {
	failures int
	calls    int
	sample   *Sample
}

func (f *flakySeries) Nearest(context.Context, time.Time, time.Duration) (*Sample, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &types.UpstreamUnavailableError{Upstream: "price-oracle", Err: assertAnError}
	}
	return f.sample, nil
}

func (f *flakySeries) DayClose(context.Context, time.Time) (*Sample, error) {
	return f.Nearest(context.Background(), time.Time{}, 0)
}

var assertAnError = assert.AnError

func TestLookupRetriesThenSucceeds(t *testing.T) {
	series := &flakySeries{failures: 2, sample: &Sample{Close: 42}}
	lookup := NewLookup(series, time.Hour, time.Second, 3, time.Millisecond)

	sample, err := lookup.PriceAt(context.Background(), time.Now())
	require.NoError(t, err)
	require.NotNil(t, sample)
	assert.Equal(t, 42.0, sample.Close)
	assert.Equal(t, 3, series.calls)
}

func TestLookupDegradesToNullAfterRetries(t *testing.T) {
	series := &flakySeries{failures: 10, sample: &Sample{Close: 42}}
	lookup := NewLookup(series, time.Hour, time.Second, 2, time.Millisecond)

	sample, err := lookup.PriceAt(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Nil(t, sample)
	assert.Equal(t, 3, series.calls)
}

func TestLookupHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	series := &flakySeries{sample: &Sample{Close: 1}}
	lookup := NewLookup(series, time.Hour, time.Second, 0, time.Millisecond)

	_, err := lookup.PriceAt(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
