package price

import (
	"context"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

// Store serves lookups from the price_ticks table the oracle
// collaborator maintains. The series is small (one close per frequency
// interval) so it is held sorted in memory; the event tables are the
// out-of-core side of this pipeline, not the prices.
type Store struct {
	symbol  string
	freq    string
	samples []Sample
}

func LoadStore(gdb *gorm.DB, symbol, freq string) (*Store, error) {
	var ticks []db.PriceTick
	err := gdb.Where("symbol = ? AND freq = ?", symbol, freq).
		Order("ts ASC").
		Find(&ticks).Error
	if err != nil {
		return nil, &types.UpstreamUnavailableError{Upstream: "price-series", Err: err}
	}

	samples := make([]Sample, 0, len(ticks))
	for _, tick := range ticks {
		samples = append(samples, Sample{Ts: tick.Ts.UTC(), Close: tick.Close, Source: tick.Source})
	}
	log.Infof("Loaded price series %s/%s, %d samples", symbol, freq, len(samples))
	return &Store{symbol: symbol, freq: freq, samples: samples}, nil
}

func (s *Store) Nearest(_ context.Context, ts time.Time, tolerance time.Duration) (*Sample, error) {
	if len(s.samples) == 0 {
		return nil, nil
	}
	idx := sort.Search(len(s.samples), func(i int) bool {
		return !s.samples[i].Ts.Before(ts)
	})

	best := -1
	var bestGap time.Duration
	for _, candidate := range []int{idx - 1, idx} {
		if candidate < 0 || candidate >= len(s.samples) {
			continue
		}
		gap := ts.Sub(s.samples[candidate].Ts)
		if gap < 0 {
			gap = -gap
		}
		if best == -1 || gap < bestGap {
			best = candidate
			bestGap = gap
		}
	}
	if best == -1 || bestGap > tolerance {
		return nil, nil
	}
	sample := s.samples[best]
	return &sample, nil
}

func (s *Store) DayClose(_ context.Context, dayEnd time.Time) (*Sample, error) {
	idx := sort.Search(len(s.samples), func(i int) bool {
		return s.samples[i].Ts.After(dayEnd)
	})
	if idx == 0 {
		return nil, nil
	}
	sample := s.samples[idx-1]
	if sample.Ts.Before(dayEnd.Add(-24 * time.Hour)) {
		return nil, nil
	}
	return &sample, nil
}

var _ Series = (*Store)(nil)
