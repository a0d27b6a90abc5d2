package snapshot

import (
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/linker"
	"github.com/onchainlab/utxo-lifecycle/internal/price"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

const insertBatchSize = 500

// Builder derives the daily balance-sheet snapshots from the staged
// creation and spend datasets. Snapshots are always rebuilt from
// scratch; they are cheap relative to linking and a stale aggregate is
// worse than a recomputed one.
type Builder struct {
	dm          *db.DatabaseManager
	prices      *price.Lookup
	cohorts     *CohortTable
	zone        *time.Location
	closeHour   int
	closeMinute int
	runID       string
}

func NewBuilder(dm *db.DatabaseManager, prices *price.Lookup, cohorts *CohortTable, zone *time.Location, closeHour, closeMinute int, runID string) *Builder {
	return &Builder{
		dm:          dm,
		prices:      prices,
		cohorts:     cohorts,
		zone:        zone,
		closeHour:   closeHour,
		closeMinute: closeMinute,
		runID:       runID,
	}
}

type BuildResult struct {
	Start       string
	End         string
	Days        int
	Rows        int64
	Fingerprint string
}

type aggKey struct {
	cohort string
	script string
}

type agg struct {
	count       int64
	balanceSats int64
	ageSats     float64 // age_days x value_sats, for the value-weighted mean
	costBasis   float64
	unpriced    int64
}

// ResolveRange derives the snapshot window from the staged events: the
// UTC date of the earliest creation through the UTC date of the latest
// creation or spend.
func (b *Builder) ResolveRange() (time.Time, time.Time, error) {
	var zero time.Time
	var minCreated, maxCreated, maxSpent *time.Time

	err := b.forEachPartition(db.DatasetCreated, func(gdb *gorm.DB) error {
		var lo, hi sql.NullTime
		if err := gdb.Model(&db.CreationEvent{}).Select("MIN(created_time)").Scan(&lo).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.CreationEvent{}).Select("MAX(created_time)").Scan(&hi).Error; err != nil {
			return errors.New(err)
		}
		if lo.Valid {
			minCreated = earliest(minCreated, &lo.Time)
		}
		if hi.Valid {
			maxCreated = latest(maxCreated, &hi.Time)
		}
		return nil
	})
	if err != nil {
		return zero, zero, err
	}
	err = b.forEachPartition(db.DatasetSpent, func(gdb *gorm.DB) error {
		var hi sql.NullTime
		if err := gdb.Model(&db.SpendEvent{}).Select("MAX(spent_time)").Scan(&hi).Error; err != nil {
			return errors.New(err)
		}
		if hi.Valid {
			maxSpent = latest(maxSpent, &hi.Time)
		}
		return nil
	})
	if err != nil {
		return zero, zero, err
	}
	if minCreated == nil {
		return zero, zero, errors.New("no staged creation events to snapshot")
	}
	end := latest(maxCreated, maxSpent)
	return dateOf(*minCreated), dateOf(*end), nil
}

// Build aggregates every staged output into per-date snapshot
// partitions under the snapshots staging dataset. The window is
// inclusive on both ends and each date gets its own partition file,
// written even when no output is active on that date.
func (b *Builder) Build(ctx context.Context, start, end time.Time) (*BuildResult, error) {
	start, end = dateOf(start), dateOf(end)
	if end.Before(start) {
		return nil, errors.Errorf("snapshot range inverted: %s after %s", start.Format(time.DateOnly), end.Format(time.DateOnly))
	}
	if err := b.dm.ResetStagingDataset(db.DatasetSnapshots); err != nil {
		return nil, errors.New(err)
	}

	var dates []time.Time
	var boundaries []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d)
		boundaries = append(boundaries, Boundary(d, b.zone, b.closeHour, b.closeMinute))
	}
	days := make([]map[aggKey]*agg, len(dates))
	for i := range days {
		days[i] = make(map[aggKey]*agg)
	}

	creations, err := linker.NewCreationScan(b.dm, b.dm.StagingDataset(db.DatasetCreated))
	if err != nil {
		return nil, err
	}
	spends, err := linker.NewSpendScan(b.dm, b.dm.StagingDataset(db.DatasetSpent))
	if err != nil {
		return nil, err
	}

	var scanned int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(err)
		}
		event, err := creations.Next()
		if err != nil {
			return nil, err
		}
		if event == nil {
			break
		}
		scanned++
		spend, err := spends.Seek(event.Txid, event.Vout)
		if err != nil {
			return nil, err
		}
		b.accumulate(days, boundaries, event, spend)
	}

	fingerprint, err := b.datasetFingerprint()
	if err != nil {
		return nil, err
	}
	result := &BuildResult{
		Start:       start.Format(time.DateOnly),
		End:         end.Format(time.DateOnly),
		Days:        len(dates),
		Fingerprint: fingerprint,
	}
	for i, date := range dates {
		rows, err := b.writePartition(ctx, date, boundaries[i], days[i], fingerprint)
		if err != nil {
			return nil, err
		}
		result.Rows += rows
	}
	log.Infof("Snapshots built: %d outputs over %d days (%s..%s), %d rows", scanned, result.Days, result.Start, result.End, result.Rows)
	return result, nil
}

// accumulate spreads one output over every date it was active on. An
// output is active on a date when it was created strictly before the
// date's closing boundary and not spent strictly before it, so an
// output created exactly at midnight belongs to the starting day and a
// spend exactly at midnight still counts on the ending day. Boundaries
// ascend: membership starts at the first boundary past the creation
// time and ends at the first boundary past the spend.
func (b *Builder) accumulate(days []map[aggKey]*agg, boundaries []time.Time, event *db.CreationEvent, spend *db.SpendEvent) {
	for i, boundary := range boundaries {
		if !event.CreatedTime.Before(boundary) {
			continue
		}
		if spend != nil && spend.SpentTime.Before(boundary) {
			break
		}
		age := math.Floor(boundary.Sub(event.CreatedTime).Seconds() / 86400.0)
		key := aggKey{cohort: b.cohorts.Bucket(age), script: event.ScriptType}
		a := days[i][key]
		if a == nil {
			a = &agg{}
			days[i][key] = a
		}
		a.count++
		a.balanceSats += event.ValueSats
		a.ageSats += age * float64(event.ValueSats)
		if event.CreatedPriceUsd != nil {
			a.costBasis += btcutil.Amount(event.ValueSats).ToBTC() * *event.CreatedPriceUsd
		} else {
			a.unpriced += event.ValueSats
		}
	}
}

func (b *Builder) writePartition(ctx context.Context, date, boundary time.Time, aggs map[aggKey]*agg, fingerprint string) (int64, error) {
	day := date.Format(time.DateOnly)
	partition := day + ".db"
	gdb, err := b.dm.OpenStagingPartition(db.DatasetSnapshots, partition)
	if err != nil {
		return 0, err
	}

	sample, err := b.prices.DayClose(ctx, boundary)
	if err != nil {
		return 0, err
	}
	var closeUsd *float64
	if sample != nil {
		c := sample.Close
		closeUsd = &c
	}

	keys := make([]aggKey, 0, len(aggs))
	for key := range aggs {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].cohort != keys[j].cohort {
			return keys[i].cohort < keys[j].cohort
		}
		return keys[i].script < keys[j].script
	})

	var batch []db.SnapshotRow
	for _, key := range keys {
		a := aggs[key]
		balanceBtc := btcutil.Amount(a.balanceSats).ToBTC()
		weightedAge := 0.0
		if a.balanceSats > 0 {
			weightedAge = a.ageSats / float64(a.balanceSats)
		}
		var marketValue *float64
		if closeUsd != nil {
			v := balanceBtc * *closeUsd
			marketValue = &v
		}
		batch = append(batch, db.SnapshotRow{
			SnapshotDate:    day,
			CohortKey:       key.cohort,
			ScriptType:      key.script,
			OutputCount:     a.count,
			BalanceSats:     a.balanceSats,
			BalanceBtc:      balanceBtc,
			WeightedAgeDays: weightedAge,
			CostBasisUsd:    a.costBasis,
			UnpricedSats:    a.unpriced,
			MarketValueUsd:  marketValue,
			PriceCloseUsd:   closeUsd,
			LineageID:       types.LineageID(day, key.cohort, key.script),
			PipelineVersion: types.PipelineVersion,
		})
		if len(batch) >= insertBatchSize {
			if err := gdb.Create(&batch).Error; err != nil {
				return 0, errors.New(err)
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := gdb.Create(&batch).Error; err != nil {
			return 0, errors.New(err)
		}
	}

	manifest := db.PartitionManifest{
		Dataset:         db.DatasetSnapshots,
		Partition:       partition,
		Fingerprint:     types.LineageID(fingerprint, day),
		RowCount:        int64(len(aggs)),
		SchemaVersion:   types.SchemaVersion,
		PipelineVersion: types.PipelineVersion,
		RunID:           b.runID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := gdb.Create(&manifest).Error; err != nil {
		return 0, errors.New(err)
	}
	return int64(len(aggs)), nil
}

// datasetFingerprint folds the staged creation and spend partition
// fingerprints into one value identifying the inputs these snapshots
// were derived from.
func (b *Builder) datasetFingerprint() (string, error) {
	parts := []string{types.SchemaVersion, types.PipelineVersion}
	for _, dataset := range []string{db.DatasetCreated, db.DatasetSpent} {
		err := b.forEachPartition(dataset, func(gdb *gorm.DB) error {
			var manifest db.PartitionManifest
			if err := gdb.First(&manifest).Error; err != nil {
				return errors.New(err)
			}
			parts = append(parts, manifest.Fingerprint)
			return nil
		})
		if err != nil {
			return "", err
		}
	}
	return types.LineageID(parts...), nil
}

func (b *Builder) forEachPartition(dataset string, fn func(gdb *gorm.DB) error) error {
	dir := b.dm.StagingDataset(dataset)
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return errors.New(err)
	}
	for _, partition := range partitions {
		gdb, err := b.dm.OpenPartition(filepath.Join(dir, partition))
		if err != nil {
			return err
		}
		if err := fn(gdb); err != nil {
			return err
		}
	}
	return nil
}

func dateOf(ts time.Time) time.Time {
	ts = ts.UTC()
	return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.Before(*b) {
		return a
	}
	return b
}

func latest(a, b *time.Time) *time.Time {
	if a == nil {
		return b
	}
	if b == nil || a.After(*b) {
		return a
	}
	return b
}
