package qa

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/linker"
	"github.com/onchainlab/utxo-lifecycle/internal/snapshot"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

const (
	CheckOrphanSpends         = "orphan_spends"
	CheckPriceCoverage        = "price_coverage"
	CheckSupplyReconciliation = "supply_reconciliation"
	CheckLifespanBounds       = "lifespan_bounds"
	CheckSnapshotCompleteness = "snapshot_completeness"
)

// Thresholds are the tolerances a run must stay within to publish.
type Thresholds struct {
	MaxOrphanRatio      float64
	MinPriceCoveragePct float64
	SupplyToleranceSats int64
	LifespanMaxDays     int64
}

type CheckResult struct {
	Name      string  `json:"name"`
	Passed    bool    `json:"passed"`
	Measured  float64 `json:"measured"`
	Threshold float64 `json:"threshold"`
	Details   string  `json:"details"`
}

// Report is the verdict over every check of a run. A run publishes only
// when Passed is true.
type Report struct {
	RunID       string        `json:"run_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Start       string        `json:"start"`
	End         string        `json:"end"`
	Checks      []CheckResult `json:"checks"`
	Passed      bool          `json:"passed"`
}

// Err returns the violation behind the first failed check, nil when the
// report passed.
func (r *Report) Err() error {
	for _, check := range r.Checks {
		if !check.Passed {
			return &types.QAViolationError{
				Check:     check.Name,
				Measured:  check.Measured,
				Threshold: check.Threshold,
			}
		}
	}
	return nil
}

// Validator audits the staged datasets before they are published. Every
// check recomputes its own view of the data instead of trusting the
// builders' counters.
type Validator struct {
	dm          *db.DatabaseManager
	thresholds  Thresholds
	zone        *time.Location
	closeHour   int
	closeMinute int
	runID       string
}

func NewValidator(dm *db.DatabaseManager, thresholds Thresholds, zone *time.Location, closeHour, closeMinute int, runID string) *Validator {
	return &Validator{
		dm:          dm,
		thresholds:  thresholds,
		zone:        zone,
		closeHour:   closeHour,
		closeMinute: closeMinute,
		runID:       runID,
	}
}

// Validate runs every check against the staged datasets over the given
// snapshot window and returns the combined report. A check failure is a
// verdict, not an error; errors are reserved for broken inputs.
func (v *Validator) Validate(ctx context.Context, start, end time.Time) (*Report, error) {
	report := &Report{
		RunID:       v.runID,
		GeneratedAt: time.Now().UTC(),
		Start:       start.Format(time.DateOnly),
		End:         end.Format(time.DateOnly),
	}

	checks := []func(context.Context, time.Time, time.Time) (CheckResult, error){
		v.checkOrphans,
		v.checkPriceCoverage,
		v.checkSupply,
		v.checkLifespans,
		v.checkCompleteness,
	}
	report.Passed = true
	for _, check := range checks {
		result, err := check(ctx, start, end)
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, result)
		if !result.Passed {
			report.Passed = false
			log.Warnf("QA check %s failed: measured %g, threshold %g (%s)", result.Name, result.Measured, result.Threshold, result.Details)
		}
	}
	if report.Passed {
		log.Infof("QA passed: %d checks over %s..%s", len(report.Checks), report.Start, report.End)
	}
	return report, nil
}

func (v *Validator) checkOrphans(_ context.Context, _, _ time.Time) (CheckResult, error) {
	var matched, orphans int64
	err := v.forEachPartition(db.DatasetSpent, func(gdb *gorm.DB) error {
		var m, o int64
		if err := gdb.Model(&db.SpendEvent{}).Count(&m).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.OrphanSpend{}).Count(&o).Error; err != nil {
			return errors.New(err)
		}
		matched += m
		orphans += o
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}
	ratio := 0.0
	if matched+orphans > 0 {
		ratio = float64(orphans) / float64(matched+orphans)
	}
	return CheckResult{
		Name:      CheckOrphanSpends,
		Passed:    ratio <= v.thresholds.MaxOrphanRatio,
		Measured:  ratio,
		Threshold: v.thresholds.MaxOrphanRatio,
		Details:   fmt.Sprintf("%d orphans out of %d spends", orphans, matched+orphans),
	}, nil
}

func (v *Validator) checkPriceCoverage(_ context.Context, _, _ time.Time) (CheckResult, error) {
	var createdTotal, createdPriced int64
	err := v.forEachPartition(db.DatasetCreated, func(gdb *gorm.DB) error {
		var total, priced int64
		if err := gdb.Model(&db.CreationEvent{}).Count(&total).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.CreationEvent{}).Where("created_price_usd IS NOT NULL").Count(&priced).Error; err != nil {
			return errors.New(err)
		}
		createdTotal += total
		createdPriced += priced
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	var spentTotal, spentPriced int64
	err = v.forEachPartition(db.DatasetSpent, func(gdb *gorm.DB) error {
		var total, priced int64
		if err := gdb.Model(&db.SpendEvent{}).Count(&total).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.SpendEvent{}).Where("spent_price_usd IS NOT NULL").Count(&priced).Error; err != nil {
			return errors.New(err)
		}
		spentTotal += total
		spentPriced += priced
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}

	createdPct := coveragePct(createdPriced, createdTotal)
	spentPct := coveragePct(spentPriced, spentTotal)
	measured := createdPct
	if spentPct < measured {
		measured = spentPct
	}
	return CheckResult{
		Name:      CheckPriceCoverage,
		Passed:    measured >= v.thresholds.MinPriceCoveragePct,
		Measured:  measured,
		Threshold: v.thresholds.MinPriceCoveragePct,
		Details: fmt.Sprintf("created %d/%d priced (%.2f%%), spent %d/%d priced (%.2f%%)",
			createdPriced, createdTotal, createdPct, spentPriced, spentTotal, spentPct),
	}, nil
}

// window expands the audited span into calendar dates and their day
// boundaries.
func (v *Validator) window(start, end time.Time) ([]string, []time.Time) {
	var dates []string
	var boundaries []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(time.DateOnly))
		boundaries = append(boundaries, snapshot.Boundary(d, v.zone, v.closeHour, v.closeMinute))
	}
	return dates, boundaries
}

// activeTotals walks the staged event datasets and returns, per
// boundary, the unspent balance and the number of live outputs. The
// membership rule mirrors the snapshot builder: created strictly before
// the boundary and not spent strictly before it.
func (v *Validator) activeTotals(ctx context.Context, boundaries []time.Time) (sats, outputs []int64, err error) {
	sats = make([]int64, len(boundaries))
	outputs = make([]int64, len(boundaries))

	creations, err := linker.NewCreationScan(v.dm, v.dm.StagingDataset(db.DatasetCreated))
	if err != nil {
		return nil, nil, err
	}
	spends, err := linker.NewSpendScan(v.dm, v.dm.StagingDataset(db.DatasetSpent))
	if err != nil {
		return nil, nil, err
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.New(err)
		}
		event, err := creations.Next()
		if err != nil {
			return nil, nil, err
		}
		if event == nil {
			return sats, outputs, nil
		}
		spend, err := spends.Seek(event.Txid, event.Vout)
		if err != nil {
			return nil, nil, err
		}
		for i, boundary := range boundaries {
			if !event.CreatedTime.Before(boundary) {
				continue
			}
			if spend != nil && spend.SpentTime.Before(boundary) {
				break
			}
			sats[i] += event.ValueSats
			outputs[i]++
		}
	}
}

// checkSupply recomputes the unspent balance per date straight from the
// event datasets and reconciles it against the snapshot totals.
func (v *Validator) checkSupply(ctx context.Context, start, end time.Time) (CheckResult, error) {
	dates, boundaries := v.window(start, end)
	expected, _, err := v.activeTotals(ctx, boundaries)
	if err != nil {
		return CheckResult{}, err
	}

	var worst int64
	worstDate := ""
	for i, date := range dates {
		actual, err := v.snapshotBalance(date)
		if err != nil {
			return CheckResult{}, err
		}
		diff := expected[i] - actual
		if diff < 0 {
			diff = -diff
		}
		if diff > worst {
			worst = diff
			worstDate = date
		}
	}
	details := "every date reconciles"
	if worst > 0 {
		details = fmt.Sprintf("worst drift %d sats on %s", worst, worstDate)
	}
	return CheckResult{
		Name:      CheckSupplyReconciliation,
		Passed:    worst <= v.thresholds.SupplyToleranceSats,
		Measured:  float64(worst),
		Threshold: float64(v.thresholds.SupplyToleranceSats),
		Details:   details,
	}, nil
}

func (v *Validator) checkLifespans(_ context.Context, _, _ time.Time) (CheckResult, error) {
	var negatives, maxSeconds int64
	err := v.forEachPartition(db.DatasetSpent, func(gdb *gorm.DB) error {
		var n int64
		if err := gdb.Model(&db.SpendEvent{}).Where("holding_seconds < 0 OR holding_blocks < 0").Count(&n).Error; err != nil {
			return errors.New(err)
		}
		negatives += n
		var m int64
		if err := gdb.Model(&db.SpendEvent{}).Select("COALESCE(MAX(holding_seconds), 0)").Scan(&m).Error; err != nil {
			return errors.New(err)
		}
		if m > maxSeconds {
			maxSeconds = m
		}
		return nil
	})
	if err != nil {
		return CheckResult{}, err
	}
	maxDays := float64(maxSeconds) / 86400.0
	passed := negatives == 0 && maxDays <= float64(v.thresholds.LifespanMaxDays)
	details := fmt.Sprintf("max lifespan %.1f days", maxDays)
	if negatives > 0 {
		details = fmt.Sprintf("%d spends with negative lifespan", negatives)
	}
	return CheckResult{
		Name:      CheckLifespanBounds,
		Passed:    passed,
		Measured:  maxDays,
		Threshold: float64(v.thresholds.LifespanMaxDays),
		Details:   details,
	}, nil
}

// checkCompleteness reconciles output membership per calendar date:
// every output alive at a date's boundary must be counted by exactly
// one snapshot row of that date, so the snapshot's summed output_count
// has to equal the live-output count recomputed from the events. The
// count catches what the balance cannot, a dropped or doubled
// zero-value output. A date without a partition or manifest is a hard
// failure however quiet the chain was that day.
func (v *Validator) checkCompleteness(ctx context.Context, start, end time.Time) (CheckResult, error) {
	dates, boundaries := v.window(start, end)
	_, expected, err := v.activeTotals(ctx, boundaries)
	if err != nil {
		return CheckResult{}, err
	}

	dir := v.dm.StagingDataset(db.DatasetSnapshots)
	var broken int
	var firstBroken, cause string
	fail := func(date, why string) {
		broken++
		if firstBroken == "" {
			firstBroken = date
			cause = why
		}
	}
	for i, date := range dates {
		gdb, err := v.dm.OpenPartition(filepath.Join(dir, date+".db"))
		if err != nil {
			fail(date, "partition missing")
			continue
		}
		var manifests int64
		if err := gdb.Model(&db.PartitionManifest{}).Count(&manifests).Error; err != nil {
			return CheckResult{}, errors.New(err)
		}
		if manifests == 0 {
			fail(date, "manifest missing")
			continue
		}
		var counted int64
		if err := gdb.Model(&db.SnapshotRow{}).Select("COALESCE(SUM(output_count), 0)").Scan(&counted).Error; err != nil {
			return CheckResult{}, errors.New(err)
		}
		if counted != expected[i] {
			fail(date, fmt.Sprintf("%d outputs snapshotted, %d live", counted, expected[i]))
		}
	}
	details := fmt.Sprintf("%d dates audited", len(dates))
	if broken > 0 {
		details = fmt.Sprintf("%d of %d dates broken, first %s: %s", broken, len(dates), firstBroken, cause)
	}
	return CheckResult{
		Name:      CheckSnapshotCompleteness,
		Passed:    broken == 0,
		Measured:  float64(broken),
		Threshold: 0,
		Details:   details,
	}, nil
}

func (v *Validator) snapshotBalance(date string) (int64, error) {
	path := filepath.Join(v.dm.StagingDataset(db.DatasetSnapshots), date+".db")
	gdb, err := v.dm.OpenPartition(path)
	if err != nil {
		return 0, nil
	}
	var total int64
	err = gdb.Model(&db.SnapshotRow{}).Select("COALESCE(SUM(balance_sats), 0)").Scan(&total).Error
	if err != nil {
		return 0, errors.New(err)
	}
	return total, nil
}

func (v *Validator) forEachPartition(dataset string, fn func(gdb *gorm.DB) error) error {
	dir := v.dm.StagingDataset(dataset)
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return errors.New(err)
	}
	for _, partition := range partitions {
		gdb, err := v.dm.OpenPartition(filepath.Join(dir, partition))
		if err != nil {
			return err
		}
		if err := fn(gdb); err != nil {
			return err
		}
	}
	return nil
}

func coveragePct(priced, total int64) float64 {
	if total == 0 {
		return 100.0
	}
	return float64(priced) / float64(total) * 100.0
}
