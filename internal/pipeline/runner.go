package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-errors/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/config"
	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/linker"
	"github.com/onchainlab/utxo-lifecycle/internal/price"
	"github.com/onchainlab/utxo-lifecycle/internal/qa"
	"github.com/onchainlab/utxo-lifecycle/internal/snapshot"
	"github.com/onchainlab/utxo-lifecycle/internal/state"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

const (
	manifestFile = "manifest.json"
	reportFile   = "qa_report.json"
)

// Runner drives one run through the whole lifecycle: link creations,
// link spends, build snapshots, validate, then publish or abort. The
// previously published datasets are only touched after QA passes.
type Runner struct {
	cfg       config.Config
	dm        *db.DatabaseManager
	state     *state.RunState
	runID     string
	stopAfter state.Stage
}

func NewRunner(cfg config.Config, dm *db.DatabaseManager, st *state.RunState, runID string) *Runner {
	if runID == "" {
		runID = uuid.New().String()
	}
	return &Runner{cfg: cfg, dm: dm, state: st, runID: runID}
}

// StopAfter caps the run at the given stage, leaving the staged
// artifacts in place and nothing published. Used to run a single phase.
func (r *Runner) StopAfter(stage state.Stage) *Runner {
	r.stopAfter = stage
	return r
}

func (r *Runner) done(stage state.Stage) bool {
	return r.stopAfter == stage
}

type RunResult struct {
	RunID     string                    `json:"run_id"`
	Creation  []*linker.PartitionResult `json:"creation"`
	Spend     *linker.SpendResult       `json:"spend"`
	Snapshots *snapshot.BuildResult     `json:"snapshots"`
	Report    *qa.Report                `json:"report"`
	Published bool                      `json:"published"`
}

// Manifest is the provenance record written beside the published
// datasets.
type Manifest struct {
	RunID           string    `json:"run_id"`
	SchemaVersion   string    `json:"schema_version"`
	PipelineVersion string    `json:"pipeline_version"`
	GeneratedAt     time.Time `json:"generated_at"`
	Start           string    `json:"start"`
	End             string    `json:"end"`
	Fingerprint     string    `json:"fingerprint"`
	Datasets        []string  `json:"datasets"`
}

func (r *Runner) Run(ctx context.Context) (result *RunResult, err error) {
	result = &RunResult{RunID: r.runID}
	defer func() {
		if err != nil {
			r.state.Abort(err)
			runsAbortedTotal.Inc()
		}
	}()

	store, err := price.LoadStore(r.dm.GetIngestDB(), r.cfg.PriceSymbol, r.cfg.PriceFreq)
	if err != nil {
		return result, err
	}
	lookup := price.NewLookup(store, r.cfg.PriceTolerance, r.cfg.PriceLookupTimeout, r.cfg.PriceRetryMax, r.cfg.PriceRetryBackoff)

	if err = r.state.Transition(state.StageLinkCreated); err != nil {
		return result, err
	}
	result.Creation, err = timed(state.StageLinkCreated, func() ([]*linker.PartitionResult, error) {
		return r.linkCreations(ctx, lookup)
	})
	if err != nil {
		return result, err
	}

	if err = r.state.Transition(state.StageLinkSpent); err != nil {
		return result, err
	}
	result.Spend, err = timed(state.StageLinkSpent, func() (*linker.SpendResult, error) {
		return r.linkSpends(ctx, lookup)
	})
	if err != nil {
		return result, err
	}
	if r.done(state.StageLinkSpent) {
		log.Infof("Run %s stopping after %s", r.runID, state.StageLinkSpent)
		return result, nil
	}

	if err = r.state.Transition(state.StageBuildSnapshots); err != nil {
		return result, err
	}
	builder := snapshot.NewBuilder(r.dm, lookup, snapshot.NewCohortTable(r.cfg.CohortBoundaries),
		r.cfg.SnapshotZone, r.cfg.SnapshotCloseHour, r.cfg.SnapshotCloseMinute, r.runID)
	start, end, err := r.snapshotRange(builder)
	if err != nil {
		return result, err
	}
	result.Snapshots, err = timed(state.StageBuildSnapshots, func() (*snapshot.BuildResult, error) {
		return builder.Build(ctx, start, end)
	})
	if err != nil {
		return result, err
	}
	snapshotRowsTotal.Add(float64(result.Snapshots.Rows))
	r.state.EventBus.Publish(state.SnapshotBuilt, result.Snapshots)
	if r.done(state.StageBuildSnapshots) {
		log.Infof("Run %s stopping after %s", r.runID, state.StageBuildSnapshots)
		return result, nil
	}

	if err = r.state.Transition(state.StageValidate); err != nil {
		return result, err
	}
	validator := qa.NewValidator(r.dm, qa.Thresholds{
		MaxOrphanRatio:      r.cfg.QAMaxOrphanRatio,
		MinPriceCoveragePct: r.cfg.QAMinPriceCoveragePct,
		SupplyToleranceSats: r.cfg.QASupplyToleranceSats,
		LifespanMaxDays:     int64(r.cfg.QALifespanMaxDays),
	}, r.cfg.SnapshotZone, r.cfg.SnapshotCloseHour, r.cfg.SnapshotCloseMinute, r.runID)
	result.Report, err = timed(state.StageValidate, func() (*qa.Report, error) {
		return validator.Validate(ctx, start, end)
	})
	if err != nil {
		return result, err
	}
	r.state.SetReport(result.Report)
	if writeErr := writeJSON(filepath.Join(r.cfg.StagingDir, reportFile), result.Report); writeErr != nil {
		log.Warnf("Failed to persist QA report: %v", writeErr)
	}
	if !result.Report.Passed {
		for _, check := range result.Report.Checks {
			if !check.Passed {
				qaCheckFailures.WithLabelValues(check.Name).Inc()
			}
		}
		err = result.Report.Err()
		return result, err
	}
	if r.done(state.StageValidate) {
		log.Infof("Run %s stopping after %s", r.runID, state.StageValidate)
		return result, nil
	}

	if err = r.publish(result); err != nil {
		return result, err
	}
	if err = r.state.Transition(state.StagePublish); err != nil {
		return result, err
	}
	result.Published = true
	runsPublishedTotal.Inc()
	log.Infof("Run %s published datasets for %s..%s", r.runID, start.Format(time.DateOnly), end.Format(time.DateOnly))
	return result, nil
}

// linkCreations fans the height buckets out over a bounded worker pool.
// Every worker writes only its own partition files, so the workers never
// contend on a database handle.
func (r *Runner) linkCreations(ctx context.Context, lookup *price.Lookup) ([]*linker.PartitionResult, error) {
	if err := r.dm.ResetStagingDataset(db.DatasetCreated); err != nil {
		return nil, errors.New(err)
	}
	buckets, err := linker.OutputBuckets(r.dm.GetIngestDB(), r.cfg.HeightBucketSize)
	if err != nil {
		return nil, err
	}
	if len(buckets) == 0 {
		return nil, errors.New("ingest database has no outputs to link")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan linker.HeightBucket, len(buckets))
	for _, bucket := range buckets {
		jobs <- bucket
	}
	close(jobs)

	workers := r.cfg.LinkWorkers
	if workers > len(buckets) {
		workers = len(buckets)
	}

	var (
		mu       sync.Mutex
		results  []*linker.PartitionResult
		firstErr error
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creation := linker.NewCreationLinker(r.dm, lookup, r.runID, r.cfg.QAMaxRejectRatio)
			for bucket := range jobs {
				if ctx.Err() != nil {
					return
				}
				res, err := creation.LinkPartition(ctx, bucket)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancel()
					}
					mu.Unlock()
					return
				}
				results = append(results, res)
				mu.Unlock()
				r.state.EventBus.Publish(state.PartitionLinked, res.Partition)
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return nil, firstErr
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Bucket.Start < results[j].Bucket.Start })
	for _, res := range results {
		if !res.Skipped {
			outputsLinkedTotal.Add(float64(res.Rows))
		}
		malformedRecordsTotal.Add(float64(res.Malformed))
	}
	return results, nil
}

func (r *Runner) linkSpends(ctx context.Context, lookup *price.Lookup) (*linker.SpendResult, error) {
	if err := r.dm.ResetStagingDataset(db.DatasetSpent); err != nil {
		return nil, errors.New(err)
	}
	spend := linker.NewSpendLinker(r.dm, lookup, r.runID, r.cfg.HeightBucketSize, r.cfg.QAMaxRejectRatio)
	result, err := spend.Run(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Skipped {
		spendsLinkedTotal.Add(float64(result.Matched))
		orphanSpendsTotal.Add(float64(result.Orphans))
		malformedRecordsTotal.Add(float64(result.Malformed))
	}
	return result, nil
}

// snapshotRange uses the configured window when given and derives the
// rest from the staged events.
func (r *Runner) snapshotRange(builder *snapshot.Builder) (time.Time, time.Time, error) {
	var zero time.Time
	var start, end time.Time
	var err error
	if r.cfg.SnapshotStart != "" {
		start, err = time.Parse(time.DateOnly, r.cfg.SnapshotStart)
		if err != nil {
			return zero, zero, errors.Errorf("invalid SNAPSHOT_START %q: %v", r.cfg.SnapshotStart, err)
		}
	}
	if r.cfg.SnapshotEnd != "" {
		end, err = time.Parse(time.DateOnly, r.cfg.SnapshotEnd)
		if err != nil {
			return zero, zero, errors.Errorf("invalid SNAPSHOT_END %q: %v", r.cfg.SnapshotEnd, err)
		}
	}
	if start.IsZero() || end.IsZero() {
		autoStart, autoEnd, err := builder.ResolveRange()
		if err != nil {
			return zero, zero, err
		}
		if start.IsZero() {
			start = autoStart
		}
		if end.IsZero() {
			end = autoEnd
		}
	}
	return start, end, nil
}

// publish promotes every staged dataset and drops the provenance
// manifest beside them. Dataset swaps are individually atomic renames.
func (r *Runner) publish(result *RunResult) error {
	datasets := []string{db.DatasetCreated, db.DatasetSpent, db.DatasetSnapshots}
	for _, dataset := range datasets {
		if err := r.dm.PublishDataset(dataset); err != nil {
			return err
		}
	}

	manifest := Manifest{
		RunID:           r.runID,
		SchemaVersion:   types.SchemaVersion,
		PipelineVersion: types.PipelineVersion,
		GeneratedAt:     time.Now().UTC(),
		Start:           result.Snapshots.Start,
		End:             result.Snapshots.End,
		Fingerprint:     result.Snapshots.Fingerprint,
		Datasets:        datasets,
	}
	if err := writeJSON(filepath.Join(r.cfg.PublishDir, manifestFile), manifest); err != nil {
		return err
	}
	return writeJSON(filepath.Join(r.cfg.PublishDir, reportFile), result.Report)
}

func timed[T any](stage state.Stage, fn func() (T, error)) (T, error) {
	started := time.Now()
	out, err := fn()
	stageSeconds.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
	return out, err
}

// writeJSON writes through a uniquely named temp file and renames it
// into place.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.New(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return errors.New(err)
	}
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.New(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.New(err)
	}
	return nil
}
