package linker

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

// HeightBucket is a half-open height range [Start, End). Buckets are the
// unit of parallelism and of skip-if-unchanged caching for linking.
type HeightBucket struct {
	Start int64
	End   int64
}

func (b HeightBucket) Partition() string {
	return fmt.Sprintf("part-%010d.db", b.Start)
}

// OutputBuckets derives the height buckets covering every output in the
// ingest database.
func OutputBuckets(ingest *gorm.DB, bucketSize int64) ([]HeightBucket, error) {
	var bounds struct {
		MinHeight int64
		MaxHeight int64
		Count     int64
	}
	err := ingest.Model(&db.TxOutput{}).
		Select("COALESCE(MIN(height),0) AS min_height, COALESCE(MAX(height),0) AS max_height, COUNT(*) AS count").
		Scan(&bounds).Error
	if err != nil {
		return nil, &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
	}
	if bounds.Count == 0 {
		return nil, nil
	}

	start := bounds.MinHeight - bounds.MinHeight%bucketSize
	var buckets []HeightBucket
	for lo := start; lo <= bounds.MaxHeight; lo += bucketSize {
		buckets = append(buckets, HeightBucket{Start: lo, End: lo + bucketSize})
	}
	return buckets, nil
}

type sliceStats struct {
	Count     int64
	ValueSats int64
	MinID     int64
	MaxID     int64
}

// outputSliceFingerprint summarizes the ingest rows feeding one creation
// partition. Append-only ingest data makes these aggregates a reliable
// change detector, and hashing them is far cheaper than hashing rows.
func outputSliceFingerprint(ingest *gorm.DB, bucket HeightBucket) (string, error) {
	var stats sliceStats
	err := ingest.Model(&db.TxOutput{}).
		Select("COUNT(*) AS count, COALESCE(SUM(value_sats),0) AS value_sats, COALESCE(MIN(id),0) AS min_id, COALESCE(MAX(id),0) AS max_id").
		Where("height >= ? AND height < ?", bucket.Start, bucket.End).
		Scan(&stats).Error
	if err != nil {
		return "", &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
	}
	return fingerprintOf("outputs", bucket.Start, bucket.End, stats), nil
}

// inputsFingerprint summarizes every non-coinbase input. Spend linking is
// a join across the whole creation index, so its cache key is
// dataset-level rather than per bucket.
func inputsFingerprint(ingest *gorm.DB) (string, error) {
	var stats sliceStats
	err := ingest.Model(&db.TxInput{}).
		Select("COUNT(*) AS count, 0 AS value_sats, COALESCE(MIN(id),0) AS min_id, COALESCE(MAX(id),0) AS max_id").
		Where("is_coinbase = ?", false).
		Scan(&stats).Error
	if err != nil {
		return "", &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
	}
	return fingerprintOf("inputs", 0, 0, stats), nil
}

func fingerprintOf(kind string, lo, hi int64, stats sliceStats) string {
	return types.LineageID(
		kind,
		strconv.FormatInt(lo, 10),
		strconv.FormatInt(hi, 10),
		strconv.FormatInt(stats.Count, 10),
		strconv.FormatInt(stats.ValueSats, 10),
		strconv.FormatInt(stats.MinID, 10),
		strconv.FormatInt(stats.MaxID, 10),
		types.SchemaVersion,
		types.PipelineVersion,
	)
}

// publishedFingerprint reads the manifest of an already-published
// partition, or "" when none is published.
func publishedFingerprint(dm *db.DatabaseManager, dataset, partition string) string {
	path := filepath.Join(dm.PublishedDataset(dataset), partition)
	gdb, err := dm.OpenPartition(path)
	if err != nil {
		return ""
	}
	var manifest db.PartitionManifest
	if err := gdb.First(&manifest).Error; err != nil {
		return ""
	}
	return manifest.Fingerprint
}

func writeManifest(gdb *gorm.DB, dataset, partition, fingerprint, runID string, rows int64) error {
	return gdb.Create(&db.PartitionManifest{
		Dataset:         dataset,
		Partition:       partition,
		Fingerprint:     fingerprint,
		RowCount:        rows,
		SchemaVersion:   types.SchemaVersion,
		PipelineVersion: types.PipelineVersion,
		RunID:           runID,
		CreatedAt:       time.Now().UTC(),
	}).Error
}
