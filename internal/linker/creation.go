package linker

import (
	"context"
	"strconv"

	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/price"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

const insertBatchSize = 500
const scanBatchSize = 1000

// CreationLinker turns normalized output records into price-tagged
// creation events, one height bucket at a time. Buckets share no state,
// so the pipeline runs them on parallel workers.
type CreationLinker struct {
	dm            *db.DatabaseManager
	prices        *price.Lookup
	runID         string
	rejectCeiling float64
}

func NewCreationLinker(dm *db.DatabaseManager, prices *price.Lookup, runID string, rejectCeiling float64) *CreationLinker {
	return &CreationLinker{dm: dm, prices: prices, runID: runID, rejectCeiling: rejectCeiling}
}

// PartitionResult reports one linked partition.
type PartitionResult struct {
	Partition   string
	Bucket      HeightBucket
	Scanned     int64
	Rows        int64
	Malformed   int64
	Priced      int64
	Fingerprint string
	Skipped     bool
}

// LinkPartition links every output in the bucket. When the bucket's
// input slice is unchanged since the last publish, the published
// partition is promoted into staging untouched.
func (l *CreationLinker) LinkPartition(ctx context.Context, bucket HeightBucket) (*PartitionResult, error) {
	partition := bucket.Partition()
	fingerprint, err := outputSliceFingerprint(l.dm.GetIngestDB(), bucket)
	if err != nil {
		return nil, err
	}

	result := &PartitionResult{Partition: partition, Bucket: bucket, Fingerprint: fingerprint}

	if published := publishedFingerprint(l.dm, db.DatasetCreated, partition); published == fingerprint {
		if err := l.dm.PromotePartition(db.DatasetCreated, partition); err != nil {
			return nil, err
		}
		result.Skipped = true
		if result.Rows, result.Priced, err = countCreated(l.dm, partition); err != nil {
			return nil, err
		}
		log.Debugf("Creation partition %s unchanged, promoted from published dataset", partition)
		return result, nil
	}

	staged, err := l.dm.OpenStagingPartition(db.DatasetCreated, partition)
	if err != nil {
		return nil, err
	}

	var batch []db.CreationEvent
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := staged.Create(&batch).Error; err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	lastID := uint(0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var outputs []db.TxOutput
		err := l.dm.GetIngestDB().
			Where("height >= ? AND height < ? AND id > ?", bucket.Start, bucket.End, lastID).
			Order("id ASC").
			Limit(scanBatchSize).
			Find(&outputs).Error
		if err != nil {
			return nil, &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
		}
		if len(outputs) == 0 {
			break
		}
		lastID = outputs[len(outputs)-1].ID

		for i := range outputs {
			output := &outputs[i]
			result.Scanned++
			if err := types.ValidateTxid(output.Txid); err != nil {
				result.Malformed++
				log.Debugf("Skipping malformed output record id %d: %v", output.ID, err)
				continue
			}

			event := db.CreationEvent{
				Txid:            output.Txid,
				Vout:            output.Vout,
				ValueSats:       output.ValueSats,
				CreatedHeight:   output.Height,
				CreatedTime:     output.BlockTime.UTC(),
				ScriptType:      output.ScriptType,
				IsCoinbase:      output.IsCoinbase,
				LineageID:       types.LineageID(output.Txid, strconv.FormatUint(uint64(output.Vout), 10)),
				PipelineVersion: types.PipelineVersion,
			}
			sample, err := l.prices.PriceAt(ctx, event.CreatedTime)
			if err != nil {
				return nil, err
			}
			if sample != nil {
				priceClose := sample.Close
				priceTs := sample.Ts
				event.CreatedPriceUsd = &priceClose
				event.CreatedPriceTs = &priceTs
				result.Priced++
			}

			batch = append(batch, event)
			result.Rows++
			if len(batch) >= insertBatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	if result.Scanned > 0 && float64(result.Malformed)/float64(result.Scanned) > l.rejectCeiling {
		return nil, &types.RejectionCeilingError{
			Rejected: result.Malformed,
			Total:    result.Scanned,
			Ceiling:  l.rejectCeiling,
		}
	}

	if err := writeManifest(staged, db.DatasetCreated, partition, fingerprint, l.runID, result.Rows); err != nil {
		return nil, err
	}
	log.Infof("Linked creation partition %s: %d rows (%d priced, %d malformed)",
		partition, result.Rows, result.Priced, result.Malformed)
	return result, nil
}

// countCreated recounts a promoted partition so the run result reports
// its real size. A partition that cannot be opened or counted right
// after promotion is corrupt, not empty.
func countCreated(dm *db.DatabaseManager, partition string) (rows int64, priced int64, err error) {
	gdb, err := dm.OpenPartition(stagingPartitionPath(dm, db.DatasetCreated, partition))
	if err != nil {
		return 0, 0, errors.Errorf("promoted creation partition %s unreadable: %v", partition, err)
	}
	if err := gdb.Model(&db.CreationEvent{}).Count(&rows).Error; err != nil {
		return 0, 0, errors.New(err)
	}
	if err := gdb.Model(&db.CreationEvent{}).Where("created_price_usd IS NOT NULL").Count(&priced).Error; err != nil {
		return 0, 0, errors.New(err)
	}
	return rows, priced, nil
}
