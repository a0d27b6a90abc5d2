package linker

import (
	"context"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/go-errors/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/price"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

// SpendLinker resolves every non-coinbase input against the creation
// index via a partitioned sorted-merge join: inputs are streamed in
// (prev_txid, prev_vout) order and matched against the merged creation
// partitions, so neither side is ever held in memory.
type SpendLinker struct {
	dm            *db.DatabaseManager
	prices        *price.Lookup
	runID         string
	bucketSize    int64
	rejectCeiling float64
}

func NewSpendLinker(dm *db.DatabaseManager, prices *price.Lookup, runID string, bucketSize int64, rejectCeiling float64) *SpendLinker {
	return &SpendLinker{dm: dm, prices: prices, runID: runID, bucketSize: bucketSize, rejectCeiling: rejectCeiling}
}

// SpendResult reports the whole spend-linking phase.
type SpendResult struct {
	Scanned     int64
	Matched     int64
	Orphans     int64
	Malformed   int64
	Priced      int64
	Fingerprint string
	Skipped     bool
}

// Run links all spends. The join output depends on the whole creation
// dataset, so the skip-if-unchanged cache key covers the input table and
// every creation partition fingerprint; any change forces a full re-join.
func (l *SpendLinker) Run(ctx context.Context) (*SpendResult, error) {
	inputsFp, err := inputsFingerprint(l.dm.GetIngestDB())
	if err != nil {
		return nil, err
	}
	createdFp, err := l.createdDatasetFingerprint()
	if err != nil {
		return nil, err
	}
	fingerprint := types.LineageID(inputsFp, createdFp)
	result := &SpendResult{Fingerprint: fingerprint}

	if l.promoteIfUnchanged(fingerprint) {
		result.Skipped = true
		if err := l.countPromoted(result); err != nil {
			return nil, err
		}
		log.Infof("Spend dataset unchanged, promoted from published dataset")
		return result, nil
	}

	// Double-linked outputs are local ledger corruption; detect them
	// before a single spend event is written.
	if err := l.checkDoubleLinks(); err != nil {
		return nil, err
	}

	created, err := NewCreationScan(l.dm, l.dm.StagingDataset(db.DatasetCreated))
	if err != nil {
		return nil, err
	}
	writer := newSpendWriter(l.dm, l.bucketSize)

	lastTxid := ""
	lastVout := uint32(0)
	started := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var inputs []db.TxInput
		query := l.dm.GetIngestDB().
			Where("is_coinbase = ?", false).
			Order("prev_txid ASC, prev_vout ASC").
			Limit(scanBatchSize)
		if started {
			query = query.Where("prev_txid > ? OR (prev_txid = ? AND prev_vout > ?)", lastTxid, lastTxid, lastVout)
		}
		if err := query.Find(&inputs).Error; err != nil {
			return nil, &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
		}
		if len(inputs) == 0 {
			break
		}
		last := inputs[len(inputs)-1]
		lastTxid, lastVout, started = last.PrevTxid, last.PrevVout, true

		for i := range inputs {
			input := &inputs[i]
			result.Scanned++
			if types.ValidateTxid(input.PrevTxid) != nil || types.ValidateTxid(input.SpendingTxid) != nil {
				result.Malformed++
				log.Debugf("Skipping malformed input record id %d", input.ID)
				continue
			}

			creation, err := created.Seek(input.PrevTxid, input.PrevVout)
			if err != nil {
				return nil, err
			}
			if creation == nil {
				result.Orphans++
				if err := writer.addOrphan(db.OrphanSpend{
					PrevTxid:           input.PrevTxid,
					PrevVout:           input.PrevVout,
					SpendingTxid:       input.SpendingTxid,
					SpendingInputIndex: input.InputIndex,
					SpentHeight:        input.Height,
					SpentTime:          input.BlockTime.UTC(),
				}); err != nil {
					return nil, err
				}
				continue
			}

			event, err := l.buildSpendEvent(ctx, creation, input)
			if err != nil {
				return nil, err
			}
			if event.SpentPriceUsd != nil {
				result.Priced++
			}
			result.Matched++
			if err := writer.addEvent(*event); err != nil {
				return nil, err
			}
		}
	}

	if result.Scanned > 0 && float64(result.Malformed)/float64(result.Scanned) > l.rejectCeiling {
		return nil, &types.RejectionCeilingError{
			Rejected: result.Malformed,
			Total:    result.Scanned,
			Ceiling:  l.rejectCeiling,
		}
	}

	if err := writer.finish(l.runID, fingerprint); err != nil {
		return nil, err
	}
	log.Infof("Linked spends: %d matched (%d priced), %d orphans, %d malformed of %d inputs",
		result.Matched, result.Priced, result.Orphans, result.Malformed, result.Scanned)
	return result, nil
}

func (l *SpendLinker) buildSpendEvent(ctx context.Context, creation *db.CreationEvent, input *db.TxInput) (*db.SpendEvent, error) {
	spentTime := input.BlockTime.UTC()
	event := &db.SpendEvent{
		Txid:               creation.Txid,
		Vout:               creation.Vout,
		SpendingTxid:       input.SpendingTxid,
		SpendingInputIndex: input.InputIndex,
		SpentHeight:        input.Height,
		SpentTime:          spentTime,
		HoldingSeconds:     int64(spentTime.Sub(creation.CreatedTime).Seconds()),
		HoldingBlocks:      input.Height - creation.CreatedHeight,
		ValueSats:          creation.ValueSats,
		CreatedHeight:      creation.CreatedHeight,
		CreatedTime:        creation.CreatedTime,
		CreatedPriceUsd:    creation.CreatedPriceUsd,
		LineageID: types.LineageID(creation.Txid,
			strconv.FormatUint(uint64(creation.Vout), 10), input.SpendingTxid),
		PipelineVersion: types.PipelineVersion,
	}

	sample, err := l.prices.PriceAt(ctx, spentTime)
	if err != nil {
		return nil, err
	}
	if sample != nil {
		spentClose := sample.Close
		spentTs := sample.Ts
		event.SpentPriceUsd = &spentClose
		event.SpentPriceTs = &spentTs

		valueBtc := btcutil.Amount(creation.ValueSats).ToBTC()
		realizedValue := valueBtc * spentClose
		event.RealizedValueUsd = &realizedValue
		if creation.CreatedPriceUsd != nil {
			realizedProfit := valueBtc * (spentClose - *creation.CreatedPriceUsd)
			event.RealizedProfitUsd = &realizedProfit
		}
	}
	return event, nil
}

// checkDoubleLinks fails the run when two inputs reference the same
// previous output, before any spend artifact exists.
func (l *SpendLinker) checkDoubleLinks() error {
	var dup struct {
		PrevTxid string
		PrevVout uint32
	}
	err := l.dm.GetIngestDB().Model(&db.TxInput{}).
		Select("prev_txid, prev_vout").
		Where("is_coinbase = ?", false).
		Group("prev_txid").Group("prev_vout").
		Having("COUNT(*) > 1").
		Limit(1).
		Scan(&dup).Error
	if err != nil {
		return &types.UpstreamUnavailableError{Upstream: "ingest", Err: err}
	}
	if dup.PrevTxid == "" {
		return nil
	}

	var spenders []string
	l.dm.GetIngestDB().Model(&db.TxInput{}).
		Where("prev_txid = ? AND prev_vout = ? AND is_coinbase = ?", dup.PrevTxid, dup.PrevVout, false).
		Order("spending_txid ASC").
		Pluck("spending_txid", &spenders)
	return &types.ConsistencyError{
		OutputID:   types.OutputID{Txid: dup.PrevTxid, Vout: dup.PrevVout},
		SpendTxids: spenders,
	}
}

func (l *SpendLinker) createdDatasetFingerprint() (string, error) {
	dir := l.dm.StagingDataset(db.DatasetCreated)
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return "", err
	}
	fingerprints := make([]string, 0, len(partitions))
	for _, partition := range partitions {
		gdb, err := l.dm.OpenPartition(stagingPartitionPath(l.dm, db.DatasetCreated, partition))
		if err != nil {
			return "", err
		}
		var manifest db.PartitionManifest
		if err := gdb.First(&manifest).Error; err != nil {
			return "", err
		}
		fingerprints = append(fingerprints, manifest.Fingerprint)
	}
	sort.Strings(fingerprints)
	return types.LineageID(fingerprints...), nil
}

func (l *SpendLinker) promoteIfUnchanged(fingerprint string) bool {
	publishedDir := l.dm.PublishedDataset(db.DatasetSpent)
	partitions, err := db.ListPartitions(publishedDir)
	if err != nil || len(partitions) == 0 {
		return false
	}
	for _, partition := range partitions {
		if publishedFingerprint(l.dm, db.DatasetSpent, partition) != fingerprint {
			return false
		}
	}
	for _, partition := range partitions {
		if err := l.dm.PromotePartition(db.DatasetSpent, partition); err != nil {
			log.Warnf("Failed to promote spend partition %s, relinking: %v", partition, err)
			if resetErr := l.dm.ResetStagingDataset(db.DatasetSpent); resetErr != nil {
				log.Errorf("Failed to reset spent staging after promote failure: %v", resetErr)
			}
			return false
		}
	}
	return true
}

// countPromoted recounts the promoted dataset so the run result reports
// its real size. A promoted partition that cannot be opened or counted
// is corrupt, not empty.
func (l *SpendLinker) countPromoted(result *SpendResult) error {
	dir := l.dm.StagingDataset(db.DatasetSpent)
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return errors.New(err)
	}
	for _, partition := range partitions {
		gdb, err := l.dm.OpenPartition(stagingPartitionPath(l.dm, db.DatasetSpent, partition))
		if err != nil {
			return errors.Errorf("promoted spend partition %s unreadable: %v", partition, err)
		}
		var matched, orphans, priced int64
		if err := gdb.Model(&db.SpendEvent{}).Count(&matched).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.OrphanSpend{}).Count(&orphans).Error; err != nil {
			return errors.New(err)
		}
		if err := gdb.Model(&db.SpendEvent{}).Where("spent_price_usd IS NOT NULL").Count(&priced).Error; err != nil {
			return errors.New(err)
		}
		result.Matched += matched
		result.Orphans += orphans
		result.Priced += priced
	}
	result.Scanned = result.Matched + result.Orphans
	return nil
}

// spendWriter routes spend events and orphan diagnostics to the staging
// partition owning their spend-height bucket.
type spendWriter struct {
	dm         *db.DatabaseManager
	bucketSize int64
	parts      map[int64]*spendPartition
}

type spendPartition struct {
	gdb     *gorm.DB
	name    string
	events  []db.SpendEvent
	orphans []db.OrphanSpend
	rows    int64
}

func newSpendWriter(dm *db.DatabaseManager, bucketSize int64) *spendWriter {
	return &spendWriter{dm: dm, bucketSize: bucketSize, parts: make(map[int64]*spendPartition)}
}

func (w *spendWriter) partitionFor(height int64) (*spendPartition, error) {
	start := height - height%w.bucketSize
	if part, ok := w.parts[start]; ok {
		return part, nil
	}
	bucket := HeightBucket{Start: start, End: start + w.bucketSize}
	gdb, err := w.dm.OpenStagingPartition(db.DatasetSpent, bucket.Partition())
	if err != nil {
		return nil, err
	}
	part := &spendPartition{gdb: gdb, name: bucket.Partition()}
	w.parts[start] = part
	return part, nil
}

func (w *spendWriter) addEvent(event db.SpendEvent) error {
	part, err := w.partitionFor(event.SpentHeight)
	if err != nil {
		return err
	}
	part.events = append(part.events, event)
	part.rows++
	if len(part.events) >= insertBatchSize {
		return part.flushEvents()
	}
	return nil
}

func (w *spendWriter) addOrphan(orphan db.OrphanSpend) error {
	part, err := w.partitionFor(orphan.SpentHeight)
	if err != nil {
		return err
	}
	part.orphans = append(part.orphans, orphan)
	if len(part.orphans) >= insertBatchSize {
		return part.flushOrphans()
	}
	return nil
}

func (p *spendPartition) flushEvents() error {
	if len(p.events) == 0 {
		return nil
	}
	if err := p.gdb.Create(&p.events).Error; err != nil {
		return err
	}
	p.events = p.events[:0]
	return nil
}

func (p *spendPartition) flushOrphans() error {
	if len(p.orphans) == 0 {
		return nil
	}
	if err := p.gdb.Create(&p.orphans).Error; err != nil {
		return err
	}
	p.orphans = p.orphans[:0]
	return nil
}

func (w *spendWriter) finish(runID, fingerprint string) error {
	if len(w.parts) == 0 {
		// A chain with zero spends still publishes an empty dataset so
		// QA and the snapshot builder have something to read.
		part, err := w.partitionFor(0)
		if err != nil {
			return err
		}
		_ = part
	}
	for _, part := range w.parts {
		if err := part.flushEvents(); err != nil {
			return err
		}
		if err := part.flushOrphans(); err != nil {
			return err
		}
		if err := writeManifest(part.gdb, db.DatasetSpent, part.name, fingerprint, runID, part.rows); err != nil {
			return err
		}
	}
	return nil
}
