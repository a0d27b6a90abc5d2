package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onchainlab/utxo-lifecycle/internal/config"
	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/qa"
	"github.com/onchainlab/utxo-lifecycle/internal/state"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func txid(n int) string {
	return fmt.Sprintf("%064x", n)
}

type fixture struct {
	cfg    config.Config
	dm     *db.DatabaseManager
	ingest *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Config{
		IngestDbPath:          filepath.Join(root, "ingest.db"),
		StagingDir:            filepath.Join(root, "staging"),
		PublishDir:            filepath.Join(root, "published"),
		HeightBucketSize:      1000,
		LinkWorkers:           2,
		SnapshotZone:          time.UTC,
		CohortBoundaries:      []int{1, 7, 30, 180, 365},
		PriceSymbol:           "BTCUSD",
		PriceFreq:             "1d",
		PriceTolerance:        12 * time.Hour,
		PriceLookupTimeout:    time.Second,
		PriceRetryMax:         0,
		PriceRetryBackoff:     time.Millisecond,
		QAMaxOrphanRatio:      0,
		QAMinPriceCoveragePct: 95,
		QASupplyToleranceSats: 1,
		QALifespanMaxDays:     6000,
		QAMaxRejectRatio:      0.001,
	}

	ingest, err := gorm.Open(sqlite.Open(cfg.IngestDbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ingest.AutoMigrate(db.IngestModels()...))

	dm, err := db.NewDatabaseManagerAt(cfg.IngestDbPath, cfg.StagingDir, cfg.PublishDir)
	require.NoError(t, err)
	t.Cleanup(dm.Close)

	return &fixture{cfg: cfg, dm: dm, ingest: ingest}
}

func (f *fixture) seedChain(t *testing.T) {
	t.Helper()
	outputs := []db.TxOutput{
		{Txid: txid(1), Vout: 0, ValueSats: 100_000, Height: 100, BlockTime: genesis, ScriptType: "P2WPKH"},
		{Txid: txid(1), Vout: 1, ValueSats: 200_000, Height: 100, BlockTime: genesis, ScriptType: "P2TR"},
		{Txid: txid(2), Vout: 0, ValueSats: 300_000, Height: 1500, BlockTime: genesis.AddDate(0, 0, 1), ScriptType: "P2WPKH"},
	}
	for i := range outputs {
		require.NoError(t, f.ingest.Create(&outputs[i]).Error)
	}
	require.NoError(t, f.ingest.Create(&db.TxInput{
		SpendingTxid: txid(3), InputIndex: 0, PrevTxid: txid(1), PrevVout: 0,
		Height: 1600, BlockTime: genesis.AddDate(0, 0, 2),
	}).Error)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.ingest.Create(&db.PriceTick{
			Symbol: "BTCUSD", Freq: "1d", Ts: genesis.AddDate(0, 0, i), Close: 100 + float64(i), Source: "test",
		}).Error)
	}
}

func (f *fixture) run(t *testing.T, runID string) (*RunResult, *state.RunState, error) {
	t.Helper()
	st := state.NewRunState(runID)
	runner := NewRunner(f.cfg, f.dm, st, runID)
	result, err := runner.Run(context.Background())
	return result, st, err
}

func readManifest(t *testing.T, dir string) Manifest {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	return manifest
}

func TestRunPublishesWhenQAPasses(t *testing.T) {
	f := newFixture(t)
	f.seedChain(t)

	result, st, err := f.run(t, "run-1")
	require.NoError(t, err)
	assert.True(t, result.Published)
	assert.Equal(t, state.StagePublish, st.Stage())
	require.NotNil(t, result.Report)
	assert.True(t, result.Report.Passed)

	for _, dataset := range []string{db.DatasetCreated, db.DatasetSpent, db.DatasetSnapshots} {
		partitions, err := db.ListPartitions(f.dm.PublishedDataset(dataset))
		require.NoError(t, err)
		assert.NotEmpty(t, partitions, dataset)
	}

	manifest := readManifest(t, f.cfg.PublishDir)
	assert.Equal(t, "run-1", manifest.RunID)
	assert.Equal(t, types.SchemaVersion, manifest.SchemaVersion)
	assert.Equal(t, "2024-01-01", manifest.Start)
	assert.Equal(t, "2024-01-03", manifest.End)
	assert.NotEmpty(t, manifest.Fingerprint)

	_, err = os.Stat(filepath.Join(f.cfg.PublishDir, reportFile))
	require.NoError(t, err)
}

func TestFailedQALeavesPreviousPublishUntouched(t *testing.T) {
	f := newFixture(t)
	f.seedChain(t)

	_, _, err := f.run(t, "run-1")
	require.NoError(t, err)

	// a spend of an output nobody ever created breaks the zero-orphan
	// tolerance on the next run
	require.NoError(t, f.ingest.Create(&db.TxInput{
		SpendingTxid: txid(8), InputIndex: 0, PrevTxid: txid(9), PrevVout: 0,
		Height: 1700, BlockTime: genesis.AddDate(0, 0, 3),
	}).Error)

	result, st, err := f.run(t, "run-2")
	require.Error(t, err)
	var violation *types.QAViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, qa.CheckOrphanSpends, violation.Check)
	assert.False(t, result.Published)
	assert.Equal(t, state.StageAbort, st.Stage())

	// the published tree still belongs to run-1
	manifest := readManifest(t, f.cfg.PublishDir)
	assert.Equal(t, "run-1", manifest.RunID)
	gdb, err := f.dm.OpenPartition(filepath.Join(f.dm.PublishedDataset(db.DatasetSpent), "part-0000001000.db"))
	require.NoError(t, err)
	var orphans int64
	require.NoError(t, gdb.Model(&db.OrphanSpend{}).Count(&orphans).Error)
	assert.Zero(t, orphans)
}

func TestDoubleSpendAbortsBeforeValidation(t *testing.T) {
	f := newFixture(t)
	f.seedChain(t)
	require.NoError(t, f.ingest.Create(&db.TxInput{
		SpendingTxid: txid(7), InputIndex: 0, PrevTxid: txid(1), PrevVout: 0,
		Height: 1650, BlockTime: genesis.AddDate(0, 0, 2),
	}).Error)

	result, st, err := f.run(t, "run-1")
	require.Error(t, err)
	var consistency *types.ConsistencyError
	require.ErrorAs(t, err, &consistency)
	assert.Equal(t, txid(1), consistency.OutputID.Txid)
	assert.False(t, result.Published)
	assert.Equal(t, state.StageAbort, st.Stage())
	assert.Nil(t, result.Report)
}

func TestStopAfterValidateSkipsPublish(t *testing.T) {
	f := newFixture(t)
	f.seedChain(t)

	st := state.NewRunState("run-1")
	runner := NewRunner(f.cfg, f.dm, st, "run-1").StopAfter(state.StageValidate)
	result, err := runner.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Published)
	assert.Equal(t, state.StageValidate, st.Stage())
	require.NotNil(t, result.Report)
	assert.True(t, result.Report.Passed)

	_, err = os.Stat(filepath.Join(f.cfg.PublishDir, manifestFile))
	assert.True(t, os.IsNotExist(err))

	// staged artifacts stay in place for a later publish
	partitions, err := db.ListPartitions(f.dm.StagingDataset(db.DatasetSnapshots))
	require.NoError(t, err)
	assert.NotEmpty(t, partitions)
}

func TestRerunWithUnchangedInputsSkipsLinking(t *testing.T) {
	f := newFixture(t)
	f.seedChain(t)

	_, _, err := f.run(t, "run-1")
	require.NoError(t, err)

	result, st, err := f.run(t, "run-2")
	require.NoError(t, err)
	assert.Equal(t, state.StagePublish, st.Stage())
	for _, res := range result.Creation {
		assert.True(t, res.Skipped, res.Partition)
	}
	assert.True(t, result.Spend.Skipped)
	assert.Equal(t, "run-2", readManifest(t, f.cfg.PublishDir).RunID)
}
