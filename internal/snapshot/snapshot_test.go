package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/price"
	"github.com/onchainlab/utxo-lifecycle/internal/types"
)

var genesis = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func txid(n int) string {
	return fmt.Sprintf("%064x", n)
}

func usd(v float64) *float64 {
	return &v
}

type fixture struct {
	dm     *db.DatabaseManager
	ingest *gorm.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	ingestPath := filepath.Join(root, "ingest.db")
	ingest, err := gorm.Open(sqlite.Open(ingestPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, ingest.AutoMigrate(db.IngestModels()...))

	dm, err := db.NewDatabaseManagerAt(ingestPath, filepath.Join(root, "staging"), filepath.Join(root, "published"))
	require.NoError(t, err)
	t.Cleanup(dm.Close)

	return &fixture{dm: dm, ingest: ingest}
}

func (f *fixture) stageCreation(t *testing.T, events ...db.CreationEvent) {
	t.Helper()
	gdb, err := f.dm.OpenStagingPartition(db.DatasetCreated, "part-0000000000.db")
	require.NoError(t, err)
	for i := range events {
		events[i].ScriptType = orDefault(events[i].ScriptType, "P2WPKH")
		events[i].LineageID = types.LineageID(events[i].Txid, fmt.Sprint(events[i].Vout))
		events[i].PipelineVersion = types.PipelineVersion
		require.NoError(t, gdb.Create(&events[i]).Error)
	}
	require.NoError(t, gdb.Create(&db.PartitionManifest{
		Dataset: db.DatasetCreated, Partition: "part-0000000000.db",
		Fingerprint: "fp-created", RowCount: int64(len(events)),
		SchemaVersion: types.SchemaVersion, PipelineVersion: types.PipelineVersion,
		RunID: "test-run", CreatedAt: time.Now().UTC(),
	}).Error)
}

func (f *fixture) stageSpends(t *testing.T, events ...db.SpendEvent) {
	t.Helper()
	gdb, err := f.dm.OpenStagingPartition(db.DatasetSpent, "part-0000000000.db")
	require.NoError(t, err)
	for i := range events {
		events[i].LineageID = types.LineageID(events[i].Txid, fmt.Sprint(events[i].Vout))
		events[i].PipelineVersion = types.PipelineVersion
		require.NoError(t, gdb.Create(&events[i]).Error)
	}
	require.NoError(t, gdb.Create(&db.PartitionManifest{
		Dataset: db.DatasetSpent, Partition: "part-0000000000.db",
		Fingerprint: "fp-spent", RowCount: int64(len(events)),
		SchemaVersion: types.SchemaVersion, PipelineVersion: types.PipelineVersion,
		RunID: "test-run", CreatedAt: time.Now().UTC(),
	}).Error)
}

func (f *fixture) addDailyPrices(t *testing.T, start time.Time, closes ...float64) {
	t.Helper()
	for i, c := range closes {
		require.NoError(t, f.ingest.Create(&db.PriceTick{
			Symbol: "BTCUSD", Freq: "1d", Ts: start.AddDate(0, 0, i), Close: c, Source: "test",
		}).Error)
	}
}

func (f *fixture) builder(t *testing.T) *Builder {
	t.Helper()
	store, err := price.LoadStore(f.ingest, "BTCUSD", "1d")
	require.NoError(t, err)
	lookup := price.NewLookup(store, 12*time.Hour, time.Second, 0, time.Millisecond)
	cohorts := NewCohortTable([]int{1, 7, 30, 180, 365})
	return NewBuilder(f.dm, lookup, cohorts, time.UTC, 0, 0, "test-run")
}

func (f *fixture) snapshotRows(t *testing.T, day string) []db.SnapshotRow {
	t.Helper()
	path := filepath.Join(f.dm.StagingDataset(db.DatasetSnapshots), day+".db")
	gdb, err := f.dm.OpenPartition(path)
	require.NoError(t, err)
	var rows []db.SnapshotRow
	require.NoError(t, gdb.Order("cohort_key ASC, script_type ASC").Find(&rows).Error)
	return rows
}

func balanceOf(rows []db.SnapshotRow) int64 {
	var total int64
	for _, row := range rows {
		total += row.BalanceSats
	}
	return total
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func TestCohortTableBuckets(t *testing.T) {
	table := NewCohortTable([]int{1, 7, 30, 180, 365})
	assert.Equal(t, []string{"000-001d", "001-007d", "007-030d", "030-180d", "180-365d", "365d+"}, table.Labels())
	assert.Equal(t, "000-001d", table.Bucket(0))
	assert.Equal(t, "001-007d", table.Bucket(1))
	assert.Equal(t, "001-007d", table.Bucket(6))
	assert.Equal(t, "007-030d", table.Bucket(7))
	assert.Equal(t, "180-365d", table.Bucket(364))
	assert.Equal(t, "365d+", table.Bucket(365))
	assert.Equal(t, "365d+", table.Bucket(4000))
}

func TestDayBoundaryMembership(t *testing.T) {
	f := newFixture(t)
	// one output created exactly at the Jan 1/Jan 2 boundary, one spent
	// exactly at it
	f.stageCreation(t,
		db.CreationEvent{Txid: txid(1), Vout: 0, ValueSats: 10_000, CreatedHeight: 100, CreatedTime: genesis.AddDate(0, 0, 1)},
		db.CreationEvent{Txid: txid(2), Vout: 0, ValueSats: 20_000, CreatedHeight: 90, CreatedTime: genesis.Add(12 * time.Hour)},
	)
	f.stageSpends(t, db.SpendEvent{
		Txid: txid(2), Vout: 0, SpendingTxid: txid(3), SpentHeight: 110,
		SpentTime: genesis.AddDate(0, 0, 1), ValueSats: 20_000,
		CreatedHeight: 90, CreatedTime: genesis.Add(12 * time.Hour),
		HoldingSeconds: 12 * 3600, HoldingBlocks: 20,
	})
	f.addDailyPrices(t, genesis, 100, 110, 120)

	_, err := f.builder(t).Build(context.Background(), genesis, genesis.AddDate(0, 0, 1))
	require.NoError(t, err)

	day1 := f.snapshotRows(t, "2024-01-01")
	require.Len(t, day1, 1)
	assert.Equal(t, int64(20_000), day1[0].BalanceSats) // boundary spend still unspent on Jan 1
	assert.Equal(t, int64(1), day1[0].OutputCount)

	day2 := f.snapshotRows(t, "2024-01-02")
	require.Len(t, day2, 1)
	assert.Equal(t, int64(10_000), day2[0].BalanceSats) // boundary creation lands on Jan 2, spend is gone
	assert.Equal(t, int64(1), day2[0].OutputCount)
}

func TestSupplyIsConservedAcrossDays(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t,
		db.CreationEvent{Txid: txid(1), Vout: 0, ValueSats: 100_000, CreatedHeight: 100, CreatedTime: genesis.Add(6 * time.Hour)},
		db.CreationEvent{Txid: txid(1), Vout: 1, ValueSats: 200_000, CreatedHeight: 100, CreatedTime: genesis.Add(6 * time.Hour)},
		db.CreationEvent{Txid: txid(2), Vout: 0, ValueSats: 50_000, CreatedHeight: 400, CreatedTime: genesis.AddDate(0, 0, 2).Add(12 * time.Hour)},
	)
	f.stageSpends(t, db.SpendEvent{
		Txid: txid(1), Vout: 0, SpendingTxid: txid(9), SpentHeight: 250,
		SpentTime: genesis.AddDate(0, 0, 1).Add(10 * time.Hour), ValueSats: 100_000,
		CreatedHeight: 100, CreatedTime: genesis.Add(6 * time.Hour),
		HoldingSeconds: 28 * 3600, HoldingBlocks: 150,
	})
	f.addDailyPrices(t, genesis, 100, 110, 120, 130)

	_, err := f.builder(t).Build(context.Background(), genesis, genesis.AddDate(0, 0, 3))
	require.NoError(t, err)

	assert.Equal(t, int64(300_000), balanceOf(f.snapshotRows(t, "2024-01-01")))
	assert.Equal(t, int64(200_000), balanceOf(f.snapshotRows(t, "2024-01-02")))
	assert.Equal(t, int64(250_000), balanceOf(f.snapshotRows(t, "2024-01-03")))
	assert.Equal(t, int64(250_000), balanceOf(f.snapshotRows(t, "2024-01-04")))
}

func TestCostBasisCountsOnlyPricedOutputs(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t,
		db.CreationEvent{Txid: txid(1), Vout: 0, ValueSats: 100_000_000, CreatedHeight: 100, CreatedTime: genesis.Add(time.Hour), CreatedPriceUsd: usd(100)},
		db.CreationEvent{Txid: txid(2), Vout: 0, ValueSats: 50_000_000, CreatedHeight: 101, CreatedTime: genesis.Add(2 * time.Hour)},
	)
	f.addDailyPrices(t, genesis, 100, 110)

	_, err := f.builder(t).Build(context.Background(), genesis, genesis)
	require.NoError(t, err)

	rows := f.snapshotRows(t, "2024-01-01")
	require.Len(t, rows, 1)
	assert.InDelta(t, 100.0, rows[0].CostBasisUsd, 1e-9) // 1 BTC at $100, unpriced half excluded
	assert.Equal(t, int64(50_000_000), rows[0].UnpricedSats)
	require.NotNil(t, rows[0].PriceCloseUsd)
	assert.Equal(t, 110.0, *rows[0].PriceCloseUsd)
	require.NotNil(t, rows[0].MarketValueUsd)
	assert.InDelta(t, 1.5*110.0, *rows[0].MarketValueUsd, 1e-9)
}

func TestDayWithoutCloseYieldsNullMarketValue(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t, db.CreationEvent{
		Txid: txid(1), Vout: 0, ValueSats: 100_000_000,
		CreatedHeight: 100, CreatedTime: genesis.Add(time.Hour), CreatedPriceUsd: usd(100),
	})
	f.addDailyPrices(t, genesis, 100) // nothing near the Jan 10 boundary

	_, err := f.builder(t).Build(context.Background(), genesis.AddDate(0, 0, 9), genesis.AddDate(0, 0, 9))
	require.NoError(t, err)

	rows := f.snapshotRows(t, "2024-01-10")
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].PriceCloseUsd)
	assert.Nil(t, rows[0].MarketValueUsd)
	assert.InDelta(t, 100.0, rows[0].CostBasisUsd, 1e-9)
}

func TestOutputAgesAcrossCohorts(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t, db.CreationEvent{
		Txid: txid(1), Vout: 0, ValueSats: 10_000,
		CreatedHeight: 100, CreatedTime: genesis.Add(30 * time.Minute),
	})
	f.addDailyPrices(t, genesis, 100, 110, 120)

	_, err := f.builder(t).Build(context.Background(), genesis, genesis.AddDate(0, 0, 1))
	require.NoError(t, err)

	day1 := f.snapshotRows(t, "2024-01-01")
	require.Len(t, day1, 1)
	assert.Equal(t, "000-001d", day1[0].CohortKey)
	assert.Equal(t, 0.0, day1[0].WeightedAgeDays)

	day2 := f.snapshotRows(t, "2024-01-02")
	require.Len(t, day2, 1)
	assert.Equal(t, "001-007d", day2[0].CohortKey)
	assert.Equal(t, 1.0, day2[0].WeightedAgeDays)
}

func TestQuietDayStillGetsPartition(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t, db.CreationEvent{
		Txid: txid(1), Vout: 0, ValueSats: 10_000,
		CreatedHeight: 300, CreatedTime: genesis.AddDate(0, 0, 2),
	})
	f.addDailyPrices(t, genesis, 100, 110, 120, 130)

	result, err := f.builder(t).Build(context.Background(), genesis, genesis.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, result.Days)

	for _, day := range []string{"2024-01-01", "2024-01-02"} {
		path := filepath.Join(f.dm.StagingDataset(db.DatasetSnapshots), day+".db")
		gdb, err := f.dm.OpenPartition(path)
		require.NoError(t, err)
		var manifest db.PartitionManifest
		require.NoError(t, gdb.First(&manifest).Error)
		assert.Equal(t, int64(0), manifest.RowCount)
		assert.Empty(t, f.snapshotRows(t, day))
	}
	assert.Len(t, f.snapshotRows(t, "2024-01-03"), 1)
}

func TestResolveRangeSpansCreationToLastSpend(t *testing.T) {
	f := newFixture(t)
	f.stageCreation(t, db.CreationEvent{
		Txid: txid(1), Vout: 0, ValueSats: 10_000,
		CreatedHeight: 100, CreatedTime: genesis.Add(6 * time.Hour),
	})
	f.stageSpends(t, db.SpendEvent{
		Txid: txid(1), Vout: 0, SpendingTxid: txid(2), SpentHeight: 700,
		SpentTime: genesis.AddDate(0, 0, 4).Add(time.Hour), ValueSats: 10_000,
		CreatedHeight: 100, CreatedTime: genesis.Add(6 * time.Hour),
		HoldingSeconds: 91 * 3600, HoldingBlocks: 600,
	})
	f.addDailyPrices(t, genesis, 100)

	start, end, err := f.builder(t).ResolveRange()
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", start.Format(time.DateOnly))
	assert.Equal(t, "2024-01-05", end.Format(time.DateOnly))
}

func TestResolveRangeRequiresStagedCreations(t *testing.T) {
	f := newFixture(t)
	f.addDailyPrices(t, genesis, 100)
	_, _, err := f.builder(t).ResolveRange()
	require.Error(t, err)
}
