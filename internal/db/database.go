package db

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onchainlab/utxo-lifecycle/internal/config"
)

const (
	DatasetCreated   = "created"
	DatasetSpent     = "spent"
	DatasetSnapshots = "snapshots"
)

// DatabaseManager owns the read-only ingest database plus the staged and
// published artifact datasets. Each dataset is a directory of sqlite
// partition files; a run stages a fresh directory and swaps it in whole,
// so readers only ever observe a complete dataset.
type DatabaseManager struct {
	ingestDb   *gorm.DB
	stagingDir string
	publishDir string

	mu      sync.Mutex
	handles map[string]*gorm.DB
}

func NewDatabaseManager() *DatabaseManager {
	dm, err := NewDatabaseManagerAt(config.AppConfig.IngestDbPath, config.AppConfig.StagingDir, config.AppConfig.PublishDir)
	if err != nil {
		log.Fatalf("Failed to initialize database manager: %v", err)
	}
	return dm
}

func NewDatabaseManagerAt(ingestPath, stagingDir, publishDir string) (*DatabaseManager, error) {
	if _, err := os.Stat(ingestPath); err != nil {
		return nil, fmt.Errorf("ingest database missing at %s: %w", ingestPath, err)
	}
	for _, dir := range []string{stagingDir, publishDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	dm := &DatabaseManager{
		stagingDir: stagingDir,
		publishDir: publishDir,
		handles:    make(map[string]*gorm.DB),
	}
	ingestDb, err := dm.openSqlite(ingestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ingest database: %w", err)
	}
	dm.ingestDb = ingestDb
	log.Debugf("Ingest database connected, path: %s", ingestPath)
	return dm, nil
}

func (dm *DatabaseManager) openSqlite(path string) (*gorm.DB, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if gdb, ok := dm.handles[path]; ok {
		return gdb, nil
	}
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	dm.handles[path] = gdb
	return gdb, nil
}

func (dm *DatabaseManager) GetIngestDB() *gorm.DB {
	return dm.ingestDb
}

func (dm *DatabaseManager) StagingDataset(dataset string) string {
	return filepath.Join(dm.stagingDir, dataset)
}

func (dm *DatabaseManager) PublishedDataset(dataset string) string {
	return filepath.Join(dm.publishDir, dataset)
}

// ArtifactModels returns the gorm models migrated into each partition of
// a dataset.
func ArtifactModels(dataset string) []interface{} {
	switch dataset {
	case DatasetCreated:
		return []interface{}{&CreationEvent{}, &PartitionManifest{}}
	case DatasetSpent:
		return []interface{}{&SpendEvent{}, &OrphanSpend{}, &PartitionManifest{}}
	case DatasetSnapshots:
		return []interface{}{&SnapshotRow{}, &PartitionManifest{}}
	}
	return nil
}

// IngestModels returns the source models expected in the ingest database.
// The collaborator owns that schema; this is used by tests to build
// fixtures and by the pipeline to verify availability.
func IngestModels() []interface{} {
	return []interface{}{&TxOutput{}, &TxInput{}, &PriceTick{}}
}

// OpenStagingPartition creates (or reopens) a partition database under
// the staged dataset directory and migrates its tables.
func (dm *DatabaseManager) OpenStagingPartition(dataset, partition string) (*gorm.DB, error) {
	dir := dm.StagingDataset(dataset)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, partition)
	gdb, err := dm.openSqlite(path)
	if err != nil {
		return nil, err
	}
	if err := gdb.AutoMigrate(ArtifactModels(dataset)...); err != nil {
		return nil, err
	}
	return gdb, nil
}

// OpenPartition opens an existing partition database by path.
func (dm *DatabaseManager) OpenPartition(path string) (*gorm.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return dm.openSqlite(path)
}

// ListPartitions returns the sorted partition file names of a dataset
// directory. Sorted order is what makes partitioned merge scans
// deterministic.
func ListPartitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ResetStagingDataset discards any staged partitions of a dataset.
func (dm *DatabaseManager) ResetStagingDataset(dataset string) error {
	dir := dm.StagingDataset(dataset)
	if err := dm.closeUnder(dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// PromotePartition copies an already-published partition file into the
// staging dataset, used when the partition's input fingerprint is
// unchanged and relinking can be skipped.
func (dm *DatabaseManager) PromotePartition(dataset, partition string) error {
	src := filepath.Join(dm.PublishedDataset(dataset), partition)
	dstDir := dm.StagingDataset(dataset)
	if err := os.MkdirAll(dstDir, os.ModePerm); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dst := filepath.Join(dstDir, partition)
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// PublishDataset atomically replaces the published dataset directory
// with the staged one. Readers observe either the prior complete dataset
// or the new complete dataset, never a mix.
func (dm *DatabaseManager) PublishDataset(dataset string) error {
	staged := dm.StagingDataset(dataset)
	if _, err := os.Stat(staged); err != nil {
		return fmt.Errorf("staged dataset %s missing: %w", dataset, err)
	}
	if err := dm.closeUnder(staged); err != nil {
		return err
	}

	published := dm.PublishedDataset(dataset)
	if err := dm.closeUnder(published); err != nil {
		return err
	}

	var retired string
	if _, err := os.Stat(published); err == nil {
		retired = published + ".retired-" + uuid.NewString()
		if err := os.Rename(published, retired); err != nil {
			return fmt.Errorf("failed to retire published dataset %s: %w", dataset, err)
		}
	}
	if err := os.Rename(staged, published); err != nil {
		// Put the prior dataset back so readers keep a complete view.
		if retired != "" {
			if restoreErr := os.Rename(retired, published); restoreErr != nil {
				log.Errorf("Failed to restore dataset %s after publish failure: %v", dataset, restoreErr)
			}
		}
		return fmt.Errorf("failed to publish dataset %s: %w", dataset, err)
	}
	if retired != "" {
		if err := os.RemoveAll(retired); err != nil {
			log.Warnf("Failed to remove retired dataset %s: %v", retired, err)
		}
	}
	log.Infof("Published dataset %s -> %s", dataset, published)
	return nil
}

func (dm *DatabaseManager) closeUnder(dir string) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	prefix := dir + string(os.PathSeparator)
	for path, gdb := range dm.handles {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		sqlDb, err := gdb.DB()
		if err != nil {
			return err
		}
		if err := sqlDb.Close(); err != nil {
			return err
		}
		delete(dm.handles, path)
	}
	return nil
}

// Close releases every open handle including the ingest database.
func (dm *DatabaseManager) Close() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for path, gdb := range dm.handles {
		if sqlDb, err := gdb.DB(); err == nil {
			if err := sqlDb.Close(); err != nil {
				log.Warnf("Failed to close database %s: %v", path, err)
			}
		}
		delete(dm.handles, path)
	}
	dm.ingestDb = nil
}
