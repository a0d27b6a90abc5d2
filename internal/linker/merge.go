package linker

import (
	"path/filepath"

	"gorm.io/gorm"

	"github.com/onchainlab/utxo-lifecycle/internal/db"
)

func stagingPartitionPath(dm *db.DatabaseManager, dataset, partition string) string {
	return filepath.Join(dm.StagingDataset(dataset), partition)
}

// outpointLess orders (txid, vout) keys the way the partition indexes do,
// which is what lets joins walk all partitions in one pass.
func outpointLess(aTxid string, aVout uint32, bTxid string, bVout uint32) bool {
	if aTxid != bTxid {
		return aTxid < bTxid
	}
	return aVout < bVout
}

// creationCursor streams one creation partition in (txid, vout) order
// using keyset pagination, so no partition is ever fully resident.
type creationCursor struct {
	gdb      *gorm.DB
	buf      []db.CreationEvent
	idx      int
	started  bool
	lastTxid string
	lastVout uint32
	done     bool
}

func (c *creationCursor) peek() (*db.CreationEvent, error) {
	if c.idx < len(c.buf) {
		return &c.buf[c.idx], nil
	}
	if c.done {
		return nil, nil
	}

	query := c.gdb.Model(&db.CreationEvent{}).Order("txid ASC, vout ASC").Limit(scanBatchSize)
	if c.started {
		query = query.Where("txid > ? OR (txid = ? AND vout > ?)", c.lastTxid, c.lastTxid, c.lastVout)
	}
	var next []db.CreationEvent
	if err := query.Find(&next).Error; err != nil {
		return nil, err
	}
	if len(next) == 0 {
		c.done = true
		return nil, nil
	}
	c.buf = next
	c.idx = 0
	c.started = true
	last := next[len(next)-1]
	c.lastTxid, c.lastVout = last.Txid, last.Vout
	return &c.buf[0], nil
}

// CreationScan merges the sorted streams of every creation partition in
// a dataset directory into one globally (txid, vout)-ordered stream.
// This is the read side of the creation index: a partitioned
// sorted-merge join input, never an in-memory map of the historical
// output set.
type CreationScan struct {
	cursors []*creationCursor
}

func NewCreationScan(dm *db.DatabaseManager, dir string) (*CreationScan, error) {
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return nil, err
	}
	scan := &CreationScan{}
	for _, partition := range partitions {
		gdb, err := dm.OpenPartition(filepath.Join(dir, partition))
		if err != nil {
			return nil, err
		}
		scan.cursors = append(scan.cursors, &creationCursor{gdb: gdb})
	}
	return scan, nil
}

func (s *CreationScan) peek() (*db.CreationEvent, *creationCursor, error) {
	var best *db.CreationEvent
	var bestCursor *creationCursor
	for _, cursor := range s.cursors {
		head, err := cursor.peek()
		if err != nil {
			return nil, nil, err
		}
		if head == nil {
			continue
		}
		if best == nil || outpointLess(head.Txid, head.Vout, best.Txid, best.Vout) {
			best = head
			bestCursor = cursor
		}
	}
	return best, bestCursor, nil
}

// Next consumes and returns the smallest remaining creation event, or
// nil at end of stream.
func (s *CreationScan) Next() (*db.CreationEvent, error) {
	head, cursor, err := s.peek()
	if err != nil || head == nil {
		return nil, err
	}
	event := *head
	cursor.idx++
	return &event, nil
}

// Seek consumes the stream up to (txid, vout). When that exact key is
// present it is consumed and returned; keys smaller than it are skipped.
// Callers must seek in ascending key order.
func (s *CreationScan) Seek(txid string, vout uint32) (*db.CreationEvent, error) {
	for {
		head, cursor, err := s.peek()
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, nil
		}
		if outpointLess(head.Txid, head.Vout, txid, vout) {
			cursor.idx++
			continue
		}
		if head.Txid == txid && head.Vout == vout {
			event := *head
			cursor.idx++
			return &event, nil
		}
		return nil, nil
	}
}

// spendCursor mirrors creationCursor for spend partitions.
type spendCursor struct {
	gdb      *gorm.DB
	buf      []db.SpendEvent
	idx      int
	started  bool
	lastTxid string
	lastVout uint32
	done     bool
}

func (c *spendCursor) peek() (*db.SpendEvent, error) {
	if c.idx < len(c.buf) {
		return &c.buf[c.idx], nil
	}
	if c.done {
		return nil, nil
	}

	query := c.gdb.Model(&db.SpendEvent{}).Order("txid ASC, vout ASC").Limit(scanBatchSize)
	if c.started {
		query = query.Where("txid > ? OR (txid = ? AND vout > ?)", c.lastTxid, c.lastTxid, c.lastVout)
	}
	var next []db.SpendEvent
	if err := query.Find(&next).Error; err != nil {
		return nil, err
	}
	if len(next) == 0 {
		c.done = true
		return nil, nil
	}
	c.buf = next
	c.idx = 0
	c.started = true
	last := next[len(next)-1]
	c.lastTxid, c.lastVout = last.Txid, last.Vout
	return &c.buf[0], nil
}

// SpendScan merges every spend partition into one (txid, vout)-ordered
// stream, the other input of the snapshot set difference.
type SpendScan struct {
	cursors []*spendCursor
}

func NewSpendScan(dm *db.DatabaseManager, dir string) (*SpendScan, error) {
	partitions, err := db.ListPartitions(dir)
	if err != nil {
		return nil, err
	}
	scan := &SpendScan{}
	for _, partition := range partitions {
		gdb, err := dm.OpenPartition(filepath.Join(dir, partition))
		if err != nil {
			return nil, err
		}
		scan.cursors = append(scan.cursors, &spendCursor{gdb: gdb})
	}
	return scan, nil
}

// Seek consumes the stream up to (txid, vout), returning the spend event
// for that exact key when present. Callers must seek in ascending order.
func (s *SpendScan) Seek(txid string, vout uint32) (*db.SpendEvent, error) {
	for {
		var best *db.SpendEvent
		var bestCursor *spendCursor
		for _, cursor := range s.cursors {
			head, err := cursor.peek()
			if err != nil {
				return nil, err
			}
			if head == nil {
				continue
			}
			if best == nil || outpointLess(head.Txid, head.Vout, best.Txid, best.Vout) {
				best = head
				bestCursor = cursor
			}
		}
		if best == nil {
			return nil, nil
		}
		if outpointLess(best.Txid, best.Vout, txid, vout) {
			bestCursor.idx++
			continue
		}
		if best.Txid == txid && best.Vout == vout {
			event := *best
			bestCursor.idx++
			return &event, nil
		}
		return nil, nil
	}
}
