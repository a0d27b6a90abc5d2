package db

import (
	"time"
)

// Source records live in the ingest database produced by the ingestion
// collaborator. This pipeline only reads them.

// TxOutput model (normalized output record, schema-versioned upstream)
type TxOutput struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Txid       string    `gorm:"not null;index:idx_txout_outpoint" json:"txid"`
	Vout       uint32    `gorm:"not null;index:idx_txout_outpoint" json:"vout"`
	ValueSats  int64     `gorm:"not null" json:"value_sats"`
	Height     int64     `gorm:"not null;index" json:"height"`
	BlockTime  time.Time `gorm:"not null" json:"block_time"`
	ScriptType string    `gorm:"not null" json:"script_type"` // P2PKH P2SH P2WSH P2WPKH P2TR OP_RETURN ...
	Addresses  string    `json:"addresses"`                   // JSON-encoded list
	IsCoinbase bool      `gorm:"not null" json:"is_coinbase"`
}

func (TxOutput) TableName() string {
	return "tx_outputs"
}

// TxInput model (normalized input record)
type TxInput struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SpendingTxid string    `gorm:"not null" json:"spending_txid"`
	InputIndex   uint32    `gorm:"not null" json:"input_index"`
	PrevTxid     string    `gorm:"not null;index:idx_txin_prevout" json:"prev_txid"`
	PrevVout     uint32    `gorm:"not null;index:idx_txin_prevout" json:"prev_vout"`
	Height       int64     `gorm:"not null;index" json:"height"`
	BlockTime    time.Time `gorm:"not null" json:"block_time"`
	IsCoinbase   bool      `gorm:"not null" json:"is_coinbase"`
}

func (TxInput) TableName() string {
	return "tx_inputs"
}

// PriceTick model (price oracle output, close per timestamp)
type PriceTick struct {
	ID     uint      `gorm:"primaryKey" json:"id"`
	Symbol string    `gorm:"not null;index:idx_price_series" json:"symbol"`
	Freq   string    `gorm:"not null;index:idx_price_series" json:"freq"`
	Ts     time.Time `gorm:"not null;index:idx_price_series" json:"ts"`
	Close  float64   `gorm:"not null" json:"close"`
	Source string    `json:"source"`
}

func (PriceTick) TableName() string {
	return "price_ticks"
}

// Artifact records below are produced by this pipeline. They are
// append-only: rows are written once during a run and never mutated.

// CreationEvent model, one row per output ever created. Spent status is
// derived from spend_events, never stored here.
type CreationEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Txid            string     `gorm:"not null;uniqueIndex:idx_created_outpoint" json:"txid"`
	Vout            uint32     `gorm:"not null;uniqueIndex:idx_created_outpoint" json:"vout"`
	ValueSats       int64      `gorm:"not null" json:"value_sats"`
	CreatedHeight   int64      `gorm:"not null" json:"created_height"`
	CreatedTime     time.Time  `gorm:"not null" json:"created_time"` // UTC
	CreatedPriceUsd *float64   `json:"created_price_usd"`            // null when no sample within tolerance
	CreatedPriceTs  *time.Time `json:"created_price_ts"`
	ScriptType      string     `gorm:"not null" json:"script_type"`
	IsCoinbase      bool       `gorm:"not null" json:"is_coinbase"`
	LineageID       string     `gorm:"not null" json:"lineage_id"`
	PipelineVersion string     `gorm:"not null" json:"pipeline_version"`
}

func (CreationEvent) TableName() string {
	return "creation_events"
}

// SpendEvent model, at most one row per output id. Creation columns are
// denormalized so the metrics engine never needs a second join.
type SpendEvent struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	Txid               string     `gorm:"not null;uniqueIndex:idx_spent_outpoint" json:"txid"`
	Vout               uint32     `gorm:"not null;uniqueIndex:idx_spent_outpoint" json:"vout"`
	SpendingTxid       string     `gorm:"not null" json:"spending_txid"`
	SpendingInputIndex uint32     `gorm:"not null" json:"spending_input_index"`
	SpentHeight        int64      `gorm:"not null" json:"spent_height"`
	SpentTime          time.Time  `gorm:"not null" json:"spent_time"` // UTC
	SpentPriceUsd      *float64   `json:"spent_price_usd"`
	SpentPriceTs       *time.Time `json:"spent_price_ts"`
	HoldingSeconds     int64      `gorm:"not null" json:"holding_seconds"`
	HoldingBlocks      int64      `gorm:"not null" json:"holding_blocks"`
	ValueSats          int64      `gorm:"not null" json:"value_sats"`
	CreatedHeight      int64      `gorm:"not null" json:"created_height"`
	CreatedTime        time.Time  `gorm:"not null" json:"created_time"`
	CreatedPriceUsd    *float64   `json:"created_price_usd"`
	RealizedValueUsd   *float64   `json:"realized_value_usd"`
	RealizedProfitUsd  *float64   `json:"realized_profit_usd"`
	LineageID          string     `gorm:"not null" json:"lineage_id"`
	PipelineVersion    string     `gorm:"not null" json:"pipeline_version"`
}

func (SpendEvent) TableName() string {
	return "spend_events"
}

// OrphanSpend model, a diagnostic row for an input whose previous output
// was never seen. Zero rows expected for complete chain data.
type OrphanSpend struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PrevTxid           string    `gorm:"not null" json:"prev_txid"`
	PrevVout           uint32    `gorm:"not null" json:"prev_vout"`
	SpendingTxid       string    `gorm:"not null" json:"spending_txid"`
	SpendingInputIndex uint32    `gorm:"not null" json:"spending_input_index"`
	SpentHeight        int64     `gorm:"not null" json:"spent_height"`
	SpentTime          time.Time `gorm:"not null" json:"spent_time"`
}

func (OrphanSpend) TableName() string {
	return "orphan_spends"
}

// SnapshotRow model, derived per (date, cohort, script type). Regenerated
// wholesale on every rebuild, never patched.
type SnapshotRow struct {
	ID              uint     `gorm:"primaryKey" json:"id"`
	SnapshotDate    string   `gorm:"not null;uniqueIndex:idx_snapshot_key" json:"snapshot_date"` // YYYY-MM-DD
	CohortKey       string   `gorm:"not null;uniqueIndex:idx_snapshot_key" json:"cohort_key"`    // age bucket label
	ScriptType      string   `gorm:"not null;uniqueIndex:idx_snapshot_key" json:"script_type"`
	OutputCount     int64    `gorm:"not null" json:"output_count"`
	BalanceSats     int64    `gorm:"not null" json:"balance_sats"`
	BalanceBtc      float64  `gorm:"not null" json:"balance_btc"`
	WeightedAgeDays float64  `gorm:"not null" json:"weighted_age_days"`
	CostBasisUsd    float64  `gorm:"not null" json:"cost_basis_usd"` // priced outputs only
	UnpricedSats    int64    `gorm:"not null" json:"unpriced_sats"`  // null-priced outputs, tracked apart
	MarketValueUsd  *float64 `json:"market_value_usd"`               // null when the day has no close
	PriceCloseUsd   *float64 `json:"price_close_usd"`
	LineageID       string   `gorm:"not null" json:"lineage_id"`
	PipelineVersion string   `gorm:"not null" json:"pipeline_version"`
}

func (SnapshotRow) TableName() string {
	return "snapshot_rows"
}

// PartitionManifest model, one row inside each partition database. The
// fingerprint covers the partition's input slice and code version, so an
// unchanged partition can be reused across runs.
type PartitionManifest struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	Dataset         string    `gorm:"not null" json:"dataset"`
	Partition       string    `gorm:"not null" json:"partition"`
	Fingerprint     string    `gorm:"not null" json:"fingerprint"`
	RowCount        int64     `gorm:"not null" json:"row_count"`
	SchemaVersion   string    `gorm:"not null" json:"schema_version"`
	PipelineVersion string    `gorm:"not null" json:"pipeline_version"`
	RunID           string    `gorm:"not null" json:"run_id"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
}

func (PartitionManifest) TableName() string {
	return "partition_manifests"
}
