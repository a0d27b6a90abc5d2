package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// SchemaVersion stamps every persisted artifact table.
	SchemaVersion = "utxo.lifecycle.v1"
	// PipelineVersion identifies the code generation of the lifecycle pipeline.
	PipelineVersion = "lifecycle.v1"
)

// OutputID identifies a transaction output, the unit every lifecycle
// event hangs off. A creation event and at most one spend event may
// reference the same OutputID.
type OutputID struct {
	Txid string
	Vout uint32
}

func (o OutputID) String() string {
	return fmt.Sprintf("%s:%d", o.Txid, o.Vout)
}

// OutPoint converts the id into the wire representation, validating the
// txid on the way. Used by the linkers to reject malformed records.
func (o OutputID) OutPoint() (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(o.Txid)
	if err != nil {
		return nil, &MalformedRecordError{Field: "txid", Value: o.Txid, Reason: err.Error()}
	}
	return wire.NewOutPoint(hash, o.Vout), nil
}

// ValidateTxid checks that a txid string is a well-formed 32-byte hash.
func ValidateTxid(txid string) error {
	if _, err := chainhash.NewHashFromStr(txid); err != nil {
		return &MalformedRecordError{Field: "txid", Value: txid, Reason: err.Error()}
	}
	return nil
}

// LineageID derives a stable identifier from the identifying parts of an
// event, so re-runs over unchanged inputs produce byte-identical rows.
func LineageID(parts ...string) string {
	digest := sha256.New()
	for _, part := range parts {
		digest.Write([]byte(part))
	}
	return hex.EncodeToString(digest.Sum(nil))
}
