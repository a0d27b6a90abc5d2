package types

import "fmt"

// MalformedRecordError marks a single source record that cannot be
// linked. Malformed records are skipped and counted; a run only aborts
// when the rejection ratio exceeds the configured ceiling.
type MalformedRecordError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: field %s value %q: %s", e.Field, e.Value, e.Reason)
}

// ConsistencyError signals local ledger corruption: one output id linked
// by two spend events. Distinct from a blockchain double-spend, which the
// ingestion collaborator would never emit for confirmed blocks. Always
// fatal, raised before any artifact is written.
type ConsistencyError struct {
	OutputID   OutputID
	SpendTxids []string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: output %s referenced by %d spend inputs %v",
		e.OutputID, len(e.SpendTxids), e.SpendTxids)
}

// QAViolationError blocks publication of a run whose artifacts failed a
// required validation check. The previously published dataset stays
// untouched.
type QAViolationError struct {
	Check     string
	Measured  float64
	Threshold float64
}

func (e *QAViolationError) Error() string {
	return fmt.Sprintf("qa check %s failed: measured %g, threshold %g", e.Check, e.Measured, e.Threshold)
}

// UpstreamUnavailableError wraps a failure to reach an external
// collaborator. Price lookups degrade to a null price after bounded
// retries; an unavailable ingestion source fails the whole run.
type UpstreamUnavailableError struct {
	Upstream string
	Err      error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamUnavailableError) Unwrap() error {
	return e.Err
}

// RejectionCeilingError aborts a linking run whose malformed-record ratio
// exceeded the configured ceiling.
type RejectionCeilingError struct {
	Rejected int64
	Total    int64
	Ceiling  float64
}

func (e *RejectionCeilingError) Error() string {
	ratio := 0.0
	if e.Total > 0 {
		ratio = float64(e.Rejected) / float64(e.Total)
	}
	return fmt.Sprintf("rejected %d of %d records (ratio %.4f exceeds ceiling %.4f)",
		e.Rejected, e.Total, ratio, e.Ceiling)
}
