package snapshot

import (
	"fmt"
	"time"
)

// CohortTable is the closed set of age buckets every active output falls
// into. Boundaries come from configuration and are compiled into labels
// once; bucket assignment is a single pass over the sorted boundaries.
type CohortTable struct {
	boundaries []int
	labels     []string
	openLabel  string
}

func NewCohortTable(boundaries []int) *CohortTable {
	table := &CohortTable{boundaries: boundaries}
	prev := 0
	for _, days := range boundaries {
		table.labels = append(table.labels, fmt.Sprintf("%03d-%03dd", prev, days))
		prev = days
	}
	table.openLabel = fmt.Sprintf("%03dd+", prev)
	return table
}

// Bucket returns the label of the cohort holding an output of the given
// age.
func (t *CohortTable) Bucket(ageDays float64) string {
	for i, days := range t.boundaries {
		if ageDays < float64(days) {
			return t.labels[i]
		}
	}
	return t.openLabel
}

// Labels returns every cohort label in ascending age order.
func (t *CohortTable) Labels() []string {
	labels := make([]string, 0, len(t.labels)+1)
	labels = append(labels, t.labels...)
	return append(labels, t.openLabel)
}

// Boundary returns the closing instant of a snapshot date: the
// configured local close time on the following day, in UTC. Membership
// tests are strictly before the boundary on both sides: an output
// created exactly at the boundary belongs to the following day, not the
// day it closes, while an output spent exactly at the boundary is still
// unspent for the closing day.
func Boundary(date time.Time, zone *time.Location, closeHour, closeMinute int) time.Time {
	local := time.Date(date.Year(), date.Month(), date.Day(), closeHour, closeMinute, 0, 0, zone)
	return local.AddDate(0, 0, 1).UTC()
}
