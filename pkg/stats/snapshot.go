package stats

import (
	"github.com/callwatch/callwatch/pkg/db/models/calls"
)

// Snapshot is the canonical view of one batch for one push timestamp:
// exactly one record per call identifier.
type Snapshot map[string]*calls.CallRecord

// Deduplicate collapses the raw rows of one push into a Snapshot. The
// source may emit more than one row per logical call within one push when
// an appointment advanced mid-batch; the row with the highest row id wins.
// An empty input yields an empty snapshot.
func Deduplicate(records []*calls.CallRecord) Snapshot {
	snap := make(Snapshot, len(records))
	for _, r := range records {
		if prev, ok := snap[r.CallID]; !ok || r.RowID >= prev.RowID {
			snap[r.CallID] = r
		}
	}
	return snap
}

// Filter returns the subset of the snapshot belonging to pop.
func (s Snapshot) Filter(c *Classifier, pop Population) Snapshot {
	out := make(Snapshot)
	for id, r := range s {
		if c.Matches(r.EquipmentID, pop) {
			out[id] = r
		}
	}
	return out
}
