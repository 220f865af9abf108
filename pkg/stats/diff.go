package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/utils"
)

// ReopenChecker answers how many of the given calls appear in the closure
// history with a closure time in [since, until). The upper bound keeps
// re-derivations honest: a closure recorded after a call was observed as
// new is not evidence that the observation was a reopen. Backed by the
// history store in production and by fakes in tests.
type ReopenChecker interface {
	CountReopened(ctx context.Context, pop Population, callIDs []string, since, until time.Time) (uint64, error)
}

// Differ compares two consecutive snapshots of one population and
// produces the per-batch stat plus the closure history entries. The
// source is never a change log, so every open/close/advance transition
// is inferred by set comparison.
type Differ struct {
	Classifier   *Classifier
	Location     *time.Location
	ReopenWindow time.Duration
	History      ReopenChecker
}

// DiffResult bundles the outputs of one diff.
type DiffResult struct {
	Stat   *calls.BatchStat
	Closed []*calls.ClosedCall
}

// Diff computes the batch stat for pop between prev and cur. A nil prev
// means first run: no closures can be inferred, closure-derived rates
// stay at their safe-zero defaults and no history entries are emitted.
func (d *Differ) Diff(ctx context.Context, pop Population, cur, prev Snapshot, batchID uint64, pushedAt time.Time) (*DiffResult, error) {
	curF := cur.Filter(d.Classifier, pop)
	var prevF Snapshot
	if prev != nil {
		prevF = prev.Filter(d.Classifier, pop)
	}

	stat := &calls.BatchStat{
		Population: string(pop),
		BatchID:    batchID,
		PushedAt:   pushedAt,
		Version:    uint64(pushedAt.Unix()),
	}

	// Open-population counts.
	statusCounts := map[string]uint64{}
	uniqueAppts := map[uint32]struct{}{}
	for _, r := range curF {
		stat.TotalOpenCalls++
		stat.SumAppointments += uint64(r.Appointment)
		if r.Appointment >= 2 {
			stat.MultiApptCalls++
		} else {
			stat.NotServicedYet++
		}
		statusCounts[r.Status]++
		uniqueAppts[r.Appointment] = struct{}{}
	}
	stat.AvgAppointment = Rate(stat.SumAppointments, stat.TotalOpenCalls)
	stat.UniqueAppointments = uint64(len(uniqueAppts))

	summary, err := json.Marshal(statusCounts)
	if err != nil {
		return nil, fmt.Errorf("marshal status summary: %w", err)
	}
	stat.StatusSummary = string(summary)

	// Closures: present before, absent now.
	var closed []*calls.ClosedCall
	pushedDate := civilDate(pushedAt, d.Location)
	for id, rec := range prevF {
		if _, stillOpen := curF[id]; stillOpen {
			continue
		}
		sameDay := civilDate(rec.OpenedAt, d.Location) == pushedDate
		firstTime := rec.Appointment == 1

		stat.CallsClosed++
		stat.SumClosedAppointments += uint64(rec.Appointment)
		if sameDay {
			stat.SameDayClosures++
		}
		if firstTime {
			stat.FirstTimeFixes++
		}

		closed = append(closed, &calls.ClosedCall{
			Population:       string(pop),
			CallID:           id,
			VendorCallNumber: rec.VendorCallNumber,
			EquipmentID:      rec.EquipmentID,
			Status:           rec.Status,
			Appointment:      rec.Appointment,
			OpenedAt:         rec.OpenedAt,
			ClosedAt:         pushedAt,
			SameDay:          utils.BoolToUInt8(sameDay),
			FirstTimeFix:     utils.BoolToUInt8(firstTime),
		})
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].CallID < closed[j].CallID })

	stat.FirstTimeFixRate = Rate(stat.FirstTimeFixes, stat.CallsClosed)
	stat.AvgApptPerClosed = Rate(stat.SumClosedAppointments, stat.CallsClosed)
	stat.SameDayCloseRate = Rate(stat.SameDayClosures, stat.CallsClosed)

	// Newly opened: present now, absent before.
	var newIDs []string
	for id := range curF {
		if _, existed := prevF[id]; !existed {
			newIDs = append(newIDs, id)
		}
	}
	stat.NewCalls = uint64(len(newIDs))

	if d.History != nil && len(newIDs) > 0 {
		sort.Strings(newIDs)
		reopened, err := d.History.CountReopened(ctx, pop, newIDs, pushedAt.Add(-d.ReopenWindow), pushedAt)
		if err != nil {
			return nil, fmt.Errorf("reopen lookup for %s: %w", pop, err)
		}
		stat.ReopenedCalls = reopened
	}
	stat.ReopenRate = Rate(stat.ReopenedCalls, stat.NewCalls)

	// Follow-up appointments: still open with an advanced appointment.
	for id, rec := range curF {
		if prevRec, ok := prevF[id]; ok && rec.Appointment > prevRec.Appointment && rec.Appointment > 1 {
			stat.FollowUpAppointments++
		}
	}
	stat.RepeatDispatchRate = Rate(stat.FollowUpAppointments, stat.UniqueAppointments)

	return &DiffResult{Stat: stat, Closed: closed}, nil
}

// civilDate converts t to its civil date in loc.
func civilDate(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
