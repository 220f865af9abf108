package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/callwatch/callwatch/pkg/db/models/calls"
)

// EndState holds the snapshot-carry columns of a child: state at the
// child's end, taken from the latest child only, never summed.
type EndState struct {
	OpenCalls      uint64
	AvgAppointment float64
	OpenApptSum    uint64
	MultiAppt      uint64
	NotServiced    uint64
}

// Flows holds a child's contributions that sum across siblings.
type Flows struct {
	Closed         uint64
	New            uint64
	Reopened       uint64
	SameDay        uint64
	FollowUps      uint64
	FirstTimeFixes uint64
	ClosedApptSum  uint64
}

// Child is the view of one child row the rollup engine consumes. Both
// batch stats and period stats satisfy it through adapters, which is
// what lets one engine serve batch-to-hour, hour-to-day, day-to-week and
// week-to-month.
type Child interface {
	EndState() EndState
	Flows() Flows
	// ClosedWeight is the weight used when recombining closure rates.
	ClosedWeight() uint64
	FirstTimeFixRate() float64
	ApptPerClosedRate() float64
}

// BatchChild adapts a BatchStat. Closure counts are rebuilt from the
// stored rates rather than read from the sum columns so that every
// level reconstructs the same way; see ReconstructCount.
type BatchChild struct {
	Stat *calls.BatchStat
}

func (b BatchChild) EndState() EndState {
	return EndState{
		OpenCalls:      b.Stat.TotalOpenCalls,
		AvgAppointment: b.Stat.AvgAppointment,
		OpenApptSum:    ReconstructCount(b.Stat.AvgAppointment, b.Stat.TotalOpenCalls),
		MultiAppt:      b.Stat.MultiApptCalls,
		NotServiced:    b.Stat.NotServicedYet,
	}
}

func (b BatchChild) Flows() Flows {
	return Flows{
		Closed:         b.Stat.CallsClosed,
		New:            b.Stat.NewCalls,
		Reopened:       b.Stat.ReopenedCalls,
		SameDay:        b.Stat.SameDayClosures,
		FollowUps:      b.Stat.FollowUpAppointments,
		FirstTimeFixes: ReconstructCount(b.Stat.FirstTimeFixRate, b.Stat.CallsClosed),
		ClosedApptSum:  ReconstructCount(b.Stat.AvgApptPerClosed, b.Stat.CallsClosed),
	}
}

func (b BatchChild) ClosedWeight() uint64 { return b.Stat.CallsClosed }
func (b BatchChild) FirstTimeFixRate() float64 { return b.Stat.FirstTimeFixRate }
func (b BatchChild) ApptPerClosedRate() float64 { return b.Stat.AvgApptPerClosed }

// PeriodChild adapts a PeriodStat from the level below. Exact controls
// whether flow sums are read from the stored columns (hour rows feeding
// a day) or rebuilt from rates (day rows feeding a week, week rows
// feeding a month, where the window distance makes the stored sums and
// the published rates drift apart by design).
type PeriodChild struct {
	Stat  *calls.PeriodStat
	Exact bool
}

func (p PeriodChild) EndState() EndState {
	return EndState{
		OpenCalls:      p.Stat.OpenCalls,
		AvgAppointment: p.Stat.AvgAppointment,
		OpenApptSum:    p.Stat.SumAppointments,
		MultiAppt:      p.Stat.MultiApptCalls,
		NotServiced:    p.Stat.NotServicedYet,
	}
}

func (p PeriodChild) Flows() Flows {
	// The same-day, follow-up and first-time-fix accumulators inside a
	// period row are running values, not per-window contributions, so
	// they are never summed upward; parents carry them from the latest
	// child instead.
	f := Flows{
		Closed:   p.Stat.CallsClosed,
		New:      p.Stat.NewCalls,
		Reopened: p.Stat.ReopenedCalls,
	}
	if p.Exact {
		f.ClosedApptSum = p.Stat.SumClosedAppointments
	} else {
		f.ClosedApptSum = ReconstructCount(p.Stat.AvgApptPerClosed, p.Stat.CallsClosed)
	}
	return f
}

func (p PeriodChild) ClosedWeight() uint64 { return p.Stat.CallsClosed }
func (p PeriodChild) FirstTimeFixRate() float64 { return p.Stat.FirstTimeFixRate }
func (p PeriodChild) ApptPerClosedRate() float64 { return p.Stat.AvgApptPerClosed }

// Aggregator is the generic window rollup engine. Children must be
// passed in ascending time order; the caller (the cycle runner) is
// responsible for materializing periods chronologically.
type Aggregator struct {
	Detector     *Detector
	History      ReopenChecker
	ReopenWindow time.Duration
}

// rollup combines the children of one window: snapshot-carry columns
// from the last child, flows summed, closure rates recombined weighted
// by closed counts. A window with no children is still materialized so
// consumers can tell "no activity" from "not yet computed": flows are
// zero and the snapshot columns carry over from prev under the
// batch_missing flag.
func (a *Aggregator) rollup(pop Population, p Period, children []Child, prev *calls.PeriodStat) *calls.PeriodStat {
	out := &calls.PeriodStat{
		Population:  string(pop),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		ChildCount:  uint64(len(children)),
		Version:     uint64(p.Start.Unix()),
	}

	if len(children) == 0 {
		out.BatchMissing = 1
		if prev != nil {
			out.OpenCalls = prev.OpenCalls
			out.AvgAppointment = prev.AvgAppointment
			out.SumAppointments = prev.SumAppointments
			out.MultiApptCalls = prev.MultiApptCalls
			out.NotServicedYet = prev.NotServicedYet
		}
		return out
	}

	var ftf, appts WeightedRate
	for _, c := range children {
		f := c.Flows()
		out.CallsClosed += f.Closed
		out.NewCalls += f.New
		out.ReopenedCalls += f.Reopened
		out.SumClosedAppointments += f.ClosedApptSum
		ftf.Add(c.FirstTimeFixRate(), c.ClosedWeight())
		appts.Add(c.ApptPerClosedRate(), c.ClosedWeight())
	}
	out.FirstTimeFixRate = ftf.Value()
	out.AvgApptPerClosed = appts.Value()

	last := children[len(children)-1].EndState()
	out.OpenCalls = last.OpenCalls
	out.AvgAppointment = last.AvgAppointment
	out.SumAppointments = last.OpenApptSum
	out.MultiApptCalls = last.MultiAppt
	out.NotServicedYet = last.NotServiced

	return out
}

// RollupHour folds the batch stats of one civil hour into an hourly row.
// prev is the previous hourly row for the population (regardless of
// gaps); its running accumulators carry forward within the same civil
// day and reset at the first hour of a new day. uniqueAppts is the
// distinct appointment-number count observed so far today, supplied by
// the caller because distinctness cannot be summed from children.
func (a *Aggregator) RollupHour(pop Population, p Period, children []*calls.BatchStat, prev *calls.PeriodStat, uniqueAppts uint64) *calls.PeriodStat {
	cs := make([]Child, len(children))
	for i, c := range children {
		cs[i] = BatchChild{Stat: c}
	}
	out := a.rollup(pop, p, cs, prev)

	var run struct {
		ftf     Running
		sameDay uint64
		follow  uint64
	}
	if prev != nil && a.Detector.SameCivilDay(prev.PeriodStart, p.Start) {
		run.ftf = Running{Num: prev.RunFirstTimeFixes, Den: prev.RunClosed}
		run.sameDay = prev.RunSameDayClosures
		run.follow = prev.RunFollowUps
	}
	for _, c := range children {
		f := (BatchChild{Stat: c}).Flows()
		run.ftf.Add(f.FirstTimeFixes, f.Closed)
		run.sameDay += f.SameDay
		run.follow += f.FollowUps
	}

	out.RunFirstTimeFixes = run.ftf.Num
	out.RunClosed = run.ftf.Den
	out.RunFirstTimeFixRate = run.ftf.Rate()
	out.RunSameDayClosures = run.sameDay
	out.SameDayCloseRate = Rate(run.sameDay, run.ftf.Den)
	out.RunFollowUps = run.follow
	out.UniqueAppointments = uniqueAppts
	out.RepeatDispatchRate = Rate(run.follow, uniqueAppts)

	return out
}

// rollupFromPeriods is the shared day/week/month path: the running
// accumulators are already rolled up inside the children, so the parent
// snapshot-carries them from its latest child.
func (a *Aggregator) rollupFromPeriods(pop Population, p Period, children []*calls.PeriodStat, prev *calls.PeriodStat, exact bool) *calls.PeriodStat {
	cs := make([]Child, len(children))
	for i, c := range children {
		cs[i] = PeriodChild{Stat: c, Exact: exact}
	}
	out := a.rollup(pop, p, cs, prev)

	carry := prev
	if len(children) > 0 {
		carry = children[len(children)-1]
	}
	if carry != nil {
		out.RunFirstTimeFixes = carry.RunFirstTimeFixes
		out.RunClosed = carry.RunClosed
		out.RunFirstTimeFixRate = carry.RunFirstTimeFixRate
		out.RunSameDayClosures = carry.RunSameDayClosures
		out.SameDayCloseRate = carry.SameDayCloseRate
		out.RunFollowUps = carry.RunFollowUps
		out.UniqueAppointments = carry.UniqueAppointments
		out.RepeatDispatchRate = carry.RepeatDispatchRate
	}

	return out
}

// RollupDay folds the hourly rows of one civil day into a daily row.
func (a *Aggregator) RollupDay(pop Population, p Period, children []*calls.PeriodStat, prev *calls.PeriodStat) *calls.PeriodStat {
	return a.rollupFromPeriods(pop, p, children, prev, true)
}

// RollupWeek folds the daily rows of one ISO week into a weekly row.
func (a *Aggregator) RollupWeek(pop Population, p Period, children []*calls.PeriodStat, prev *calls.PeriodStat) *calls.PeriodStat {
	return a.rollupFromPeriods(pop, p, children, prev, false)
}

// RollupMonth folds weekly rows into a monthly row. A week belongs to
// the month containing its final Sunday.
func (a *Aggregator) RollupMonth(pop Population, p Period, children []*calls.PeriodStat, prev *calls.PeriodStat) *calls.PeriodStat {
	return a.rollupFromPeriods(pop, p, children, prev, false)
}

// RollupDayFromRaw recomputes a daily row straight from the deduplicated
// snapshots of the day's 24-hour window when no hourly rows cover it
// (hourly level disabled, or a gap). baseline is the last snapshot before
// the window, nil when none exists; snaps must be population-filtered and
// ascending. Calls that closed before the window are excluded by
// construction (closures carries only in-window entries); calls open
// since before the window count as open, not new. New calls, follow-ups
// and reopens are diffed per consecutive snapshot pair, so a call that
// opens and closes between two pushes inside the window still counts,
// and the result agrees with the hourly path within the reconstruction
// tolerance on every field.
func (a *Aggregator) RollupDayFromRaw(ctx context.Context, pop Population, p Period, baseline Snapshot, snaps []Snapshot, closures []*calls.ClosedCall, prev *calls.PeriodStat) (*calls.PeriodStat, error) {
	out := &calls.PeriodStat{
		Population:  string(pop),
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		ChildCount:  uint64(len(snaps)),
		Version:     uint64(p.Start.Unix()),
	}

	if len(snaps) == 0 {
		out.BatchMissing = 1
		if prev != nil {
			out.OpenCalls = prev.OpenCalls
			out.AvgAppointment = prev.AvgAppointment
			out.SumAppointments = prev.SumAppointments
			out.MultiApptCalls = prev.MultiApptCalls
			out.NotServicedYet = prev.NotServicedYet
		}
		return out, nil
	}

	end := snaps[len(snaps)-1]
	for _, r := range end {
		out.OpenCalls++
		out.SumAppointments += uint64(r.Appointment)
		if r.Appointment >= 2 {
			out.MultiApptCalls++
		} else {
			out.NotServicedYet++
		}
	}
	out.AvgAppointment = Rate(out.SumAppointments, out.OpenCalls)

	for _, c := range closures {
		out.CallsClosed++
		out.SumClosedAppointments += uint64(c.Appointment)
		if c.SameDay == 1 {
			out.RunSameDayClosures++
		}
		if c.FirstTimeFix == 1 {
			out.RunFirstTimeFixes++
		}
	}
	out.RunClosed = out.CallsClosed
	out.FirstTimeFixRate = Rate(out.RunFirstTimeFixes, out.CallsClosed)
	out.RunFirstTimeFixRate = out.FirstTimeFixRate
	out.AvgApptPerClosed = Rate(out.SumClosedAppointments, out.CallsClosed)
	out.SameDayCloseRate = Rate(out.RunSameDayClosures, out.CallsClosed)

	// Pairwise diffs across the window, starting from the pre-window
	// baseline, recover the flows exactly as the batch path observes
	// them. A whole-window diff against the baseline would miss calls
	// that both open and close between two pushes inside the window.
	// The reopen lookup is bounded at each pair's push time because the
	// closures of this very window are already on record by now.
	uniqueAppts := map[uint32]struct{}{}
	prevSnap := baseline
	for _, cur := range snaps {
		var newIDs []string
		var pushedAt time.Time
		for id, rec := range cur {
			if pushedAt.IsZero() {
				pushedAt = rec.PushedAt
			}
			uniqueAppts[rec.Appointment] = struct{}{}
			base, existed := prevSnap[id]
			if !existed {
				newIDs = append(newIDs, id)
				continue
			}
			if rec.Appointment > base.Appointment && rec.Appointment > 1 {
				out.RunFollowUps++
			}
		}
		out.NewCalls += uint64(len(newIDs))

		if a.History != nil && len(newIDs) > 0 {
			sort.Strings(newIDs)
			if pushedAt.IsZero() {
				pushedAt = p.End
			}
			reopened, err := a.History.CountReopened(ctx, pop, newIDs, pushedAt.Add(-a.ReopenWindow), pushedAt)
			if err != nil {
				return nil, fmt.Errorf("reopen lookup for %s: %w", pop, err)
			}
			out.ReopenedCalls += reopened
		}
		prevSnap = cur
	}

	out.UniqueAppointments = uint64(len(uniqueAppts))
	out.RepeatDispatchRate = Rate(out.RunFollowUps, out.UniqueAppointments)

	return out, nil
}
