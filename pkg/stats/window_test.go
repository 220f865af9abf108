package stats

import (
	"context"
	"testing"
	"time"

	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(history ReopenChecker) *Aggregator {
	return &Aggregator{
		Detector:     newTestDetector(),
		History:      history,
		ReopenWindow: 14 * 24 * time.Hour,
	}
}

func hourPeriod(y int, m time.Month, d, h int) Period {
	start := time.Date(y, m, d, h, 0, 0, 0, time.UTC)
	return Period{Level: LevelHour, Start: start, End: start.Add(time.Hour)}
}

func TestRollupHourCombinesBatches(t *testing.T) {
	a := newTestAggregator(nil)
	p := hourPeriod(2025, 3, 12, 10)

	children := []*calls.BatchStat{
		{
			Population: "recyclers", PushedAt: p.Start.Add(10 * time.Minute),
			TotalOpenCalls: 40, AvgAppointment: 1.5, MultiApptCalls: 12, NotServicedYet: 28,
			CallsClosed: 4, NewCalls: 3, ReopenedCalls: 1, SameDayClosures: 1,
			FollowUpAppointments: 2, FirstTimeFixRate: 0.5, AvgApptPerClosed: 2.0,
		},
		{
			Population: "recyclers", PushedAt: p.Start.Add(40 * time.Minute),
			TotalOpenCalls: 38, AvgAppointment: 1.6, MultiApptCalls: 13, NotServicedYet: 25,
			CallsClosed: 2, NewCalls: 0, ReopenedCalls: 0, SameDayClosures: 2,
			FollowUpAppointments: 1, FirstTimeFixRate: 1.0, AvgApptPerClosed: 1.5,
		},
	}

	out := a.RollupHour(Recyclers, p, children, nil, 5)

	// Flows sum.
	assert.Equal(t, uint64(6), out.CallsClosed)
	assert.Equal(t, uint64(3), out.NewCalls)
	assert.Equal(t, uint64(1), out.ReopenedCalls)
	// Closed appointment sums rebuild from the stored rates: 2.0*4 + 1.5*2.
	assert.Equal(t, uint64(11), out.SumClosedAppointments)

	// Snapshot columns come from the latest child only.
	assert.Equal(t, uint64(38), out.OpenCalls)
	assert.InDelta(t, 1.6, out.AvgAppointment, 1e-9)
	assert.Equal(t, uint64(13), out.MultiApptCalls)
	assert.Equal(t, uint64(25), out.NotServicedYet)

	// Closure rates recombine weighted by closed counts.
	assert.InDelta(t, (0.5*4+1.0*2)/6, out.FirstTimeFixRate, 1e-9)
	assert.InDelta(t, (2.0*4+1.5*2)/6, out.AvgApptPerClosed, 1e-9)

	// Running accumulators start fresh with no previous hour.
	assert.Equal(t, uint64(4), out.RunFirstTimeFixes) // 0.5*4 + 1.0*2
	assert.Equal(t, uint64(6), out.RunClosed)
	assert.Equal(t, uint64(3), out.RunSameDayClosures)
	assert.InDelta(t, 0.5, out.SameDayCloseRate, 1e-9)
	assert.Equal(t, uint64(3), out.RunFollowUps)
	assert.Equal(t, uint64(5), out.UniqueAppointments)
	assert.InDelta(t, 0.6, out.RepeatDispatchRate, 1e-9)

	assert.Equal(t, uint64(2), out.ChildCount)
	assert.Zero(t, out.BatchMissing)
	assert.Equal(t, uint64(p.Start.Unix()), out.Version)
}

func TestRollupHourCarriesRunningTotalsWithinDay(t *testing.T) {
	a := newTestAggregator(nil)
	p := hourPeriod(2025, 3, 12, 11)

	prev := &calls.PeriodStat{
		PeriodStart:        time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
		RunFirstTimeFixes:  4,
		RunClosed:          6,
		RunSameDayClosures: 3,
		RunFollowUps:       3,
	}
	children := []*calls.BatchStat{{
		CallsClosed: 2, SameDayClosures: 1, FollowUpAppointments: 1,
		FirstTimeFixRate: 1.0, AvgApptPerClosed: 1.0,
	}}

	out := a.RollupHour(Recyclers, p, children, prev, 6)

	assert.Equal(t, uint64(6), out.RunFirstTimeFixes)
	assert.Equal(t, uint64(8), out.RunClosed)
	assert.InDelta(t, 0.75, out.RunFirstTimeFixRate, 1e-9)
	assert.Equal(t, uint64(4), out.RunSameDayClosures)
	assert.Equal(t, uint64(4), out.RunFollowUps)
	assert.InDelta(t, 0.5, out.SameDayCloseRate, 1e-9)
}

func TestRollupHourResetsRunningTotalsAtDayBoundary(t *testing.T) {
	a := newTestAggregator(nil)
	// First hour of March 13; the previous hourly row is from March 12.
	p := hourPeriod(2025, 3, 13, 0)

	prev := &calls.PeriodStat{
		PeriodStart:        time.Date(2025, 3, 12, 23, 0, 0, 0, time.UTC),
		RunFirstTimeFixes:  9,
		RunClosed:          12,
		RunSameDayClosures: 5,
		RunFollowUps:       7,
	}
	children := []*calls.BatchStat{{
		CallsClosed: 2, SameDayClosures: 1, FollowUpAppointments: 1,
		FirstTimeFixRate: 0.5, AvgApptPerClosed: 1.0,
	}}

	out := a.RollupHour(Recyclers, p, children, prev, 2)

	assert.Equal(t, uint64(1), out.RunFirstTimeFixes)
	assert.Equal(t, uint64(2), out.RunClosed)
	assert.Equal(t, uint64(1), out.RunSameDayClosures)
	assert.Equal(t, uint64(1), out.RunFollowUps)
}

func TestRollupZeroChildrenCarriesSnapshotUnderMissingFlag(t *testing.T) {
	a := newTestAggregator(nil)
	p := hourPeriod(2025, 3, 12, 3)

	prev := &calls.PeriodStat{
		PeriodStart:     time.Date(2025, 3, 12, 2, 0, 0, 0, time.UTC),
		OpenCalls:       31,
		AvgAppointment:  1.4,
		SumAppointments: 43,
		MultiApptCalls:  9,
		NotServicedYet:  22,
	}

	out := a.RollupHour(Recyclers, p, nil, prev, 0)

	assert.Equal(t, uint8(1), out.BatchMissing)
	assert.Zero(t, out.ChildCount)
	assert.Zero(t, out.CallsClosed)
	assert.Zero(t, out.NewCalls)
	assert.Equal(t, uint64(31), out.OpenCalls)
	assert.InDelta(t, 1.4, out.AvgAppointment, 1e-9)
	assert.Equal(t, uint64(43), out.SumAppointments)
	assert.Zero(t, out.FirstTimeFixRate)
	assert.Zero(t, out.SameDayCloseRate)
}

func TestRollupZeroChildrenNoPrevious(t *testing.T) {
	a := newTestAggregator(nil)
	p := hourPeriod(2025, 3, 12, 3)

	out := a.RollupHour(Recyclers, p, nil, nil, 0)

	assert.Equal(t, uint8(1), out.BatchMissing)
	assert.Zero(t, out.OpenCalls)
	assert.Zero(t, out.AvgAppointment)
}

func TestRollupDayUsesExactSumsAndCarriesRunningFromLastChild(t *testing.T) {
	a := newTestAggregator(nil)
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	p := Period{Level: LevelDay, Start: start, End: time.Date(2025, 3, 12, 23, 59, 0, 0, time.UTC)}

	children := []*calls.PeriodStat{
		{
			PeriodStart: start.Add(9 * time.Hour),
			CallsClosed: 3, NewCalls: 2, SumClosedAppointments: 5,
			FirstTimeFixRate: 2.0 / 3.0, AvgApptPerClosed: 5.0 / 3.0,
			OpenCalls: 40,
		},
		{
			PeriodStart: start.Add(10 * time.Hour),
			CallsClosed: 1, NewCalls: 1, SumClosedAppointments: 2,
			FirstTimeFixRate: 0.0, AvgApptPerClosed: 2.0,
			OpenCalls: 41, AvgAppointment: 1.3, SumAppointments: 53, MultiApptCalls: 11, NotServicedYet: 30,
			RunFirstTimeFixes: 2, RunClosed: 4, RunFirstTimeFixRate: 0.5,
			RunSameDayClosures: 2, SameDayCloseRate: 0.5, RunFollowUps: 3,
			UniqueAppointments: 4, RepeatDispatchRate: 0.75,
		},
	}

	out := a.RollupDay(Recyclers, p, children, nil)

	// Hour rows feed a day with their exact sum columns, no rate
	// reconstruction on this edge.
	assert.Equal(t, uint64(4), out.CallsClosed)
	assert.Equal(t, uint64(7), out.SumClosedAppointments)
	assert.Equal(t, uint64(3), out.NewCalls)

	// End-of-day state from the final hour.
	assert.Equal(t, uint64(41), out.OpenCalls)
	assert.Equal(t, uint64(53), out.SumAppointments)

	// Running columns carry from the final hour, never re-sum.
	assert.Equal(t, uint64(2), out.RunFirstTimeFixes)
	assert.Equal(t, uint64(4), out.RunClosed)
	assert.Equal(t, uint64(2), out.RunSameDayClosures)
	assert.Equal(t, uint64(3), out.RunFollowUps)
	assert.Equal(t, uint64(4), out.UniqueAppointments)
	assert.InDelta(t, 0.75, out.RepeatDispatchRate, 1e-9)
}

func TestRollupWeekReconstructsFromRates(t *testing.T) {
	a := newTestAggregator(nil)
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	p := Period{Level: LevelWeek, Start: start, End: time.Date(2025, 3, 16, 23, 59, 0, 0, time.UTC)}

	children := []*calls.PeriodStat{
		{PeriodStart: start, CallsClosed: 3, AvgApptPerClosed: 5.0 / 3.0, FirstTimeFixRate: 1.0 / 3.0},
		{PeriodStart: start.AddDate(0, 0, 1), CallsClosed: 2, AvgApptPerClosed: 2.0, FirstTimeFixRate: 0.5},
	}

	out := a.RollupWeek(Recyclers, p, children, nil)

	assert.Equal(t, uint64(5), out.CallsClosed)
	// 5/3*3 + 2.0*2 reconstructed with truncation.
	assert.Equal(t, uint64(ReconstructCount(5.0/3.0, 3)+ReconstructCount(2.0, 2)), out.SumClosedAppointments)
	assert.InDelta(t, ((1.0/3.0)*3+0.5*2)/5, out.FirstTimeFixRate, 1e-9)
}

func TestRollupDayFromRaw(t *testing.T) {
	history := &fakeHistory{reopened: 1}
	a := newTestAggregator(history)
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	p := Period{Level: LevelDay, Start: start, End: time.Date(2025, 3, 12, 23, 59, 0, 0, time.UTC)}

	baseline := Deduplicate([]*calls.CallRecord{
		{RowID: 1, CallID: "C1", Appointment: 1},
		{RowID: 2, CallID: "C2", Appointment: 2},
	})
	mid := Deduplicate([]*calls.CallRecord{
		{RowID: 3, CallID: "C2", Appointment: 2},
		{RowID: 4, CallID: "C3", Appointment: 1},
	})
	end := Deduplicate([]*calls.CallRecord{
		{RowID: 5, CallID: "C2", Appointment: 3},
		{RowID: 6, CallID: "C3", Appointment: 1},
		{RowID: 7, CallID: "C4", Appointment: 1},
	})
	closures := []*calls.ClosedCall{
		{CallID: "C1", Appointment: 1, SameDay: 0, FirstTimeFix: 1},
	}

	out, err := a.RollupDayFromRaw(context.Background(), Recyclers, p, baseline, []Snapshot{mid, end}, closures, nil)
	require.NoError(t, err)

	// End-of-window state.
	assert.Equal(t, uint64(3), out.OpenCalls)
	assert.Equal(t, uint64(5), out.SumAppointments)
	assert.Equal(t, uint64(1), out.MultiApptCalls)
	assert.Equal(t, uint64(2), out.NotServicedYet)

	// Closure flows from the recorded history.
	assert.Equal(t, uint64(1), out.CallsClosed)
	assert.Equal(t, uint64(1), out.RunFirstTimeFixes)
	assert.InDelta(t, 1.0, out.FirstTimeFixRate, 1e-9)
	assert.Zero(t, out.RunSameDayClosures)

	// C3 arrives in the first pair, C4 in the second; C2 advances 2 to 3
	// in the second. The reopen lookup runs once per pair that saw new
	// calls, so the fake's answer is counted twice.
	assert.Equal(t, uint64(2), out.NewCalls)
	assert.Equal(t, uint64(2), out.ReopenedCalls)
	assert.ElementsMatch(t, []string{"C3", "C4"}, history.gotIDs)
	assert.Equal(t, uint64(1), out.RunFollowUps)

	// Appointment numbers 1, 2 and 3 appear across the window's pushes.
	assert.Equal(t, uint64(3), out.UniqueAppointments)
	assert.InDelta(t, 1.0/3.0, out.RepeatDispatchRate, 1e-9)
	assert.Equal(t, uint64(2), out.ChildCount)
}

func TestRollupDayFromRawSeesIntraWindowChurn(t *testing.T) {
	a := newTestAggregator(nil)
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	p := Period{Level: LevelDay, Start: start, End: time.Date(2025, 3, 12, 23, 59, 0, 0, time.UTC)}

	// C2 opens and closes between two pushes inside the window; C3
	// advances an appointment and then closes. Neither survives to the
	// final snapshot, yet both flows must still be counted.
	baseline := Deduplicate([]*calls.CallRecord{
		{RowID: 1, CallID: "C1", Appointment: 1},
		{RowID: 2, CallID: "C3", Appointment: 1},
	})
	mid := Deduplicate([]*calls.CallRecord{
		{RowID: 3, CallID: "C1", Appointment: 1},
		{RowID: 4, CallID: "C2", Appointment: 1},
		{RowID: 5, CallID: "C3", Appointment: 2},
	})
	end := Deduplicate([]*calls.CallRecord{
		{RowID: 6, CallID: "C1", Appointment: 1},
	})
	closures := []*calls.ClosedCall{
		{CallID: "C2", Appointment: 1, SameDay: 1, FirstTimeFix: 1},
		{CallID: "C3", Appointment: 2},
	}

	out, err := a.RollupDayFromRaw(context.Background(), Recyclers, p, baseline, []Snapshot{mid, end}, closures, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), out.NewCalls)
	assert.Equal(t, uint64(1), out.RunFollowUps)
	assert.Equal(t, uint64(2), out.CallsClosed)
	assert.Equal(t, uint64(1), out.RunFirstTimeFixes)
	assert.Equal(t, uint64(1), out.OpenCalls)
}

func TestRollupDayFromRawNoSnapshots(t *testing.T) {
	a := newTestAggregator(nil)
	start := time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC)
	p := Period{Level: LevelDay, Start: start, End: time.Date(2025, 3, 12, 23, 59, 0, 0, time.UTC)}

	prev := &calls.PeriodStat{OpenCalls: 12, AvgAppointment: 1.1}

	out, err := a.RollupDayFromRaw(context.Background(), Recyclers, p, nil, nil, nil, prev)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), out.BatchMissing)
	assert.Equal(t, uint64(12), out.OpenCalls)
	assert.InDelta(t, 1.1, out.AvgAppointment, 1e-9)
}
