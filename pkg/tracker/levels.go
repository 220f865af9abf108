package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/callwatch/callwatch/pkg/config"
	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/stats"
	"go.uber.org/zap"
)

// aggregateLevel materializes every period of one level that became
// finalizable by now, oldest first. Each period write is followed by its
// own cursor advance, so an interrupted sweep resumes exactly where it
// stopped on the next cycle.
func (t *Tracker) aggregateLevel(ctx context.Context, pop stats.Population, level stats.Level, now time.Time) error {
	lastStart, err := t.Guard.LastPosition(ctx, pop, level)
	if err != nil {
		return err
	}

	since := lastStart
	if since.IsZero() {
		// Nothing materialized yet: enumeration starts at the period
		// containing the earliest observed batch.
		since, err = t.Store.EarliestBatchTime(ctx)
		if err != nil {
			return err
		}
		if since.IsZero() {
			return nil
		}
	}

	periods := t.Detector.Crossed(level, lastStart, since, now)
	prevStart := lastStart
	for _, p := range periods {
		if !prevStart.IsZero() && !p.Start.After(prevStart) {
			return fmt.Errorf("%w: %s %s after %s", ErrOutOfOrder, level, p.Start, prevStart)
		}

		ok, err := t.Guard.ShouldProcess(ctx, pop, level, p.Start)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		row, err := t.materialize(ctx, pop, p)
		if err != nil {
			return err
		}
		if err := t.Store.InsertPeriodStat(ctx, level, row); err != nil {
			return fmt.Errorf("write %s stat: %w", level, err)
		}
		if err := t.Guard.Advance(ctx, pop, level, p.Start, 0); err != nil {
			return fmt.Errorf("advance %s cursor: %w", level, err)
		}

		t.Logger.Info("Period materialized",
			zap.String("population", string(pop)),
			zap.String("level", string(level)),
			zap.Time("period_start", p.Start),
			zap.Uint64("children", row.ChildCount),
			zap.Uint64("closed", row.CallsClosed))
		prevStart = p.Start
	}
	return nil
}

// materialize builds the stat row for one period.
func (t *Tracker) materialize(ctx context.Context, pop stats.Population, p stats.Period) (*calls.PeriodStat, error) {
	prev, err := t.Store.LastPeriodStatBefore(ctx, p.Level, pop, p.Start)
	if err != nil {
		return nil, err
	}

	switch p.Level {
	case stats.LevelHour:
		return t.materializeHour(ctx, pop, p, prev)
	case stats.LevelDay:
		return t.materializeDay(ctx, pop, p, prev)
	case stats.LevelWeek:
		children, err := t.Store.PeriodStatsBetween(ctx, stats.LevelDay, pop, p.Start, p.Start.AddDate(0, 0, 7))
		if err != nil {
			return nil, err
		}
		return t.Aggregator.RollupWeek(pop, p, children, prev), nil
	case stats.LevelMonth:
		children, err := t.monthChildren(ctx, pop, p)
		if err != nil {
			return nil, err
		}
		return t.Aggregator.RollupMonth(pop, p, children, prev), nil
	}
	return nil, fmt.Errorf("no materializer for level %q", p.Level)
}

func (t *Tracker) materializeHour(ctx context.Context, pop stats.Population, p stats.Period, prev *calls.PeriodStat) (*calls.PeriodStat, error) {
	children, err := t.Store.BatchStatsBetween(ctx, pop, p.Start, p.End)
	if err != nil {
		return nil, err
	}

	dayStart := t.Detector.PeriodStart(stats.LevelDay, p.Start)
	unique, err := t.Store.UniqueAppointments(ctx, pop, dayStart, p.End)
	if err != nil {
		return nil, err
	}

	row := t.Aggregator.RollupHour(pop, p, children, prev, unique)
	if t.Cfg.ValidationEnabled {
		t.validateHour(pop, row, children)
	}
	return row, nil
}

// materializeDay rolls a day up from its hourly rows, falling back to
// the raw snapshots of the 24-hour window ending at EOD when the hourly
// level is disabled or left no rows to consume.
func (t *Tracker) materializeDay(ctx context.Context, pop stats.Population, p stats.Period, prev *calls.PeriodStat) (*calls.PeriodStat, error) {
	if t.Cfg.HourlyEnabled && t.Cfg.DailyFrom == config.DailyFromHourly {
		children, err := t.Store.PeriodStatsBetween(ctx, stats.LevelHour, pop, p.Start, p.Start.AddDate(0, 0, 1))
		if err != nil {
			return nil, err
		}
		if len(children) > 0 {
			return t.Aggregator.RollupDay(pop, p, children, prev), nil
		}
	}

	winStart := p.End.Add(-24 * time.Hour)
	times, err := t.Store.BatchTimes(ctx, winStart, p.End)
	if err != nil {
		return nil, err
	}

	snaps := make([]stats.Snapshot, 0, len(times))
	for _, ts := range times {
		records, err := t.Store.SnapshotRecords(ctx, ts)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, stats.Deduplicate(records).Filter(t.Classifier, pop))
	}

	var baseline stats.Snapshot
	baseTime, err := t.Store.PreviousBatchTime(ctx, winStart)
	if err != nil {
		return nil, err
	}
	if !baseTime.IsZero() {
		records, err := t.Store.SnapshotRecords(ctx, baseTime)
		if err != nil {
			return nil, err
		}
		baseline = stats.Deduplicate(records).Filter(t.Classifier, pop)
	}

	closures, err := t.Store.ClosedCallsBetween(ctx, pop, winStart, p.End)
	if err != nil {
		return nil, err
	}

	return t.Aggregator.RollupDayFromRaw(ctx, pop, p, baseline, snaps, closures, prev)
}

// monthChildren selects the weekly rows feeding one month: a week
// belongs to the month containing its final Sunday.
func (t *Tracker) monthChildren(ctx context.Context, pop stats.Population, p stats.Period) ([]*calls.PeriodStat, error) {
	// Weeks starting up to six days before the month can still end
	// inside it.
	weeks, err := t.Store.PeriodStatsBetween(ctx, stats.LevelWeek, pop, p.Start.AddDate(0, 0, -6), p.Start.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}

	out := make([]*calls.PeriodStat, 0, len(weeks))
	for _, w := range weeks {
		if w.PeriodEnd.After(p.Start) && !w.PeriodEnd.After(p.End) {
			out = append(out, w)
		}
	}
	return out, nil
}

// validateHour cross-checks an hourly row against its children: closed
// totals must match exactly, and the reconstructed first-time-fix count
// may drift from the exact sums by at most one per child.
func (t *Tracker) validateHour(pop stats.Population, row *calls.PeriodStat, children []*calls.BatchStat) {
	var closed, exactFTF uint64
	for _, c := range children {
		closed += c.CallsClosed
		exactFTF += c.FirstTimeFixes
	}
	if row.CallsClosed != closed {
		t.Logger.Warn("Hourly closed-count mismatch",
			zap.String("population", string(pop)),
			zap.Time("period_start", row.PeriodStart),
			zap.Uint64("row", row.CallsClosed),
			zap.Uint64("children", closed))
	}

	var reconstructed uint64
	for _, c := range children {
		reconstructed += stats.ReconstructCount(c.FirstTimeFixRate, c.CallsClosed)
	}
	drift := int64(exactFTF) - int64(reconstructed)
	if drift < 0 {
		drift = -drift
	}
	if drift > int64(len(children)) {
		t.Logger.Warn("Hourly first-time-fix drift beyond tolerance",
			zap.String("population", string(pop)),
			zap.Time("period_start", row.PeriodStart),
			zap.Uint64("exact", exactFTF),
			zap.Uint64("reconstructed", reconstructed))
	}
}
