package stats

import (
	"time"
)

// Level is one rung of the aggregation ladder.
type Level string

const (
	LevelBatch Level = "batch"
	LevelHour  Level = "hour"
	LevelDay   Level = "day"
	LevelWeek  Level = "week"
	LevelMonth Level = "month"
)

// Levels returns the window levels in ascending order. Higher levels
// consume lower levels' output, so processing must follow this order.
func Levels() []Level {
	return []Level{LevelHour, LevelDay, LevelWeek, LevelMonth}
}

// Period is one closed time window awaiting materialization.
type Period struct {
	Level Level
	Start time.Time
	End   time.Time
}

// Detector computes window boundaries in one fixed civil timezone,
// independent of the host timezone. Days, weeks and months are anchored
// at a configurable end-of-day time rather than midnight; weeks are ISO
// weeks running Monday through Sunday.
type Detector struct {
	Location  *time.Location
	EODHour   int
	EODMinute int
	// Grace delays day-and-above triggers so rows from the final poll
	// of the day are included before the window is finalized.
	Grace time.Duration
}

// enumeration stops after this many periods as a safety valve against a
// wildly stale cursor
const maxPeriodsPerSweep = 1000

// Crossed enumerates every period at the given level that became
// finalizable by now, starting strictly after lastStart. A polling gap
// may cross several boundaries in one step; all of them are reported so
// each can be materialized from the data actually observed. A zero
// lastStart means nothing was materialized yet and enumeration begins at
// the period containing since (the earliest observed batch).
func (d *Detector) Crossed(level Level, lastStart, since, now time.Time) []Period {
	var cur time.Time
	if lastStart.IsZero() {
		if since.IsZero() {
			return nil
		}
		cur = d.PeriodStart(level, since)
	} else {
		cur = d.nextStart(level, d.PeriodStart(level, lastStart))
	}

	var out []Period
	for len(out) < maxPeriodsPerSweep {
		if d.Trigger(level, cur).After(now) {
			break
		}
		out = append(out, Period{Level: level, Start: cur, End: d.PeriodEnd(level, cur)})
		cur = d.nextStart(level, cur)
	}
	return out
}

// PeriodStart returns the civil start of the period containing t.
func (d *Detector) PeriodStart(level Level, t time.Time) time.Time {
	t = t.In(d.Location)
	y, m, day := t.Date()
	switch level {
	case LevelHour:
		return time.Date(y, m, day, t.Hour(), 0, 0, 0, d.Location)
	case LevelDay:
		return time.Date(y, m, day, 0, 0, 0, 0, d.Location)
	case LevelWeek:
		midnight := time.Date(y, m, day, 0, 0, 0, 0, d.Location)
		// Monday start per ISO 8601.
		back := (int(midnight.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -back)
	case LevelMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, d.Location)
	}
	return t
}

// PeriodEnd returns the window end for a period starting at start. Hours
// end at the next hour start (exclusive); day-and-above windows end at
// the configured end-of-day timestamp of their final civil date.
func (d *Detector) PeriodEnd(level Level, start time.Time) time.Time {
	switch level {
	case LevelHour:
		return start.Add(time.Hour)
	case LevelDay:
		return d.EODOf(start)
	case LevelWeek:
		return d.EODOf(start.AddDate(0, 0, 6))
	case LevelMonth:
		return d.EODOf(start.AddDate(0, 1, 0).AddDate(0, 0, -1))
	}
	return start
}

// Trigger returns the instant at which the period starting at start may
// be finalized.
func (d *Detector) Trigger(level Level, start time.Time) time.Time {
	if level == LevelHour {
		return d.PeriodEnd(level, start)
	}
	return d.PeriodEnd(level, start).Add(d.Grace)
}

// EODOf returns the end-of-day timestamp on t's civil date.
func (d *Detector) EODOf(t time.Time) time.Time {
	t = t.In(d.Location)
	y, m, day := t.Date()
	return time.Date(y, m, day, d.EODHour, d.EODMinute, 0, 0, d.Location)
}

// SameCivilDay reports whether a and b fall on the same civil date.
func (d *Detector) SameCivilDay(a, b time.Time) bool {
	ay, am, ad := a.In(d.Location).Date()
	by, bm, bd := b.In(d.Location).Date()
	return ay == by && am == bm && ad == bd
}

func (d *Detector) nextStart(level Level, start time.Time) time.Time {
	switch level {
	case LevelHour:
		return start.Add(time.Hour)
	case LevelDay:
		return start.AddDate(0, 0, 1)
	case LevelWeek:
		return start.AddDate(0, 0, 7)
	case LevelMonth:
		return start.AddDate(0, 1, 0)
	}
	return start
}
