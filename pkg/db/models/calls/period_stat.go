package calls

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// PeriodStat is one finalized time window for one population. The same
// shape backs the hourly, daily, weekly and monthly tables.
//
// Three kinds of columns coexist:
//   - snapshot-carry: state at the end of the window (open_calls et al),
//     taken from the latest child rather than summed
//   - weighted-sum: flows accumulated across children (calls_closed et al)
//   - running totals: accumulators that persist across sibling windows
//     inside the enclosing civil day and reset at the day boundary
type PeriodStat struct {
	Population  string    `ch:"population"`
	PeriodStart time.Time `ch:"period_start"`
	PeriodEnd   time.Time `ch:"period_end"`

	// Snapshot-carry
	OpenCalls      uint64  `ch:"open_calls"`
	AvgAppointment float64 `ch:"avg_appointment"`
	MultiApptCalls uint64  `ch:"multi_appt_calls"`
	NotServicedYet uint64  `ch:"not_serviced_yet"`

	// Weighted-sum flows
	CallsClosed           uint64 `ch:"calls_closed"`
	NewCalls              uint64 `ch:"new_calls"`
	ReopenedCalls         uint64 `ch:"reopened_calls"`
	SumAppointments       uint64 `ch:"sum_appointments"`
	SumClosedAppointments uint64 `ch:"sum_closed_appointments"`

	// Weighted rates over the window
	FirstTimeFixRate float64 `ch:"first_time_fix_rate"`
	AvgApptPerClosed float64 `ch:"avg_appt_per_closed"`

	// Running totals within the enclosing civil day
	RunFirstTimeFixes   uint64  `ch:"run_first_time_fixes"`
	RunClosed           uint64  `ch:"run_closed"`
	RunFirstTimeFixRate float64 `ch:"run_first_time_fix_rate"`
	RunSameDayClosures  uint64  `ch:"run_same_day_closures"`
	SameDayCloseRate    float64 `ch:"same_day_close_rate"`
	RunFollowUps        uint64  `ch:"run_follow_ups"`
	UniqueAppointments  uint64  `ch:"unique_appointments"`
	RepeatDispatchRate  float64 `ch:"repeat_dispatch_rate"`

	ChildCount uint64 `ch:"child_count"`
	// BatchMissing marks a window that saw no children at all; its
	// snapshot columns are carried from the previous window and its
	// flows are zero.
	BatchMissing uint8 `ch:"batch_missing"`

	Version uint64 `ch:"version"`
}

// InitPeriodStats initializes one of the window stat tables
// (hourly_stats, daily_stats, weekly_stats, monthly_stats).
func InitPeriodStats(ctx context.Context, db driver.Conn, table string) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			population String CODEC(ZSTD(1)),
			period_start DateTime64(3) CODEC(DoubleDelta, LZ4),
			period_end DateTime64(3) CODEC(DoubleDelta, LZ4),
			open_calls UInt64 CODEC(Delta, LZ4),
			avg_appointment Float64,
			multi_appt_calls UInt64 CODEC(Delta, LZ4),
			not_serviced_yet UInt64 CODEC(Delta, LZ4),
			calls_closed UInt64 CODEC(Delta, LZ4),
			new_calls UInt64 CODEC(Delta, LZ4),
			reopened_calls UInt64 CODEC(Delta, LZ4),
			sum_appointments UInt64 CODEC(Delta, LZ4),
			sum_closed_appointments UInt64 CODEC(Delta, LZ4),
			first_time_fix_rate Float64,
			avg_appt_per_closed Float64,
			run_first_time_fixes UInt64 CODEC(Delta, LZ4),
			run_closed UInt64 CODEC(Delta, LZ4),
			run_first_time_fix_rate Float64,
			run_same_day_closures UInt64 CODEC(Delta, LZ4),
			same_day_close_rate Float64,
			run_follow_ups UInt64 CODEC(Delta, LZ4),
			unique_appointments UInt64 CODEC(Delta, LZ4),
			repeat_dispatch_rate Float64,
			child_count UInt64 CODEC(Delta, LZ4),
			batch_missing UInt8,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		PARTITION BY toYYYYMM(period_start)
		ORDER BY (population, period_start)
	`, table)
	return db.Exec(ctx, query)
}

// InsertPeriodStats writes finalized window rows to the given table.
func InsertPeriodStats(ctx context.Context, db driver.Conn, table string, stats []*PeriodStat) error {
	if len(stats) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			population, period_start, period_end,
			open_calls, avg_appointment, multi_appt_calls, not_serviced_yet,
			calls_closed, new_calls, reopened_calls,
			sum_appointments, sum_closed_appointments,
			first_time_fix_rate, avg_appt_per_closed,
			run_first_time_fixes, run_closed, run_first_time_fix_rate,
			run_same_day_closures, same_day_close_rate,
			run_follow_ups, unique_appointments, repeat_dispatch_rate,
			child_count, batch_missing, version
		) VALUES`, table)

	batch, err := db.PrepareBatch(ctx, query)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, s := range stats {
		err = batch.Append(
			s.Population,
			s.PeriodStart,
			s.PeriodEnd,
			s.OpenCalls,
			s.AvgAppointment,
			s.MultiApptCalls,
			s.NotServicedYet,
			s.CallsClosed,
			s.NewCalls,
			s.ReopenedCalls,
			s.SumAppointments,
			s.SumClosedAppointments,
			s.FirstTimeFixRate,
			s.AvgApptPerClosed,
			s.RunFirstTimeFixes,
			s.RunClosed,
			s.RunFirstTimeFixRate,
			s.RunSameDayClosures,
			s.SameDayCloseRate,
			s.RunFollowUps,
			s.UniqueAppointments,
			s.RepeatDispatchRate,
			s.ChildCount,
			s.BatchMissing,
			s.Version,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}
