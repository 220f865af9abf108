package calls

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// BatchStat is the per-(batch, population) diff result. The count and sum
// columns exist so that higher windows can be re-aggregated losslessly;
// the rate columns are what the dashboards read.
//
// Keyed by (population, batch_id). ReplacingMergeTree collapses duplicate
// writes of the same key to the highest version, which together with the
// processing cursor makes re-polling the same batch a no-op.
type BatchStat struct {
	Population string    `ch:"population"`
	BatchID    uint64    `ch:"batch_id"`
	PushedAt   time.Time `ch:"pushed_at"`

	// Counts over the current open population
	TotalOpenCalls uint64 `ch:"total_open_calls"`
	MultiApptCalls uint64 `ch:"multi_appt_calls"` // open with appointment >= 2
	NotServicedYet uint64 `ch:"not_serviced_yet"` // open with appointment == 1

	// Flows since the previous batch
	CallsClosed     uint64 `ch:"calls_closed"`
	SameDayClosures uint64 `ch:"same_day_closures"`
	NewCalls        uint64 `ch:"new_calls"`
	ReopenedCalls   uint64 `ch:"reopened_calls"`

	// Sums backing the rates
	SumAppointments       uint64 `ch:"sum_appointments"`        // across open population
	SumClosedAppointments uint64 `ch:"sum_closed_appointments"` // across calls closed this batch
	FirstTimeFixes        uint64 `ch:"first_time_fixes"`
	FollowUpAppointments  uint64 `ch:"follow_up_appointments"`
	UniqueAppointments    uint64 `ch:"unique_appointments"`

	// Rates, all guarded against zero denominators
	AvgAppointment     float64 `ch:"avg_appointment"`
	FirstTimeFixRate   float64 `ch:"first_time_fix_rate"`
	AvgApptPerClosed   float64 `ch:"avg_appt_per_closed"`
	SameDayCloseRate   float64 `ch:"same_day_close_rate"`
	ReopenRate         float64 `ch:"reopen_rate"`
	RepeatDispatchRate float64 `ch:"repeat_dispatch_rate"`

	// StatusSummary is a JSON object mapping status text to open-call count.
	StatusSummary string `ch:"status_summary"`

	Version uint64 `ch:"version"`
}

// InitBatchStats initializes the per-batch stat table.
func InitBatchStats(ctx context.Context, db driver.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS batch_stats (
			population String CODEC(ZSTD(1)),
			batch_id UInt64 CODEC(DoubleDelta, LZ4),
			pushed_at DateTime64(3) CODEC(DoubleDelta, LZ4),
			total_open_calls UInt64 CODEC(Delta, LZ4),
			multi_appt_calls UInt64 CODEC(Delta, LZ4),
			not_serviced_yet UInt64 CODEC(Delta, LZ4),
			calls_closed UInt64 CODEC(Delta, LZ4),
			same_day_closures UInt64 CODEC(Delta, LZ4),
			new_calls UInt64 CODEC(Delta, LZ4),
			reopened_calls UInt64 CODEC(Delta, LZ4),
			sum_appointments UInt64 CODEC(Delta, LZ4),
			sum_closed_appointments UInt64 CODEC(Delta, LZ4),
			first_time_fixes UInt64 CODEC(Delta, LZ4),
			follow_up_appointments UInt64 CODEC(Delta, LZ4),
			unique_appointments UInt64 CODEC(Delta, LZ4),
			avg_appointment Float64,
			first_time_fix_rate Float64,
			avg_appt_per_closed Float64,
			same_day_close_rate Float64,
			reopen_rate Float64,
			repeat_dispatch_rate Float64,
			status_summary String CODEC(ZSTD(1)),
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		PARTITION BY toYYYYMM(pushed_at)
		ORDER BY (population, batch_id)
	`
	return db.Exec(ctx, query)
}

// InsertBatchStats writes batch stat rows.
func InsertBatchStats(ctx context.Context, db driver.Conn, stats []*BatchStat) error {
	if len(stats) == 0 {
		return nil
	}

	batch, err := db.PrepareBatch(ctx, `
		INSERT INTO batch_stats (
			population, batch_id, pushed_at,
			total_open_calls, multi_appt_calls, not_serviced_yet,
			calls_closed, same_day_closures, new_calls, reopened_calls,
			sum_appointments, sum_closed_appointments, first_time_fixes,
			follow_up_appointments, unique_appointments,
			avg_appointment, first_time_fix_rate, avg_appt_per_closed,
			same_day_close_rate, reopen_rate, repeat_dispatch_rate,
			status_summary, version
		) VALUES`)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, s := range stats {
		err = batch.Append(
			s.Population,
			s.BatchID,
			s.PushedAt,
			s.TotalOpenCalls,
			s.MultiApptCalls,
			s.NotServicedYet,
			s.CallsClosed,
			s.SameDayClosures,
			s.NewCalls,
			s.ReopenedCalls,
			s.SumAppointments,
			s.SumClosedAppointments,
			s.FirstTimeFixes,
			s.FollowUpAppointments,
			s.UniqueAppointments,
			s.AvgAppointment,
			s.FirstTimeFixRate,
			s.AvgApptPerClosed,
			s.SameDayCloseRate,
			s.ReopenRate,
			s.RepeatDispatchRate,
			s.StatusSummary,
			s.Version,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}
