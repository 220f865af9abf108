package calls

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClosedCall records one transition of a call out of the open set,
// carrying the last state the call was seen in. Never revised; the
// (population, call_id, closed_at) key lets a retried batch write the
// identical entry without doubling it.
type ClosedCall struct {
	Population       string    `ch:"population"`
	CallID           string    `ch:"call_id"`
	VendorCallNumber string    `ch:"vendor_call_number"`
	EquipmentID      string    `ch:"equipment_id"`
	Status           string    `ch:"status"`
	Appointment      uint32    `ch:"appointment"` // Appointment number when last seen open
	OpenedAt         time.Time `ch:"opened_at"`
	ClosedAt         time.Time `ch:"closed_at"`
	SameDay          uint8     `ch:"same_day"`
	FirstTimeFix     uint8     `ch:"first_time_fix"`
}

// InitClosedCallHistory initializes the closed call history table.
func InitClosedCallHistory(ctx context.Context, db driver.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS closed_call_history (
			population String CODEC(ZSTD(1)),
			call_id String CODEC(ZSTD(1)),
			vendor_call_number String CODEC(ZSTD(1)),
			equipment_id String CODEC(ZSTD(1)),
			status String CODEC(ZSTD(1)),
			appointment UInt32 CODEC(Delta, LZ4),
			opened_at DateTime64(3) CODEC(DoubleDelta, LZ4),
			closed_at DateTime64(3) CODEC(DoubleDelta, LZ4),
			same_day UInt8,
			first_time_fix UInt8
		) ENGINE = ReplacingMergeTree
		PARTITION BY toYYYYMM(closed_at)
		ORDER BY (population, call_id, closed_at)
	`
	return db.Exec(ctx, query)
}

// InsertClosedCalls appends closure history entries.
func InsertClosedCalls(ctx context.Context, db driver.Conn, entries []*ClosedCall) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := db.PrepareBatch(ctx, `
		INSERT INTO closed_call_history (
			population, call_id, vendor_call_number, equipment_id, status,
			appointment, opened_at, closed_at, same_day, first_time_fix
		) VALUES`)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, e := range entries {
		err = batch.Append(
			e.Population,
			e.CallID,
			e.VendorCallNumber,
			e.EquipmentID,
			e.Status,
			e.Appointment,
			e.OpenedAt,
			e.ClosedAt,
			e.SameDay,
			e.FirstTimeFix,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}
