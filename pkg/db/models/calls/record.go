package calls

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// CallRecord is one observed row of the external open-calls table at a
// single push. The source rewrites the whole table between pushes, so a
// logical call may appear several times inside one batch when its
// appointment advanced mid-push; RowID is the recency tiebreaker.
// Rows are immutable once observed.
type CallRecord struct {
	RowID            uint64    `ch:"row_id"` // Monotonically increasing per insert at the source
	CallID           string    `ch:"call_id"`
	VendorCallNumber string    `ch:"vendor_call_number"`
	EquipmentID      string    `ch:"equipment_id"`
	CustomerName     string    `ch:"customer_name"`
	Status           string    `ch:"status"`
	Appointment      uint32    `ch:"appointment"` // Appointment number, >= 1
	OpenedAt         time.Time `ch:"opened_at"`
	BatchID          uint64    `ch:"batch_id"`
	PushedAt         time.Time `ch:"pushed_at"`
}

// InitOpenCalls initializes the raw snapshot table. Append-only: each
// push lands as a full copy of the source table keyed by its push time.
func InitOpenCalls(ctx context.Context, db driver.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS open_calls (
			row_id UInt64 CODEC(DoubleDelta, LZ4),
			call_id String CODEC(ZSTD(1)),
			vendor_call_number String CODEC(ZSTD(1)),
			equipment_id String CODEC(ZSTD(1)),
			customer_name String CODEC(ZSTD(1)),
			status String CODEC(ZSTD(1)),
			appointment UInt32 CODEC(Delta, LZ4),
			opened_at DateTime64(3) CODEC(DoubleDelta, LZ4),
			batch_id UInt64 CODEC(DoubleDelta, LZ4),
			pushed_at DateTime64(3) CODEC(DoubleDelta, LZ4)
		) ENGINE = MergeTree
		PARTITION BY toYYYYMM(pushed_at)
		ORDER BY (pushed_at, call_id, row_id)
	`
	return db.Exec(ctx, query)
}
