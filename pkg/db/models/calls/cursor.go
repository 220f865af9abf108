package calls

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// Cursor records the last batch push or period start successfully
// materialized for one (population, level) pair. It is written only after
// the corresponding stat row is durable; a crash between the two leaves a
// stale cursor that the next cycle reconciles by re-deriving idempotently.
type Cursor struct {
	Population string    `ch:"population"`
	Level      string    `ch:"level"`
	Position   time.Time `ch:"position"` // Last pushed_at (batch level) or period_start
	BatchID    uint64    `ch:"batch_id"` // Batch level only, zero elsewhere
	UpdatedAt  time.Time `ch:"updated_at"`
}

// InitCursors initializes the processing cursor table.
func InitCursors(ctx context.Context, db driver.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS processing_cursors (
			population String CODEC(ZSTD(1)),
			level String CODEC(ZSTD(1)),
			position DateTime64(3) CODEC(DoubleDelta, LZ4),
			batch_id UInt64 CODEC(DoubleDelta, LZ4),
			updated_at DateTime64(3) CODEC(DoubleDelta, LZ4)
		) ENGINE = ReplacingMergeTree(updated_at)
		ORDER BY (population, level)
	`
	return db.Exec(ctx, query)
}

// UpsertCursor advances one cursor. ReplacingMergeTree keeps the newest
// row per (population, level); reads must use FINAL.
func UpsertCursor(ctx context.Context, db driver.Conn, c *Cursor) error {
	return db.Exec(ctx, `
		INSERT INTO processing_cursors (population, level, position, batch_id, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Population, c.Level, c.Position, c.BatchID, c.UpdatedAt)
}
