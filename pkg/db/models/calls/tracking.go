package calls

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// CallTracking holds the shipment enrichment for one call: the resolved
// tracking number, the parts shipped last, and the carrier's latest
// delivery status. Best-effort data; rows are upserted whenever a lookup
// succeeds and absence never blocks batch processing.
type CallTracking struct {
	CallID           string    `ch:"call_id"`
	VendorCallNumber string    `ch:"vendor_call_number"`
	TrackingNumber   string    `ch:"tracking_number"`
	Carrier          string    `ch:"carrier"` // "ups", "fedex" or ""
	DeliveryStatus   string    `ch:"delivery_status"`
	LatestParts      []string  `ch:"latest_parts"`
	CheckedAt        time.Time `ch:"checked_at"`
}

// InitCallTracking initializes the tracking enrichment table.
func InitCallTracking(ctx context.Context, db driver.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS call_tracking (
			call_id String CODEC(ZSTD(1)),
			vendor_call_number String CODEC(ZSTD(1)),
			tracking_number String CODEC(ZSTD(1)),
			carrier String CODEC(ZSTD(1)),
			delivery_status String CODEC(ZSTD(1)),
			latest_parts Array(String) CODEC(ZSTD(1)),
			checked_at DateTime64(3) CODEC(DoubleDelta, LZ4)
		) ENGINE = ReplacingMergeTree(checked_at)
		ORDER BY (call_id)
	`
	return db.Exec(ctx, query)
}

// InsertCallTracking upserts tracking rows.
func InsertCallTracking(ctx context.Context, db driver.Conn, rows []*CallTracking) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := db.PrepareBatch(ctx, `
		INSERT INTO call_tracking (
			call_id, vendor_call_number, tracking_number, carrier,
			delivery_status, latest_parts, checked_at
		) VALUES`)
	if err != nil {
		return err
	}
	defer func(batch driver.Batch) {
		_ = batch.Abort()
	}(batch)

	for _, r := range rows {
		err = batch.Append(
			r.CallID,
			r.VendorCallNumber,
			r.TrackingNumber,
			r.Carrier,
			r.DeliveryStatus,
			r.LatestParts,
			r.CheckedAt,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}
