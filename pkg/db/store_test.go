package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatTablesStableOrder(t *testing.T) {
	want := []string{
		"batch_stats",
		"call_tracking",
		"closed_call_history",
		"daily_stats",
		"hourly_stats",
		"monthly_stats",
		"processing_cursors",
		"weekly_stats",
	}
	// Map iteration must not leak into the optimize order.
	assert.Equal(t, want, statTables())
	assert.Equal(t, want, statTables())
}
