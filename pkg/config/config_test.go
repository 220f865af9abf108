package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "callwatch", cfg.Database)
	assert.Equal(t, "America/Chicago", cfg.Location.String())
	assert.Equal(t, 23, cfg.EODHour)
	assert.Equal(t, 59, cfg.EODMinute)
	assert.Equal(t, 30*time.Minute, cfg.EODGrace)
	assert.Equal(t, 14*24*time.Hour, cfg.ReopenWindow)
	assert.Equal(t, []string{"N4R", "N9R", "N7F", "RF"}, cfg.RecyclerPrefixes)
	assert.Equal(t, DailyFromHourly, cfg.DailyFrom)
	assert.True(t, cfg.HourlyEnabled)
	assert.False(t, cfg.TrackingEnabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_TIMEZONE", "UTC")
	t.Setenv("TRACKER_EOD_HOUR", "22")
	t.Setenv("TRACKER_EOD_MINUTE", "30")
	t.Setenv("TRACKER_RECYCLER_PREFIXES", "abc, def")
	t.Setenv("TRACKER_DAILY_FROM", "raw")
	t.Setenv("TRACKER_REOPEN_WINDOW", "72h")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, time.UTC.String(), cfg.Location.String())
	assert.Equal(t, 22, cfg.EODHour)
	assert.Equal(t, 30, cfg.EODMinute)
	assert.Equal(t, []string{"ABC", "DEF"}, cfg.RecyclerPrefixes)
	assert.Equal(t, DailyFromRaw, cfg.DailyFrom)
	assert.Equal(t, 72*time.Hour, cfg.ReopenWindow)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Run("bad_timezone", func(t *testing.T) {
		t.Setenv("TRACKER_TIMEZONE", "Mars/Olympus")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("eod_hour_out_of_range", func(t *testing.T) {
		t.Setenv("TRACKER_EOD_HOUR", "24")
		_, err := FromEnv()
		assert.Error(t, err)
	})

	t.Run("bad_daily_source", func(t *testing.T) {
		t.Setenv("TRACKER_DAILY_FROM", "weekly")
		_, err := FromEnv()
		assert.Error(t, err)
	})
}
