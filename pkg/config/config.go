package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/callwatch/callwatch/pkg/utils"
)

// Config carries every tunable of the tracker. All values come from the
// environment so deployments stay twelve-factor; defaults match the
// production setup.
type Config struct {
	// Database is the ClickHouse database holding all tracker tables.
	Database string

	// CronSpec drives the reconcile loop (seconds-granularity cron spec).
	CronSpec string

	// Location is the fixed civil timezone used for every boundary
	// computation, independent of the host timezone.
	Location *time.Location

	// End-of-day anchor for daily, weekly and monthly windows.
	EODHour   int
	EODMinute int
	// EODGrace delays the boundary trigger so late rows from the final
	// poll of the day are included.
	EODGrace time.Duration

	// ReopenWindow is the lookback used to classify a new call on known
	// equipment as a reopen.
	ReopenWindow time.Duration

	// RecyclerPrefixes classifies equipment into the recycler population.
	// Everything else is a smart safe.
	RecyclerPrefixes []string

	HourlyEnabled     bool
	DailyEnabled      bool
	WeeklyEnabled     bool
	MonthlyEnabled    bool
	DailyFrom         string // "hourly" or "raw"
	ValidationEnabled bool

	// Shipment tracking enrichment.
	TrackingEnabled    bool
	TrackingSourceURL  string
	TrackingMaxWorkers int
	TrackingCacheTTL   time.Duration

	FedExAPIKey        string
	FedExAPISecret     string
	FedExUseProduction bool
	UPSClientID        string
	UPSClientSecret    string

	// HTTPAddr is the bind address of the ops endpoints.
	HTTPAddr string
}

const (
	DailyFromHourly = "hourly"
	DailyFromRaw    = "raw"
)

// FromEnv builds a Config from the environment.
func FromEnv() (*Config, error) {
	tz := utils.Env("TRACKER_TIMEZONE", "America/Chicago")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}

	eodHour := utils.EnvInt("TRACKER_EOD_HOUR", 23)
	eodMinute := utils.EnvInt("TRACKER_EOD_MINUTE", 59)
	if eodHour > 23 || eodMinute > 59 {
		return nil, fmt.Errorf("invalid end-of-day anchor %02d:%02d", eodHour, eodMinute)
	}

	dailyFrom := utils.Env("TRACKER_DAILY_FROM", DailyFromHourly)
	if dailyFrom != DailyFromHourly && dailyFrom != DailyFromRaw {
		return nil, fmt.Errorf("TRACKER_DAILY_FROM must be %q or %q, got %q", DailyFromHourly, DailyFromRaw, dailyFrom)
	}

	prefixes := utils.SplitCSV(utils.Env("TRACKER_RECYCLER_PREFIXES", "N4R,N9R,N7F,RF"))
	for i, p := range prefixes {
		prefixes[i] = strings.ToUpper(p)
	}

	return &Config{
		Database:           utils.Env("TRACKER_DB", "callwatch"),
		CronSpec:           utils.Env("TRACKER_CRON", "0 */5 * * * *"),
		Location:           loc,
		EODHour:            eodHour,
		EODMinute:          eodMinute,
		EODGrace:           utils.EnvDuration("TRACKER_EOD_GRACE", 30*time.Minute),
		ReopenWindow:       utils.EnvDuration("TRACKER_REOPEN_WINDOW", 14*24*time.Hour),
		RecyclerPrefixes:   prefixes,
		HourlyEnabled:      utils.EnvBool("TRACKER_HOURLY_ENABLED", true),
		DailyEnabled:       utils.EnvBool("TRACKER_DAILY_ENABLED", true),
		WeeklyEnabled:      utils.EnvBool("TRACKER_WEEKLY_ENABLED", true),
		MonthlyEnabled:     utils.EnvBool("TRACKER_MONTHLY_ENABLED", true),
		DailyFrom:          dailyFrom,
		ValidationEnabled:  utils.EnvBool("TRACKER_VALIDATION_ENABLED", true),
		TrackingEnabled:    utils.EnvBool("TRACKING_ENABLED", false),
		TrackingSourceURL:  utils.Env("TRACKING_SOURCE_URL", ""),
		TrackingMaxWorkers: utils.EnvInt("TRACKING_MAX_WORKERS", 8),
		TrackingCacheTTL:   utils.EnvDuration("TRACKING_CACHE_TTL", time.Hour),
		FedExAPIKey:        utils.Env("FEDEX_API_KEY", ""),
		FedExAPISecret:     utils.Env("FEDEX_API_SECRET", ""),
		FedExUseProduction: utils.EnvBool("FEDEX_USE_PRODUCTION", true),
		UPSClientID:        utils.Env("UPS_CLIENT_ID", ""),
		UPSClientSecret:    utils.Env("UPS_CLIENT_SECRET", ""),
		HTTPAddr:           utils.Env("TRACKER_HTTP_ADDR", ":8080"),
	}, nil
}
