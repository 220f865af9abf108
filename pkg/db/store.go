package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/callwatch/callwatch/pkg/db/clickhouse"
	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/stats"
	"github.com/callwatch/callwatch/pkg/utils"
	"go.uber.org/zap"
)

// Store exposes the subset of database operations the cycle runner and
// aggregators use. Tests swap in fakes.
type Store interface {
	// Raw snapshots
	LatestBatch(ctx context.Context) (time.Time, uint64, error)
	PreviousBatchTime(ctx context.Context, before time.Time) (time.Time, error)
	EarliestBatchTime(ctx context.Context) (time.Time, error)
	SnapshotRecords(ctx context.Context, pushedAt time.Time) ([]*calls.CallRecord, error)
	BatchTimes(ctx context.Context, from, to time.Time) ([]time.Time, error)
	UniqueAppointments(ctx context.Context, pop stats.Population, from, to time.Time) (uint64, error)

	// Batch stats
	InsertBatchStats(ctx context.Context, rows []*calls.BatchStat) error
	BatchStatsBetween(ctx context.Context, pop stats.Population, from, to time.Time) ([]*calls.BatchStat, error)

	// Closure history
	InsertClosedCalls(ctx context.Context, rows []*calls.ClosedCall) error
	ClosedCallsBetween(ctx context.Context, pop stats.Population, from, to time.Time) ([]*calls.ClosedCall, error)
	CountReopened(ctx context.Context, pop stats.Population, callIDs []string, since, until time.Time) (uint64, error)

	// Period stats
	InsertPeriodStat(ctx context.Context, level stats.Level, row *calls.PeriodStat) error
	PeriodStatsBetween(ctx context.Context, level stats.Level, pop stats.Population, from, to time.Time) ([]*calls.PeriodStat, error)
	LastPeriodStatBefore(ctx context.Context, level stats.Level, pop stats.Population, before time.Time) (*calls.PeriodStat, error)

	// Cursors
	Cursor(ctx context.Context, pop stats.Population, level stats.Level) (*calls.Cursor, error)
	AdvanceCursor(ctx context.Context, cursor *calls.Cursor) error

	// Tracking enrichment
	InsertCallTracking(ctx context.Context, rows []*calls.CallTracking) error

	Close() error
}

// periodTables maps a window level to its ClickHouse table.
var periodTables = map[stats.Level]string{
	stats.LevelHour:  "hourly_stats",
	stats.LevelDay:   "daily_stats",
	stats.LevelWeek:  "weekly_stats",
	stats.LevelMonth: "monthly_stats",
}

// StatsDB is the ClickHouse-backed Store.
type StatsDB struct {
	clickhouse.Client
	Name string
	// RecyclerPrefixes lets population filters run inside ClickHouse
	// instead of pulling rows back to classify.
	RecyclerPrefixes []string
}

// New connects to ClickHouse, creates the tracker database when missing
// and initializes every table.
func New(ctx context.Context, logger *zap.Logger, recyclerPrefixes []string) (*StatsDB, error) {
	dbName := clickhouse.SanitizeName(utils.Env("TRACKER_DB", "callwatch"))

	client, err := clickhouse.New(ctx, logger.With(zap.String("db", dbName)), dbName, &clickhouse.PoolConfig{
		MaxOpenConns:    utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 10),
		ConnMaxLifetime: utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour),
		Component:       "tracker",
	})
	if err != nil {
		return nil, err
	}

	store := &StatsDB{Client: client, Name: dbName, RecyclerPrefixes: recyclerPrefixes}
	if err := store.InitializeDB(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitializeDB ensures the database and the tracker tables exist.
func (db *StatsDB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return err
	}
	if err := db.SwitchToTargetDatabase(ctx); err != nil {
		return err
	}

	db.Logger.Debug("Initialize open_calls model")
	if err := calls.InitOpenCalls(ctx, db.Db); err != nil {
		return err
	}

	db.Logger.Debug("Initialize batch_stats model")
	if err := calls.InitBatchStats(ctx, db.Db); err != nil {
		return err
	}

	db.Logger.Debug("Initialize closed_call_history model")
	if err := calls.InitClosedCallHistory(ctx, db.Db); err != nil {
		return err
	}

	for _, table := range periodTables {
		db.Logger.Debug("Initialize period stat model", zap.String("table", table))
		if err := calls.InitPeriodStats(ctx, db.Db, table); err != nil {
			return err
		}
	}

	db.Logger.Debug("Initialize processing_cursors model")
	if err := calls.InitCursors(ctx, db.Db); err != nil {
		return err
	}

	db.Logger.Debug("Initialize call_tracking model")
	return calls.InitCallTracking(ctx, db.Db)
}

// LatestBatch returns the push time and batch id of the most recent
// snapshot, or zero values when no batch has landed yet.
func (db *StatsDB) LatestBatch(ctx context.Context) (time.Time, uint64, error) {
	var pushedAt time.Time
	var batchID uint64
	err := db.QueryRow(ctx, `
		SELECT pushed_at, batch_id FROM open_calls
		ORDER BY pushed_at DESC LIMIT 1`).Scan(&pushedAt, &batchID)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return time.Time{}, 0, nil
		}
		return time.Time{}, 0, fmt.Errorf("latest batch: %w", err)
	}
	return pushedAt, batchID, nil
}

// PreviousBatchTime returns the newest push time strictly before the
// given one, or zero when none exists.
func (db *StatsDB) PreviousBatchTime(ctx context.Context, before time.Time) (time.Time, error) {
	var pushedAt time.Time
	err := db.QueryRow(ctx, `
		SELECT pushed_at FROM open_calls
		WHERE pushed_at < ?
		ORDER BY pushed_at DESC LIMIT 1`, before).Scan(&pushedAt)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("previous batch time: %w", err)
	}
	return pushedAt, nil
}

// EarliestBatchTime returns the first push time, or zero when empty.
func (db *StatsDB) EarliestBatchTime(ctx context.Context) (time.Time, error) {
	var pushedAt time.Time
	err := db.QueryRow(ctx, `
		SELECT pushed_at FROM open_calls
		ORDER BY pushed_at ASC LIMIT 1`).Scan(&pushedAt)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("earliest batch time: %w", err)
	}
	return pushedAt, nil
}

// SnapshotRecords returns every raw row of one push.
func (db *StatsDB) SnapshotRecords(ctx context.Context, pushedAt time.Time) ([]*calls.CallRecord, error) {
	var rows []*calls.CallRecord
	err := db.Select(ctx, &rows, `
		SELECT row_id, call_id, vendor_call_number, equipment_id, customer_name,
		       status, appointment, opened_at, batch_id, pushed_at
		FROM open_calls
		WHERE pushed_at = ?`, pushedAt)
	if err != nil {
		return nil, fmt.Errorf("snapshot records at %s: %w", pushedAt, err)
	}
	return rows, nil
}

// BatchTimes lists the distinct push times in (from, to], ascending.
func (db *StatsDB) BatchTimes(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	var times []time.Time
	err := db.Select(ctx, &times, `
		SELECT DISTINCT pushed_at FROM open_calls
		WHERE pushed_at > ? AND pushed_at <= ?
		ORDER BY pushed_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("batch times: %w", err)
	}
	return times, nil
}

// populationFilter renders the equipment classification as SQL so the
// window queries stay inside ClickHouse.
func (db *StatsDB) populationFilter(pop stats.Population) string {
	if len(db.RecyclerPrefixes) == 0 {
		if pop == stats.Recyclers {
			return "0"
		}
		return "1"
	}
	conds := make([]string, len(db.RecyclerPrefixes))
	for i, p := range db.RecyclerPrefixes {
		conds[i] = fmt.Sprintf("startsWith(upper(equipment_id), '%s')", strings.ToUpper(p))
	}
	expr := "(" + strings.Join(conds, " OR ") + ")"
	if pop == stats.Recyclers {
		return expr
	}
	return "NOT " + expr
}

// UniqueAppointments counts distinct appointment numbers observed for
// the population in (from, to]. Distinctness cannot be summed from stat
// rows, so it is computed from the raw snapshots.
func (db *StatsDB) UniqueAppointments(ctx context.Context, pop stats.Population, from, to time.Time) (uint64, error) {
	query := fmt.Sprintf(`
		SELECT uniqExact(appointment) FROM open_calls
		WHERE pushed_at >= ? AND pushed_at <= ? AND %s`, db.populationFilter(pop))

	var count uint64
	if err := db.QueryRow(ctx, query, from, to).Scan(&count); err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("unique appointments for %s: %w", pop, err)
	}
	return count, nil
}

// InsertBatchStats writes batch stat rows.
func (db *StatsDB) InsertBatchStats(ctx context.Context, rows []*calls.BatchStat) error {
	return calls.InsertBatchStats(ctx, db.Db, rows)
}

// BatchStatsBetween returns the population's batch stats with pushed_at
// in [from, to), ascending. FINAL collapses replaced versions.
func (db *StatsDB) BatchStatsBetween(ctx context.Context, pop stats.Population, from, to time.Time) ([]*calls.BatchStat, error) {
	var rows []*calls.BatchStat
	err := db.Select(ctx, &rows, `
		SELECT * FROM batch_stats FINAL
		WHERE population = ? AND pushed_at >= ? AND pushed_at < ?
		ORDER BY pushed_at ASC`, string(pop), from, to)
	if err != nil {
		return nil, fmt.Errorf("batch stats for %s: %w", pop, err)
	}
	return rows, nil
}

// InsertClosedCalls appends closure history rows.
func (db *StatsDB) InsertClosedCalls(ctx context.Context, rows []*calls.ClosedCall) error {
	return calls.InsertClosedCalls(ctx, db.Db, rows)
}

// ClosedCallsBetween returns closures with closed_at in (from, to].
func (db *StatsDB) ClosedCallsBetween(ctx context.Context, pop stats.Population, from, to time.Time) ([]*calls.ClosedCall, error) {
	var rows []*calls.ClosedCall
	err := db.Select(ctx, &rows, `
		SELECT * FROM closed_call_history FINAL
		WHERE population = ? AND closed_at > ? AND closed_at <= ?
		ORDER BY closed_at ASC, call_id ASC`, string(pop), from, to)
	if err != nil {
		return nil, fmt.Errorf("closed calls for %s: %w", pop, err)
	}
	return rows, nil
}

// CountReopened counts how many of the given calls closed within
// [since, until), i.e. how many "new" calls are really reopens. The
// upper bound excludes closures recorded after the calls reappeared.
func (db *StatsDB) CountReopened(ctx context.Context, pop stats.Population, callIDs []string, since, until time.Time) (uint64, error) {
	if len(callIDs) == 0 {
		return 0, nil
	}

	var count uint64
	err := db.QueryRow(ctx, `
		SELECT uniqExact(call_id) FROM closed_call_history FINAL
		WHERE population = ? AND call_id IN (?) AND closed_at >= ? AND closed_at < ?`,
		string(pop), callIDs, since, until).Scan(&count)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("count reopened for %s: %w", pop, err)
	}
	return count, nil
}

// InsertPeriodStat writes one finalized window row.
func (db *StatsDB) InsertPeriodStat(ctx context.Context, level stats.Level, row *calls.PeriodStat) error {
	table, ok := periodTables[level]
	if !ok {
		return fmt.Errorf("no period table for level %q", level)
	}
	return calls.InsertPeriodStats(ctx, db.Db, table, []*calls.PeriodStat{row})
}

// PeriodStatsBetween returns window rows with period_start in [from, to),
// ascending.
func (db *StatsDB) PeriodStatsBetween(ctx context.Context, level stats.Level, pop stats.Population, from, to time.Time) ([]*calls.PeriodStat, error) {
	table, ok := periodTables[level]
	if !ok {
		return nil, fmt.Errorf("no period table for level %q", level)
	}

	var rows []*calls.PeriodStat
	query := fmt.Sprintf(`
		SELECT * FROM %s FINAL
		WHERE population = ? AND period_start >= ? AND period_start < ?
		ORDER BY period_start ASC`, table)
	if err := db.Select(ctx, &rows, query, string(pop), from, to); err != nil {
		return nil, fmt.Errorf("%s stats for %s: %w", level, pop, err)
	}
	return rows, nil
}

// LastPeriodStatBefore returns the newest window row starting strictly
// before the given time, or nil when none exists.
func (db *StatsDB) LastPeriodStatBefore(ctx context.Context, level stats.Level, pop stats.Population, before time.Time) (*calls.PeriodStat, error) {
	table, ok := periodTables[level]
	if !ok {
		return nil, fmt.Errorf("no period table for level %q", level)
	}

	var rows []*calls.PeriodStat
	query := fmt.Sprintf(`
		SELECT * FROM %s FINAL
		WHERE population = ? AND period_start < ?
		ORDER BY period_start DESC LIMIT 1`, table)
	if err := db.Select(ctx, &rows, query, string(pop), before); err != nil {
		return nil, fmt.Errorf("last %s stat for %s: %w", level, pop, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Cursor returns the processing cursor for (pop, level), nil when unset.
func (db *StatsDB) Cursor(ctx context.Context, pop stats.Population, level stats.Level) (*calls.Cursor, error) {
	var c calls.Cursor
	err := db.QueryRow(ctx, `
		SELECT population, level, position, batch_id, updated_at
		FROM processing_cursors FINAL
		WHERE population = ? AND level = ?`,
		string(pop), string(level)).ScanStruct(&c)
	if err != nil {
		if clickhouse.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cursor %s/%s: %w", pop, level, err)
	}
	return &c, nil
}

// AdvanceCursor persists a cursor advance.
func (db *StatsDB) AdvanceCursor(ctx context.Context, cursor *calls.Cursor) error {
	if cursor.UpdatedAt.IsZero() {
		cursor.UpdatedAt = time.Now().UTC()
	}
	if err := calls.UpsertCursor(ctx, db.Db, cursor); err != nil {
		return fmt.Errorf("advance cursor %s/%s: %w", cursor.Population, cursor.Level, err)
	}
	return nil
}

// InsertCallTracking upserts tracking enrichment rows.
func (db *StatsDB) InsertCallTracking(ctx context.Context, rows []*calls.CallTracking) error {
	return calls.InsertCallTracking(ctx, db.Db, rows)
}

// statTables lists the ReplacingMergeTree tables the tracker writes, in
// a stable order.
func statTables() []string {
	tables := []string{"batch_stats", "closed_call_history", "processing_cursors", "call_tracking"}
	for _, t := range periodTables {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	return tables
}

// OptimizeStatTables forces merges on the stat tables so rows replaced
// by a newer version collapse eagerly instead of waiting for background
// merges. Scheduled off-peak; reads do not depend on it because every
// query uses FINAL.
func (db *StatsDB) OptimizeStatTables(ctx context.Context) error {
	for _, table := range statTables() {
		if err := db.OptimizeTable(ctx, db.Name, table, true); err != nil {
			return err
		}
	}
	return nil
}
