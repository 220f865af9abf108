package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/callwatch/callwatch/pkg/config"
	"github.com/callwatch/callwatch/pkg/db"
	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/stats"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Enricher augments the freshly observed batch with shipment tracking
// data. Failures are logged and never escalate into the cycle.
type Enricher interface {
	Enrich(ctx context.Context, records []*calls.CallRecord) error
}

// Tracker runs the poll cycle: detect the newest batch, diff it against
// the previous one per population, then materialize every window level
// whose boundary the batch crossed. Strictly sequential; the whole
// design assumes a single active writer.
type Tracker struct {
	Cfg        *config.Config
	Store      db.Store
	Guard      *Guard
	Classifier *stats.Classifier
	Differ     *stats.Differ
	Detector   *stats.Detector
	Aggregator *stats.Aggregator
	Enricher   Enricher
	Clock      clockwork.Clock
	Logger     *zap.Logger
}

// New wires a Tracker from its configuration and store.
func New(cfg *config.Config, store db.Store, enricher Enricher, clock clockwork.Clock, logger *zap.Logger) *Tracker {
	classifier := stats.NewClassifier(cfg.RecyclerPrefixes)
	detector := &stats.Detector{
		Location:  cfg.Location,
		EODHour:   cfg.EODHour,
		EODMinute: cfg.EODMinute,
		Grace:     cfg.EODGrace,
	}
	return &Tracker{
		Cfg:        cfg,
		Store:      store,
		Guard:      NewGuard(store, logger),
		Classifier: classifier,
		Differ: &stats.Differ{
			Classifier:   classifier,
			Location:     cfg.Location,
			ReopenWindow: cfg.ReopenWindow,
			History:      store,
		},
		Detector: detector,
		Aggregator: &stats.Aggregator{
			Detector:     detector,
			History:      store,
			ReopenWindow: cfg.ReopenWindow,
		},
		Enricher: enricher,
		Clock:    clock,
		Logger:   logger.Named("tracker"),
	}
}

// ProcessCycle executes one full poll cycle. Transient store failures
// abort the cycle with cursors untouched; the next tick retries from the
// same state.
func (t *Tracker) ProcessCycle(ctx context.Context) error {
	pushedAt, batchID, err := t.Store.LatestBatch(ctx)
	if err != nil {
		return fmt.Errorf("detect latest batch: %w", err)
	}
	if pushedAt.IsZero() {
		t.Logger.Debug("No batches observed yet")
		return nil
	}

	cur, prev, err := t.loadSnapshots(ctx, pushedAt)
	if err != nil {
		return err
	}

	for _, pop := range stats.Populations() {
		if err := t.processBatch(ctx, pop, cur, prev, batchID, pushedAt); err != nil {
			return err
		}
	}

	// Window levels ascend so higher levels see their children finalized.
	// Sweeping against the clock rather than the batch time lets gap
	// periods finalize as batch_missing rows even while the feed stalls.
	now := t.Clock.Now()
	for _, pop := range stats.Populations() {
		for _, level := range stats.Levels() {
			if !t.levelEnabled(level) {
				continue
			}
			if err := t.aggregateLevel(ctx, pop, level, now); err != nil {
				return fmt.Errorf("aggregate %s for %s: %w", level, pop, err)
			}
		}
	}

	if t.Enricher != nil {
		records, err := t.Store.SnapshotRecords(ctx, pushedAt)
		if err != nil {
			t.Logger.Warn("Skipping tracking enrichment, snapshot re-read failed", zap.Error(err))
		} else if err := t.Enricher.Enrich(ctx, records); err != nil {
			// Degraded enrichment never fails the cycle.
			t.Logger.Warn("Tracking enrichment failed", zap.Error(err))
		}
	}

	return nil
}

// loadSnapshots builds the canonical current and previous snapshots for
// the batch at pushedAt. prev is nil on first run.
func (t *Tracker) loadSnapshots(ctx context.Context, pushedAt time.Time) (stats.Snapshot, stats.Snapshot, error) {
	records, err := t.Store.SnapshotRecords(ctx, pushedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("load current snapshot: %w", err)
	}
	cur := stats.Deduplicate(records)

	prevTime, err := t.Store.PreviousBatchTime(ctx, pushedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("find previous batch: %w", err)
	}
	if prevTime.IsZero() {
		return cur, nil, nil
	}

	prevRecords, err := t.Store.SnapshotRecords(ctx, prevTime)
	if err != nil {
		return nil, nil, fmt.Errorf("load previous snapshot: %w", err)
	}
	return cur, stats.Deduplicate(prevRecords), nil
}

// processBatch diffs one population and persists the batch stat plus
// closure history, then advances the batch cursor.
func (t *Tracker) processBatch(ctx context.Context, pop stats.Population, cur, prev stats.Snapshot, batchID uint64, pushedAt time.Time) error {
	ok, err := t.Guard.ShouldProcess(ctx, pop, stats.LevelBatch, pushedAt)
	if err != nil {
		return fmt.Errorf("batch guard for %s: %w", pop, err)
	}
	if !ok {
		return nil
	}

	res, err := t.Differ.Diff(ctx, pop, cur, prev, batchID, pushedAt)
	if err != nil {
		return fmt.Errorf("diff batch %d for %s: %w", batchID, pop, err)
	}

	if err := t.Store.InsertClosedCalls(ctx, res.Closed); err != nil {
		return fmt.Errorf("write closure history for %s: %w", pop, err)
	}
	if err := t.Store.InsertBatchStats(ctx, []*calls.BatchStat{res.Stat}); err != nil {
		return fmt.Errorf("write batch stat for %s: %w", pop, err)
	}
	if err := t.Guard.Advance(ctx, pop, stats.LevelBatch, pushedAt, batchID); err != nil {
		return fmt.Errorf("advance batch cursor for %s: %w", pop, err)
	}

	t.Logger.Info("Batch materialized",
		zap.String("population", string(pop)),
		zap.Uint64("batch_id", batchID),
		zap.Uint64("open", res.Stat.TotalOpenCalls),
		zap.Uint64("closed", res.Stat.CallsClosed),
		zap.Uint64("new", res.Stat.NewCalls))
	return nil
}

func (t *Tracker) levelEnabled(level stats.Level) bool {
	switch level {
	case stats.LevelHour:
		return t.Cfg.HourlyEnabled
	case stats.LevelDay:
		return t.Cfg.DailyEnabled
	case stats.LevelWeek:
		return t.Cfg.WeeklyEnabled
	case stats.LevelMonth:
		return t.Cfg.MonthlyEnabled
	}
	return false
}
