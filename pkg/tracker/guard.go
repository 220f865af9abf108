package tracker

import (
	"context"
	"time"

	"github.com/callwatch/callwatch/pkg/db"
	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/stats"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Guard is the idempotency gate in front of every stat write. It keeps
// the processing cursors in memory (warmed lazily from the store) and
// treats any candidate at or behind the cursor as an expected no-op
// rather than an error, which is what makes re-polling the same batch
// and process restarts safe.
//
// The design assumes a single active writer; the check-then-write here
// is not atomic across instances. Running concurrent deployments would
// require a compare-and-swap on the cursor instead.
type Guard struct {
	Store  db.Store
	Logger *zap.Logger

	cache *xsync.Map[string, time.Time]
}

// NewGuard builds a Guard over the given store.
func NewGuard(store db.Store, logger *zap.Logger) *Guard {
	return &Guard{
		Store:  store,
		Logger: logger.Named("guard"),
		cache:  xsync.NewMap[string, time.Time](),
	}
}

func key(pop stats.Population, level stats.Level) string {
	return string(pop) + "/" + string(level)
}

// LastPosition returns the cursor position for (pop, level), zero when
// nothing was materialized yet.
func (g *Guard) LastPosition(ctx context.Context, pop stats.Population, level stats.Level) (time.Time, error) {
	k := key(pop, level)
	if pos, ok := g.cache.Load(k); ok {
		return pos, nil
	}

	cursor, err := g.Store.Cursor(ctx, pop, level)
	if err != nil {
		return time.Time{}, err
	}
	if cursor == nil {
		return time.Time{}, nil
	}

	g.cache.Store(k, cursor.Position)
	return cursor.Position, nil
}

// ShouldProcess reports whether the candidate key lies beyond the
// cursor. A false result is the duplicate-batch / duplicate-period
// no-op path, not a failure.
func (g *Guard) ShouldProcess(ctx context.Context, pop stats.Population, level stats.Level, candidate time.Time) (bool, error) {
	last, err := g.LastPosition(ctx, pop, level)
	if err != nil {
		return false, err
	}
	if !candidate.After(last) {
		g.Logger.Debug("Skipping already-materialized key",
			zap.String("population", string(pop)),
			zap.String("level", string(level)),
			zap.Time("candidate", candidate),
			zap.Time("cursor", last))
		return false, nil
	}
	return true, nil
}

// Advance durably moves the cursor forward. Called only after the
// corresponding stat row has been written; a crash between the write
// and this call leaves a stale cursor that the next cycle reconciles by
// re-deriving the same row idempotently.
func (g *Guard) Advance(ctx context.Context, pop stats.Population, level stats.Level, position time.Time, batchID uint64) error {
	err := g.Store.AdvanceCursor(ctx, &calls.Cursor{
		Population: string(pop),
		Level:      string(level),
		Position:   position,
		BatchID:    batchID,
		UpdatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	g.cache.Store(key(pop, level), position)
	return nil
}
