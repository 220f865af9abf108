package tracker

import (
	"context"
	"sort"
	"time"

	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"github.com/callwatch/callwatch/pkg/stats"
)

// fakeStore is an in-memory db.Store for exercising the cycle without
// ClickHouse. Range semantics mirror the production queries.
type fakeStore struct {
	batches     []fakeBatch // ascending by pushedAt
	batchStats  []*calls.BatchStat
	closed      []*calls.ClosedCall
	periodStats map[stats.Level][]*calls.PeriodStat
	cursors     map[string]*calls.Cursor
	tracking    []*calls.CallTracking

	classifier *stats.Classifier
}

type fakeBatch struct {
	pushedAt time.Time
	id       uint64
	records  []*calls.CallRecord
}

func newFakeStore(recyclerPrefixes []string) *fakeStore {
	return &fakeStore{
		periodStats: map[stats.Level][]*calls.PeriodStat{},
		cursors:     map[string]*calls.Cursor{},
		classifier:  stats.NewClassifier(recyclerPrefixes),
	}
}

func (f *fakeStore) addBatch(pushedAt time.Time, id uint64, records []*calls.CallRecord) {
	for _, r := range records {
		r.BatchID = id
		r.PushedAt = pushedAt
	}
	f.batches = append(f.batches, fakeBatch{pushedAt: pushedAt, id: id, records: records})
	sort.Slice(f.batches, func(i, j int) bool { return f.batches[i].pushedAt.Before(f.batches[j].pushedAt) })
}

func (f *fakeStore) LatestBatch(context.Context) (time.Time, uint64, error) {
	if len(f.batches) == 0 {
		return time.Time{}, 0, nil
	}
	last := f.batches[len(f.batches)-1]
	return last.pushedAt, last.id, nil
}

func (f *fakeStore) PreviousBatchTime(_ context.Context, before time.Time) (time.Time, error) {
	var out time.Time
	for _, b := range f.batches {
		if b.pushedAt.Before(before) {
			out = b.pushedAt
		}
	}
	return out, nil
}

func (f *fakeStore) EarliestBatchTime(context.Context) (time.Time, error) {
	if len(f.batches) == 0 {
		return time.Time{}, nil
	}
	return f.batches[0].pushedAt, nil
}

func (f *fakeStore) SnapshotRecords(_ context.Context, pushedAt time.Time) ([]*calls.CallRecord, error) {
	for _, b := range f.batches {
		if b.pushedAt.Equal(pushedAt) {
			return b.records, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) BatchTimes(_ context.Context, from, to time.Time) ([]time.Time, error) {
	var out []time.Time
	for _, b := range f.batches {
		if b.pushedAt.After(from) && !b.pushedAt.After(to) {
			out = append(out, b.pushedAt)
		}
	}
	return out, nil
}

func (f *fakeStore) UniqueAppointments(_ context.Context, pop stats.Population, from, to time.Time) (uint64, error) {
	appts := map[uint32]struct{}{}
	for _, b := range f.batches {
		if b.pushedAt.Before(from) || b.pushedAt.After(to) {
			continue
		}
		for _, r := range b.records {
			if f.classifier.Matches(r.EquipmentID, pop) {
				appts[r.Appointment] = struct{}{}
			}
		}
	}
	return uint64(len(appts)), nil
}

func (f *fakeStore) InsertBatchStats(_ context.Context, rows []*calls.BatchStat) error {
	f.batchStats = append(f.batchStats, rows...)
	return nil
}

func (f *fakeStore) BatchStatsBetween(_ context.Context, pop stats.Population, from, to time.Time) ([]*calls.BatchStat, error) {
	var out []*calls.BatchStat
	for _, s := range f.batchStats {
		if s.Population == string(pop) && !s.PushedAt.Before(from) && s.PushedAt.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PushedAt.Before(out[j].PushedAt) })
	return out, nil
}

func (f *fakeStore) InsertClosedCalls(_ context.Context, rows []*calls.ClosedCall) error {
	f.closed = append(f.closed, rows...)
	return nil
}

func (f *fakeStore) ClosedCallsBetween(_ context.Context, pop stats.Population, from, to time.Time) ([]*calls.ClosedCall, error) {
	var out []*calls.ClosedCall
	for _, c := range f.closed {
		if c.Population == string(pop) && c.ClosedAt.After(from) && !c.ClosedAt.After(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) CountReopened(_ context.Context, pop stats.Population, callIDs []string, since, until time.Time) (uint64, error) {
	ids := map[string]struct{}{}
	for _, id := range callIDs {
		ids[id] = struct{}{}
	}
	seen := map[string]struct{}{}
	for _, c := range f.closed {
		if c.Population != string(pop) || c.ClosedAt.Before(since) || !c.ClosedAt.Before(until) {
			continue
		}
		if _, ok := ids[c.CallID]; ok {
			seen[c.CallID] = struct{}{}
		}
	}
	return uint64(len(seen)), nil
}

func (f *fakeStore) InsertPeriodStat(_ context.Context, level stats.Level, row *calls.PeriodStat) error {
	f.periodStats[level] = append(f.periodStats[level], row)
	return nil
}

func (f *fakeStore) PeriodStatsBetween(_ context.Context, level stats.Level, pop stats.Population, from, to time.Time) ([]*calls.PeriodStat, error) {
	var out []*calls.PeriodStat
	for _, s := range f.periodStats[level] {
		if s.Population == string(pop) && !s.PeriodStart.Before(from) && s.PeriodStart.Before(to) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (f *fakeStore) LastPeriodStatBefore(_ context.Context, level stats.Level, pop stats.Population, before time.Time) (*calls.PeriodStat, error) {
	var out *calls.PeriodStat
	for _, s := range f.periodStats[level] {
		if s.Population == string(pop) && s.PeriodStart.Before(before) {
			if out == nil || s.PeriodStart.After(out.PeriodStart) {
				out = s
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Cursor(_ context.Context, pop stats.Population, level stats.Level) (*calls.Cursor, error) {
	return f.cursors[string(pop)+"/"+string(level)], nil
}

func (f *fakeStore) AdvanceCursor(_ context.Context, cursor *calls.Cursor) error {
	f.cursors[cursor.Population+"/"+cursor.Level] = cursor
	return nil
}

func (f *fakeStore) InsertCallTracking(_ context.Context, rows []*calls.CallTracking) error {
	f.tracking = append(f.tracking, rows...)
	return nil
}

func (f *fakeStore) Close() error { return nil }
