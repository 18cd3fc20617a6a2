package journal

import (
	"context"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_Last(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		records  int
		n        int
		want     []string
	}{
		{name: "empty", capacity: 3, records: 0, n: 5, want: []string{}},
		{name: "partial", capacity: 3, records: 2, n: 5, want: []string{"c0", "c1"}},
		{name: "wrapped", capacity: 3, records: 5, n: 0, want: []string{"c2", "c3", "c4"}},
		{name: "wrapped tail", capacity: 3, records: 5, n: 2, want: []string{"c3", "c4"}},
		{name: "default capacity", capacity: 0, records: 60, n: 1, want: []string{"c59"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRing(tt.capacity)
			for i := 0; i < tt.records; i++ {
				r.Record(Entry{Command: "c" + strconv.Itoa(i), Success: true})
			}

			got := make([]string, 0)
			for _, e := range r.Last(tt.n) {
				got = append(got, e.Command)
				assert.False(t, e.Time.IsZero())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRing_Stats(t *testing.T) {
	r := NewRing(2)
	assert.Equal(t, 0.0, r.Stats().SuccessRate)

	r.Record(Entry{Command: "G92 X0", Response: "ok", Success: true})
	r.Record(Entry{Command: "G1 X10 F150", Response: "ok", Success: true})
	r.Record(Entry{Command: "$X", Response: "error:9", Success: false})
	r.Record(Entry{Command: "?", Response: "<Idle>", Success: true})

	s := r.Stats()
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 3, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 75.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 2, r.Capacity())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.Stats().Total)
	assert.Empty(t, r.Last(10))
}

func TestSQLite_RecordAndRecent(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "history", "doses.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.RecordDose(ctx, DoseRecord{
		ID: "a", Axis: "X", Mode: "volume", Target: 5, Dispensed: 5, FeedRate: 150,
		State: "Complete", StartedAt: base, FinishedAt: base.Add(40 * time.Second),
	}))
	require.NoError(t, store.RecordDose(ctx, DoseRecord{
		ID: "b", Axis: "Y", Mode: "weight", Target: 10, Dispensed: 4.2, FeedRate: 300,
		State: "Aborted", Reason: "emergency stop", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(90 * time.Second),
	}))

	recs, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].ID)
	assert.Equal(t, "emergency stop", recs[0].Reason)
	assert.Equal(t, "weight", recs[0].Mode)
	assert.True(t, base.Add(90*time.Second).Equal(recs[0].FinishedAt))
	assert.Equal(t, "a", recs[1].ID)
	assert.Equal(t, 150.0, recs[1].FeedRate)

	// Re-recording the same id updates the row
	require.NoError(t, store.RecordDose(ctx, DoseRecord{
		ID: "b", Axis: "Y", Mode: "weight", Target: 10, Dispensed: 4.5, FeedRate: 300,
		State: "Aborted", Reason: "emergency stop", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(95 * time.Second),
	}))
	recs, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 4.5, recs[0].Dispensed)
}

func TestSQLite_Memory(t *testing.T) {
	store, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	defer store.Close()

	recs, err := store.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
