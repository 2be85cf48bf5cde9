package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryJournalRecordFillsDefaults(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()

	require.NoError(t, j.Record(ctx, Entry{Kind: KindLifecycle, PolicyID: "p-1", Action: "created"}))

	got, err := j.Entries(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Nil(t, got[0].Allowed)
}

func TestMemoryJournalQueryFilters(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []Entry{
		{Kind: KindEvaluation, PolicyID: "p-1", TenantID: "acme", Allowed: Bool(true), Timestamp: base},
		{Kind: KindViolation, PolicyID: "p-1", TenantID: "acme", Allowed: Bool(false), Timestamp: base.Add(time.Minute)},
		{Kind: KindEvaluation, PolicyID: "p-2", TenantID: "globex", Allowed: Bool(true), Timestamp: base.Add(2 * time.Minute)},
		{Kind: KindLifecycle, PolicyID: "p-2", Action: "disabled", Timestamp: base.Add(3 * time.Minute)},
	}
	for _, e := range entries {
		require.NoError(t, j.Record(ctx, e))
	}

	byKind, err := j.Entries(ctx, Query{Kind: KindEvaluation})
	require.NoError(t, err)
	assert.Len(t, byKind, 2)

	byPolicy, err := j.Entries(ctx, Query{PolicyID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, byPolicy, 2)

	byTenant, err := j.Entries(ctx, Query{TenantID: "globex"})
	require.NoError(t, err)
	require.Len(t, byTenant, 1)
	assert.Equal(t, "p-2", byTenant[0].PolicyID)

	window, err := j.Entries(ctx, Query{From: base.Add(30 * time.Second), To: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	limited, err := j.Entries(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryJournalDropsOldestAtCapacity(t *testing.T) {
	j := NewMemoryJournalWithCapacity(3)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, j.Record(ctx, Entry{ID: id, Kind: KindEvaluation}))
	}

	got, err := j.Entries(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[2].ID)
}

func TestAsyncDeliversToWrappedSink(t *testing.T) {
	j := NewMemoryJournal()
	a := NewAsync(j, 16, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Record(context.Background(), Entry{Kind: KindEvaluation}))
	}
	require.NoError(t, a.Close())

	assert.Equal(t, 5, j.Len())
	assert.Equal(t, uint64(0), a.Dropped())
}

func TestAsyncDropsWhenFullAndAfterClose(t *testing.T) {
	block := make(chan struct{})
	slow := sinkFunc(func(ctx context.Context, e Entry) error {
		<-block
		return nil
	})
	a := NewAsync(slow, 1, nil)

	// First entry occupies the worker, second fills the queue, the rest drop.
	for i := 0; i < 5; i++ {
		_ = a.Record(context.Background(), Entry{Kind: KindEvaluation})
	}
	assert.Eventually(t, func() bool { return a.Dropped() >= 2 }, time.Second, 5*time.Millisecond)

	close(block)
	require.NoError(t, a.Close())

	before := a.Dropped()
	_ = a.Record(context.Background(), Entry{Kind: KindEvaluation})
	assert.Equal(t, before+1, a.Dropped())
}

type sinkFunc func(ctx context.Context, e Entry) error

func (f sinkFunc) Record(ctx context.Context, e Entry) error { return f(ctx, e) }
