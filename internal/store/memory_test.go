package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type doc struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	Score  float64 `json:"score"`
}

func TestMemoryStoreCreateGet(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Name: "a", Status: "PENDING"}))

	var got doc
	require.NoError(t, m.Get(ctx, Trips, "t1", &got))
	require.Equal(t, "a", got.Name)

	err := m.Get(ctx, Trips, "missing", &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateMergesTopLevel(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Name: "a", Status: "PENDING", Score: 1}))
	require.NoError(t, m.Update(ctx, Trips, "t1", map[string]any{"status": "DRIVER_ACCEPT"}))

	var got doc
	require.NoError(t, m.Get(ctx, Trips, "t1", &got))
	require.Equal(t, "DRIVER_ACCEPT", got.Status)
	// untouched fields survive the merge
	require.Equal(t, "a", got.Name)
	require.Equal(t, 1.0, got.Score)

	err := m.Update(ctx, Trips, "missing", map[string]any{"status": "X"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateIf(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Status: "PENDING"}))

	// expectation holds: patch applies
	require.NoError(t, m.UpdateIf(ctx, Trips, "t1",
		map[string]any{"status": "DRIVER_ACCEPT"},
		map[string]any{"status": "PENDING"}))

	// expectation no longer holds: conflict, document untouched
	err := m.UpdateIf(ctx, Trips, "t1",
		map[string]any{"status": "DRIVER_ACCEPT", "name": "stomped"},
		map[string]any{"status": "PENDING"})
	require.ErrorIs(t, err, ErrConflict)

	var got doc
	require.NoError(t, m.Get(ctx, Trips, "t1", &got))
	require.Equal(t, "DRIVER_ACCEPT", got.Status)
	require.Empty(t, got.Name)

	err = m.UpdateIf(ctx, Trips, "missing", map[string]any{"x": 1}, map[string]any{"status": "PENDING"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribeDeliversInitialStateEvenWhenAbsent(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()

	var mu sync.Mutex
	var snaps []Snapshot
	sub, err := m.Subscribe(Trips, "t1", func(s Snapshot, err error) {
		require.NoError(t, err)
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.False(t, snaps[0].Exists)
	mu.Unlock()
}

func TestSubscribeSeesEveryMutationAndDeletion(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Status: "PENDING"}))

	var mu sync.Mutex
	var snaps []Snapshot
	sub, err := m.Subscribe(Trips, "t1", func(s Snapshot, err error) {
		require.NoError(t, err)
		mu.Lock()
		snaps = append(snaps, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	require.NoError(t, m.Update(ctx, Trips, "t1", map[string]any{"status": "DRIVER_ACCEPT"}))
	require.NoError(t, m.Delete(ctx, Trips, "t1"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// initial, update, deletion: each a full-state snapshot
	require.True(t, snaps[0].Exists)
	require.True(t, snaps[1].Exists)
	var second doc
	require.NoError(t, snaps[1].Decode(&second))
	require.Equal(t, "DRIVER_ACCEPT", second.Status)

	require.False(t, snaps[2].Exists)
	require.ErrorIs(t, snaps[2].Decode(&second), ErrNotFound)
}

func TestReleaseStopsDelivery(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Status: "PENDING"}))

	var mu sync.Mutex
	count := 0
	sub, err := m.Subscribe(Trips, "t1", func(s Snapshot, err error) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	sub.Release()
	require.NoError(t, m.Update(ctx, Trips, "t1", map[string]any{"status": "DRIVER_ACCEPT"}))

	// give the dispatcher time to (not) deliver
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, 1, count)
	mu.Unlock()

	// releasing twice is harmless
	sub.Release()
}

func TestSubscribeQueryGetsFullResultSetPerChange(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "a", doc{Status: "PENDING"}))

	var mu sync.Mutex
	var sets [][]Snapshot
	sub, err := m.SubscribeQuery(Trips, func(snaps []Snapshot, err error) {
		require.NoError(t, err)
		mu.Lock()
		sets = append(sets, snaps)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	require.NoError(t, m.Create(ctx, Trips, "b", doc{Status: "PENDING"}))
	require.NoError(t, m.Delete(ctx, Trips, "a"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sets[0], 1)
	require.Len(t, sets[1], 2)
	// ordered by document id
	require.Equal(t, "a", sets[1][0].DocID)
	require.Equal(t, "b", sets[1][1].DocID)
	require.Len(t, sets[2], 1)
	require.Equal(t, "b", sets[2][0].DocID)
}

func TestListSortedByDocID(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Riders, "z", doc{}))
	require.NoError(t, m.Create(ctx, Riders, "a", doc{}))
	require.NoError(t, m.Create(ctx, Riders, "m", doc{}))

	snaps, err := m.List(ctx, Riders)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	require.Equal(t, "a", snaps[0].DocID)
	require.Equal(t, "m", snaps[1].DocID)
	require.Equal(t, "z", snaps[2].DocID)
}

func TestCallbackMayMutateStoreWithoutDeadlock(t *testing.T) {
	m := NewMemoryStore()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, Trips, "t1", doc{Status: "PENDING"}))

	var mu sync.Mutex
	done := false
	sub, err := m.Subscribe(Trips, "t1", func(s Snapshot, err error) {
		var cur doc
		if !s.Exists || s.Decode(&cur) != nil {
			return
		}
		if cur.Status == "PENDING" {
			// re-entrant mutation from inside a callback
			_ = m.Update(ctx, Trips, "t1", map[string]any{"status": "DRIVER_ACCEPT"})
			return
		}
		mu.Lock()
		done = true
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Release()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return done
	}, time.Second, 5*time.Millisecond)
}
