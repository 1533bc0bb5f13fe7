package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecobuddy-backend/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fptr(v float64) *float64 { return &v }

func TestMonthlyAccumulatorFirstWrite(t *testing.T) {
	store := newMemStore()
	acc := NewMonthlyAccumulator(store, testLogger())

	err := acc.Accumulate(context.Background(), "u1", "202403", fptr(10.5), 3)
	require.NoError(t, err)

	agg, ok := store.aggregate("u1", "202403")
	require.True(t, ok)
	assert.Equal(t, 10.5, agg.TotalScore)
	assert.Equal(t, int64(3), agg.ItemCount)
}

func TestMonthlyAccumulatorAddsToPrior(t *testing.T) {
	store := newMemStore()
	store.aggregates[aggKey("u1", "202403")] = domain.MonthlyAggregate{
		UserID: "u1", MonthKey: "202403", TotalScore: 20, ItemCount: 2,
	}
	acc := NewMonthlyAccumulator(store, testLogger())

	err := acc.Accumulate(context.Background(), "u1", "202403", fptr(10), 3)
	require.NoError(t, err)

	agg, _ := store.aggregate("u1", "202403")
	assert.Equal(t, 30.0, agg.TotalScore)
	assert.Equal(t, int64(5), agg.ItemCount)
}

func TestMonthlyAccumulatorNilScoreStillCountsItems(t *testing.T) {
	store := newMemStore()
	acc := NewMonthlyAccumulator(store, testLogger())

	err := acc.Accumulate(context.Background(), "u1", "202403", nil, 4)
	require.NoError(t, err)

	agg, ok := store.aggregate("u1", "202403")
	require.True(t, ok)
	assert.Equal(t, 0.0, agg.TotalScore)
	assert.Equal(t, int64(4), agg.ItemCount)
}

func TestMonthlyAccumulatorConcurrentSameKey(t *testing.T) {
	store := newMemStore()
	acc := NewMonthlyAccumulator(store, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, acc.Accumulate(context.Background(), "u1", "202403", fptr(10), 3))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, acc.Accumulate(context.Background(), "u1", "202403", fptr(20), 2))
	}()
	wg.Wait()

	agg, ok := store.aggregate("u1", "202403")
	require.True(t, ok)
	assert.Equal(t, 30.0, agg.TotalScore)
	assert.Equal(t, int64(5), agg.ItemCount)
}

func TestMonthlyAccumulatorRetryReexecutesReads(t *testing.T) {
	store := &retryStore{memStore: newMemStore()}
	store.aggregates[aggKey("u1", "202403")] = domain.MonthlyAggregate{
		UserID: "u1", MonthKey: "202403", TotalScore: 5, ItemCount: 1,
	}
	acc := NewMonthlyAccumulator(store, testLogger())

	err := acc.Accumulate(context.Background(), "u1", "202403", fptr(10), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, store.attempts)

	agg, _ := store.aggregate("u1", "202403")
	assert.Equal(t, 15.0, agg.TotalScore, "retried closure must not double-apply")
	assert.Equal(t, int64(4), agg.ItemCount)
}

func TestMonthlyAccumulatorStoreFailure(t *testing.T) {
	store := newMemStore()
	store.txErr = errors.New("connection reset")
	acc := NewMonthlyAccumulator(store, testLogger())

	err := acc.Accumulate(context.Background(), "u1", "202403", fptr(10), 3)
	assert.Error(t, err)
}

func TestLeaderboardAccumulatorNoOpOnAbsentOrNonPositive(t *testing.T) {
	for _, score := range []*float64{nil, fptr(0), fptr(-3.2)} {
		store := newMemStore()
		dir := &stubDirectory{}
		acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

		err := acc.Accumulate(context.Background(), "u1", score)
		require.NoError(t, err)
		assert.Zero(t, store.txCalls, "no transaction expected")
		assert.Zero(t, dir.calls, "no identity lookup expected")
		_, ok := store.entry("u1")
		assert.False(t, ok)
	}
}

func TestLeaderboardAccumulatorRoundsPoints(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	err := acc.Accumulate(context.Background(), "u1", fptr(7.4))
	require.NoError(t, err)

	entry, ok := store.entry("u1")
	require.True(t, ok)
	assert.Equal(t, int64(7), entry.TotalPoints)
	assert.Equal(t, "Jess", entry.DisplayName)
	assert.False(t, entry.LastUpdated.IsZero())
}

func TestLeaderboardAccumulatorAccumulatesAcrossPurchases(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	require.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(10.2)))
	require.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(5.4)))

	entry, _ := store.entry("u1")
	assert.Equal(t, int64(15), entry.TotalPoints)
}

func TestLeaderboardAccumulatorFallsBackToEmail(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", Email: "jess@example.com"}}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	require.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(3)))

	entry, _ := store.entry("u1")
	assert.Equal(t, "jess@example.com", entry.DisplayName)
}

func TestLeaderboardAccumulatorLookupFailureKeepsStoredName(t *testing.T) {
	store := newMemStore()
	store.entries["u1"] = domain.LeaderboardEntry{
		UserID: "u1", DisplayName: "Old Name", TotalPoints: 10, LastUpdated: time.Now(),
	}
	dir := &stubDirectory{err: errors.New("directory unavailable")}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	err := acc.Accumulate(context.Background(), "u1", fptr(5))
	require.NoError(t, err, "lookup failure must not fail the accumulation")

	entry, _ := store.entry("u1")
	assert.Equal(t, "Old Name", entry.DisplayName)
	assert.Equal(t, int64(15), entry.TotalPoints)
}

func TestLeaderboardAccumulatorLookupFailureDefaultsAnonymous(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{err: domain.ErrUserNotFound}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	require.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(5)))

	entry, _ := store.entry("u1")
	assert.Equal(t, domain.AnonymousName, entry.DisplayName)
	assert.Equal(t, int64(5), entry.TotalPoints)
}

func TestLeaderboardAccumulatorMirrorFailureIsSwallowed(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	mirror := newRecordingMirror()
	mirror.err = errors.New("redis down")
	acc := NewLeaderboardAccumulator(store, dir, mirror, nil, testLogger())

	err := acc.Accumulate(context.Background(), "u1", fptr(5))
	require.NoError(t, err)

	entry, ok := store.entry("u1")
	require.True(t, ok)
	assert.Equal(t, int64(5), entry.TotalPoints)
}

func TestLeaderboardAccumulatorUpdatesMirrorAndHub(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	mirror := newRecordingMirror()
	hub := &recordingHub{}
	acc := NewLeaderboardAccumulator(store, dir, mirror, hub, testLogger())

	require.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(7.4)))

	assert.Equal(t, int64(7), mirror.totals["u1"])
	assert.Equal(t, "Jess", mirror.names["u1"])
	require.Len(t, hub.entries, 1)
	assert.Equal(t, int64(7), hub.entries[0].TotalPoints)
}

func TestLeaderboardAccumulatorConcurrentSameUser(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	acc := NewLeaderboardAccumulator(store, dir, nil, nil, testLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(10)))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, acc.Accumulate(context.Background(), "u1", fptr(20)))
	}()
	wg.Wait()

	entry, _ := store.entry("u1")
	assert.Equal(t, int64(30), entry.TotalPoints)
}
