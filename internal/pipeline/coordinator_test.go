package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecobuddy-backend/internal/domain"
)

func iptr(v int) *int { return &v }

func newTestCoordinator(store Store, dir Directory) *Coordinator {
	logger := testLogger()
	monthly := NewMonthlyAccumulator(store, logger)
	leaderboard := NewLeaderboardAccumulator(store, dir, nil, nil, logger)
	return NewCoordinator(store, monthly, leaderboard, logger)
}

func TestHandleChangeDeletionIsNoOp(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubDirectory{})

	outcome, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		Before:     &domain.PurchaseRecord{},
		After:      nil,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, outcome)
	assert.Empty(t, store.purchases)
	assert.Zero(t, store.txCalls)
}

func TestHandleChangeRejectsMissingIDs(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubDirectory{})

	_, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		PurchaseID: "p1",
		After:      &domain.PurchaseRecord{},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestHandleChangeEndToEnd(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess Chen"}}
	coord := newTestCoordinator(store, dir)

	purchaseDate := time.Date(2024, time.March, 14, 10, 0, 0, 0, time.UTC)
	outcome, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items: []domain.LineItem{
				{Score: fptr(90), Qty: iptr(1), UnitPrice: fptr(5)},
				{Score: fptr(60), Qty: iptr(1), UnitPrice: fptr(5)},
			},
			PurchaseDate: purchaseDate,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScored, outcome)

	rec, ok := store.purchase("u1", "p1")
	require.True(t, ok)
	require.NotNil(t, rec.PurchaseScore)
	assert.Equal(t, 75.0, *rec.PurchaseScore)

	agg, ok := store.aggregate("u1", "202403")
	require.True(t, ok)
	assert.Equal(t, 75.0, agg.TotalScore)
	assert.Equal(t, int64(2), agg.ItemCount)

	entry, ok := store.entry("u1")
	require.True(t, ok)
	assert.Equal(t, int64(75), entry.TotalPoints)
	assert.Equal(t, "Jess Chen", entry.DisplayName)
}

func TestHandleChangeZeroWeightItemsScoreAbsent(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubDirectory{})

	outcome, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items:        []domain.LineItem{{Score: fptr(5), Qty: iptr(0), UnitPrice: fptr(2)}},
			PurchaseDate: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScoredNoPoints, outcome)

	rec, ok := store.purchase("u1", "p1")
	require.True(t, ok)
	assert.Nil(t, rec.PurchaseScore)

	agg, ok := store.aggregate("u1", "202403")
	require.True(t, ok)
	assert.Equal(t, 0.0, agg.TotalScore)
	assert.Equal(t, int64(0), agg.ItemCount)

	_, ok = store.entry("u1")
	assert.False(t, ok, "leaderboard untouched without a positive score")
}

func TestHandleChangeZeroScoreSkipsLeaderboard(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubDirectory{})

	outcome, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items:        []domain.LineItem{{Score: fptr(0), Qty: iptr(3), UnitPrice: fptr(2)}},
			PurchaseDate: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeScoredNoPoints, outcome)

	rec, _ := store.purchase("u1", "p1")
	require.NotNil(t, rec.PurchaseScore)
	assert.Equal(t, 0.0, *rec.PurchaseScore)

	agg, _ := store.aggregate("u1", "202403")
	assert.Equal(t, int64(3), agg.ItemCount)

	_, ok := store.entry("u1")
	assert.False(t, ok)
}

func TestHandleChangeMissingDateFallsBackToNow(t *testing.T) {
	store := newMemStore()
	coord := newTestCoordinator(store, &stubDirectory{user: &domain.User{ID: "u1"}})
	coord.now = func() time.Time {
		return time.Date(2025, time.January, 2, 0, 0, 0, 0, time.UTC)
	}

	_, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items: []domain.LineItem{{Score: fptr(50)}},
		},
	})
	require.NoError(t, err)

	_, ok := store.aggregate("u1", "202501")
	assert.True(t, ok, "aggregate keyed by processing-time month")
}

func TestHandleChangePersistFailureFailsEvent(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("write refused")
	coord := newTestCoordinator(store, &stubDirectory{})

	_, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items: []domain.LineItem{{Score: fptr(50)}},
		},
	})
	require.Error(t, err)
	assert.Zero(t, store.txCalls, "accumulators must not run after a failed persist")
}

func TestHandleChangeAccumulatorFailureFailsEvent(t *testing.T) {
	store := newMemStore()
	store.txErr = errors.New("transaction aborted")
	coord := newTestCoordinator(store, &stubDirectory{user: &domain.User{ID: "u1"}})

	_, err := coord.HandleChange(context.Background(), domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items: []domain.LineItem{{Score: fptr(50)}},
		},
	})
	assert.Error(t, err)
}

func TestHandleChangeIdempotentScoreWrite(t *testing.T) {
	store := newMemStore()
	dir := &stubDirectory{user: &domain.User{ID: "u1", DisplayName: "Jess"}}
	coord := newTestCoordinator(store, dir)

	event := domain.ChangeEvent{
		UserID:     "u1",
		PurchaseID: "p1",
		After: &domain.PurchaseRecord{
			Items:        []domain.LineItem{{Score: fptr(80), Qty: iptr(1), UnitPrice: fptr(2)}},
			PurchaseDate: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	_, err := coord.HandleChange(context.Background(), event)
	require.NoError(t, err)
	_, err = coord.HandleChange(context.Background(), event)
	require.NoError(t, err)

	// The score on the record is stable across redelivery...
	rec, _ := store.purchase("u1", "p1")
	assert.Equal(t, 80.0, *rec.PurchaseScore)

	// ...but the accumulations double-apply. At-least-once redelivery
	// after partial success is a known correctness gap.
	agg, _ := store.aggregate("u1", "202403")
	assert.Equal(t, 160.0, agg.TotalScore)
	entry, _ := store.entry("u1")
	assert.Equal(t, int64(160), entry.TotalPoints)
}
