package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/score"
)

// Outcome is the terminal state of one change-event handling.
type Outcome string

const (
	// OutcomeNoOp means the after-snapshot was absent (deletion); nothing
	// was written.
	OutcomeNoOp Outcome = "no-op"
	// OutcomeScored means a positive score was computed and persisted and
	// both accumulators applied it.
	OutcomeScored Outcome = "scored"
	// OutcomeScoredNoPoints means the score was absent or non-positive;
	// only the monthly aggregate's item count advanced.
	OutcomeScoredNoPoints Outcome = "scored-no-points"
)

// Coordinator handles purchase change events end to end. It is invoked once
// per event delivery and runs to completion or fails outright; a failure
// leaves the event to the transport's redelivery policy.
type Coordinator struct {
	store       Store
	monthly     *MonthlyAccumulator
	leaderboard *LeaderboardAccumulator
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator creates a new change-event coordinator
func NewCoordinator(store Store, monthly *MonthlyAccumulator, leaderboard *LeaderboardAccumulator, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		monthly:     monthly,
		leaderboard: leaderboard,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleChange processes one purchase change event: score the after
// snapshot's line items, persist the score onto the record, then fold the
// result into the monthly aggregate and the leaderboard. The two
// accumulators touch disjoint keys and run concurrently.
func (c *Coordinator) HandleChange(ctx context.Context, event domain.ChangeEvent) (Outcome, error) {
	if event.After == nil {
		c.logger.Debug("purchase deleted, nothing to do",
			"user_id", event.UserID,
			"purchase_id", event.PurchaseID,
		)
		return OutcomeNoOp, nil
	}
	if event.UserID == "" || event.PurchaseID == "" {
		return OutcomeNoOp, domain.ErrInvalidEvent
	}

	rec := *event.After
	rec.UserID = event.UserID
	rec.PurchaseID = event.PurchaseID

	value, scored := score.Compute(rec.Items)
	var purchaseScore *float64
	if scored {
		purchaseScore = &value
	}
	rec.PurchaseScore = purchaseScore

	if err := c.store.SavePurchase(ctx, rec); err != nil {
		return "", fmt.Errorf("persisting purchase score: %w", err)
	}

	monthKey := score.MonthKeyAt(rec.PurchaseDate, c.now())
	itemCount := score.ItemCount(rec.Items)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = c.monthly.Accumulate(ctx, event.UserID, monthKey, purchaseScore, itemCount)
	}()
	go func() {
		defer wg.Done()
		errs[1] = c.leaderboard.Accumulate(ctx, event.UserID, purchaseScore)
	}()
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return "", fmt.Errorf("accumulating purchase: %w", err)
	}

	outcome := OutcomeScoredNoPoints
	if scored && value > 0 {
		outcome = OutcomeScored
	}
	c.logger.Info("purchase processed",
		"user_id", event.UserID,
		"purchase_id", event.PurchaseID,
		"month_key", monthKey,
		"outcome", string(outcome),
	)
	return outcome, nil
}
