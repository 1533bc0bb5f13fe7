package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ecobuddy-backend/internal/domain"
)

// MonthlyAccumulator folds purchase results into the per-user-per-month
// aggregate. Each invocation issues exactly one store transaction; the
// store's retry mechanism serializes conflicting writers on the same key.
type MonthlyAccumulator struct {
	store  Store
	logger *slog.Logger
}

// NewMonthlyAccumulator creates a new monthly aggregate accumulator
func NewMonthlyAccumulator(store Store, logger *slog.Logger) *MonthlyAccumulator {
	return &MonthlyAccumulator{
		store:  store,
		logger: logger,
	}
}

// Accumulate adds a purchase's score and item quantity to the (userID,
// monthKey) aggregate. A nil scoreToAdd contributes zero score but the item
// count is still applied, so unscored purchases remain visible in the
// monthly totals.
func (a *MonthlyAccumulator) Accumulate(ctx context.Context, userID, monthKey string, scoreToAdd *float64, itemCountToAdd int64) error {
	err := a.store.WithTx(ctx, func(tx Tx) error {
		prior, err := tx.MonthlyAggregate(ctx, userID, monthKey)
		if err != nil && !errors.Is(err, domain.ErrAggregateNotFound) {
			return fmt.Errorf("reading monthly aggregate: %w", err)
		}

		next := domain.MonthlyAggregate{
			UserID:     userID,
			MonthKey:   monthKey,
			TotalScore: prior.TotalScore,
			ItemCount:  prior.ItemCount + itemCountToAdd,
		}
		if scoreToAdd != nil {
			next.TotalScore += *scoreToAdd
		}

		return tx.MergeMonthlyAggregate(ctx, next)
	})
	if err != nil {
		return fmt.Errorf("accumulating monthly aggregate: %w", err)
	}

	a.logger.Debug("monthly aggregate updated",
		"user_id", userID,
		"month_key", monthKey,
		"items_added", itemCountToAdd,
	)
	return nil
}
