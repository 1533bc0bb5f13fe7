package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/score"
)

// LeaderboardAccumulator adds a purchase's rounded score to the owner's
// global point total and refreshes the stored display name from the
// identity directory.
type LeaderboardAccumulator struct {
	store     Store
	directory Directory
	mirror    Mirror
	hub       Broadcaster
	logger    *slog.Logger
	now       func() time.Time
}

// NewLeaderboardAccumulator creates a new leaderboard accumulator. The
// mirror and hub are optional; pass nil to skip the fast-read mirror and
// live broadcasts.
func NewLeaderboardAccumulator(store Store, directory Directory, mirror Mirror, hub Broadcaster, logger *slog.Logger) *LeaderboardAccumulator {
	return &LeaderboardAccumulator{
		store:     store,
		directory: directory,
		mirror:    mirror,
		hub:       hub,
		logger:    logger,
		now:       time.Now,
	}
}

// Accumulate awards round(purchaseScore) points to the user. A nil or
// non-positive score is a no-op. The identity lookup runs before the
// transaction opens: its result does not depend on the entry's prior state,
// and staging it outside keeps directory I/O out of the retried closure.
func (a *LeaderboardAccumulator) Accumulate(ctx context.Context, userID string, purchaseScore *float64) error {
	if purchaseScore == nil || *purchaseScore <= 0 {
		return nil
	}
	points := score.Points(*purchaseScore)

	resolvedName := ""
	user, err := a.directory.LookupUser(ctx, userID)
	if err != nil {
		a.logger.Warn("could not fetch user name", "user_id", userID, "error", err)
	} else {
		resolvedName = user.BestName()
	}

	var updated domain.LeaderboardEntry
	err = a.store.WithTx(ctx, func(tx Tx) error {
		prior, err := tx.LeaderboardEntry(ctx, userID)
		if err != nil {
			if !errors.Is(err, domain.ErrEntryNotFound) {
				return fmt.Errorf("reading leaderboard entry: %w", err)
			}
			prior = domain.LeaderboardEntry{UserID: userID, DisplayName: domain.AnonymousName}
		}

		name := resolvedName
		if name == "" {
			name = prior.DisplayName
		}
		if name == "" {
			name = domain.AnonymousName
		}

		updated = domain.LeaderboardEntry{
			UserID:      userID,
			DisplayName: name,
			TotalPoints: prior.TotalPoints + points,
			LastUpdated: a.now(),
		}
		return tx.MergeLeaderboardEntry(ctx, updated)
	})
	if err != nil {
		return fmt.Errorf("accumulating leaderboard points: %w", err)
	}

	if a.mirror != nil {
		if err := a.mirror.SetTotal(ctx, userID, updated.DisplayName, updated.TotalPoints); err != nil {
			a.logger.Warn("failed to update ranking mirror", "user_id", userID, "error", err)
		}
	}
	if a.hub != nil {
		a.hub.BroadcastEntry(updated)
	}

	a.logger.Info("leaderboard updated",
		"user_id", userID,
		"points_added", points,
		"total_points", updated.TotalPoints,
	)
	return nil
}
