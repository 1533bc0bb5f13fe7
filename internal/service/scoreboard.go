package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecobuddy-backend/internal/config"
	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/postgres"
	"github.com/ecobuddy-backend/internal/redis"
)

// ScoreboardService serves the read side consumed by the watch app: the
// global ranking, per-user monthly aggregates, and trailing-window progress
// summaries. Rankings come from the Redis mirror with a Postgres fallback.
type ScoreboardService struct {
	mirror *redis.Mirror
	store  *postgres.Store
	config *config.LeaderboardConfig
	logger *slog.Logger
}

// NewScoreboardService creates a new scoreboard read service
func NewScoreboardService(
	mirror *redis.Mirror,
	store *postgres.Store,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *ScoreboardService {
	return &ScoreboardService{
		mirror: mirror,
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// GetTopN returns the top N users from the leaderboard
func (s *ScoreboardService) GetTopN(ctx context.Context, n int) ([]domain.RankedEntry, error) {
	// Validate limit
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}

	entries, err := s.mirror.TopN(ctx, n)
	if err != nil {
		s.logger.Warn("mirror top-n failed, falling back to store", "error", err)
		return s.store.TopEntries(ctx, n)
	}
	return entries, nil
}

// GetUserRank returns a user's rank and point total. When the mirror has
// no row yet, the rank is derived from the durable store by counting
// entries with strictly more points.
func (s *ScoreboardService) GetUserRank(ctx context.Context, userID string) (*domain.RankedEntry, error) {
	entry, err := s.mirror.Rank(ctx, userID)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		s.logger.Warn("mirror rank failed, falling back to store", "user_id", userID, "error", err)
	}

	stored, err := s.store.GetLeaderboardEntry(ctx, userID)
	if err != nil {
		return nil, err
	}
	above, err := s.store.CountAbove(ctx, stored.TotalPoints)
	if err != nil {
		return nil, fmt.Errorf("deriving rank: %w", err)
	}
	return &domain.RankedEntry{
		Rank:        above + 1,
		UserID:      stored.UserID,
		DisplayName: stored.DisplayName,
		TotalPoints: stored.TotalPoints,
	}, nil
}

// GetAroundUser returns users ranked around a specific user
func (s *ScoreboardService) GetAroundUser(ctx context.Context, userID string, count int) ([]domain.RankedEntry, error) {
	if count <= 0 {
		count = 5
	}
	if count > 50 {
		count = 50
	}
	return s.mirror.AroundUser(ctx, userID, count)
}

// GetCount returns the total number of users on the leaderboard
func (s *ScoreboardService) GetCount(ctx context.Context) (int64, error) {
	count, err := s.mirror.Count(ctx)
	if err != nil {
		s.logger.Warn("mirror count failed, falling back to store", "error", err)
		return s.store.CountEntries(ctx)
	}
	return count, nil
}

// GetMonthlyAggregate returns one monthly aggregate for a user
func (s *ScoreboardService) GetMonthlyAggregate(ctx context.Context, userID, monthKey string) (*domain.MonthlyAggregate, error) {
	return s.store.GetMonthlyAggregate(ctx, userID, monthKey)
}

// ListMonthlyAggregates returns all monthly aggregates for a user
func (s *ScoreboardService) ListMonthlyAggregates(ctx context.Context, userID string) ([]domain.MonthlyAggregate, error) {
	return s.store.ListMonthlyAggregates(ctx, userID)
}

// ListPurchases returns a user's purchases within a trailing window
func (s *ScoreboardService) ListPurchases(ctx context.Context, userID string, windowDays int) ([]domain.PurchaseRecord, error) {
	since := time.Now().AddDate(0, 0, -windowDays)
	return s.store.ListPurchasesSince(ctx, userID, since)
}

// GetProgressSummary computes the average, best, and count of a user's
// purchase scores over a trailing window of days. Purchases without a
// score are excluded from the average and best but still counted.
func (s *ScoreboardService) GetProgressSummary(ctx context.Context, userID string, windowDays int) (*domain.ProgressSummary, error) {
	records, err := s.ListPurchases(ctx, userID, windowDays)
	if err != nil {
		return nil, fmt.Errorf("listing purchases for summary: %w", err)
	}

	summary := &domain.ProgressSummary{
		UserID:     userID,
		WindowDays: windowDays,
		Count:      int64(len(records)),
	}

	var sum float64
	var scored int64
	for _, rec := range records {
		if rec.PurchaseScore == nil {
			continue
		}
		scored++
		sum += *rec.PurchaseScore
		if *rec.PurchaseScore > summary.BestScore {
			summary.BestScore = *rec.PurchaseScore
		}
	}
	if scored > 0 {
		summary.AverageScore = sum / float64(scored)
	}
	return summary, nil
}
