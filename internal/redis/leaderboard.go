package redis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/ecobuddy-backend/internal/config"
	"github.com/ecobuddy-backend/internal/domain"
)

const (
	// boardKey is the sorted set holding every user's total points.
	boardKey = "ecoboard:points"
)

// Mirror keeps the global leaderboard in a Redis sorted set for fast
// top-N and rank reads. Postgres stays the source of truth; the sync
// worker reconciles drift.
type Mirror struct {
	client *redis.Client
	logger *slog.Logger
}

// NewMirror creates a new Redis leaderboard mirror
func NewMirror(cfg *config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Mirror{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (m *Mirror) Close() error {
	return m.client.Close()
}

// profileKey returns the hash key caching a user's display name
func (m *Mirror) profileKey(userID string) string {
	return fmt.Sprintf("ecoboard:user:%s:profile", userID)
}

// SetTotal writes a user's committed point total and display name. The
// total is set, not incremented: the durable store already folded the
// purchase in, so replaying the same value is harmless.
func (m *Mirror) SetTotal(ctx context.Context, userID, displayName string, totalPoints int64) error {
	pipe := m.client.Pipeline()
	pipe.ZAdd(ctx, boardKey, redis.Z{
		Score:  float64(totalPoints),
		Member: userID,
	})
	if displayName != "" {
		pipe.HSet(ctx, m.profileKey(userID), "display_name", displayName)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("setting total: %w", err)
	}
	return nil
}

// TopN returns the highest-ranked users, descending by points.
func (m *Mirror) TopN(ctx context.Context, n int) ([]domain.RankedEntry, error) {
	results, err := m.client.ZRevRangeWithScores(ctx, boardKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top n: %w", err)
	}
	return m.toRanked(ctx, results, 0)
}

// Range returns users within a 0-indexed rank range.
func (m *Mirror) Range(ctx context.Context, start, end int) ([]domain.RankedEntry, error) {
	results, err := m.client.ZRevRangeWithScores(ctx, boardKey, int64(start), int64(end)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting range: %w", err)
	}
	return m.toRanked(ctx, results, int64(start))
}

// toRanked converts sorted-set rows into ranked entries, attaching cached
// display names where present.
func (m *Mirror) toRanked(ctx context.Context, results []redis.Z, offset int64) ([]domain.RankedEntry, error) {
	entries := make([]domain.RankedEntry, len(results))
	for i, result := range results {
		userID := result.Member.(string)
		entries[i] = domain.RankedEntry{
			Rank:        offset + int64(i) + 1,
			UserID:      userID,
			TotalPoints: int64(result.Score),
		}
		name, err := m.client.HGet(ctx, m.profileKey(userID), "display_name").Result()
		if err == nil {
			entries[i].DisplayName = name
		}
	}
	return entries, nil
}

// Rank returns a user's 1-indexed rank and point total.
func (m *Mirror) Rank(ctx context.Context, userID string) (*domain.RankedEntry, error) {
	pipe := m.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, boardKey, userID)
	scoreCmd := pipe.ZScore(ctx, boardKey, userID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("getting rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if err == redis.Nil {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}
	points, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}

	entry := &domain.RankedEntry{
		Rank:        rank + 1, // Convert 0-indexed to 1-indexed
		UserID:      userID,
		TotalPoints: int64(points),
	}
	if name, err := m.client.HGet(ctx, m.profileKey(userID), "display_name").Result(); err == nil {
		entry.DisplayName = name
	}
	return entry, nil
}

// AroundUser returns users ranked around a specific user.
func (m *Mirror) AroundUser(ctx context.Context, userID string, count int) ([]domain.RankedEntry, error) {
	entry, err := m.Rank(ctx, userID)
	if err != nil {
		return nil, err
	}

	start := entry.Rank - int64(count) - 1 // rank is 1-indexed
	if start < 0 {
		start = 0
	}
	end := entry.Rank + int64(count) - 1

	return m.Range(ctx, int(start), int(end))
}

// Count returns the number of users on the board.
func (m *Mirror) Count(ctx context.Context) (int64, error) {
	count, err := m.client.ZCard(ctx, boardKey).Result()
	if err != nil {
		return 0, fmt.Errorf("getting count: %w", err)
	}
	return count, nil
}

// BatchSetTotals loads many entries at once using pipelining (used by the
// reconciliation worker).
func (m *Mirror) BatchSetTotals(ctx context.Context, entries []domain.LeaderboardEntry) error {
	if len(entries) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, entry := range entries {
		pipe.ZAdd(ctx, boardKey, redis.Z{
			Score:  float64(entry.TotalPoints),
			Member: entry.UserID,
		})
		if entry.DisplayName != "" {
			pipe.HSet(ctx, m.profileKey(entry.UserID), "display_name", entry.DisplayName)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch setting totals: %w", err)
	}
	return nil
}
