package domain

import "time"

// AnonymousName is used for leaderboard entries whose owner has no
// resolvable display name.
const AnonymousName = "Anonymous"

// MonthlyAggregate is a per-user running total of purchase scores and item
// quantities, bucketed by calendar month (YYYYMM key). Both fields only
// ever grow under pipeline writes.
type MonthlyAggregate struct {
	UserID     string  `json:"user_id"`
	MonthKey   string  `json:"month_key"`
	TotalScore float64 `json:"total_score"`
	ItemCount  int64   `json:"item_count"`
}

// LeaderboardEntry is a user's row in the global points ranking.
type LeaderboardEntry struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	TotalPoints int64     `json:"total_points"`
	LastUpdated time.Time `json:"last_updated"`
}

// RankedEntry is a leaderboard entry annotated with its 1-indexed rank.
type RankedEntry struct {
	Rank        int64  `json:"rank"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	TotalPoints int64  `json:"total_points"`
}

// ProgressSummary is the trailing-window view of a user's purchase scores
// consumed by the watch app's progress screen.
type ProgressSummary struct {
	UserID       string  `json:"user_id"`
	WindowDays   int     `json:"window_days"`
	AverageScore float64 `json:"average_score"`
	BestScore    float64 `json:"best_score"`
	Count        int64   `json:"count"`
}
