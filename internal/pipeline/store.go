// Package pipeline reacts to purchase change events: it computes the
// purchase score, persists it onto the source record, and folds the result
// into the per-user monthly aggregate and the global leaderboard.
package pipeline

import (
	"context"

	"github.com/ecobuddy-backend/internal/domain"
)

// Tx is the set of document operations available inside one atomic store
// transaction. Reads return the domain not-found errors when no document
// exists yet; writes are field merges that preserve untouched columns.
type Tx interface {
	MonthlyAggregate(ctx context.Context, userID, monthKey string) (domain.MonthlyAggregate, error)
	MergeMonthlyAggregate(ctx context.Context, agg domain.MonthlyAggregate) error
	LeaderboardEntry(ctx context.Context, userID string) (domain.LeaderboardEntry, error)
	MergeLeaderboardEntry(ctx context.Context, entry domain.LeaderboardEntry) error
}

// Store is the document-store surface the pipeline depends on. WithTx must
// run fn atomically and retry the whole closure on conflicting concurrent
// writers, so fn has to be safe to re-execute from the read onward.
type Store interface {
	SavePurchase(ctx context.Context, rec domain.PurchaseRecord) error
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Directory resolves user identities for display-name lookups. Failures are
// always recoverable for callers in this package.
type Directory interface {
	LookupUser(ctx context.Context, userID string) (*domain.User, error)
}

// Mirror receives the committed leaderboard total for fast ranking reads.
// Updates are best effort; the durable store stays authoritative.
type Mirror interface {
	SetTotal(ctx context.Context, userID, displayName string, totalPoints int64) error
}

// Broadcaster pushes committed leaderboard entries to live subscribers.
type Broadcaster interface {
	BroadcastEntry(entry domain.LeaderboardEntry)
}
