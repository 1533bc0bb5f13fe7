package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecobuddy-backend/internal/config"
	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/pipeline"
)

// maxTxRetries bounds how often a conflicting serializable transaction is
// re-attempted before the error is surfaced to the event handler.
const maxTxRetries = 5

// Store provides PostgreSQL-based document access: purchases, monthly
// aggregates, leaderboard entries, and the user identity directory.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a new PostgreSQL store
func NewStore(cfg *config.PostgresConfig, logger *slog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	s.pool.Close()
}

// Pool returns the underlying connection pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// RunMigrations executes database migrations
func (s *Store) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			email VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS purchases (
			user_id VARCHAR(64) NOT NULL,
			purchase_id VARCHAR(64) NOT NULL,
			items JSONB NOT NULL DEFAULT '[]',
			purchase_date TIMESTAMPTZ,
			purchase_score DOUBLE PRECISION,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, purchase_id)
		)`,
		`CREATE TABLE IF NOT EXISTS monthly_aggregates (
			user_id VARCHAR(64) NOT NULL,
			month_key CHAR(6) NOT NULL,
			total_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			item_count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, month_key)
		)`,
		`CREATE TABLE IF NOT EXISTS leaderboard (
			user_id VARCHAR(64) PRIMARY KEY,
			display_name VARCHAR(255) NOT NULL DEFAULT 'Anonymous',
			total_points BIGINT NOT NULL DEFAULT 0,
			last_updated TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_user_date ON purchases(user_id, purchase_date DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_leaderboard_points ON leaderboard(total_points DESC)`,
	}

	for _, migration := range migrations {
		_, err := s.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	s.logger.Info("database migrations completed")
	return nil
}

// WithTx runs fn inside a serializable transaction and retries the whole
// closure when concurrent writers conflict, so fn re-executes its reads on
// every attempt. This is what makes the accumulators' read-modify-write
// safe under concurrent invocations for the same key.
func (s *Store) WithTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	var err error
	for attempt := 0; attempt <= maxTxRetries; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationFailure(err) {
			return err
		}
		s.logger.Debug("retrying conflicting transaction", "attempt", attempt+1)
	}
	return fmt.Errorf("transaction conflict persisted after %d retries: %w", maxTxRetries, err)
}

func (s *Store) runTx(ctx context.Context, fn func(tx pipeline.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&storeTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isSerializationFailure reports whether err is a serialization or deadlock
// failure (SQLSTATE 40001 / 40P01), the only errors worth re-running the
// transaction for.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// storeTx adapts a pgx transaction to the pipeline's document operations.
type storeTx struct {
	tx pgx.Tx
}

// MonthlyAggregate reads the aggregate for (userID, monthKey).
func (t *storeTx) MonthlyAggregate(ctx context.Context, userID, monthKey string) (domain.MonthlyAggregate, error) {
	query := `
		SELECT user_id, month_key, total_score, item_count
		FROM monthly_aggregates
		WHERE user_id = $1 AND month_key = $2
	`
	var agg domain.MonthlyAggregate
	err := t.tx.QueryRow(ctx, query, userID, monthKey).Scan(
		&agg.UserID,
		&agg.MonthKey,
		&agg.TotalScore,
		&agg.ItemCount,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MonthlyAggregate{}, domain.ErrAggregateNotFound
		}
		return domain.MonthlyAggregate{}, fmt.Errorf("getting monthly aggregate: %w", err)
	}
	agg.MonthKey = monthKey
	return agg, nil
}

// MergeMonthlyAggregate upserts the aggregate totals, leaving any column
// not carried by agg untouched.
func (t *storeTx) MergeMonthlyAggregate(ctx context.Context, agg domain.MonthlyAggregate) error {
	query := `
		INSERT INTO monthly_aggregates (user_id, month_key, total_score, item_count)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, month_key)
		DO UPDATE SET total_score = $3, item_count = $4
	`
	_, err := t.tx.Exec(ctx, query, agg.UserID, agg.MonthKey, agg.TotalScore, agg.ItemCount)
	if err != nil {
		return fmt.Errorf("merging monthly aggregate: %w", err)
	}
	return nil
}

// LeaderboardEntry reads a user's leaderboard row.
func (t *storeTx) LeaderboardEntry(ctx context.Context, userID string) (domain.LeaderboardEntry, error) {
	query := `
		SELECT user_id, display_name, total_points, last_updated
		FROM leaderboard
		WHERE user_id = $1
	`
	var entry domain.LeaderboardEntry
	err := t.tx.QueryRow(ctx, query, userID).Scan(
		&entry.UserID,
		&entry.DisplayName,
		&entry.TotalPoints,
		&entry.LastUpdated,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.LeaderboardEntry{}, domain.ErrEntryNotFound
		}
		return domain.LeaderboardEntry{}, fmt.Errorf("getting leaderboard entry: %w", err)
	}
	return entry, nil
}

// MergeLeaderboardEntry upserts a user's leaderboard row.
func (t *storeTx) MergeLeaderboardEntry(ctx context.Context, entry domain.LeaderboardEntry) error {
	query := `
		INSERT INTO leaderboard (user_id, display_name, total_points, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET display_name = $2, total_points = $3, last_updated = $4
	`
	_, err := t.tx.Exec(ctx, query, entry.UserID, entry.DisplayName, entry.TotalPoints, entry.LastUpdated)
	if err != nil {
		return fmt.Errorf("merging leaderboard entry: %w", err)
	}
	return nil
}

// SavePurchase upserts the purchase snapshot together with its computed
// score. The same score written twice is naturally idempotent.
func (s *Store) SavePurchase(ctx context.Context, rec domain.PurchaseRecord) error {
	itemsJSON, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("marshaling line items: %w", err)
	}

	var purchaseDate *time.Time
	if !rec.PurchaseDate.IsZero() {
		purchaseDate = &rec.PurchaseDate
	}

	query := `
		INSERT INTO purchases (user_id, purchase_id, items, purchase_date, purchase_score, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, purchase_id)
		DO UPDATE SET items = $3, purchase_date = $4, purchase_score = $5, updated_at = $6
	`
	_, err = s.pool.Exec(ctx, query, rec.UserID, rec.PurchaseID, itemsJSON, purchaseDate, rec.PurchaseScore, time.Now())
	if err != nil {
		return fmt.Errorf("saving purchase: %w", err)
	}
	return nil
}

// GetPurchase retrieves a single purchase record.
func (s *Store) GetPurchase(ctx context.Context, userID, purchaseID string) (*domain.PurchaseRecord, error) {
	query := `
		SELECT user_id, purchase_id, items, purchase_date, purchase_score
		FROM purchases
		WHERE user_id = $1 AND purchase_id = $2
	`
	rec, err := scanPurchase(s.pool.QueryRow(ctx, query, userID, purchaseID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("getting purchase: %w", err)
	}
	return rec, nil
}

// ListPurchasesSince retrieves a user's purchases dated at or after the
// given time, newest first.
func (s *Store) ListPurchasesSince(ctx context.Context, userID string, since time.Time) ([]domain.PurchaseRecord, error) {
	query := `
		SELECT user_id, purchase_id, items, purchase_date, purchase_score
		FROM purchases
		WHERE user_id = $1 AND purchase_date >= $2
		ORDER BY purchase_date DESC
	`
	rows, err := s.pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("listing purchases: %w", err)
	}
	defer rows.Close()

	var records []domain.PurchaseRecord
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning purchase: %w", err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPurchase(row rowScanner) (*domain.PurchaseRecord, error) {
	var rec domain.PurchaseRecord
	var itemsJSON []byte
	var purchaseDate *time.Time
	if err := row.Scan(&rec.UserID, &rec.PurchaseID, &itemsJSON, &purchaseDate, &rec.PurchaseScore); err != nil {
		return nil, err
	}
	if purchaseDate != nil {
		rec.PurchaseDate = *purchaseDate
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &rec.Items); err != nil {
			return nil, fmt.Errorf("unmarshaling line items: %w", err)
		}
	}
	return &rec, nil
}

// GetMonthlyAggregate retrieves one monthly aggregate outside a transaction.
func (s *Store) GetMonthlyAggregate(ctx context.Context, userID, monthKey string) (*domain.MonthlyAggregate, error) {
	query := `
		SELECT user_id, month_key, total_score, item_count
		FROM monthly_aggregates
		WHERE user_id = $1 AND month_key = $2
	`
	var agg domain.MonthlyAggregate
	err := s.pool.QueryRow(ctx, query, userID, monthKey).Scan(
		&agg.UserID,
		&agg.MonthKey,
		&agg.TotalScore,
		&agg.ItemCount,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAggregateNotFound
		}
		return nil, fmt.Errorf("getting monthly aggregate: %w", err)
	}
	agg.MonthKey = monthKey
	return &agg, nil
}

// ListMonthlyAggregates retrieves all of a user's monthly aggregates,
// newest month first.
func (s *Store) ListMonthlyAggregates(ctx context.Context, userID string) ([]domain.MonthlyAggregate, error) {
	query := `
		SELECT user_id, month_key, total_score, item_count
		FROM monthly_aggregates
		WHERE user_id = $1
		ORDER BY month_key DESC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("listing monthly aggregates: %w", err)
	}
	defer rows.Close()

	var aggs []domain.MonthlyAggregate
	for rows.Next() {
		var agg domain.MonthlyAggregate
		if err := rows.Scan(&agg.UserID, &agg.MonthKey, &agg.TotalScore, &agg.ItemCount); err != nil {
			return nil, fmt.Errorf("scanning monthly aggregate: %w", err)
		}
		agg.MonthKey = trimMonthKey(agg.MonthKey)
		aggs = append(aggs, agg)
	}
	return aggs, nil
}

// trimMonthKey strips the padding CHAR(6) columns carry back.
func trimMonthKey(key string) string {
	for len(key) > 0 && key[len(key)-1] == ' ' {
		key = key[:len(key)-1]
	}
	return key
}

// GetLeaderboardEntry retrieves a user's leaderboard row outside a
// transaction.
func (s *Store) GetLeaderboardEntry(ctx context.Context, userID string) (*domain.LeaderboardEntry, error) {
	query := `
		SELECT user_id, display_name, total_points, last_updated
		FROM leaderboard
		WHERE user_id = $1
	`
	var entry domain.LeaderboardEntry
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&entry.UserID,
		&entry.DisplayName,
		&entry.TotalPoints,
		&entry.LastUpdated,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("getting leaderboard entry: %w", err)
	}
	return &entry, nil
}

// TopEntries retrieves the highest-scoring leaderboard rows with ranks.
func (s *Store) TopEntries(ctx context.Context, limit int) ([]domain.RankedEntry, error) {
	query := `
		SELECT user_id, display_name, total_points,
			   ROW_NUMBER() OVER (ORDER BY total_points DESC) as rank
		FROM leaderboard
		ORDER BY total_points DESC
		LIMIT $1
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("getting top entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.RankedEntry
	for rows.Next() {
		var entry domain.RankedEntry
		if err := rows.Scan(&entry.UserID, &entry.DisplayName, &entry.TotalPoints, &entry.Rank); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CountAbove returns how many users hold strictly more points, i.e. the
// rank-by-count-above-me query.
func (s *Store) CountAbove(ctx context.Context, totalPoints int64) (int64, error) {
	query := `SELECT COUNT(*) FROM leaderboard WHERE total_points > $1`
	var count int64
	if err := s.pool.QueryRow(ctx, query, totalPoints).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting higher entries: %w", err)
	}
	return count, nil
}

// CountEntries returns the total number of leaderboard rows.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM leaderboard`
	var count int64
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return count, nil
}

// AllEntries retrieves every leaderboard row (for mirror reconciliation).
func (s *Store) AllEntries(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	query := `SELECT user_id, display_name, total_points, last_updated FROM leaderboard`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("getting all entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LeaderboardEntry
	for rows.Next() {
		var entry domain.LeaderboardEntry
		if err := rows.Scan(&entry.UserID, &entry.DisplayName, &entry.TotalPoints, &entry.LastUpdated); err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// LookupUser resolves a user record from the identity directory.
func (s *Store) LookupUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT id, display_name, email, created_at FROM users WHERE id = $1`
	var user domain.User
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return &user, nil
}

// UpsertUser creates or refreshes an identity record.
func (s *Store) UpsertUser(ctx context.Context, user domain.User) error {
	query := `
		INSERT INTO users (id, display_name, email, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id)
		DO UPDATE SET display_name = $2, email = $3
	`
	_, err := s.pool.Exec(ctx, query, user.ID, user.DisplayName, user.Email, time.Now())
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}
