package pipeline

import (
	"context"
	"sync"

	"github.com/ecobuddy-backend/internal/domain"
)

// memStore is an in-memory Store whose transactions are serialized by a
// mutex, mimicking the conflict-free outcome the real store's retry loop
// converges to.
type memStore struct {
	mu         sync.Mutex
	purchases  map[string]domain.PurchaseRecord
	aggregates map[string]domain.MonthlyAggregate
	entries    map[string]domain.LeaderboardEntry

	saveErr error
	txErr   error
	txCalls int
}

func newMemStore() *memStore {
	return &memStore{
		purchases:  make(map[string]domain.PurchaseRecord),
		aggregates: make(map[string]domain.MonthlyAggregate),
		entries:    make(map[string]domain.LeaderboardEntry),
	}
}

func aggKey(userID, monthKey string) string {
	return userID + "|" + monthKey
}

func purchaseKey(userID, purchaseID string) string {
	return userID + "/" + purchaseID
}

func (s *memStore) SavePurchase(ctx context.Context, rec domain.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.purchases[purchaseKey(rec.UserID, rec.PurchaseID)] = rec
	return nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCalls++
	if s.txErr != nil {
		return s.txErr
	}
	return fn(&memTx{store: s})
}

func (s *memStore) aggregate(userID, monthKey string) (domain.MonthlyAggregate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggregates[aggKey(userID, monthKey)]
	return agg, ok
}

func (s *memStore) entry(userID string) (domain.LeaderboardEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[userID]
	return entry, ok
}

func (s *memStore) purchase(userID, purchaseID string) (domain.PurchaseRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.purchases[purchaseKey(userID, purchaseID)]
	return rec, ok
}

// memTx operates directly on the store maps; the store mutex is held for
// the whole closure.
type memTx struct {
	store *memStore
}

func (t *memTx) MonthlyAggregate(ctx context.Context, userID, monthKey string) (domain.MonthlyAggregate, error) {
	agg, ok := t.store.aggregates[aggKey(userID, monthKey)]
	if !ok {
		return domain.MonthlyAggregate{}, domain.ErrAggregateNotFound
	}
	return agg, nil
}

func (t *memTx) MergeMonthlyAggregate(ctx context.Context, agg domain.MonthlyAggregate) error {
	t.store.aggregates[aggKey(agg.UserID, agg.MonthKey)] = agg
	return nil
}

func (t *memTx) LeaderboardEntry(ctx context.Context, userID string) (domain.LeaderboardEntry, error) {
	entry, ok := t.store.entries[userID]
	if !ok {
		return domain.LeaderboardEntry{}, domain.ErrEntryNotFound
	}
	return entry, nil
}

func (t *memTx) MergeLeaderboardEntry(ctx context.Context, entry domain.LeaderboardEntry) error {
	t.store.entries[entry.UserID] = entry
	return nil
}

// retryStore runs every transaction closure twice: the first attempt sees
// current state but its writes are thrown away, modeling a conflicted
// attempt. A closure that cached its first read would double-apply.
type retryStore struct {
	*memStore
	attempts int
}

func (s *retryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attempts++
	scratch := &memStore{
		aggregates: copyMap(s.aggregates),
		entries:    copyMap(s.entries),
	}
	if err := fn(&memTx{store: scratch}); err != nil {
		return err
	}

	s.attempts++
	return fn(&memTx{store: s.memStore})
}

func copyMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// stubDirectory is a canned identity directory.
type stubDirectory struct {
	mu    sync.Mutex
	user  *domain.User
	err   error
	calls int
}

func (d *stubDirectory) LookupUser(ctx context.Context, userID string) (*domain.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.user, nil
}

// recordingMirror captures SetTotal calls.
type recordingMirror struct {
	mu     sync.Mutex
	totals map[string]int64
	names  map[string]string
	err    error
}

func newRecordingMirror() *recordingMirror {
	return &recordingMirror{
		totals: make(map[string]int64),
		names:  make(map[string]string),
	}
}

func (m *recordingMirror) SetTotal(ctx context.Context, userID, displayName string, totalPoints int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.totals[userID] = totalPoints
	m.names[userID] = displayName
	return nil
}

// recordingHub captures broadcast entries.
type recordingHub struct {
	mu      sync.Mutex
	entries []domain.LeaderboardEntry
}

func (h *recordingHub) BroadcastEntry(entry domain.LeaderboardEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, entry)
}
