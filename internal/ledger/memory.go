// In-memory ledger store for tests and single-process development.
//
// Mirrors the SQLite store's semantics, including create-or-increment for
// missing parents and the atomic check-and-increment reservation (here a
// mutex stands in for the database's statement atomicity).
package ledger

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore implements Store in memory. Thread-safe via a single mutex.
type MemoryStore struct {
	mu           sync.Mutex
	transactions map[string]*TransactionRecord // key user|tx
	subcalls     map[string]*SubcallRecord     // key user|tx|type
	monthly      map[string]*MonthlyRecord     // key user|month
	daily        map[string]int64              // key user|day
	history      []HistoryRecord
	tiers        map[string]string
	nextID       int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*TransactionRecord),
		subcalls:     make(map[string]*SubcallRecord),
		monthly:      make(map[string]*MonthlyRecord),
		daily:        make(map[string]int64),
		tiers:        make(map[string]string),
	}
}

func key2(a, b string) string    { return a + "|" + b }
func key3(a, b, c string) string { return a + "|" + b + "|" + c }
func round6(f float64) float64   { return math.Round(f*1e6) / 1e6 }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) PutTransaction(ctx context.Context, rec TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := rec
	fresh.PromptTokens, fresh.CompletionTokens, fresh.TotalTokens = 0, 0, 0
	fresh.EstimatedCost = 0
	fresh.Completed = false
	fresh.LastUpdated = rec.CreatedAt
	m.transactions[key2(rec.UserID, rec.TxID)] = &fresh

	if rec.Category != "" {
		mo := m.monthLocked(rec.UserID, rec.Month)
		cu := mo.Categories[rec.Category]
		cu.Ops++
		mo.Categories[rec.Category] = cu
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, userID, txID string) (*TransactionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transactions[key2(userID, txID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, userID, txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.transactions[key2(userID, txID)]
	if !ok {
		return ErrNotFound
	}
	rec.Completed = true
	return nil
}

func (m *MemoryStore) AddSubcall(ctx context.Context, sub SubcallRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.transactions[key2(sub.UserID, sub.TxID)]
	if !ok {
		parent = &TransactionRecord{
			UserID:      sub.UserID,
			TxID:        sub.TxID,
			Model:       sub.Model,
			Month:       MonthKey(sub.RecordedAt),
			CreatedAt:   sub.RecordedAt,
			LastUpdated: sub.RecordedAt,
		}
		m.transactions[key2(sub.UserID, sub.TxID)] = parent
	}

	cp := sub
	m.subcalls[key3(sub.UserID, sub.TxID, sub.Type)] = &cp

	parent.PromptTokens += sub.PromptTokens
	parent.CompletionTokens += sub.CompletionTokens
	parent.TotalTokens += sub.TotalTokens
	parent.EstimatedCost = round6(parent.EstimatedCost + sub.EstimatedCost)
	parent.LastUpdated = sub.RecordedAt

	mo := m.monthLocked(sub.UserID, parent.Month)
	mo.PromptTokens += sub.PromptTokens
	mo.CompletionTokens += sub.CompletionTokens
	mo.TotalTokens += sub.TotalTokens
	mo.EstimatedCost = round6(mo.EstimatedCost + sub.EstimatedCost)
	if parent.Category != "" {
		cu := mo.Categories[parent.Category]
		cu.Tokens += sub.TotalTokens
		mo.Categories[parent.Category] = cu
	}
	return nil
}

func (m *MemoryStore) GetSubcall(ctx context.Context, userID, txID, subcallType string) (*SubcallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.subcalls[key3(userID, txID, subcallType)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) MonthlyUsage(ctx context.Context, userID, month string) (*MonthlyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monthCopyLocked(userID, month), nil
}

func (m *MemoryStore) ListMonthlyUsage(ctx context.Context, month string) ([]MonthlyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MonthlyRecord
	for _, rec := range m.monthly {
		if rec.Month == month {
			out = append(out, *m.monthCopyLocked(rec.UserID, month))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *MemoryStore) DailyOps(ctx context.Context, userID, day string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.daily[key2(userID, day)], nil
}

func (m *MemoryStore) IncrementDailyOps(ctx context.Context, userID, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.daily[key2(userID, day)]++
	return nil
}

func (m *MemoryStore) ReserveDailyOp(ctx context.Context, userID, day string, limit int64) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key2(userID, day)
	if limit >= 0 && m.daily[k] >= limit {
		return m.daily[k], false, nil
	}
	m.daily[k]++
	return m.daily[k], true, nil
}

func (m *MemoryStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.history = append(m.history, rec)
	return nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, userID, sessionID string, limit int) ([]HistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []HistoryRecord
	for _, rec := range m.history {
		if rec.UserID == userID && rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UserTier(ctx context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiers[userID], nil
}

func (m *MemoryStore) SetUserTier(ctx context.Context, userID, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tiers[userID] = tier
	return nil
}

// monthLocked returns the mutable monthly record, creating it lazily.
func (m *MemoryStore) monthLocked(userID, month string) *MonthlyRecord {
	k := key2(userID, month)
	rec, ok := m.monthly[k]
	if !ok {
		rec = &MonthlyRecord{
			UserID:     userID,
			Month:      month,
			Categories: make(map[Category]CategoryUsage),
		}
		m.monthly[k] = rec
	}
	return rec
}

// monthCopyLocked returns a defensive copy (zeroed if absent).
func (m *MemoryStore) monthCopyLocked(userID, month string) *MonthlyRecord {
	rec, ok := m.monthly[key2(userID, month)]
	if !ok {
		return &MonthlyRecord{
			UserID:     userID,
			Month:      month,
			Categories: make(map[Category]CategoryUsage),
		}
	}
	cp := *rec
	cp.Categories = make(map[Category]CategoryUsage, len(rec.Categories))
	for k, v := range rec.Categories {
		cp.Categories[k] = v
	}
	return &cp
}
