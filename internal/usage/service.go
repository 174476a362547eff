// Package usage implements the usage accounting service: it attributes token
// and cost usage to the correct user, transaction, and time bucket.
//
// DESIGN: Accounting is best-effort by policy. Every write operation returns
// a typed *AccountingError instead of silently discarding failures; callers
// on the request path log the error and continue, so a ledger outage never
// degrades the user-facing feature. Quota-exceeded decisions are NOT made
// here (see internal/quota); this package only records what happened.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/ledger"
	"github.com/DJ-Greenwood/bubbas-app-sub001/internal/pricing"
)

// Category re-exports the ledger's closed category set for callers.
type Category = ledger.Category

// AccountingError wraps a failed accounting write. Callers are expected to
// log it and carry on; it must never abort the operation being metered.
type AccountingError struct {
	Op  string // which accounting operation failed
	Err error
}

func (e *AccountingError) Error() string {
	return fmt.Sprintf("usage: %s: %v", e.Op, e.Err)
}

func (e *AccountingError) Unwrap() error { return e.Err }

// Service is the usage accounting service. The ledger handle is injected at
// construction and reused for the process lifetime.
type Service struct {
	store ledger.Store
	now   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a usage accounting service on the given ledger store.
func NewService(store ledger.Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitTransaction creates (or resets) the usage record for one logical
// operation and returns its transaction ID. An empty txID generates one.
// Safe to call more than once for the same txID: counters reset to zero
// each time, they never accumulate across calls.
func (s *Service) InitTransaction(ctx context.Context, userID, txID string, cat Category, model string) (string, error) {
	if userID == "" {
		return "", &AccountingError{Op: "init transaction", Err: fmt.Errorf("empty user id")}
	}
	if _, err := ledger.ParseCategory(string(cat)); err != nil {
		return "", &AccountingError{Op: "init transaction", Err: err}
	}
	if txID == "" {
		txID = uuid.New().String()
	}

	now := s.now().UTC()
	rec := ledger.TransactionRecord{
		UserID:    userID,
		TxID:      txID,
		Category:  cat,
		Model:     model,
		Month:     ledger.MonthKey(now),
		CreatedAt: now,
	}
	if err := s.store.PutTransaction(ctx, rec); err != nil {
		return txID, &AccountingError{Op: "init transaction", Err: err}
	}
	return txID, nil
}

// RecordSubcall attributes one LLM invocation to a transaction. The sub-call
// row keyed by subcallType is overwritten (latest cost estimate per type)
// while the parent totals and monthly rollup are incremented atomically, so
// repeated same-type calls still add to the totals every time.
func (s *Service) RecordSubcall(ctx context.Context, userID, txID, subcallType string, promptTokens, completionTokens, totalTokens int64, model string) error {
	if userID == "" || txID == "" {
		return &AccountingError{Op: "record subcall", Err: fmt.Errorf("empty user or transaction id")}
	}
	if promptTokens < 0 || completionTokens < 0 || totalTokens < 0 {
		return &AccountingError{Op: "record subcall", Err: fmt.Errorf("negative token count")}
	}
	if totalTokens == 0 {
		totalTokens = promptTokens + completionTokens
	}

	sub := ledger.SubcallRecord{
		UserID:           userID,
		TxID:             txID,
		Type:             subcallType,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      totalTokens,
		EstimatedCost:    pricing.EstimateCost(model, promptTokens, completionTokens),
		RecordedAt:       s.now().UTC(),
	}
	if err := s.store.AddSubcall(ctx, sub); err != nil {
		return &AccountingError{Op: "record subcall", Err: err}
	}
	return nil
}

// MarkCompleted flags the transaction's work as finished. Completion is a
// caller decision, never inferred from sub-call counts.
func (s *Service) MarkCompleted(ctx context.Context, userID, txID string) error {
	if err := s.store.MarkCompleted(ctx, userID, txID); err != nil {
		return &AccountingError{Op: "mark completed", Err: err}
	}
	return nil
}

// Transaction returns the current usage record for one transaction.
func (s *Service) Transaction(ctx context.Context, userID, txID string) (*ledger.TransactionRecord, error) {
	return s.store.GetTransaction(ctx, userID, txID)
}

// SaveHistory appends one conversation turn stamped with its session,
// transaction, and wall-clock time. Replay order is creation time ascending.
func (s *Service) SaveHistory(ctx context.Context, rec ledger.HistoryRecord) error {
	if rec.UserID == "" {
		return &AccountingError{Op: "save history", Err: fmt.Errorf("empty user id")}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	if err := s.store.AppendHistory(ctx, rec); err != nil {
		return &AccountingError{Op: "save history", Err: err}
	}
	return nil
}

// ListHistory returns a session's turns, oldest first.
func (s *Service) ListHistory(ctx context.Context, userID, sessionID string, limit int) ([]ledger.HistoryRecord, error) {
	return s.store.ListHistory(ctx, userID, sessionID, limit)
}

// MonthlySummary returns the rollup for the current calendar month.
func (s *Service) MonthlySummary(ctx context.Context, userID string) (*ledger.MonthlyRecord, error) {
	return s.store.MonthlyUsage(ctx, userID, ledger.MonthKey(s.now()))
}
