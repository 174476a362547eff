// Package ledger is the quota ledger store: the single source of truth for
// transaction usage records, sub-call records, daily/monthly rollups,
// conversation history, and per-user tier assignments.
//
// DESIGN: The store exposes document-style per-key reads and writes plus
// atomic numeric increments. Parent transaction totals and monthly rollups
// are only ever mutated through atomic increments, so concurrent sub-calls
// never lose updates. Sub-call records are keyed by (user, transaction,
// subcall type) and overwrite on conflict: the child row holds the latest
// cost estimate per type, not an accumulating list. Day and month counters
// are keyed by the current UTC date string, so a new day or month starts a
// fresh counter with no reset job.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Category is the closed set of metered operation categories. Rollup counters
// are keyed by Category rather than by runtime-built field names, so a typo
// cannot silently create an orphan counter.
type Category string

const (
	CategoryChat             Category = "chat"
	CategoryEmotionAnalysis  Category = "emotion_analysis"
	CategoryEmotionalSupport Category = "emotional_support"
	CategoryContinue         Category = "continue_conversation"
	CategoryJournal          Category = "journal"
	CategorySummary          Category = "summary"
	CategoryTTS              Category = "tts"
)

// Categories lists all valid operation categories.
func Categories() []Category {
	return []Category{
		CategoryChat,
		CategoryEmotionAnalysis,
		CategoryEmotionalSupport,
		CategoryContinue,
		CategoryJournal,
		CategorySummary,
		CategoryTTS,
	}
}

// ParseCategory validates a category string.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	for _, known := range Categories() {
		if c == known {
			return c, nil
		}
	}
	return "", ErrUnknownCategory
}

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("ledger: record not found")

	// ErrUnknownCategory is returned for a category outside the closed set.
	ErrUnknownCategory = errors.New("ledger: unknown operation category")
)

// TransactionRecord is one logical user-facing operation (e.g. one chat turn).
// Token totals and cost are running sums across all sub-calls; Month and
// UserID are fixed at creation.
type TransactionRecord struct {
	UserID           string    `json:"user_id"`
	TxID             string    `json:"transaction_id"`
	Category         Category  `json:"category"`
	Model            string    `json:"model"`
	Month            string    `json:"month"` // YYYY-MM, UTC, fixed at creation
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Completed        bool      `json:"completed"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdated      time.Time `json:"last_updated"`
}

// SubcallRecord is one LLM invocation within a transaction, keyed by Type.
// Writing a second sub-call with the same Type overwrites the first.
type SubcallRecord struct {
	UserID           string    `json:"user_id"`
	TxID             string    `json:"transaction_id"`
	Type             string    `json:"subcall_type"`
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	EstimatedCost    float64   `json:"estimated_cost"`
	RecordedAt       time.Time `json:"recorded_at"`
}

// CategoryUsage is the per-category slice of a monthly rollup.
type CategoryUsage struct {
	Ops    int64 `json:"ops"`
	Tokens int64 `json:"tokens"`
}

// MonthlyRecord is the per-user per-month rollup, created lazily on first
// write in a month and mutated only via atomic increments.
type MonthlyRecord struct {
	UserID           string                     `json:"user_id"`
	Month            string                     `json:"month"`
	PromptTokens     int64                      `json:"prompt_tokens"`
	CompletionTokens int64                      `json:"completion_tokens"`
	TotalTokens      int64                      `json:"total_tokens"`
	EstimatedCost    float64                    `json:"estimated_cost"`
	Categories       map[Category]CategoryUsage `json:"categories"`
}

// HistoryRecord is one conversation turn, replayed in creation order.
type HistoryRecord struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	TxID             string    `json:"transaction_id"`
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Model            string    `json:"model"`
	Emotion          string    `json:"emotion,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Store is the quota ledger store contract. All mutations of numeric rollup
// fields are atomic; same-key document writes (sub-calls, tier assignments)
// are last-write-wins.
type Store interface {
	// PutTransaction creates or resets a transaction record with zeroed
	// counters. Calling it again for the same (user, tx) resets the record,
	// it never accumulates.
	PutTransaction(ctx context.Context, rec TransactionRecord) error

	// GetTransaction returns a transaction record or ErrNotFound.
	GetTransaction(ctx context.Context, userID, txID string) (*TransactionRecord, error)

	// MarkCompleted flags a transaction's work as finished.
	MarkCompleted(ctx context.Context, userID, txID string) error

	// AddSubcall upserts the sub-call row keyed by (user, tx, type) and, in
	// the same store transaction, atomically increments the parent totals and
	// the monthly rollup. A missing parent is created on the fly
	// (create-or-increment) rather than treated as an error.
	AddSubcall(ctx context.Context, sub SubcallRecord) error

	// GetSubcall returns a sub-call record or ErrNotFound.
	GetSubcall(ctx context.Context, userID, txID, subcallType string) (*SubcallRecord, error)

	// MonthlyUsage returns the rollup for a month. A month with no usage
	// returns a zeroed record, not ErrNotFound.
	MonthlyUsage(ctx context.Context, userID, month string) (*MonthlyRecord, error)

	// ListMonthlyUsage returns all user rollups for a month.
	ListMonthlyUsage(ctx context.Context, month string) ([]MonthlyRecord, error)

	// DailyOps returns the metered operation count for a day key.
	DailyOps(ctx context.Context, userID, day string) (int64, error)

	// IncrementDailyOps unconditionally increments the day-keyed counter.
	IncrementDailyOps(ctx context.Context, userID, day string) error

	// ReserveDailyOp atomically increments the day-keyed counter only if it
	// is below limit, and returns the resulting count and whether the
	// reservation succeeded. A negative limit means unlimited.
	ReserveDailyOp(ctx context.Context, userID, day string, limit int64) (int64, bool, error)

	// AppendHistory appends one conversation turn.
	AppendHistory(ctx context.Context, rec HistoryRecord) error

	// ListHistory returns up to limit turns for a session, oldest first.
	ListHistory(ctx context.Context, userID, sessionID string, limit int) ([]HistoryRecord, error)

	// UserTier returns the stored tier name for a user ("" if unset).
	UserTier(ctx context.Context, userID string) (string, error)

	// SetUserTier stores the tier name for a user (last-write-wins).
	SetUserTier(ctx context.Context, userID, tier string) error

	Close() error
}

// MonthKey returns the YYYY-MM bucket for t in UTC.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// DayKey returns the YYYY-MM-DD bucket for t in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
