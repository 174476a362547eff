// SQLite-backed ledger store.
//
// DESIGN: One database file, WAL mode. Single-statement UPSERTs carry the
// atomic-increment semantics (INSERT .. ON CONFLICT DO UPDATE SET x = x + ..),
// and the sub-call write path runs inside one SQL transaction so the child
// row, the parent totals, and the monthly rollup move together. The
// check-and-increment used for quota reservation is a single conditional
// UPDATE, which SQLite executes atomically.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	user_id           TEXT NOT NULL,
	tx_id             TEXT NOT NULL,
	category          TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	month             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	completed         INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	last_updated      TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, tx_id)
);

CREATE TABLE IF NOT EXISTS subcalls (
	user_id           TEXT NOT NULL,
	tx_id             TEXT NOT NULL,
	subcall_type      TEXT NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	recorded_at       TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, tx_id, subcall_type)
);

CREATE TABLE IF NOT EXISTS monthly_usage (
	user_id           TEXT NOT NULL,
	month             TEXT NOT NULL,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	estimated_cost    REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, month)
);

CREATE TABLE IF NOT EXISTS monthly_categories (
	user_id  TEXT NOT NULL,
	month    TEXT NOT NULL,
	category TEXT NOT NULL,
	ops      INTEGER NOT NULL DEFAULT 0,
	tokens   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, month, category)
);

CREATE TABLE IF NOT EXISTS daily_ops (
	user_id TEXT NOT NULL,
	day     TEXT NOT NULL,
	ops     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, day)
);

CREATE TABLE IF NOT EXISTS history (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id            TEXT NOT NULL,
	session_id         TEXT NOT NULL,
	tx_id              TEXT NOT NULL DEFAULT '',
	user_message       TEXT NOT NULL DEFAULT '',
	assistant_message  TEXT NOT NULL DEFAULT '',
	model              TEXT NOT NULL DEFAULT '',
	emotion            TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history (user_id, session_id, created_at);

CREATE TABLE IF NOT EXISTS user_tiers (
	user_id TEXT PRIMARY KEY,
	tier    TEXT NOT NULL
);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (and bootstraps) the ledger database at path.
// Use ":memory:" for an ephemeral store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// The modernc driver serializes writes anyway; a single connection avoids
	// SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: bootstrap schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PutTransaction creates or resets a transaction record with zeroed counters
// and bumps the month's per-category operation count.
func (s *SQLiteStore) PutTransaction(ctx context.Context, rec TransactionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions
			(user_id, tx_id, category, model, month, prompt_tokens, completion_tokens,
			 total_tokens, estimated_cost, completed, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, 0, 0, 0, 0, 0, ?, ?)
		ON CONFLICT (user_id, tx_id) DO UPDATE SET
			category = excluded.category,
			model = excluded.model,
			month = excluded.month,
			prompt_tokens = 0,
			completion_tokens = 0,
			total_tokens = 0,
			estimated_cost = 0,
			completed = 0,
			created_at = excluded.created_at,
			last_updated = excluded.last_updated`,
		rec.UserID, rec.TxID, string(rec.Category), rec.Model, rec.Month,
		rec.CreatedAt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: put transaction: %w", err)
	}

	if rec.Category != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO monthly_categories (user_id, month, category, ops, tokens)
			VALUES (?, ?, ?, 1, 0)
			ON CONFLICT (user_id, month, category) DO UPDATE SET ops = ops + 1`,
			rec.UserID, rec.Month, string(rec.Category))
		if err != nil {
			return fmt.Errorf("ledger: bump category ops: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// GetTransaction returns a transaction record or ErrNotFound.
func (s *SQLiteStore) GetTransaction(ctx context.Context, userID, txID string) (*TransactionRecord, error) {
	var rec TransactionRecord
	var category string
	var completed int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tx_id, category, model, month, prompt_tokens,
		       completion_tokens, total_tokens, estimated_cost, completed,
		       created_at, last_updated
		FROM transactions WHERE user_id = ? AND tx_id = ?`,
		userID, txID).Scan(
		&rec.UserID, &rec.TxID, &category, &rec.Model, &rec.Month,
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens,
		&rec.EstimatedCost, &completed, &rec.CreatedAt, &rec.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get transaction: %w", err)
	}
	rec.Category = Category(category)
	rec.Completed = completed != 0
	return &rec, nil
}

// MarkCompleted flags a transaction's work as finished.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, userID, txID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET completed = 1, last_updated = ?
		WHERE user_id = ? AND tx_id = ?`,
		time.Now().UTC(), userID, txID)
	if err != nil {
		return fmt.Errorf("ledger: mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSubcall upserts the sub-call row and atomically increments the parent
// totals and monthly rollups in one SQL transaction. A missing parent is
// created on the fly with zeroed counters before the increment.
func (s *SQLiteStore) AddSubcall(ctx context.Context, sub SubcallRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var category, month string
	err = tx.QueryRowContext(ctx,
		`SELECT category, month FROM transactions WHERE user_id = ? AND tx_id = ?`,
		sub.UserID, sub.TxID).Scan(&category, &month)
	if errors.Is(err, sql.ErrNoRows) {
		// Sub-call arrived before (or without) initialization: create the
		// parent rather than dropping the usage on the floor.
		month = MonthKey(sub.RecordedAt)
		category = ""
		_, err = tx.ExecContext(ctx, `
			INSERT INTO transactions
				(user_id, tx_id, category, model, month, created_at, last_updated)
			VALUES (?, ?, '', ?, ?, ?, ?)`,
			sub.UserID, sub.TxID, sub.Model, month, sub.RecordedAt, sub.RecordedAt)
	}
	if err != nil {
		return fmt.Errorf("ledger: resolve parent: %w", err)
	}

	// Last-write-wins per sub-call type: the child row reflects the latest
	// call only, while the parent totals below accumulate every call.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subcalls
			(user_id, tx_id, subcall_type, model, prompt_tokens, completion_tokens,
			 total_tokens, estimated_cost, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, tx_id, subcall_type) DO UPDATE SET
			model = excluded.model,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			estimated_cost = excluded.estimated_cost,
			recorded_at = excluded.recorded_at`,
		sub.UserID, sub.TxID, sub.Type, sub.Model, sub.PromptTokens,
		sub.CompletionTokens, sub.TotalTokens, sub.EstimatedCost, sub.RecordedAt)
	if err != nil {
		return fmt.Errorf("ledger: upsert subcall: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE transactions SET
			prompt_tokens = prompt_tokens + ?,
			completion_tokens = completion_tokens + ?,
			total_tokens = total_tokens + ?,
			estimated_cost = round(estimated_cost + ?, 6),
			last_updated = ?
		WHERE user_id = ? AND tx_id = ?`,
		sub.PromptTokens, sub.CompletionTokens, sub.TotalTokens,
		sub.EstimatedCost, sub.RecordedAt, sub.UserID, sub.TxID)
	if err != nil {
		return fmt.Errorf("ledger: increment transaction totals: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO monthly_usage
			(user_id, month, prompt_tokens, completion_tokens, total_tokens, estimated_cost)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, month) DO UPDATE SET
			prompt_tokens = prompt_tokens + excluded.prompt_tokens,
			completion_tokens = completion_tokens + excluded.completion_tokens,
			total_tokens = total_tokens + excluded.total_tokens,
			estimated_cost = round(estimated_cost + excluded.estimated_cost, 6)`,
		sub.UserID, month, sub.PromptTokens, sub.CompletionTokens,
		sub.TotalTokens, sub.EstimatedCost)
	if err != nil {
		return fmt.Errorf("ledger: increment monthly rollup: %w", err)
	}

	if category != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO monthly_categories (user_id, month, category, ops, tokens)
			VALUES (?, ?, ?, 0, ?)
			ON CONFLICT (user_id, month, category) DO UPDATE SET
				tokens = tokens + excluded.tokens`,
			sub.UserID, month, category, sub.TotalTokens)
		if err != nil {
			return fmt.Errorf("ledger: increment category tokens: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

// GetSubcall returns a sub-call record or ErrNotFound.
func (s *SQLiteStore) GetSubcall(ctx context.Context, userID, txID, subcallType string) (*SubcallRecord, error) {
	var rec SubcallRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, tx_id, subcall_type, model, prompt_tokens,
		       completion_tokens, total_tokens, estimated_cost, recorded_at
		FROM subcalls WHERE user_id = ? AND tx_id = ? AND subcall_type = ?`,
		userID, txID, subcallType).Scan(
		&rec.UserID, &rec.TxID, &rec.Type, &rec.Model, &rec.PromptTokens,
		&rec.CompletionTokens, &rec.TotalTokens, &rec.EstimatedCost, &rec.RecordedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get subcall: %w", err)
	}
	return &rec, nil
}

// MonthlyUsage returns the rollup for a month, zeroed if no usage exists.
func (s *SQLiteStore) MonthlyUsage(ctx context.Context, userID, month string) (*MonthlyRecord, error) {
	rec := &MonthlyRecord{
		UserID:     userID,
		Month:      month,
		Categories: make(map[Category]CategoryUsage),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT prompt_tokens, completion_tokens, total_tokens, estimated_cost
		FROM monthly_usage WHERE user_id = ? AND month = ?`,
		userID, month).Scan(
		&rec.PromptTokens, &rec.CompletionTokens, &rec.TotalTokens, &rec.EstimatedCost)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: monthly usage: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT category, ops, tokens FROM monthly_categories
		WHERE user_id = ? AND month = ?`, userID, month)
	if err != nil {
		return nil, fmt.Errorf("ledger: monthly categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var cu CategoryUsage
		if err := rows.Scan(&cat, &cu.Ops, &cu.Tokens); err != nil {
			return nil, fmt.Errorf("ledger: scan category: %w", err)
		}
		rec.Categories[Category(cat)] = cu
	}
	return rec, rows.Err()
}

// ListMonthlyUsage returns the rollups of every user with usage in month.
func (s *SQLiteStore) ListMonthlyUsage(ctx context.Context, month string) ([]MonthlyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, prompt_tokens, completion_tokens, total_tokens, estimated_cost
		FROM monthly_usage WHERE month = ? ORDER BY user_id`, month)
	if err != nil {
		return nil, fmt.Errorf("ledger: list monthly usage: %w", err)
	}
	defer rows.Close()

	var out []MonthlyRecord
	for rows.Next() {
		rec := MonthlyRecord{Month: month, Categories: make(map[Category]CategoryUsage)}
		if err := rows.Scan(&rec.UserID, &rec.PromptTokens, &rec.CompletionTokens,
			&rec.TotalTokens, &rec.EstimatedCost); err != nil {
			return nil, fmt.Errorf("ledger: scan monthly usage: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		full, err := s.MonthlyUsage(ctx, out[i].UserID, month)
		if err != nil {
			return nil, err
		}
		out[i].Categories = full.Categories
	}
	return out, nil
}

// DailyOps returns the metered operation count for a day key (0 if absent).
func (s *SQLiteStore) DailyOps(ctx context.Context, userID, day string) (int64, error) {
	var ops int64
	err := s.db.QueryRowContext(ctx,
		`SELECT ops FROM daily_ops WHERE user_id = ? AND day = ?`,
		userID, day).Scan(&ops)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: daily ops: %w", err)
	}
	return ops, nil
}

// IncrementDailyOps unconditionally increments the day-keyed counter.
func (s *SQLiteStore) IncrementDailyOps(ctx context.Context, userID, day string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_ops (user_id, day, ops) VALUES (?, ?, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET ops = ops + 1`,
		userID, day)
	if err != nil {
		return fmt.Errorf("ledger: increment daily ops: %w", err)
	}
	return nil
}

// ReserveDailyOp increments the counter only while it is below limit. The
// conditional UPDATE is a single statement, so two concurrent reservations
// can never both slip under the cap.
func (s *SQLiteStore) ReserveDailyOp(ctx context.Context, userID, day string, limit int64) (int64, bool, error) {
	if limit < 0 {
		if err := s.IncrementDailyOps(ctx, userID, day); err != nil {
			return 0, false, err
		}
		ops, err := s.DailyOps(ctx, userID, day)
		return ops, true, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_ops (user_id, day, ops) VALUES (?, ?, 0)
		ON CONFLICT (user_id, day) DO NOTHING`, userID, day)
	if err != nil {
		return 0, false, fmt.Errorf("ledger: seed daily ops: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE daily_ops SET ops = ops + 1
		WHERE user_id = ? AND day = ? AND ops < ?`,
		userID, day, limit)
	if err != nil {
		return 0, false, fmt.Errorf("ledger: reserve daily op: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("ledger: reserve daily op: %w", err)
	}

	ops, err := s.DailyOps(ctx, userID, day)
	if err != nil {
		return 0, false, err
	}
	return ops, n == 1, nil
}

// AppendHistory appends one conversation turn.
func (s *SQLiteStore) AppendHistory(ctx context.Context, rec HistoryRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO history
			(user_id, session_id, tx_id, user_message, assistant_message, model, emotion, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SessionID, rec.TxID, rec.UserMessage,
		rec.AssistantMessage, rec.Model, rec.Emotion, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("ledger: append history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit turns for a session, oldest first.
func (s *SQLiteStore) ListHistory(ctx context.Context, userID, sessionID string, limit int) ([]HistoryRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, session_id, tx_id, user_message, assistant_message,
		       model, emotion, created_at
		FROM history WHERE user_id = ? AND session_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ?`,
		userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryRecord
	for rows.Next() {
		var rec HistoryRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &rec.TxID,
			&rec.UserMessage, &rec.AssistantMessage, &rec.Model, &rec.Emotion,
			&rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UserTier returns the stored tier name for a user ("" if unset).
func (s *SQLiteStore) UserTier(ctx context.Context, userID string) (string, error) {
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT tier FROM user_tiers WHERE user_id = ?`, userID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ledger: user tier: %w", err)
	}
	return tier, nil
}

// SetUserTier stores the tier name for a user.
func (s *SQLiteStore) SetUserTier(ctx context.Context, userID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_tiers (user_id, tier) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET tier = excluded.tier`,
		userID, tier)
	if err != nil {
		return fmt.Errorf("ledger: set user tier: %w", err)
	}
	return nil
}
