// Package storage is the engine's local persistent state: the capped
// transaction ledger, the sync queue and the session row. It is the Go
// rendition of the extension-scoped key/value store, backed by SQLite so
// every context failure degrades to "keep data locally, retry later".
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"vibetracker/internal/core"
)

// timeFormat is RFC3339 in UTC truncated to seconds, so stored timestamps
// compare correctly as strings in SQL.
const timeFormat = "2006-01-02T15:04:05Z"

var ErrNotFound = errors.New("not found")

type Repository struct {
	db        *sql.DB
	ledgerCap int
}

// NewRepository opens (creating if needed) the database, applies migrations
// and enforces the ledger retention cap on subsequent writes.
func NewRepository(dbPath string, ledgerCap int) (*Repository, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	// foreign_keys must be set per connection, so it goes in the DSN: queue
	// rows cascade when ledger capping evicts a transaction.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Repository{db: db, ledgerCap: ledgerCap}, nil
}

func (r *Repository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SaveTransaction appends a transaction to the ledger, then evicts the
// oldest rows beyond the retention cap.
func (r *Repository) SaveTransaction(ctx context.Context, tx core.Transaction) error {
	if err := tx.Validate(); err != nil {
		return fmt.Errorf("validate transaction: %w", err)
	}

	var renewal sql.NullString
	if tx.RenewalDate != nil {
		renewal = sql.NullString{String: tx.RenewalDate.UTC().Format(timeFormat), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions
			(local_id, store, product, amount, type, category, billing_cycle,
			 renewal_date, trial_days, source_url, detected_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.LocalID, tx.Store, tx.Product, tx.Amount.String(), string(tx.Type),
		tx.Category, string(tx.Cycle), renewal, tx.TrialDays, tx.SourceURL,
		tx.DetectedAt.UTC().Format(timeFormat), boolToInt(tx.Synced),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	evicted, err := r.evictBeyondCap(ctx)
	if err != nil {
		return fmt.Errorf("evict beyond cap: %w", err)
	}
	if evicted > 0 {
		slog.DebugContext(ctx, "Evicted oldest ledger rows", "evicted", evicted, "cap", r.ledgerCap)
	}
	return nil
}

func (r *Repository) evictBeyondCap(ctx context.Context) (int64, error) {
	if r.ledgerCap <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM transactions WHERE local_id NOT IN (
			SELECT local_id FROM transactions
			ORDER BY detected_at DESC, local_id DESC
			LIMIT ?
		)`, r.ledgerCap)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTransaction fetches a single ledger row by local id.
func (r *Repository) GetTransaction(ctx context.Context, localID string) (core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT local_id, store, product, amount, type, category, billing_cycle,
		       renewal_date, trial_days, source_url, detected_at, synced
		FROM transactions WHERE local_id = ?`, localID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", localID, err)
	}
	return tx, nil
}

// RecentTransactions returns the newest ledger entries, newest first.
func (r *Repository) RecentTransactions(ctx context.Context, limit int) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT local_id, store, product, amount, type, category, billing_cycle,
		       renewal_date, trial_days, source_url, detected_at, synced
		FROM transactions
		ORDER BY detected_at DESC, local_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// Totals returns the running aggregates: total ledger count and the sum
// spent in the month containing now.
func (r *Repository) Totals(ctx context.Context, now time.Time) (core.Totals, error) {
	totals := core.Totals{MonthlySpent: decimal.Zero}

	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions`).Scan(&totals.TransactionCount); err != nil {
		return totals, fmt.Errorf("count transactions: %w", err)
	}

	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	monthEnd := monthStart.AddDate(0, 1, 0)

	rows, err := r.db.QueryContext(ctx, `
		SELECT amount FROM transactions
		WHERE detected_at >= ? AND detected_at < ?`,
		monthStart.Format(timeFormat), monthEnd.Format(timeFormat))
	if err != nil {
		return totals, fmt.Errorf("query monthly amounts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return totals, fmt.Errorf("scan amount: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return totals, fmt.Errorf("parse stored amount %q: %w", raw, err)
		}
		totals.MonthlySpent = totals.MonthlySpent.Add(d)
	}
	return totals, rows.Err()
}

// Enqueue adds a ledger entry to the sync queue. Enqueuing an already
// queued transaction is a no-op, preserving its attempt count.
func (r *Repository) Enqueue(ctx context.Context, localID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_queue (local_id, attempts, enqueued_at)
		VALUES (?, 0, ?)
		ON CONFLICT (local_id) DO NOTHING`,
		localID, at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", localID, err)
	}
	return nil
}

// PendingOldestFirst returns every queued entry joined with its
// transaction, oldest enqueue first.
func (r *Repository) PendingOldestFirst(ctx context.Context) ([]core.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT t.local_id, t.store, t.product, t.amount, t.type, t.category,
		       t.billing_cycle, t.renewal_date, t.trial_days, t.source_url,
		       t.detected_at, t.synced, q.attempts, q.enqueued_at
		FROM sync_queue q
		JOIN transactions t ON t.local_id = q.local_id
		ORDER BY q.enqueued_at ASC, q.local_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var entries []core.QueueEntry
	for rows.Next() {
		var (
			e          core.QueueEntry
			amount     string
			txType     string
			cycle      string
			renewal    sql.NullString
			detectedAt string
			synced     int
			enqueuedAt string
		)
		if err := rows.Scan(&e.LocalID, &e.Store, &e.Product, &amount, &txType,
			&e.Category, &cycle, &renewal, &e.TrialDays, &e.SourceURL,
			&detectedAt, &synced, &e.Attempts, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		if err := fillTransaction(&e.Transaction, amount, txType, cycle, renewal, detectedAt, synced); err != nil {
			return nil, err
		}
		if e.EnqueuedAt, err = time.Parse(timeFormat, enqueuedAt); err != nil {
			return nil, fmt.Errorf("parse enqueued_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IncrementAttempts records a failed delivery attempt for a queued entry.
func (r *Repository) IncrementAttempts(ctx context.Context, localID string, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = attempts + 1, last_error = ?
		WHERE local_id = ?`, lastError, localID)
	if err != nil {
		return fmt.Errorf("increment attempts for %s: %w", localID, err)
	}
	return nil
}

// CompleteDelivery flips the ledger row to synced and removes the queue
// entry in one transaction, so a delivered record can never be observed as
// both delivered and queued.
func (r *Repository) CompleteDelivery(ctx context.Context, localID string) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete delivery: %w", err)
	}
	defer dbTx.Rollback()

	if _, err := dbTx.ExecContext(ctx,
		`UPDATE transactions SET synced = 1 WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("mark synced %s: %w", localID, err)
	}
	if _, err := dbTx.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE local_id = ?`, localID); err != nil {
		return fmt.Errorf("dequeue %s: %w", localID, err)
	}
	return dbTx.Commit()
}

// QueueDepth returns the number of entries awaiting delivery.
func (r *Repository) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_queue`).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// SaveSession persists the session row. Only the session bridge calls this.
func (r *Repository) SaveSession(ctx context.Context, s core.SessionState) error {
	var lastSynced sql.NullString
	if s.LastSyncedAt != nil {
		lastSynced = sql.NullString{String: s.LastSyncedAt.UTC().Format(timeFormat), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE session SET access_token = ?, user_id = ?, user_email = ?, last_synced_at = ?
		WHERE id = 1`,
		s.AccessToken, s.UserID, s.UserEmail, lastSynced)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LoadSession returns the persisted session state, zero-valued when absent.
func (r *Repository) LoadSession(ctx context.Context) (core.SessionState, error) {
	var (
		s          core.SessionState
		lastSynced sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT access_token, user_id, user_email, last_synced_at
		FROM session WHERE id = 1`).
		Scan(&s.AccessToken, &s.UserID, &s.UserEmail, &lastSynced)
	if err != nil {
		return core.SessionState{}, fmt.Errorf("load session: %w", err)
	}
	if lastSynced.Valid {
		t, err := time.Parse(timeFormat, lastSynced.String)
		if err != nil {
			return core.SessionState{}, fmt.Errorf("parse last_synced_at: %w", err)
		}
		s.LastSyncedAt = &t
	}
	return s, nil
}

// ClearSession wipes credentials but keeps last_synced_at and, crucially,
// every queued entry: the data is the user's own and is resubmitted after
// the next login.
func (r *Repository) ClearSession(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE session SET access_token = '', user_id = '', user_email = ''
		WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		tx         core.Transaction
		amount     string
		txType     string
		cycle      string
		renewal    sql.NullString
		detectedAt string
		synced     int
	)
	if err := row.Scan(&tx.LocalID, &tx.Store, &tx.Product, &amount, &txType,
		&tx.Category, &cycle, &renewal, &tx.TrialDays, &tx.SourceURL,
		&detectedAt, &synced); err != nil {
		return core.Transaction{}, err
	}
	if err := fillTransaction(&tx, amount, txType, cycle, renewal, detectedAt, synced); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

func fillTransaction(tx *core.Transaction, amount, txType, cycle string, renewal sql.NullString, detectedAt string, synced int) error {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	tx.Amount = d
	tx.Type = core.TransactionType(txType)
	tx.Cycle = core.BillingCycle(cycle)
	tx.Synced = synced != 0

	if tx.DetectedAt, err = time.Parse(timeFormat, detectedAt); err != nil {
		return fmt.Errorf("parse detected_at: %w", err)
	}
	if renewal.Valid {
		t, err := time.Parse(timeFormat, renewal.String)
		if err != nil {
			return fmt.Errorf("parse renewal_date: %w", err)
		}
		tx.RenewalDate = &t
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
