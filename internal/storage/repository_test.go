package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vibetracker/internal/core"
)

func testRepo(t *testing.T, cap int) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "test.db"), cap)
	if err != nil {
		t.Fatalf("NewRepository() error: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testTransaction(id string, detectedAt time.Time) core.Transaction {
	return core.Transaction{
		LocalID:    id,
		Store:      "Netflix",
		Product:    "Netflix Premium",
		Amount:     decimal.RequireFromString("12.99"),
		Type:       core.Subscription,
		Category:   "Entertainment",
		Cycle:      core.CycleMonthly,
		SourceURL:  "https://netflix.com/signup/confirm",
		DetectedAt: detectedAt,
	}
}

func TestSaveAndGetTransaction(t *testing.T) {
	repo := testRepo(t, 100)
	ctx := context.Background()

	renewal := time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC)
	tx := testTransaction(core.NewLocalID(), time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))
	tx.RenewalDate = &renewal
	tx.TrialDays = 14

	if err := repo.SaveTransaction(ctx, tx); err != nil {
		t.Fatalf("SaveTransaction() error: %v", err)
	}

	got, err := repo.GetTransaction(ctx, tx.LocalID)
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if got.Store != tx.Store || got.Product != tx.Product || got.Category != tx.Category {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if !got.Amount.Equal(tx.Amount) {
		t.Errorf("Amount = %s, want %s", got.Amount, tx.Amount)
	}
	if got.Type != core.Subscription || got.Cycle != core.CycleMonthly {
		t.Errorf("Type/Cycle = %s/%s", got.Type, got.Cycle)
	}
	if got.RenewalDate == nil || !got.RenewalDate.Equal(renewal) {
		t.Errorf("RenewalDate = %v, want %v", got.RenewalDate, renewal)
	}
	if got.TrialDays != 14 {
		t.Errorf("TrialDays = %d, want 14", got.TrialDays)
	}
	if got.Synced {
		t.Error("Synced should start false")
	}

	if _, err := repo.GetTransaction(ctx, "missing"); err != ErrNotFound {
		t.Errorf("missing row error = %v, want ErrNotFound", err)
	}
}

func TestLedgerCapEvictsOldestFirst(t *testing.T) {
	repo := testRepo(t, 3)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("tx-%03d", i)
		ids = append(ids, id)
		tx := testTransaction(id, base.Add(time.Duration(i)*time.Hour))
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction(%s) error: %v", id, err)
		}
		// Queue every entry so eviction cascade is observable.
		if err := repo.Enqueue(ctx, id, tx.DetectedAt); err != nil {
			t.Fatalf("Enqueue(%s) error: %v", id, err)
		}
	}

	recent, err := repo.RecentTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentTransactions() error: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("ledger holds %d rows, want 3", len(recent))
	}
	// Newest first; the two oldest were evicted.
	if recent[0].LocalID != ids[4] || recent[2].LocalID != ids[2] {
		t.Errorf("unexpected survivors: %s..%s", recent[0].LocalID, recent[2].LocalID)
	}

	// Queue entries for evicted transactions are gone too.
	depth, err := repo.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth() error: %v", err)
	}
	if depth != 3 {
		t.Errorf("QueueDepth() = %d, want 3", depth)
	}
}

func TestQueueLifecycle(t *testing.T) {
	repo := testRepo(t, 100)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("tx-%03d", i)
		if err := repo.SaveTransaction(ctx, testTransaction(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveTransaction() error: %v", err)
		}
		if err := repo.Enqueue(ctx, id, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	pending, err := repo.PendingOldestFirst(ctx)
	if err != nil {
		t.Fatalf("PendingOldestFirst() error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d entries, want 3", len(pending))
	}
	if pending[0].LocalID != "tx-000" || pending[2].LocalID != "tx-002" {
		t.Errorf("ordering wrong: %s..%s", pending[0].LocalID, pending[2].LocalID)
	}

	// Failed attempt increments and keeps the entry.
	if err := repo.IncrementAttempts(ctx, "tx-000", "connection refused"); err != nil {
		t.Fatalf("IncrementAttempts() error: %v", err)
	}
	pending, _ = repo.PendingOldestFirst(ctx)
	if pending[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", pending[0].Attempts)
	}

	// Re-enqueue is a no-op preserving attempts.
	if err := repo.Enqueue(ctx, "tx-000", base); err != nil {
		t.Fatalf("re-Enqueue() error: %v", err)
	}
	pending, _ = repo.PendingOldestFirst(ctx)
	if pending[0].Attempts != 1 {
		t.Errorf("Attempts after re-enqueue = %d, want 1", pending[0].Attempts)
	}

	// Successful delivery flips synced and removes the queue row atomically.
	if err := repo.CompleteDelivery(ctx, "tx-000"); err != nil {
		t.Fatalf("CompleteDelivery() error: %v", err)
	}
	got, err := repo.GetTransaction(ctx, "tx-000")
	if err != nil {
		t.Fatalf("GetTransaction() error: %v", err)
	}
	if !got.Synced {
		t.Error("transaction should be synced after delivery")
	}
	depth, _ := repo.QueueDepth(ctx)
	if depth != 2 {
		t.Errorf("QueueDepth() = %d, want 2", depth)
	}
}

func TestTotals(t *testing.T) {
	repo := testRepo(t, 100)
	ctx := context.Background()
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	inMonth := testTransaction("tx-a", now.Add(-24*time.Hour))
	inMonth.Amount = decimal.RequireFromString("10.50")
	lastMonth := testTransaction("tx-b", now.AddDate(0, -1, 0))
	lastMonth.Amount = decimal.RequireFromString("99.99")

	for _, tx := range []core.Transaction{inMonth, lastMonth} {
		if err := repo.SaveTransaction(ctx, tx); err != nil {
			t.Fatalf("SaveTransaction() error: %v", err)
		}
	}

	totals, err := repo.Totals(ctx, now)
	if err != nil {
		t.Fatalf("Totals() error: %v", err)
	}
	if totals.TransactionCount != 2 {
		t.Errorf("TransactionCount = %d, want 2", totals.TransactionCount)
	}
	if !totals.MonthlySpent.Equal(decimal.RequireFromString("10.50")) {
		t.Errorf("MonthlySpent = %s, want 10.50", totals.MonthlySpent)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	repo := testRepo(t, 100)
	ctx := context.Background()

	s, err := repo.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if s.Present() {
		t.Error("fresh install should have no session")
	}

	syncedAt := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	want := core.SessionState{
		AccessToken:  "tok-123",
		UserID:       "user-1",
		UserEmail:    "u@example.com",
		LastSyncedAt: &syncedAt,
	}
	if err := repo.SaveSession(ctx, want); err != nil {
		t.Fatalf("SaveSession() error: %v", err)
	}

	got, err := repo.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error: %v", err)
	}
	if got.AccessToken != want.AccessToken || got.UserID != want.UserID || got.UserEmail != want.UserEmail {
		t.Errorf("session mismatch: %+v", got)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(syncedAt) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, syncedAt)
	}

	// Logout clears credentials but retains queue entries.
	if err := repo.SaveTransaction(ctx, testTransaction("tx-q", syncedAt)); err != nil {
		t.Fatalf("SaveTransaction() error: %v", err)
	}
	if err := repo.Enqueue(ctx, "tx-q", syncedAt); err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	if err := repo.ClearSession(ctx); err != nil {
		t.Fatalf("ClearSession() error: %v", err)
	}

	got, _ = repo.LoadSession(ctx)
	if got.Present() {
		t.Error("session should be cleared")
	}
	depth, _ := repo.QueueDepth(ctx)
	if depth != 1 {
		t.Errorf("queue must survive logout, depth = %d", depth)
	}
}
