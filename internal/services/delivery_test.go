package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vibetracker/internal/bus"
	"vibetracker/internal/core"
)

type queueRow struct {
	attempts   int
	enqueuedAt time.Time
}

// fakeStore is an in-memory Store with the repository's semantics.
type fakeStore struct {
	mu    sync.Mutex
	txs   map[string]core.Transaction
	queue map[string]*queueRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txs:   make(map[string]core.Transaction),
		queue: make(map[string]*queueRow),
	}
}

func (s *fakeStore) SaveTransaction(_ context.Context, tx core.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.LocalID] = tx
	return nil
}

func (s *fakeStore) Enqueue(_ context.Context, localID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queue[localID]; !ok {
		s.queue[localID] = &queueRow{enqueuedAt: at}
	}
	return nil
}

func (s *fakeStore) PendingOldestFirst(_ context.Context) ([]core.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []core.QueueEntry
	for id, row := range s.queue {
		entries = append(entries, core.QueueEntry{
			Transaction: s.txs[id],
			Attempts:    row.attempts,
			EnqueuedAt:  row.enqueuedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].LocalID < entries[j].LocalID
	})
	return entries, nil
}

func (s *fakeStore) IncrementAttempts(_ context.Context, localID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.queue[localID]; ok {
		row.attempts++
	}
	return nil
}

func (s *fakeStore) CompleteDelivery(_ context.Context, localID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[localID]
	if !ok {
		return errors.New("unknown transaction")
	}
	tx.Synced = true
	s.txs[localID] = tx
	delete(s.queue, localID)
	return nil
}

func (s *fakeStore) QueueDepth(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *fakeStore) Totals(_ context.Context, _ time.Time) (core.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return core.Totals{TransactionCount: len(s.txs), MonthlySpent: decimal.Zero}, nil
}

// fakeDeliverer fails deliveries for ids in failing, recording every call.
type fakeDeliverer struct {
	mu      sync.Mutex
	failing map[string]bool
	calls   []string
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{failing: make(map[string]bool)}
}

func (d *fakeDeliverer) PostTransaction(_ context.Context, _ core.SessionState, tx core.Transaction) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, tx.LocalID)
	if d.failing[tx.LocalID] {
		return errors.New("network down")
	}
	return nil
}

func (d *fakeDeliverer) callCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c == id {
			n++
		}
	}
	return n
}

type fakeSessions struct {
	mu    sync.Mutex
	state core.SessionState
}

func (s *fakeSessions) Current() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSessions) set(state core.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []bus.Message
}

func (p *fakePublisher) Publish(_ context.Context, msg bus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) typeCount(t bus.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.messages {
		if m.Type == t {
			n++
		}
	}
	return n
}

func engineFixture() (*DeliveryEngine, *fakeStore, *fakeDeliverer, *fakeSessions, *fakePublisher) {
	store := newFakeStore()
	deliverer := newFakeDeliverer()
	sessions := &fakeSessions{}
	publisher := &fakePublisher{}
	engine := NewDeliveryEngine(store, deliverer, sessions, publisher, DefaultDeliveryConfig())
	return engine, store, deliverer, sessions, publisher
}

func queueTx(i int, at time.Time) core.Transaction {
	return core.Transaction{
		LocalID:    fmt.Sprintf("tx-%03d", i),
		Store:      "Example",
		Product:    "Thing",
		Amount:     decimal.RequireFromString("9.99"),
		Type:       core.Purchase,
		Category:   "Other",
		SourceURL:  "https://example.com/checkout/success",
		DetectedAt: at,
	}
}

var loggedIn = core.SessionState{AccessToken: "tok", UserID: "user-1"}

func TestSubmitWithoutSessionQueuesWithoutAttempting(t *testing.T) {
	engine, store, deliverer, _, publisher := engineFixture()
	ctx := context.Background()

	if err := engine.Submit(ctx, queueTx(0, time.Now())); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if len(deliverer.calls) != 0 {
		t.Errorf("delivery attempted while logged out: %v", deliverer.calls)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 1 {
		t.Errorf("QueueDepth = %d, want 1", depth)
	}
	if publisher.typeCount(bus.TypeNewTransaction) != 1 {
		t.Error("NEW_TRANSACTION should be published even while offline")
	}
}

func TestSubmitWithSessionDeliversImmediately(t *testing.T) {
	engine, store, deliverer, sessions, publisher := engineFixture()
	sessions.set(loggedIn)
	ctx := context.Background()

	if err := engine.Submit(ctx, queueTx(0, time.Now())); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	if got := deliverer.callCount("tx-000"); got != 1 {
		t.Errorf("delivery attempts = %d, want 1", got)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
	if !store.txs["tx-000"].Synced {
		t.Error("transaction should be synced")
	}
	if publisher.typeCount(bus.TypeTransactionsSynced) != 1 {
		t.Error("TRANSACTIONS_SYNCED should be published after delivery")
	}
}

func TestOfflineThenLoginRoundTrip(t *testing.T) {
	// A transaction enqueued while logged out, followed by a login and a
	// flush, is delivered exactly once and removed from the queue.
	engine, store, deliverer, sessions, _ := engineFixture()
	ctx := context.Background()

	if err := engine.Submit(ctx, queueTx(0, time.Now())); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if engine.Flush(ctx) != 0 {
		t.Error("flush without session must deliver nothing")
	}

	sessions.set(loggedIn)
	if got := engine.Flush(ctx); got != 1 {
		t.Errorf("Flush() = %d, want 1", got)
	}
	if got := engine.Flush(ctx); got != 0 {
		t.Errorf("second Flush() = %d, want 0 (no duplicates)", got)
	}
	if got := deliverer.callCount("tx-000"); got != 1 {
		t.Errorf("total delivery attempts = %d, want exactly 1", got)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
}

func TestFlushOldestFirstAndFailureIsolation(t *testing.T) {
	engine, store, deliverer, sessions, _ := engineFixture()
	sessions.set(loggedIn)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	deliverer.failing["tx-001"] = true

	for i := 0; i < 3; i++ {
		tx := queueTx(i, base.Add(time.Duration(i)*time.Minute))
		store.SaveTransaction(ctx, tx)
		store.Enqueue(ctx, tx.LocalID, tx.DetectedAt)
	}

	if got := engine.Flush(ctx); got != 2 {
		t.Errorf("Flush() = %d, want 2", got)
	}

	// Oldest first: tx-000 attempted before tx-001 before tx-002.
	if len(deliverer.calls) != 3 ||
		deliverer.calls[0] != "tx-000" || deliverer.calls[1] != "tx-001" || deliverer.calls[2] != "tx-002" {
		t.Errorf("delivery order = %v", deliverer.calls)
	}

	// The failing entry stays queued with its attempt recorded.
	pending, _ := store.PendingOldestFirst(ctx)
	if len(pending) != 1 || pending[0].LocalID != "tx-001" {
		t.Fatalf("pending = %+v, want only tx-001", pending)
	}
	if pending[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", pending[0].Attempts)
	}
}

func TestRetriesAreUnbounded(t *testing.T) {
	engine, store, deliverer, sessions, _ := engineFixture()
	sessions.set(loggedIn)
	ctx := context.Background()

	deliverer.failing["tx-000"] = true
	tx := queueTx(0, time.Now())
	store.SaveTransaction(ctx, tx)
	store.Enqueue(ctx, tx.LocalID, tx.DetectedAt)

	for i := 0; i < 10; i++ {
		engine.Flush(ctx)
	}

	pending, _ := store.PendingOldestFirst(ctx)
	if len(pending) != 1 {
		t.Fatal("entry must stay queued forever while failing")
	}
	if pending[0].Attempts != 10 {
		t.Errorf("Attempts = %d, want 10", pending[0].Attempts)
	}

	// Recovery after many failures still delivers exactly once.
	deliverer.failing["tx-000"] = false
	if got := engine.Flush(ctx); got != 1 {
		t.Errorf("Flush() after recovery = %d, want 1", got)
	}
	depth, _ := store.QueueDepth(ctx)
	if depth != 0 {
		t.Errorf("QueueDepth = %d, want 0", depth)
	}
}

func TestRequestFlushCoalesces(t *testing.T) {
	engine, _, _, _, _ := engineFixture()
	// Must never block, even when no loop is draining the channel.
	for i := 0; i < 5; i++ {
		engine.RequestFlush()
	}
}

func TestStartStopLifecycle(t *testing.T) {
	engine, _, _, _, _ := engineFixture()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if engine.IsRunning() {
		t.Error("engine should not be running initially")
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := engine.Start(ctx); err == nil {
		t.Error("second Start() should fail")
	}
	if !engine.IsRunning() {
		t.Error("engine should be running after Start")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := engine.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if engine.IsRunning() {
		t.Error("engine should not be running after Stop")
	}

	// Stop when not running is a no-op.
	if err := engine.Stop(stopCtx); err != nil {
		t.Errorf("Stop() on stopped engine: %v", err)
	}
}

func TestPublishStatus(t *testing.T) {
	engine, store, _, sessions, publisher := engineFixture()
	sessions.set(loggedIn)
	ctx := context.Background()

	tx := queueTx(0, time.Now())
	store.SaveTransaction(ctx, tx)
	store.Enqueue(ctx, tx.LocalID, tx.DetectedAt)

	engine.PublishStatus(ctx)

	if publisher.typeCount(bus.TypeExtensionStatus) != 1 {
		t.Fatal("EXTENSION_STATUS not published")
	}
	status, err := publisher.messages[len(publisher.messages)-1].Status()
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if !status.SessionPresent || status.QueueDepth != 1 || status.TransactionCount != 1 {
		t.Errorf("status = %+v", status)
	}
}
