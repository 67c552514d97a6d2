// Package services contains the delivery engine: the component that takes a
// detected transaction and reliably gets it to the remote account, at least
// once, without ever double-counting it client-side.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vibetracker/internal/bus"
	"vibetracker/internal/core"
	"vibetracker/internal/log"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	SaveTransaction(ctx context.Context, tx core.Transaction) error
	Enqueue(ctx context.Context, localID string, at time.Time) error
	PendingOldestFirst(ctx context.Context) ([]core.QueueEntry, error)
	IncrementAttempts(ctx context.Context, localID string, lastError string) error
	CompleteDelivery(ctx context.Context, localID string) error
	QueueDepth(ctx context.Context) (int, error)
	Totals(ctx context.Context, now time.Time) (core.Totals, error)
}

// Deliverer posts one transaction to the remote endpoint.
type Deliverer interface {
	PostTransaction(ctx context.Context, session core.SessionState, tx core.Transaction) error
}

// SessionSource provides a read-only snapshot of the current session.
type SessionSource interface {
	Current() core.SessionState
}

// Publisher sends best-effort notifications on the bus.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// DeliveryConfig holds configuration for the delivery engine.
type DeliveryConfig struct {
	// FlushInterval is how often the whole queue is retried (default: 5m).
	FlushInterval time.Duration
}

// DefaultDeliveryConfig returns sensible defaults
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{FlushInterval: 5 * time.Minute}
}

// DeliveryEngine owns the sync queue. Per transaction the state machine is
// CREATED -> DELIVERING -> {DELIVERED | QUEUED}, with QUEUED entries
// retried on every flush, unbounded: a permanently failing entry stays
// queued until delivery succeeds or ledger capping evicts it.
type DeliveryEngine struct {
	store     Store
	deliverer Deliverer
	sessions  SessionSource
	publisher Publisher
	config    DeliveryConfig

	flushCh chan struct{}

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewDeliveryEngine creates a delivery engine.
func NewDeliveryEngine(store Store, deliverer Deliverer, sessions SessionSource, publisher Publisher, config DeliveryConfig) *DeliveryEngine {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultDeliveryConfig().FlushInterval
	}
	return &DeliveryEngine{
		store:     store,
		deliverer: deliverer,
		sessions:  sessions,
		publisher: publisher,
		config:    config,
		flushCh:   make(chan struct{}, 1),
	}
}

// Submit persists a freshly detected transaction, queues it for delivery
// and attempts an immediate delivery when a session is available. Delivery
// failure is not an error here: the record stays queued and visible locally
// with synced = false.
func (e *DeliveryEngine) Submit(ctx context.Context, tx core.Transaction) error {
	if err := e.store.SaveTransaction(ctx, tx); err != nil {
		return fmt.Errorf("save transaction: %w", err)
	}
	if err := e.store.Enqueue(ctx, tx.LocalID, tx.DetectedAt); err != nil {
		return fmt.Errorf("enqueue transaction: %w", err)
	}

	e.notify(ctx, bus.TypeNewTransaction, tx)

	if e.sessions.Current().Present() {
		entry := core.QueueEntry{Transaction: tx}
		if e.deliver(ctx, entry) {
			e.notifySynced(ctx, 1)
		}
	}
	return nil
}

// Flush attempts delivery for every queued entry, oldest first and
// sequentially; one entry's failure never blocks the rest of the pass.
// Without a session the pass is skipped outright: queuing costs nothing
// and the bridge will kick us when a session arrives.
func (e *DeliveryEngine) Flush(ctx context.Context) int {
	if !e.sessions.Current().Present() {
		return 0
	}

	entries, err := e.store.PendingOldestFirst(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load pending queue", log.FieldError, err)
		return 0
	}
	if len(entries) == 0 {
		return 0
	}

	slog.DebugContext(ctx, "Flushing sync queue", log.FieldQueueDepth, len(entries))

	delivered := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return delivered
		default:
		}
		if e.deliver(ctx, entry) {
			delivered++
		}
	}

	if delivered > 0 {
		slog.InfoContext(ctx, "Sync queue flushed", log.FieldDelivered, delivered)
		e.notifySynced(ctx, delivered)
		e.PublishStatus(ctx)
	}
	return delivered
}

// deliver runs one DELIVERING transition. Success removes the entry from
// the queue the instant it is observed, which is the only client-side
// defense against double-counting.
func (e *DeliveryEngine) deliver(ctx context.Context, entry core.QueueEntry) bool {
	session := e.sessions.Current()
	if !session.Present() {
		return false
	}

	if err := e.deliverer.PostTransaction(ctx, session, entry.Transaction); err != nil {
		if incErr := e.store.IncrementAttempts(ctx, entry.LocalID, err.Error()); incErr != nil {
			slog.ErrorContext(ctx, "Failed to record delivery attempt",
				log.FieldLocalID, entry.LocalID, log.FieldError, incErr)
		}
		slog.WarnContext(ctx, "Delivery failed, entry stays queued",
			log.FieldLocalID, entry.LocalID,
			log.FieldAttempts, entry.Attempts+1,
			log.FieldError, err)
		return false
	}

	if err := e.store.CompleteDelivery(ctx, entry.LocalID); err != nil {
		// The server has the record; losing the dequeue means one retried
		// delivery that the server-side clientId dedupe will absorb.
		slog.ErrorContext(ctx, "Failed to complete delivery",
			log.FieldLocalID, entry.LocalID, log.FieldError, err)
		return false
	}

	slog.InfoContext(ctx, "Transaction delivered",
		log.FieldLocalID, entry.LocalID,
		log.FieldStore, entry.Store,
		log.FieldAmount, entry.Amount)
	return true
}

// RequestFlush schedules an out-of-band flush, used by the session bridge
// whenever a session is acquired or refreshed. Non-blocking; coalesces
// with an already pending request.
func (e *DeliveryEngine) RequestFlush() {
	select {
	case e.flushCh <- struct{}{}:
	default:
	}
}

// Start begins the periodic flush loop. Returns an error if already running.
func (e *DeliveryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("delivery engine is already running")
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.runLoop(ctx)

	slog.InfoContext(ctx, "Delivery engine started",
		"flush_interval", e.config.FlushInterval)
	return nil
}

// Stop gracefully stops the engine and waits for the loop to exit.
func (e *DeliveryEngine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	close(e.stopCh)

	select {
	case <-e.doneCh:
		slog.InfoContext(ctx, "Delivery engine stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Delivery engine stop timed out")
		return ctx.Err()
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

// IsRunning returns whether the engine loop is active.
func (e *DeliveryEngine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *DeliveryEngine) runLoop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.config.FlushInterval)
	defer ticker.Stop()

	// Catch up on anything queued before the process started.
	e.Flush(ctx)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Flush(ctx)
		case <-e.flushCh:
			e.Flush(ctx)
		}
	}
}

// PublishStatus broadcasts the current sync status snapshot.
func (e *DeliveryEngine) PublishStatus(ctx context.Context) {
	depth, err := e.store.QueueDepth(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read queue depth", log.FieldError, err)
		return
	}
	totals, err := e.store.Totals(ctx, time.Now())
	if err != nil {
		slog.ErrorContext(ctx, "Failed to read ledger totals", log.FieldError, err)
		return
	}
	e.notify(ctx, bus.TypeExtensionStatus, bus.StatusPayload{
		SessionPresent:   e.sessions.Current().Present(),
		QueueDepth:       depth,
		TransactionCount: totals.TransactionCount,
	})
}

// notify publishes best-effort: a missing listener or broker hiccup is a
// silent no-op, never an error surfaced to the caller.
func (e *DeliveryEngine) notify(ctx context.Context, t bus.Type, payload any) {
	if e.publisher == nil {
		return
	}
	msg, err := bus.New(t, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build message", log.FieldMessageType, t, log.FieldError, err)
		return
	}
	if err := e.publisher.Publish(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Failed to publish message", log.FieldMessageType, t, log.FieldError, err)
	}
}

func (e *DeliveryEngine) notifySynced(ctx context.Context, delivered int) {
	e.notify(ctx, bus.TypeTransactionsSynced, bus.SyncedPayload{
		Delivered: delivered,
		SyncedAt:  time.Now().UTC(),
	})
}
