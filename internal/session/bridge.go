// Package session owns the authenticated state shared between the companion
// website and the background process. The bridge listens for session messages
// on the bus, polls the website's introspection endpoint as a fallback, and
// keeps the persisted copy in step so a restart does not log the user out.
package session

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

// Store persists the single session row.
type Store interface {
	SaveSession(ctx context.Context, s core.SessionState) error
	LoadSession(ctx context.Context) (core.SessionState, error)
	ClearSession(ctx context.Context) error
}

// Introspector asks the companion website whether it has a live session.
// (nil, nil) means no session is available.
type Introspector interface {
	FetchSession(ctx context.Context) (*core.SessionState, error)
}

// FlushRequester is notified whenever a session becomes available so queued
// transactions can be delivered right away.
type FlushRequester interface {
	RequestFlush()
}

// Publisher sends best-effort notifications on the bus.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}

// Config holds configuration for the session bridge.
type Config struct {
	// PollInterval is how often the companion website is introspected
	// (default: 1m).
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PollInterval: time.Minute}
}

// Bridge holds the in-memory session and mediates every way it can change:
// a login message, a logout message, a session sync request or the poll loop.
type Bridge struct {
	store        Store
	introspector Introspector
	flusher      FlushRequester
	publisher    Publisher
	config       Config

	stateMu sync.RWMutex
	state   core.SessionState

	// Lifecycle management
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBridge creates a session bridge. Pass a nil introspector to disable
// the poll loop's website introspection.
func NewBridge(store Store, introspector Introspector, flusher FlushRequester, publisher Publisher, config Config) *Bridge {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Bridge{
		store:        store,
		introspector: introspector,
		flusher:      flusher,
		publisher:    publisher,
		config:       config,
	}
}

// Restore loads the persisted session into memory. Called once at startup,
// before any message is handled.
func (b *Bridge) Restore(ctx context.Context) error {
	state, err := b.store.LoadSession(ctx)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	b.stateMu.Lock()
	b.state = state
	b.stateMu.Unlock()

	if state.Present() {
		slog.InfoContext(ctx, "Session restored", log.FieldUserID, state.UserID)
	}
	return nil
}

// Current returns a snapshot of the session state.
func (b *Bridge) Current() core.SessionState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// HandleMessage applies one session-bearing bus message. Messages of other
// types are ignored so the bridge can sit on a shared consumer.
func (b *Bridge) HandleMessage(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeWebsiteLogin:
		payload, err := msg.Session()
		if err != nil {
			return err
		}
		return b.adopt(ctx, payload.State(), true)

	case bus.TypeSyncSessionFromWebsite:
		// Only fills a gap; an established session is not replaced.
		if b.Current().Present() {
			return nil
		}
		payload, err := msg.Session()
		if err != nil {
			return err
		}
		return b.adopt(ctx, payload.State(), false)

	case bus.TypeUserLoggedOut:
		return b.clear(ctx)
	}
	return nil
}

// adopt installs a new session, persists it and kicks the delivery engine.
// The queue drains on the very next flush instead of waiting out the timer.
func (b *Bridge) adopt(ctx context.Context, state core.SessionState, announce bool) error {
	if !state.Present() {
		slog.WarnContext(ctx, "Ignoring incomplete session payload")
		return nil
	}

	b.stateMu.Lock()
	b.state = state
	b.stateMu.Unlock()

	if err := b.store.SaveSession(ctx, state); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	slog.InfoContext(ctx, "Session adopted", log.FieldUserID, state.UserID)

	if b.flusher != nil {
		b.flusher.RequestFlush()
	}
	if announce {
		b.notify(ctx, bus.TypeExtensionSynced, bus.SyncedPayload{SyncedAt: time.Now().UTC()})
	}
	return nil
}

// clear drops the credentials. Queued transactions are untouched: they wait,
// synced = false, for the next login.
func (b *Bridge) clear(ctx context.Context) error {
	b.stateMu.Lock()
	wasPresent := b.state.Present()
	b.state = core.SessionState{}
	b.stateMu.Unlock()

	if err := b.store.ClearSession(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if wasPresent {
		slog.InfoContext(ctx, "Session cleared, queued transactions retained")
	}
	return nil
}

// Start begins the introspection poll loop. Returns an error if already
// running.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("session bridge is already running")
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.mu.Unlock()

	go b.runLoop(ctx)

	slog.InfoContext(ctx, "Session bridge started",
		"poll_interval", b.config.PollInterval)
	return nil
}

// Stop gracefully stops the bridge and waits for the loop to exit.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	close(b.stopCh)

	select {
	case <-b.doneCh:
		slog.InfoContext(ctx, "Session bridge stopped gracefully")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Session bridge stop timed out")
		return ctx.Err()
	}

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return nil
}

// IsRunning returns whether the poll loop is active.
func (b *Bridge) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bridge) runLoop(ctx context.Context) {
	defer close(b.doneCh)

	if b.introspector == nil {
		<-b.stopCh
		return
	}

	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()

	// Catch a session established before the process started, e.g. a user
	// who installed while already logged in on the website.
	b.poll(ctx)

	for {
		select {
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx)
		}
	}
}

// poll reconciles the in-memory session with the companion website. The
// website is authoritative in both directions: it can hand us a session we
// lack and it can revoke the one we hold.
func (b *Bridge) poll(ctx context.Context) {
	remote, err := b.introspector.FetchSession(ctx)
	if err != nil {
		slog.DebugContext(ctx, "Session introspection failed", log.FieldError, err)
		return
	}

	local := b.Current()
	switch {
	case remote == nil && local.Present():
		if err := b.clear(ctx); err != nil {
			slog.ErrorContext(ctx, "Failed to clear revoked session", log.FieldError, err)
		}
	case remote != nil && !local.Present():
		if err := b.adopt(ctx, *remote, true); err != nil {
			slog.ErrorContext(ctx, "Failed to adopt introspected session", log.FieldError, err)
		}
	case remote != nil && remote.AccessToken != local.AccessToken:
		// Token rotated on the website; refresh quietly.
		if err := b.adopt(ctx, *remote, false); err != nil {
			slog.ErrorContext(ctx, "Failed to refresh session", log.FieldError, err)
		}
	}
}

func (b *Bridge) notify(ctx context.Context, t bus.Type, payload any) {
	if b.publisher == nil {
		return
	}
	msg, err := bus.New(t, payload)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build message", log.FieldMessageType, t, log.FieldError, err)
		return
	}
	if err := b.publisher.Publish(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Failed to publish message", log.FieldMessageType, t, log.FieldError, err)
	}
}
