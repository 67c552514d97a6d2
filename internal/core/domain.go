package core

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Purchase     TransactionType = "purchase"
	Subscription TransactionType = "subscription"
	Trial        TransactionType = "trial"
)

const (
	CycleNone    BillingCycle = ""
	CycleWeekly  BillingCycle = "weekly"
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

type (
	TransactionType string

	// BillingCycle is empty for one-off purchases.
	BillingCycle string

	// Transaction is the canonical unit flowing through the engine: created
	// by the inferencer, persisted in the local ledger, delivered to the
	// remote account by the delivery engine. Only Synced is ever mutated
	// after creation.
	Transaction struct {
		LocalID     string          `json:"localId"`
		Store       string          `json:"store"`
		Product     string          `json:"product"`
		Amount      decimal.Decimal `json:"amount"`
		Type        TransactionType `json:"type"`
		Category    string          `json:"category"`
		Cycle       BillingCycle    `json:"billingCycle,omitempty"`
		RenewalDate *time.Time      `json:"renewalDate,omitempty"`
		TrialDays   int             `json:"trialDays,omitempty"`
		SourceURL   string          `json:"sourceUrl"`
		DetectedAt  time.Time       `json:"detectedAt"`
		Synced      bool            `json:"synced"`
	}

	// QueueEntry is a Transaction awaiting delivery. It exists only while
	// the transaction is unsynced; delivery success removes it.
	QueueEntry struct {
		Transaction
		Attempts   int
		EnqueuedAt time.Time
	}

	// SessionState is owned and mutated exclusively by the session bridge in
	// the background process. Other contexts read snapshots only.
	SessionState struct {
		AccessToken  string
		UserID       string
		UserEmail    string
		LastSyncedAt *time.Time
	}

	// Totals are the running ledger aggregates shown offline.
	Totals struct {
		TransactionCount int
		MonthlySpent     decimal.Decimal
	}
)

var (
	ErrInvalidType    = errors.New("invalid transaction type")
	ErrInvalidCycle   = errors.New("invalid billing cycle")
	ErrNegativeAmount = errors.New("negative amount")
	ErrEmptySourceURL = errors.New("empty source url")
	ErrEmptyLocalID   = errors.New("empty local id")
	ErrSessionAbsent  = errors.New("no session available")
)

// NewLocalID returns a client-generated, time-ordered identifier. UUIDv7
// sorts by creation time and doubles as the delivery idempotency key.
func NewLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than aborting a detection.
		return uuid.NewString()
	}
	return id.String()
}

func (t TransactionType) Valid() bool {
	switch t {
	case Purchase, Subscription, Trial:
		return true
	}
	return false
}

func (c BillingCycle) Valid() bool {
	switch c {
	case CycleNone, CycleWeekly, CycleMonthly, CycleYearly:
		return true
	}
	return false
}

// Validate checks structural invariants. A zero amount is valid: a detected
// trial signup with no immediate charge is still a record worth keeping.
func (t Transaction) Validate() error {
	if t.LocalID == "" {
		return ErrEmptyLocalID
	}
	if t.Amount.IsNegative() {
		return ErrNegativeAmount
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if !t.Cycle.Valid() {
		return ErrInvalidCycle
	}
	if t.SourceURL == "" {
		return ErrEmptySourceURL
	}
	return nil
}

// Present reports whether the state holds a usable session.
func (s SessionState) Present() bool {
	return s.AccessToken != "" && s.UserID != ""
}
