// Package bus carries the typed messages exchanged between the page
// evaluation agent, the background process and the companion website. Every
// message is a {type, data} envelope; unknown types are ignored rather than
// erroring, so contexts can evolve independently.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"vibetracker/internal/core"
)

type Type string

const (
	TypePurchaseDetected       Type = "PURCHASE_DETECTED"
	TypeSubscriptionDetected   Type = "SUBSCRIPTION_DETECTED"
	TypeWebsiteLogin           Type = "WEBSITE_LOGIN"
	TypeUserLoggedOut          Type = "USER_LOGGED_OUT"
	TypeSyncSessionFromWebsite Type = "SYNC_SESSION_FROM_WEBSITE"
	TypeExtensionSynced        Type = "EXTENSION_SYNCED"
	TypeNewTransaction         Type = "NEW_TRANSACTION"
	TypeTransactionsSynced     Type = "TRANSACTIONS_SYNCED"
	TypeExtensionStatus        Type = "EXTENSION_STATUS"
)

var knownTypes = map[Type]struct{}{
	TypePurchaseDetected:       {},
	TypeSubscriptionDetected:   {},
	TypeWebsiteLogin:           {},
	TypeUserLoggedOut:          {},
	TypeSyncSessionFromWebsite: {},
	TypeExtensionSynced:        {},
	TypeNewTransaction:         {},
	TypeTransactionsSynced:     {},
	TypeExtensionStatus:        {},
}

// Message is the wire envelope.
type Message struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Known reports whether the receiving build understands the message type.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// SessionPayload accompanies WEBSITE_LOGIN and SYNC_SESSION_FROM_WEBSITE.
type SessionPayload struct {
	Session SessionInfo `json:"session"`
	User    UserInfo    `json:"user"`
}

type SessionInfo struct {
	AccessToken string `json:"access_token"`
}

type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// State converts the wire payload to the background process's session model.
func (p SessionPayload) State() core.SessionState {
	return core.SessionState{
		AccessToken: p.Session.AccessToken,
		UserID:      p.User.ID,
		UserEmail:   p.User.Email,
	}
}

// SyncedPayload accompanies EXTENSION_SYNCED and TRANSACTIONS_SYNCED.
type SyncedPayload struct {
	Delivered int       `json:"delivered"`
	SyncedAt  time.Time `json:"syncedAt"`
}

// StatusPayload accompanies EXTENSION_STATUS.
type StatusPayload struct {
	SessionPresent   bool `json:"sessionPresent"`
	QueueDepth       int  `json:"queueDepth"`
	TransactionCount int  `json:"transactionCount"`
}

// New builds an envelope from a payload. A nil payload yields an empty
// data field (USER_LOGGED_OUT carries none).
func New(t Type, payload any) (Message, error) {
	msg := Message{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// NewDetection wraps a transaction in the detection message matching its
// type: purchases travel as PURCHASE_DETECTED, subscriptions and trials as
// SUBSCRIPTION_DETECTED.
func NewDetection(tx core.Transaction) (Message, error) {
	t := TypePurchaseDetected
	if tx.Type == core.Subscription || tx.Type == core.Trial {
		t = TypeSubscriptionDetected
	}
	return New(t, tx)
}

// Transaction decodes the payload of detection and NEW_TRANSACTION messages.
func (m Message) Transaction() (core.Transaction, error) {
	var tx core.Transaction
	if err := json.Unmarshal(m.Data, &tx); err != nil {
		return core.Transaction{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return tx, nil
}

// Session decodes the payload of session-bearing messages.
func (m Message) Session() (SessionPayload, error) {
	var p SessionPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return SessionPayload{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return p, nil
}

// Status decodes an EXTENSION_STATUS payload.
func (m Message) Status() (StatusPayload, error) {
	var p StatusPayload
	if err := json.Unmarshal(m.Data, &p); err != nil {
		return StatusPayload{}, fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return p, nil
}

func encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	return m, nil
}
