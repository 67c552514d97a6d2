// Package api speaks to the two external HTTP collaborators: the remote
// transactions endpoint that accepts delivered records, and the companion
// website's session introspection endpoint.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"vibetracker/internal/core"
)

const defaultTimeout = 10 * time.Second

// StatusError reports a non-2xx response from the remote API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote api returned status %d", e.StatusCode)
}

type Client struct {
	httpClient   *http.Client
	baseURL      string
	companionURL string
}

// NewClient builds a client for the given API and companion-site base URLs.
// Pass nil to use a default http.Client with a 10s timeout.
func NewClient(httpClient *http.Client, baseURL, companionURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient:   httpClient,
		baseURL:      baseURL,
		companionURL: companionURL,
	}
}

// transactionRequest is the remote write contract. ClientID carries the
// time-ordered local id so the server can deduplicate a retried delivery
// whose success response was lost in transit.
type transactionRequest struct {
	UserID      string          `json:"userId"`
	ClientID    string          `json:"clientId"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Category    string          `json:"category"`
	Source      string          `json:"source"`
	Date        time.Time       `json:"date"`
}

// PostTransaction delivers one transaction. Any 2xx response is success;
// the engine does not depend on the response body.
func (c *Client) PostTransaction(ctx context.Context, session core.SessionState, tx core.Transaction) error {
	if !session.Present() {
		return core.ErrSessionAbsent
	}

	doc := transactionRequest{
		UserID:      session.UserID,
		ClientID:    tx.LocalID,
		Description: describeTransaction(tx),
		Amount:      tx.Amount,
		Type:        string(tx.Type),
		Category:    tx.Category,
		Source:      "extension",
		Date:        tx.DetectedAt,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return nil
}

// sessionResponse mirrors what the companion site returns for a logged-in
// browser session.
type sessionResponse struct {
	AccessToken string `json:"access_token"`
	User        struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// FetchSession introspects the companion website's own session. Absence of
// a session (no content, unauthorized, not found) is (nil, nil), not an
// error: it covers both fresh installs and website logout.
func (c *Client) FetchSession(ctx context.Context) (*core.SessionState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.companionURL+"/api/extension/session", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusUnauthorized, http.StatusNotFound:
		return nil, nil
	case http.StatusOK:
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var sr sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode session response: %w", err)
	}
	if sr.AccessToken == "" || sr.User.ID == "" {
		return nil, nil
	}
	return &core.SessionState{
		AccessToken: sr.AccessToken,
		UserID:      sr.User.ID,
		UserEmail:   sr.User.Email,
	}, nil
}

func describeTransaction(tx core.Transaction) string {
	switch {
	case tx.Store != "" && tx.Product != "" && tx.Store != tx.Product:
		return tx.Store + ": " + tx.Product
	case tx.Product != "":
		return tx.Product
	default:
		return tx.Store
	}
}
