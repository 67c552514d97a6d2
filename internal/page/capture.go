// Package page turns captured web pages into the signals the detection
// pipeline consumes: visible text, metadata, interactive-control texts and
// currency-tagged price candidates.
package page

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Capture is a snapshot of a page handed to the engine by the capturing
// side, one per navigation.
type Capture struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	HTML       string    `json:"html"`
	CapturedAt time.Time `json:"capturedAt"`
}

var ErrEmptyCaptureURL = errors.New("capture has no url")

// DecodeCapture parses a capture envelope.
func DecodeCapture(data []byte) (Capture, error) {
	var c Capture
	if err := json.Unmarshal(data, &c); err != nil {
		return Capture{}, fmt.Errorf("decode capture: %w", err)
	}
	if c.URL == "" {
		return Capture{}, ErrEmptyCaptureURL
	}
	return c, nil
}

// hostname extracts the host portion of a URL, tolerating bare hosts.
func hostname(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Hostname()
}
