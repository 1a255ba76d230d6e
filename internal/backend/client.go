package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/snarg/callscribe/internal/stt"
)

// speaker attached to every event. The bridge only carries the caller's leg
// of the conversation; the backend supplies its own half.
const speakerProspect = "prospect"

// Client posts transcript events to the conversation backend.
type Client struct {
	url    string
	token  string
	client *http.Client
}

// TranscriptEvent is the JSON body posted for each transcript.
type TranscriptEvent struct {
	CallSessionID string  `json:"call_session_id"`
	Speaker       string  `json:"speaker"`
	Text          string  `json:"text"`
	IsFinal       bool    `json:"is_final"`
	Confidence    float64 `json:"confidence,omitempty"`
	Timestamp     float64 `json:"timestamp"`
}

// NewClient creates a backend client. baseURL is the backend root; events go
// to its /api/media-stream endpoint. token may be empty for backends without
// auth.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + "/api/media-stream",
		token:  token,
		client: &http.Client{Timeout: timeout},
	}
}

// Deliver posts one transcript event. Any non-2xx response is an error; the
// caller owns retry policy.
func (c *Client) Deliver(ctx context.Context, callSessionID string, t stt.Transcript) error {
	event := TranscriptEvent{
		CallSessionID: callSessionID,
		Speaker:       speakerProspect,
		Text:          t.Text,
		IsFinal:       t.IsFinal,
		Confidence:    t.Confidence,
		Timestamp:     t.Start,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("backend error (status %d): %s", resp.StatusCode, string(snippet))
	}
	return nil
}
