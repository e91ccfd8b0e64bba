package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookOptions configures a Webhook transport.
type WebhookOptions struct {
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	// AuthToken is sent as a bearer token when set.
	AuthToken string
}

// Webhook posts outbound messages as JSON to an HTTP endpoint. The endpoint
// receives {"destination": ..., "text": ...} and is expected to answer 2xx
// with an optional {"messageId": ...} body.
type Webhook struct {
	endpoint string
	client   *http.Client
	token    string
}

// NewWebhook creates a webhook transport for the given endpoint URL.
func NewWebhook(endpoint string, optFns ...func(o *WebhookOptions)) *Webhook {
	opts := WebhookOptions{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Webhook{
		endpoint: endpoint,
		client:   opts.HTTPClient,
		token:    opts.AuthToken,
	}
}

type webhookPayload struct {
	Destination string `json:"destination"`
	Text        string `json:"text"`
}

type webhookResponse struct {
	MessageID string `json:"messageId"`
}

// Send posts the message to the configured endpoint.
func (t *Webhook) Send(ctx context.Context, destination, text string) (*Delivery, error) {
	body, err := json.Marshal(webhookPayload{Destination: destination, Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(raw))
	}

	var parsed webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil && err != io.EOF {
		// A 2xx with an unreadable body is still a delivery.
		return &Delivery{Success: true}, nil
	}
	return &Delivery{Success: true, MessageID: parsed.MessageID}, nil
}
