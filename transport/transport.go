// Package transport delivers outbound messages to conversation channels.
package transport

import (
	"context"
	"sync"
)

// Delivery reports the outcome of one outbound send.
type Delivery struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
}

// Transport sends a text message to a destination channel. Implementations
// must be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, destination, text string) (*Delivery, error)
}

// Inline is an in-process transport that records sent messages. The reply of
// an inbound turn is returned to the caller directly, so Inline is the
// default for request/response integrations and for tests.
type Inline struct {
	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage is one message captured by an Inline transport.
type SentMessage struct {
	Destination string
	Text        string
}

// NewInline creates an inline transport.
func NewInline() *Inline {
	return &Inline{}
}

// Send records the message and reports success.
func (t *Inline) Send(_ context.Context, destination, text string) (*Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, SentMessage{Destination: destination, Text: text})
	return &Delivery{Success: true, MessageID: ""}, nil
}

// Sent returns a copy of the messages captured so far.
func (t *Inline) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}
