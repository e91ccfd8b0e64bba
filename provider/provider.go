// Package provider defines the completion-provider contract the dialogue
// engine depends on, plus a deterministic mock for tests and examples.
// Vendor adapters live in the openai and anthropic subpackages.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/convomesh/convomesh/core"
)

// ErrEmptyResponse indicates the provider returned neither natural-language
// content nor a structured call. The engine must treat this as a failure,
// never as an empty-string reply.
var ErrEmptyResponse = errors.New("provider returned neither content nor structured call")

// Message is one role/content entry in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FunctionDef declaratively exposes a callable structured function to the
// provider. Parameters is a JSON Schema object.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized provider input assembled by the engine.
type Request struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int64         `json:"max_tokens"`
	Messages    []Message     `json:"messages"`
	Functions   []FunctionDef `json:"functions,omitempty"`
}

// Response is the provider output for one completion call. Content may be
// empty when StructuredCall is present; both absent is an error state the
// adapter reports as ErrEmptyResponse.
type Response struct {
	Content        string               `json:"content,omitempty"`
	StructuredCall *core.StructuredCall `json:"structured_call,omitempty"`
	TokensUsed     int                  `json:"tokens_used,omitempty"`
}

// Validate enforces the contract that a response carries content, a
// structured call, or both.
func (r *Response) Validate() error {
	if r.Content == "" && r.StructuredCall == nil {
		return ErrEmptyResponse
	}
	return nil
}

// Info contains metadata about a provider implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", etc.
}

// Provider is the minimal interface the dialogue engine needs to drive
// completions. One call, one response; streaming is outside this contract.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the provider implementation.
	Info() Info
}

// Mock is a lightweight in-memory Provider useful for tests and examples.
// Canned responses are keyed by the last user message; unkeyed inputs get a
// generated echo reply. Calls are counted so tests can assert short-circuit
// paths never reach the provider.
type Mock struct {
	mu        sync.Mutex
	responses map[string]*Response
	calls     int
	failWith  error
}

// NewMock constructs a Mock with no canned responses.
func NewMock() *Mock {
	return &Mock{responses: make(map[string]*Response)}
}

// AddResponse registers a deterministic canned completion for an input.
func (m *Mock) AddResponse(input string, resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[input] = resp
}

// FailWith makes every subsequent call return err.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Calls returns how many completions were requested.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Complete implements Provider.
func (m *Mock) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	failWith := m.failWith
	m.mu.Unlock()
	if failWith != nil {
		return nil, failWith
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var last string
	for _, msg := range req.Messages {
		if msg.Role == core.RoleUser {
			last = msg.Content
		}
	}
	m.mu.Lock()
	resp, ok := m.responses[last]
	m.mu.Unlock()
	if ok {
		if err := resp.Validate(); err != nil {
			return nil, err
		}
		return resp, nil
	}
	return &Response{Content: fmt.Sprintf("Mock response to: %s", last)}, nil
}

// Info implements Provider.
func (m *Mock) Info() Info { return Info{Name: "mock", Provider: "mock"} }
