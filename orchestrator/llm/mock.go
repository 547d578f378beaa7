package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponder produces a canned response for one call. Returning an error
// simulates a provider failure.
type MockResponder func(model, prompt string) (*Response, error)

// MockProvider serves scripted responses. Used by MOCK_MODE and tests.
type MockProvider struct {
	mu         sync.Mutex
	responders []MockResponder
	fallback   MockResponder
	calls      int
	Requests   []string
}

// NewMockProvider creates a provider whose default response echoes a small
// fixed payload. Script individual calls with Respond, or override the
// default with RespondAlways.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		fallback: func(model, prompt string) (*Response, error) {
			return &Response{Text: fmt.Sprintf(`{"mock":true,"model":%q}`, model)}, nil
		},
	}
}

// Respond appends a scripted response consumed in call order. Once the
// script is exhausted the fallback responder answers.
func (m *MockProvider) Respond(r MockResponder) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders = append(m.responders, r)
	return m
}

// RespondAlways replaces the fallback responder.
func (m *MockProvider) RespondAlways(r MockResponder) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = r
	return m
}

// Calls reports how many requests the provider has served.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockProvider) Generate(ctx context.Context, model, prompt string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.Requests = append(m.Requests, prompt)
	r := m.fallback
	if idx < len(m.responders) {
		r = m.responders[idx]
	}
	m.mu.Unlock()
	return r(model, prompt)
}
