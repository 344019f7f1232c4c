package clients

import (
	"context"
	"fmt"
	"sync"
)

// MockLM is a scriptable language-model client for testing. Responses can
// be driven three ways, checked in order: a ResponseFunc, a queued script
// of canned contents, or the default echo behavior.
type MockLM struct {
	name     string
	provider string

	// ResponseFunc can be set to customize the response behavior
	ResponseFunc func(*Request) (*Response, error)

	mu        sync.Mutex
	script    []string
	scriptIdx int
	failEvery int
	calls     int
}

// NewMockLM creates a new mock LM client.
func NewMockLM(name string) *MockLM {
	return &MockLM{
		name:     name,
		provider: "mock",
	}
}

// Script queues canned response contents; each call consumes one, cycling
// when exhausted.
func (m *MockLM) Script(contents ...string) *MockLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, contents...)
	return m
}

// FailEvery makes every nth call (1-based) return an error. Zero disables
// failure injection.
func (m *MockLM) FailEvery(n int) *MockLM {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failEvery = n
	return m
}

// Calls returns how many times Call was invoked.
func (m *MockLM) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Call implements BaseLM.Call.
func (m *MockLM) Call(ctx context.Context, request *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if m.ResponseFunc != nil {
		m.mu.Lock()
		m.calls++
		m.mu.Unlock()
		return m.ResponseFunc(request)
	}

	m.mu.Lock()
	m.calls++
	if m.failEvery > 0 && m.calls%m.failEvery == 0 {
		m.mu.Unlock()
		return nil, NewClientError(500, "injected failure", "mock_error", true)
	}

	var content string
	if len(m.script) > 0 {
		content = m.script[m.scriptIdx%len(m.script)]
		m.scriptIdx++
	}
	m.mu.Unlock()

	if content == "" {
		if len(request.Messages) > 0 {
			lastMsg := request.Messages[len(request.Messages)-1]
			content = fmt.Sprintf("[mock response to: %s]", lastMsg.Content)
		} else {
			content = "[mock response]"
		}
	}

	return &Response{
		Choices: []Choice{
			{
				Message: Message{
					Role:    "assistant",
					Content: content,
				},
				Index:        0,
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		Model: m.name,
		ID:    "mock-response-id",
	}, nil
}

// Name implements BaseLM.Name.
func (m *MockLM) Name() string {
	return m.name
}

// Provider implements BaseLM.Provider.
func (m *MockLM) Provider() string {
	return m.provider
}
