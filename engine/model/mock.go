package model

import (
	"context"
	"sync"
)

// MockChatModel is a scriptable ChatModel for tests: each call returns the
// next entry in Responses (repeating the last once exhausted), or Err if
// set. Every call made with a live context is recorded in Calls, whether it
// returns a response or Err; a call whose context is already done is not
// recorded.
type MockChatModel struct {
	Responses []ChatOut
	Err       error
	Calls     []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records one Chat() invocation.
type MockChatCall struct {
	Messages []Message
	Tools    []ToolSpec
}

func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: messages, Tools: tools})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears call history and the response cursor.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of recorded Chat() calls.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
