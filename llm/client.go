package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/m4xw311/parley/session"
	"github.com/m4xw311/parley/tools"
)

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error)
}

// MockReply scripts one Chat call of the mock backend.
type MockReply struct {
	Message session.Message
	Err     error
}

// MockLLMClient is the backend used when no provider is configured, and the
// harness the engine tests drive. Each Chat call consumes the next scripted
// reply; past the script it parrots the last user message. It never writes
// to stdout.
type MockLLMClient struct {
	// Replies are consumed in order, one per Chat call.
	Replies []MockReply
	// Gate, when set, makes each Chat call wait for one token before
	// replying. Tests use it to hold a turn open.
	Gate chan struct{}

	mu    sync.Mutex
	calls int
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []session.Message, availableTools []tools.Tool) (*session.Message, error) {
	if m.Gate != nil {
		select {
		case <-m.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	if idx < len(m.Replies) {
		r := m.Replies[idx]
		if r.Err != nil {
			return nil, r.Err
		}
		msg := r.Message
		if msg.Role == "" {
			msg.Role = session.RoleAssistant
		}
		return &msg, nil
	}

	var lastUser string
	for _, msg := range messages {
		if msg.Role == session.RoleUser {
			lastUser = msg.Content
		}
	}
	return &session.Message{
		Role:    session.RoleAssistant,
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", lastUser),
	}, nil
}

// Calls reports how many Chat calls the mock has served.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
