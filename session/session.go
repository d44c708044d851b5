package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model. The engine fills
// Title, Kind, Status and Result as the call moves through its lifecycle.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Status     string                 `json:"status,omitempty"`
	Result     string                 `json:"result,omitempty"`
}

type Message struct {
	Role       string     `json:"role"` // "user", "assistant", "tool"
	Content    string     `json:"content"`
	Thinking   string     `json:"thinking,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
}

// Status is a session's turn state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
)

var idPattern = regexp.MustCompile(`^sess_[0-9a-f]{24}$`)

// NewID generates a session id: "sess_" followed by 24 hex characters of
// cryptographic randomness.
func NewID() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("could not generate session id: %w", err)
	}
	return "sess_" + hex.EncodeToString(b), nil
}

// ValidID reports whether id has the server-generated shape. Load paths rely
// on this before touching the filesystem, so ids can never escape the
// sessions directory.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Session is one conversation. Message history and turn state are guarded by
// mu; a running turn buffers its messages in the Turn and they join the
// history at EndTurn.
type Session struct {
	ID       string    `json:"id"`
	Cwd      string    `json:"cwd"`
	Messages []Message `json:"messages"`

	path   string
	mu     sync.Mutex
	status Status
	turn   *Turn
}

// Status returns the session's current turn state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a copy of the committed message history.
func (s *Session) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]Message, len(s.Messages))
	copy(history, s.Messages)
	return history
}

// MessageCount returns the number of committed messages.
func (s *Session) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Messages)
}

// Save writes the current session state to disk.
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Session) saveLocked() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}
