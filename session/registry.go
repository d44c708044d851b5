package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrNotFound reports an unknown session id.
	ErrNotFound = errors.New("session not found")

	// ErrSessionBusy reports that a turn is already running.
	ErrSessionBusy = errors.New("session already has a running turn")

	// ErrNotRunning reports a cancel for a session with no running turn.
	ErrNotRunning = errors.New("session has no running turn")
)

// Registry holds every live session and owns the on-disk session store.
// Sessions stay registered until the process exits; there is no destroy.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	dir      string
}

// NewRegistry creates a registry persisting sessions under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		dir:      dir,
	}
}

// Create makes a new idle session rooted at cwd, persists it, and registers
// it under a fresh id.
func (r *Registry) Create(cwd string) (*Session, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create session directory: %w", err)
	}
	s := &Session{
		ID:       id,
		Cwd:      cwd,
		Messages: []Message{},
		path:     filepath.Join(r.dir, id+".json"),
		status:   StatusIdle,
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s, nil
}

// Get returns a registered session or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Load returns the registered session if live, otherwise restores it from
// disk. Ids that do not match the generated shape are rejected before any
// filesystem access.
func (r *Registry) Load(id string) (*Session, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	if s, err := r.Get(id); err == nil {
		return s, nil
	}
	path := filepath.Join(r.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("could not parse session file %s: %w", path, err)
	}
	s.path = path
	s.status = StatusIdle

	r.mu.Lock()
	defer r.mu.Unlock()
	if live, ok := r.sessions[id]; ok {
		// Lost the race to a concurrent load; the first one wins.
		return live, nil
	}
	r.sessions[id] = s
	return s, nil
}

// List returns every registered session ordered by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Turn is one running prompt turn. Messages the turn produces buffer in the
// Turn and join the session history when EndTurn commits them. Append and
// Messages belong to the goroutine driving the turn; the cancel channel may
// be watched from anywhere.
type Turn struct {
	sess    *Session
	cancel  chan struct{}
	pending []Message
}

// BeginTurn atomically moves an idle session to running and returns the new
// turn. A session that is running or cancelling returns ErrSessionBusy.
func (s *Session) BeginTurn() (*Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusIdle {
		return nil, ErrSessionBusy
	}
	t := &Turn{sess: s, cancel: make(chan struct{})}
	s.status = StatusRunning
	s.turn = t
	return t, nil
}

// EndTurn commits the turn's buffered messages to the session history,
// persists the session, and returns it to idle. It is the turn's only
// legitimate exit; callers run it on every path out of a turn.
func (s *Session) EndTurn(t *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn != t {
		return ErrNotRunning
	}
	s.Messages = append(s.Messages, t.pending...)
	s.turn = nil
	s.status = StatusIdle
	return s.saveLocked()
}

// RequestCancel asks the running turn to stop. An idle session returns
// ErrNotRunning; a session already cancelling absorbs the repeat silently.
func (s *Session) RequestCancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusIdle:
		return ErrNotRunning
	case StatusRunning:
		s.status = StatusCancelling
		close(s.turn.cancel)
	case StatusCancelling:
		// Repeated cancel, nothing more to signal.
	}
	return nil
}

// Append buffers one message produced by the turn.
func (t *Turn) Append(msg Message) {
	t.pending = append(t.pending, msg)
}

// Messages returns the conversation as the model should see it right now:
// committed history followed by this turn's buffered messages.
func (t *Turn) Messages() []Message {
	history := t.sess.Snapshot()
	return append(history, t.pending...)
}

// Cancelled reports whether cancellation has been requested.
func (t *Turn) Cancelled() bool {
	select {
	case <-t.cancel:
		return true
	default:
		return false
	}
}

// CancelChan exposes the cancellation signal for select loops.
func (t *Turn) CancelChan() <-chan struct{} {
	return t.cancel
}

// Session returns the turn's session.
func (t *Turn) Session() *Session {
	return t.sess
}
