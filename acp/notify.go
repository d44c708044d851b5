package acp

import (
	"errors"
	"sync"

	"github.com/m4xw311/parley/protocol"
	"github.com/m4xw311/parley/transport"
)

// ErrStaleEmit reports an emit attempted after its turn ended.
var ErrStaleEmit = errors.New("emit after turn end")

// Notifier sends session/update notifications and stamps each with a
// per-session sequence number. Notifications for one session reach the
// wire in seq order.
type Notifier struct {
	conn *transport.Conn

	mu     sync.Mutex
	states map[string]*notifyState
}

type notifyState struct {
	mu  sync.Mutex
	seq uint64
}

func NewNotifier(conn *transport.Conn) *Notifier {
	return &Notifier{
		conn:   conn,
		states: make(map[string]*notifyState),
	}
}

func (n *Notifier) state(sessionID string) *notifyState {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.states[sessionID]
	if !ok {
		st = &notifyState{}
		n.states[sessionID] = st
	}
	return st
}

// Send emits one session/update notification. The session's lock is held
// across the write so seq order and wire order cannot diverge.
func (n *Notifier) Send(sessionID string, update protocol.SessionUpdate) error {
	st := n.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	note := protocol.NewNotification(protocol.MethodSessionUpdate, protocol.SessionNotification{
		SessionID: sessionID,
		Update:    update,
		Meta:      &protocol.NotificationMeta{Seq: st.seq},
	})
	return n.conn.Send(note)
}

// TurnEmitter binds the notifier to one turn. Closing it makes further
// emits fail with ErrStaleEmit, so an ended turn cannot leak trailing
// notifications onto the stream.
type TurnEmitter struct {
	notifier  *Notifier
	sessionID string

	mu     sync.Mutex
	closed bool
}

// Emitter creates an open emitter for one turn of sessionID.
func (n *Notifier) Emitter(sessionID string) *TurnEmitter {
	return &TurnEmitter{notifier: n, sessionID: sessionID}
}

func (e *TurnEmitter) Send(update protocol.SessionUpdate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrStaleEmit
	}
	return e.notifier.Send(e.sessionID, update)
}

// Close seals the emitter. Safe to call repeatedly.
func (e *TurnEmitter) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}
