package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/muxtun/muxtun/pkg/protocol"
)

// ErrSessionClosed is returned when writing to a session that is tearing down.
var ErrSessionClosed = errors.New("session closed")

// Stream is the already-connected, ordered, reliable byte channel to one
// client, supplied by the transport collaborator. WriteMessage must be safe
// for concurrent use; implementations carry their own write lock.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// State is a client session's lifecycle state.
type State string

const (
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateActive         State = "active"
	StateClosing        State = "closing"
	StateClosed         State = "closed"
)

// Session is the per-connection state the relay tracks for a client. Its
// correlation entries and owned resources live in the Tracker, keyed by ID.
type Session struct {
	ID         protocol.SessionID
	RemoteAddr string
	CreatedAt  time.Time

	stream Stream

	mu    sync.Mutex
	state State

	msgTokens   float64
	msgLastTime time.Time
}

func newSession(id protocol.SessionID, stream Stream, remoteAddr string) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		stream:     stream,
		state:      StateConnecting,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// beginClose transitions to Closing. It returns false if teardown already
// started, making close idempotent: a disconnect racing a read error on the
// same connection runs cleanup exactly once.
func (s *Session) beginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return false
	}
	s.state = StateClosing
	return true
}

// finishClose releases the underlying stream and marks the session Closed.
func (s *Session) finishClose() {
	_ = s.stream.Close()
	s.setState(StateClosed)
}

// Write delivers a routed backend message to the client. Once teardown has
// begun no further bytes reach the stream.
func (s *Session) Write(payload []byte) error {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()
	return s.stream.WriteMessage(payload)
}

// allowMessage is a token-bucket rate limit on inbound client messages.
func (s *Session) allowMessage() bool {
	const rate = 200.0  // messages per second
	const burst = 400.0 // max burst

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.msgLastTime.IsZero() {
		s.msgTokens = burst
		s.msgLastTime = now
	}

	elapsed := now.Sub(s.msgLastTime).Seconds()
	s.msgTokens += elapsed * rate
	if s.msgTokens > burst {
		s.msgTokens = burst
	}
	s.msgLastTime = now

	if s.msgTokens < 1 {
		return false
	}
	s.msgTokens--
	return true
}
