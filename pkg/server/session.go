package server

import "github.com/google/uuid"

type sessionState int

const (
	// stateNegotiating waits for an acceptable username.
	stateNegotiating sessionState = iota
	// stateChatting dispatches commands and broadcasts.
	stateChatting
)

func (s sessionState) String() string {
	if s == stateChatting {
		return "chatting"
	}
	return "negotiating"
}

// Session is the server's record of one registered connection.
type Session struct {
	ID       ConnID
	Trace    uuid.UUID
	Peer     Peer
	Username string
	state    sessionState
}

func newSession(id ConnID, p Peer, trace uuid.UUID) *Session {
	if trace == uuid.Nil {
		trace = uuid.New()
	}
	return &Session{
		ID:    id,
		Trace: trace,
		Peer:  p,
		state: stateNegotiating,
	}
}

// HasUsername reports whether negotiation has finished.
func (s *Session) HasUsername() bool {
	return s.state == stateChatting
}

func (s *Session) claim(username string) {
	s.Username = username
	s.state = stateChatting
}
