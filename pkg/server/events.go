// Package server implements the cryptchat server: an acceptor that turns
// connections into an ordered event stream, and the ChatServer that consumes
// it.
package server

import "github.com/google/uuid"

// ConnID identifies a connection by its peer address.
type ConnID string

// EventKind tags an Event.
type EventKind int

const (
	// Connected carries the send handle of a freshly established channel.
	Connected EventKind = iota
	// Disconnected means the connection is gone.
	Disconnected
	// Text carries one received message.
	Text
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Text:
		return "text"
	default:
		return "unknown"
	}
}

// Peer is the send half of a connection as seen by the ChatServer.
type Peer interface {
	Send(text string) error
	Close() error
}

// Event is one entry in the stream consumed by ChatServer. Peer and Trace are
// set for Connected, Text for Text.
type Event struct {
	Conn  ConnID
	Kind  EventKind
	Peer  Peer
	Trace uuid.UUID
	Text  string
}

// ConnectedEvent builds a Connected event. Trace correlates log lines for the
// connection; uuid.Nil lets the server pick one.
func ConnectedEvent(id ConnID, p Peer, trace uuid.UUID) Event {
	return Event{Conn: id, Kind: Connected, Peer: p, Trace: trace}
}

// DisconnectedEvent builds a Disconnected event.
func DisconnectedEvent(id ConnID) Event {
	return Event{Conn: id, Kind: Disconnected}
}

// TextEvent builds a Text event.
func TextEvent(id ConnID, text string) Event {
	return Event{Conn: id, Kind: Text, Text: text}
}
