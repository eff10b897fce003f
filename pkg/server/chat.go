package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"cryptchat/pkg/crypto"
	"cryptchat/pkg/protocol"
)

// ChatServer owns the session registry. It must be driven by exactly one
// goroutine, either through Run or by calling Handle serially; that is the
// only synchronisation the registry has.
type ChatServer struct {
	log      *slog.Logger
	sessions map[ConnID]*Session
}

// NewChatServer returns an empty server. A nil logger means slog.Default().
func NewChatServer(logger *slog.Logger) *ChatServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatServer{
		log:      logger,
		sessions: make(map[ConnID]*Session),
	}
}

// Run consumes events until ctx is done or the stream is closed, then closes
// every remaining session.
func (s *ChatServer) Run(ctx context.Context, events <-chan Event) {
	defer s.closeAll()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("chat server shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				s.log.Info("event stream closed")
				return
			}
			s.Handle(ev)
		}
	}
}

// Handle applies a single event.
func (s *ChatServer) Handle(ev Event) {
	switch ev.Kind {
	case Connected:
		s.connect(ev)
	case Disconnected:
		s.disconnect(ev.Conn)
	case Text:
		sess, ok := s.sessions[ev.Conn]
		if !ok {
			s.log.Warn("text from unregistered connection", "conn", ev.Conn)
			return
		}
		if sess.HasUsername() {
			s.chat(sess, ev.Text)
		} else {
			s.negotiate(sess, ev.Text)
		}
	default:
		s.log.Warn("unknown event kind", "conn", ev.Conn, "kind", ev.Kind)
	}
}

// Len is the number of registered sessions.
func (s *ChatServer) Len() int {
	return len(s.sessions)
}

// Session returns the registered session for id.
func (s *ChatServer) Session(id ConnID) (*Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Usernames returns every claimed username in ascending order.
func (s *ChatServer) Usernames() []string {
	names := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.HasUsername() {
			names = append(names, sess.Username)
		}
	}
	sort.Strings(names)
	return names
}

func (s *ChatServer) connect(ev Event) {
	if ev.Peer == nil {
		s.log.Warn("connected event without peer", "conn", ev.Conn)
		return
	}
	if old, ok := s.sessions[ev.Conn]; ok {
		s.log.Warn("replacing stale session", "conn", ev.Conn, "session", old.Trace)
		old.Peer.Close()
	}

	sess := newSession(ev.Conn, ev.Peer, ev.Trace)
	s.sessions[ev.Conn] = sess
	s.log.Info("client connected", "conn", sess.ID, "session", sess.Trace, "total_clients", len(s.sessions))

	s.reply(sess, protocol.PromptUsername)
}

func (s *ChatServer) disconnect(id ConnID) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	s.log.Info("client disconnected", "conn", id, "session", sess.Trace, "username", sess.Username, "total_clients", len(s.sessions))
}

// drop closes a session's connection and unregisters it. The reader will
// still report Disconnected later, which is then a no-op.
func (s *ChatServer) drop(sess *Session, reason string) {
	if _, ok := s.sessions[sess.ID]; !ok {
		return
	}
	delete(s.sessions, sess.ID)
	if err := sess.Peer.Close(); err != nil {
		s.log.Debug("close after drop", "conn", sess.ID, "error", err)
	}
	s.log.Info("client dropped", "conn", sess.ID, "session", sess.Trace, "username", sess.Username, "reason", reason, "total_clients", len(s.sessions))
}

func (s *ChatServer) negotiate(sess *Session, text string) {
	name := strings.TrimSpace(text)
	if name == "" {
		s.reply(sess, protocol.PromptUsername)
		return
	}
	if s.taken(name, sess.ID) {
		s.log.Debug("username taken", "conn", sess.ID, "username", name)
		s.reply(sess, protocol.UsernameTaken)
		return
	}

	sess.claim(name)
	s.log.Info("username granted", "conn", sess.ID, "username", name)
	s.reply(sess, protocol.UsernameGranted)
}

func (s *ChatServer) taken(name string, self ConnID) bool {
	for id, other := range s.sessions {
		if id != self && other.HasUsername() && other.Username == name {
			return true
		}
	}
	return false
}

func (s *ChatServer) chat(sess *Session, text string) {
	if protocol.IsBlank(text) {
		return
	}

	switch protocol.ParseCommand(text) {
	case protocol.Quit:
		s.drop(sess, "quit")
	case protocol.List:
		for _, line := range protocol.FormatUserList(s.Usernames(), crypto.MaxPlaintextSize) {
			if !s.reply(sess, line) {
				return
			}
		}
	case protocol.Help:
		s.reply(sess, protocol.HelpText)
	case protocol.Unknown:
		s.reply(sess, protocol.InvalidCommand)
	default:
		s.broadcast(sess, protocol.FormatChat(sess.Username, text))
	}
}

// broadcast delivers line to every registered session except the sender.
func (s *ChatServer) broadcast(sender *Session, line string) {
	for id, sess := range s.sessions {
		if id == sender.ID {
			continue
		}
		s.reply(sess, line)
	}
}

// reply sends text to one session. A transport failure drops the session; a
// line too long to frame is skipped. It reports whether the session is still
// registered.
func (s *ChatServer) reply(sess *Session, text string) bool {
	err := sess.Peer.Send(text)
	if err == nil {
		s.log.Debug("sent", "conn", sess.ID, "bytes", len(text))
		return true
	}
	if errors.Is(err, crypto.ErrMessageTooLong) {
		s.log.Warn("message too long to send", "conn", sess.ID, "bytes", len(text))
		return true
	}
	s.log.Error("send failed", "conn", sess.ID, "error", err)
	s.drop(sess, "send failed")
	return false
}

func (s *ChatServer) closeAll() {
	for _, sess := range s.sessions {
		sess.Peer.Close()
	}
	clear(s.sessions)
}
