package server

import (
	"context"
	"log/slog"
	"net"
	"time"

	"cryptchat/pkg/channel"
)

// DefaultEventBuffer is the capacity of the event channel between acceptors
// and the ChatServer.
const DefaultEventBuffer = 64

// Config tunes a Server.
type Config struct {
	// HandshakeTimeout bounds the key exchange of each connection. Zero
	// disables the deadline.
	HandshakeTimeout time.Duration
	EventBuffer      int
}

// Server wires one ChatServer to any number of listeners.
type Server struct {
	log      *slog.Logger
	chat     *ChatServer
	acceptor *Acceptor
	events   chan Event
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}

	var opts []channel.Option
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, channel.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}

	events := make(chan Event, cfg.EventBuffer)
	return &Server{
		log:      logger,
		chat:     NewChatServer(logger.With("component", "chat")),
		acceptor: NewAcceptor(events, logger.With("component", "acceptor"), opts...),
		events:   events,
	}
}

// Run serves every listener until ctx is done or one of them fails. It
// returns the first listener failure, if any.
func (s *Server) Run(ctx context.Context, listeners ...net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		s.chat.Run(ctx, s.events)
	}()

	errs := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) {
			errs <- s.acceptor.Serve(ctx, ln)
		}(ln)
	}

	var first error
	for range listeners {
		if err := <-errs; err != nil && first == nil {
			s.log.Error("listener failed", "error", err)
			first = err
			cancel()
		}
	}
	<-chatDone
	return first
}
