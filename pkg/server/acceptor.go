package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"cryptchat/pkg/channel"
)

// Acceptor performs the server side of the handshake for every incoming
// connection and feeds the result into an event stream.
type Acceptor struct {
	events chan<- Event
	log    *slog.Logger
	opts   []channel.Option
}

// NewAcceptor returns an Acceptor that emits into events. opts are passed to
// channel.Accept for every connection.
func NewAcceptor(events chan<- Event, logger *slog.Logger, opts ...channel.Option) *Acceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Acceptor{
		events: events,
		log:    logger,
		opts:   opts,
	}
}

// Serve accepts connections from ln until ctx is done, spawning one worker per
// connection. The listener is closed when Serve returns.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	a.log.Info("listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			a.log.Error("accept failed", "error", err, "retry_in", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0

		go a.handle(ctx, conn)
	}
}

func (a *Acceptor) handle(ctx context.Context, conn net.Conn) {
	id := ConnID(conn.RemoteAddr().String())
	trace := uuid.New()
	log := a.log.With("conn", id, "session", trace)
	log.Info("new connection")

	ch, err := channel.Accept(conn, a.opts...)
	if err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}
	log.Debug("handshake complete")
	defer ch.Close()

	connected := false
	defer func() {
		if r := recover(); r != nil {
			log.Error("connection worker panicked", "panic", r)
		}
		if connected {
			a.emit(ctx, DisconnectedEvent(id))
		}
	}()

	if !a.emit(ctx, ConnectedEvent(id, ch.Clone(), trace)) {
		return
	}
	connected = true

	for {
		text, err := ch.Receive()
		switch {
		case err == nil:
			log.Debug("received", "bytes", len(text))
			if !a.emit(ctx, TextEvent(id, text)) {
				return
			}
		case errors.Is(err, channel.ErrUndecodable):
			log.Debug("dropping frame", "error", err)
		case errors.Is(err, io.EOF):
			log.Info("peer closed connection")
			return
		case errors.Is(err, channel.ErrClosed):
			log.Debug("channel closed locally")
			return
		default:
			log.Error("receive failed", "error", err)
			return
		}
	}
}

// emit reports false if ctx ended before the event could be queued.
func (a *Acceptor) emit(ctx context.Context, ev Event) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
