// Package channel wraps a stream connection in the cryptchat encrypted
// channel: a Diffie-Hellman handshake followed by encrypted text frames.
//
// A channel is established with Dial on the connecting side and Accept on the
// listening side. Dial sends its public key first and Accept answers, so the
// two roles must always be paired:
//
//	conn, err := net.Dial("tcp", addr)
//	if err != nil {
//		return err
//	}
//	ch, err := channel.Dial(conn)
//	if err != nil {
//		return err
//	}
//	defer ch.Close()
//
//	ch.Send("hello")
//	text, err := ch.Receive()
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"cryptchat/pkg/crypto"
	"cryptchat/pkg/keyexchange"
)

// MaxFrameSize is the fixed receive buffer. A frame carrying the longest
// message is crypto.MaxCiphertextSize bytes, which fits with room to spare.
const MaxFrameSize = 1024

var (
	// ErrHandshake wraps any failure while establishing the channel.
	ErrHandshake = errors.New("handshake failed")

	// ErrUndecodable is returned by Receive for a frame that does not decrypt
	// to UTF-8 text. The channel remains usable.
	ErrUndecodable = errors.New("undecodable frame")

	// ErrClosed is returned by Send and Receive after Close.
	ErrClosed = errors.New("channel closed")
)

// Role selects which side speaks first during the handshake.
type Role int

const (
	// RoleClient writes its public key, then reads the peer's.
	RoleClient Role = iota
	// RoleServer reads the peer's public key, then writes its own.
	RoleServer
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the lifecycle position of a channel. The handshake runs inside
// Establish, which hands out a Channel only once it has succeeded, so a
// Channel is never observed before StateReady.
type State int

const (
	StateReady State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateClosed {
		return "closed"
	}
	return "ready"
}

// Option configures Establish.
type Option func(*options)

type options struct {
	handshakeTimeout time.Duration
	params           keyexchange.Params
	rand             io.Reader
}

// WithHandshakeTimeout bounds the key exchange. Zero disables the deadline,
// which is the default.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithParams overrides the Diffie-Hellman group.
func WithParams(p keyexchange.Params) Option {
	return func(o *options) { o.params = p }
}

// WithRand overrides the private key entropy source.
func WithRand(r io.Reader) Option {
	return func(o *options) { o.rand = r }
}

// link is the state shared by every handle on one connection.
type link struct {
	conn      net.Conn
	cipher    *crypto.SessionCipher
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Read side, owned by the goroutine calling Receive.
	pending   []byte
	truncated bool
}

// Channel is one handle on an established encrypted connection. Handles made
// with Clone share the connection, so one goroutine can own Receive while
// another sends.
type Channel struct {
	*link
}

// Dial establishes a channel as the connecting side.
func Dial(conn net.Conn, opts ...Option) (*Channel, error) {
	return Establish(conn, RoleClient, opts...)
}

// Accept establishes a channel as the listening side.
func Accept(conn net.Conn, opts ...Option) (*Channel, error) {
	return Establish(conn, RoleServer, opts...)
}

// Establish runs the handshake over conn. On failure conn is closed and the
// returned error wraps ErrHandshake.
func Establish(conn net.Conn, role Role, opts ...Option) (ch *Channel, err error) {
	o := options{params: keyexchange.DefaultParams}
	for _, opt := range opts {
		opt(&o)
	}

	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if o.handshakeTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(o.handshakeTimeout)); err != nil {
			return nil, fmt.Errorf("%w: set deadline: %v", ErrHandshake, err)
		}
		defer conn.SetDeadline(time.Time{})
	}

	kp, err := o.params.GenerateKeyPair(o.rand)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	defer kp.Destroy()

	local, err := keyexchange.Serialize(kp.Public)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var remote keyexchange.WireKey
	switch role {
	case RoleClient:
		if err := writeKey(conn, local); err != nil {
			return nil, err
		}
		if remote, err = readKey(conn); err != nil {
			return nil, err
		}
	case RoleServer:
		if remote, err = readKey(conn); err != nil {
			return nil, err
		}
		if err := writeKey(conn, local); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown role %v", ErrHandshake, role)
	}

	secret := o.params.SharedSecret(kp.Private, keyexchange.Deserialize(remote))
	sc := crypto.NewSessionCipher()
	if err := sc.DeriveKey(secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	secret.SetInt64(0)

	return &Channel{&link{
		conn:   conn,
		cipher: sc,
		done:   make(chan struct{}),
	}}, nil
}

func writeKey(conn net.Conn, k keyexchange.WireKey) error {
	if _, err := conn.Write(k[:]); err != nil {
		return fmt.Errorf("%w: send public key: %v", ErrHandshake, err)
	}
	return nil
}

func readKey(conn net.Conn) (keyexchange.WireKey, error) {
	var k keyexchange.WireKey
	if _, err := io.ReadFull(conn, k[:]); err != nil {
		return k, fmt.Errorf("%w: receive public key: %v", ErrHandshake, err)
	}
	return k, nil
}

// State reports whether the channel is still usable.
func (c *Channel) State() State {
	select {
	case <-c.done:
		return StateClosed
	default:
		return StateReady
	}
}

// Clone returns another handle on the same connection and session key.
func (c *Channel) Clone() *Channel {
	return &Channel{c.link}
}

// RemoteAddr is the peer's transport address.
func (c *Channel) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local end of the connection.
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send encrypts text and writes it as a single frame.
func (c *Channel) Send(text string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	frame, err := c.cipher.Encrypt([]byte(text))
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Receive returns the text of the next frame. It returns io.EOF when the
// peer has closed the connection and ErrUndecodable for frames that do not
// decrypt to text; any other error means the connection is unusable.
//
// Frames carry no length prefix, so one read may return several frames back
// to back, or end part way through one. Receive splits the former and keeps
// reading for the latter. It must not be called from more than one goroutine
// at a time.
func (c *Channel) Receive() (string, error) {
	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}

	for {
		if len(c.pending) == 0 {
			if err := c.fill(); err != nil {
				return "", err
			}
		}

		plaintext, n, err := c.cipher.NextFrame(c.pending)
		if err == nil {
			c.consume(n)
			if !utf8.Valid(plaintext) {
				return "", fmt.Errorf("%w: not UTF-8", ErrUndecodable)
			}
			return string(plaintext), nil
		}

		if isZero(c.pending) {
			// Fixed-buffer padding from the peer, not a frame.
			c.pending = nil
			continue
		}
		if c.incomplete() {
			if err := c.fill(); err != nil {
				return "", err
			}
			continue
		}

		c.pending = nil
		return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
}

// fill does a single read into a MaxFrameSize buffer and queues the bytes.
func (c *Channel) fill() error {
	buf := make([]byte, MaxFrameSize)
	n, err := c.conn.Read(buf)
	if n == 0 {
		select {
		case <-c.done:
			return ErrClosed
		default:
		}
		if err == nil || errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("read frame: %w", err)
	}
	c.pending = append(c.pending, buf[:n]...)
	c.truncated = n == len(buf)
	return nil
}

// consume drops a decoded frame and any zero padding after it.
func (c *Channel) consume(n int) {
	c.pending = c.pending[n:]
	if isZero(c.pending) {
		c.pending = nil
	}
}

// incomplete reports whether the queued bytes can still be the start of a
// frame: shorter than the largest frame, and either cut off by a full read
// buffer or not yet a whole number of blocks.
func (c *Channel) incomplete() bool {
	if len(c.pending) >= crypto.MaxCiphertextSize {
		return false
	}
	return c.truncated || len(c.pending)%crypto.BlockSize != 0
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// Close shuts down the connection in both directions and wipes the session
// key. It is safe to call from any handle, any number of times.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if tc, ok := c.conn.(*net.TCPConn); ok {
			tc.CloseRead()
			tc.CloseWrite()
		}
		c.closeErr = c.conn.Close()
		c.cipher.Destroy()
	})
	return c.closeErr
}
