package transport

import (
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"cryptchat/pkg/channel"
)

func listenWS(t *testing.T) net.Listener {
	t.Helper()
	ln, err := ListenWebSocket("127.0.0.1:0", "/chat")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

func acceptWithin(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	out := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		out <- result{c, err}
	}()
	select {
	case r := <-out:
		if r.err != nil {
			t.Fatalf("Accept: %v", r.err)
		}
		t.Cleanup(func() { r.conn.Close() })
		return r.conn
	case <-time.After(2 * time.Second):
		t.Fatal("Accept timed out")
		return nil
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		addr, path, want string
	}{
		{"127.0.0.1:4040", "", "ws://127.0.0.1:4040/ws"},
		{"chat.example.com:80", "/chat", "ws://chat.example.com:80/chat"},
	}
	for _, tt := range tests {
		if got := WebSocketURL(tt.addr, tt.path); got != tt.want {
			t.Errorf("WebSocketURL(%q, %q) = %q, want %q", tt.addr, tt.path, got, tt.want)
		}
	}
}

func TestWebSocket_MessageBoundaries(t *testing.T) {
	ln := listenWS(t)

	client, err := NewDialer().DialWebSocket(WebSocketURL(ln.Addr().String(), "/chat"))
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	server := acceptWithin(t, ln)

	// Back-to-back writes must come out as separate reads.
	frames := [][]byte{[]byte("first frame"), []byte("second")}
	for _, f := range frames {
		if _, err := client.Write(f); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	buf := make([]byte, 1024)
	for _, want := range frames {
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(buf[:n]) != string(want) {
			t.Errorf("Read() = %q, want %q", buf[:n], want)
		}
	}

	// A message larger than the read buffer is delivered in pieces.
	big := make([]byte, 40)
	for i := range big {
		big[i] = byte(i)
	}
	client.Write(big)
	small := make([]byte, 16)
	var got []byte
	for len(got) < len(big) {
		n, err := server.Read(small)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, small[:n]...)
	}
	if string(got) != string(big) {
		t.Errorf("reassembled %v", got)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Read(buf); !errors.Is(err, io.EOF) {
		t.Errorf("Read() after peer close error = %v, want io.EOF", err)
	}
}

func TestWebSocket_EncryptedChannel(t *testing.T) {
	ln := listenWS(t)

	type result struct {
		ch  *channel.Channel
		err error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- result{nil, err}
			return
		}
		ch, err := channel.Accept(conn, channel.WithHandshakeTimeout(2*time.Second))
		accepted <- result{ch, err}
	}()

	conn, err := NewDialer().DialWebSocket(WebSocketURL(ln.Addr().String(), "/chat"))
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	client, err := channel.Dial(conn, channel.WithHandshakeTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	defer client.Close()

	r := <-accepted
	if r.err != nil {
		t.Fatalf("server handshake: %v", r.err)
	}
	server := r.ch
	defer server.Close()

	for _, msg := range []string{"hello over websocket", "", "second"} {
		if err := client.Send(msg); err != nil {
			t.Fatalf("Send(%q): %v", msg, err)
		}
		got, err := server.Receive()
		if err != nil {
			t.Fatalf("Receive: %v", err)
		}
		if got != msg {
			t.Errorf("Receive() = %q, want %q", got, msg)
		}
	}

	client.Close()
	if _, err := server.Receive(); !errors.Is(err, io.EOF) {
		t.Errorf("Receive() after client close error = %v, want io.EOF", err)
	}
}

func TestWebSocket_WrongPath(t *testing.T) {
	ln := listenWS(t)

	resp, err := http.Get("http://" + ln.Addr().String() + "/other")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	if _, err := NewDialer().DialWebSocket("http://" + ln.Addr().String() + "/chat"); err == nil {
		t.Error("DialWebSocket should reject non-ws schemes")
	}
}

func TestWebSocketListener_Close(t *testing.T) {
	ln, err := ListenWebSocket("127.0.0.1:0", "")
	if err != nil {
		t.Fatalf("ListenWebSocket: %v", err)
	}
	ln.Close()
	ln.Close()
	if _, err := ln.Accept(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Accept() after Close error = %v, want net.ErrClosed", err)
	}
}
