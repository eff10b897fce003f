package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/chzyer/readline"
	"github.com/spf13/pflag"

	"cryptchat/pkg/channel"
	"cryptchat/pkg/config"
	"cryptchat/pkg/crypto"
	"cryptchat/pkg/logging"
	"cryptchat/pkg/protocol"
	"cryptchat/pkg/transport"
)

var version = "1.0.0"

// exitCommand leaves without telling the server.
const exitCommand = "/exit"

func main() {
	os.Exit(run())
}

func run() int {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cfg, err := config.LoadClient(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryptchat: %v\n", err)
		return 2
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Color)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryptchat: %v\n", err)
		return 2
	}

	fmt.Printf("cryptchat client v%s\n", version)
	fmt.Printf("Connecting to %s...\n", cfg.Addr())

	conn, err := dial(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection failed: %v\n", err)
		return 1
	}

	var opts []channel.Option
	if cfg.HandshakeTimeout > 0 {
		opts = append(opts, channel.WithHandshakeTimeout(cfg.HandshakeTimeout))
	}
	ch, err := channel.Dial(conn, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Key exchange failed: %v\n", err)
		return 1
	}
	defer ch.Close()
	logger.Debug("session established", "conn", ch.RemoteAddr().String())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       exitCommand,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Console unavailable: %v\n", err)
		return 1
	}
	defer rl.Close()

	fmt.Printf("Connected. Type %s to leave, %s to drop the connection.\n\n", protocol.CmdQuit, exitCommand)

	c := &client{ch: ch, rl: rl, log: logger}
	go c.receive()
	return c.console()
}

func dial(cfg *config.ClientConfig, logger *slog.Logger) (net.Conn, error) {
	d := transport.NewDialer(transport.ParseProxies(cfg.Proxy)...)
	d.Timeout = cfg.DialTimeout
	if !d.IsAvailable() {
		logger.Warn("no proxy is responding", "proxies", d.Proxies)
	}

	if cfg.WebSocket {
		return d.DialWebSocket(transport.WebSocketURL(cfg.Addr(), cfg.WSPath))
	}
	return d.Dial(cfg.Addr())
}

type client struct {
	ch  *channel.Channel
	rl  *readline.Instance
	log *slog.Logger
}

// receive prints incoming messages until the connection ends, then closes
// the console so the input loop returns.
func (c *client) receive() {
	defer c.rl.Close()
	for {
		text, err := c.ch.Receive()
		switch {
		case err == nil:
			c.print(strings.TrimSuffix(text, "\n"))
		case errors.Is(err, channel.ErrUndecodable):
			c.log.Debug("dropping frame", "error", err)
		case errors.Is(err, io.EOF):
			c.print("Connection closed by server")
			return
		case errors.Is(err, channel.ErrClosed):
			return
		default:
			c.print(fmt.Sprintf("Connection lost: %v", err))
			return
		}
	}
}

func (c *client) print(line string) {
	c.rl.Clean()
	fmt.Fprintln(c.rl.Stdout(), line)
	c.rl.Refresh()
}

func (c *client) console() int {
	for {
		line, err := c.rl.Readline()
		if err != nil {
			// Ctrl+C, Ctrl+D or the receiver closed the console.
			return 0
		}

		if strings.TrimSpace(line) == exitCommand {
			return 0
		}

		if err := c.ch.Send(line); err != nil {
			if errors.Is(err, crypto.ErrMessageTooLong) {
				c.print(fmt.Sprintf("Message too long (max %d bytes)", crypto.MaxPlaintextSize))
				continue
			}
			if !errors.Is(err, channel.ErrClosed) {
				c.print(fmt.Sprintf("Send failed: %v", err))
			}
			return 1
		}

		if protocol.ParseCommand(line) == protocol.Quit {
			// The server closes the connection; wait for the receiver.
			c.waitClosed()
			return 0
		}
	}
}

func (c *client) waitClosed() {
	for {
		if _, err := c.rl.Readline(); err != nil {
			return
		}
	}
}
