package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/pflag"

	"cryptchat/pkg/config"
	"cryptchat/pkg/logging"
	"cryptchat/pkg/server"
	"cryptchat/pkg/transport"
)

var version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Session keys live in locked memory; wipe all of it on the way out.
	defer memguard.Purge()

	cfg, err := config.LoadServer(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryptchat-server: %v\n", err)
		return 2
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Color)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cryptchat-server: %v\n", err)
		return 2
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listeners, err := listen(cfg)
	if err != nil {
		logger.Error("listen failed", "error", err)
		return 1
	}

	logger.Info("cryptchat server started",
		"version", version,
		"addr", cfg.Addr(),
		"websocket", cfg.WSAddr,
		"handshake_timeout", cfg.HandshakeTimeout,
	)

	srv := server.New(server.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		EventBuffer:      cfg.EventBuffer,
	}, logger)

	if err := srv.Run(ctx, listeners...); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func listen(cfg *config.ServerConfig) ([]net.Listener, error) {
	tcp, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return nil, err
	}
	listeners := []net.Listener{tcp}

	if cfg.WSAddr != "" {
		ws, err := transport.ListenWebSocket(cfg.WSAddr, cfg.WSPath)
		if err != nil {
			tcp.Close()
			return nil, err
		}
		listeners = append(listeners, ws)
	}
	return listeners, nil
}
