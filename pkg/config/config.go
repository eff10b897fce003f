// Package config loads cryptchat settings. Sources, highest precedence first:
// positional "host port" arguments, flags, CRYPTCHAT_* environment variables,
// a cryptchat.yaml file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cryptchat/pkg/logging"
	"cryptchat/pkg/transport"
)

const (
	EnvPrefix  = "CRYPTCHAT"
	ConfigName = "cryptchat"

	DefaultHost = "127.0.0.1"
	DefaultPort = 4040
)

// LogConfig selects logger verbosity and output.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Color bool   `mapstructure:"color"`
}

// ServerConfig holds the server process settings.
type ServerConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	WSAddr           string        `mapstructure:"ws_addr"`
	WSPath           string        `mapstructure:"ws_path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer"`
	Log              LogConfig     `mapstructure:"log"`
}

// Addr is the TCP listen address.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig holds the console client settings.
type ClientConfig struct {
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Proxy            string        `mapstructure:"proxy"`
	WebSocket        bool          `mapstructure:"websocket"`
	WSPath           string        `mapstructure:"ws_path"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	Log              LogConfig     `mapstructure:"log"`
}

// Addr is the server address to dial.
func (c *ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoadServer parses args (without the program name) into a ServerConfig.
// It returns pflag.ErrHelp when help was requested.
func LoadServer(args []string) (*ServerConfig, error) {
	v := newViper()
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("ws_addr", "")
	v.SetDefault("ws_path", transport.DefaultWebSocketPath)
	v.SetDefault("handshake_timeout", "0s")
	v.SetDefault("event_buffer", 64)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.color", true)

	fs := pflag.NewFlagSet("cryptchat-server", pflag.ContinueOnError)
	fs.Usage = usage(fs, "cryptchat-server [flags] [host port]")
	fs.String("host", DefaultHost, "address to listen on")
	fs.Int("port", DefaultPort, "TCP port to listen on")
	fs.String("ws-addr", "", "also accept WebSocket clients on this address (host:port)")
	fs.String("ws-path", transport.DefaultWebSocketPath, "HTTP path for WebSocket upgrades")
	fs.Duration("handshake-timeout", 0, "abort key exchanges that take longer than this (0 = never)")
	fs.Int("event-buffer", 64, "capacity of the connection event queue")
	fs.String("log-level", "info", "log level: debug, info, warn, error")
	fs.Bool("log-color", true, "colorize log output on terminals")
	fs.String("config", "", "path to config file")

	if err := load(v, fs, args, map[string]string{
		"host":              "host",
		"port":              "port",
		"ws_addr":           "ws-addr",
		"ws_path":           "ws-path",
		"handshake_timeout": "handshake-timeout",
		"event_buffer":      "event-buffer",
		"log.level":         "log-level",
		"log.color":         "log-color",
	}); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and formats.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", c.Port)
	}
	if c.WSAddr != "" {
		if _, _, err := net.SplitHostPort(c.WSAddr); err != nil {
			return fmt.Errorf("invalid ws_addr %q: %w", c.WSAddr, err)
		}
		if !strings.HasPrefix(c.WSPath, "/") {
			return fmt.Errorf("ws_path %q must start with /", c.WSPath)
		}
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("handshake_timeout must not be negative")
	}
	if c.EventBuffer < 1 {
		return fmt.Errorf("event_buffer must be at least 1")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LoadClient parses args (without the program name) into a ClientConfig.
// It returns pflag.ErrHelp when help was requested.
func LoadClient(args []string) (*ClientConfig, error) {
	v := newViper()
	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("proxy", "")
	v.SetDefault("websocket", false)
	v.SetDefault("ws_path", transport.DefaultWebSocketPath)
	v.SetDefault("dial_timeout", transport.DefaultConnectionTimeout.String())
	v.SetDefault("handshake_timeout", "0s")
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.color", true)

	fs := pflag.NewFlagSet("cryptchat", pflag.ContinueOnError)
	fs.Usage = usage(fs, "cryptchat [flags] [host port]")
	fs.String("host", DefaultHost, "server host")
	fs.Int("port", DefaultPort, "server port")
	fs.String("proxy", "", `SOCKS5 proxy URL(s), comma separated, or "tor"`)
	fs.BoolP("websocket", "w", false, "connect over WebSocket instead of raw TCP")
	fs.String("ws-path", transport.DefaultWebSocketPath, "HTTP path for WebSocket upgrades")
	fs.Duration("dial-timeout", transport.DefaultConnectionTimeout, "connection timeout")
	fs.Duration("handshake-timeout", 0, "key exchange timeout (0 = never)")
	fs.String("log-level", "warn", "log level: debug, info, warn, error")
	fs.String("config", "", "path to config file")

	if err := load(v, fs, args, map[string]string{
		"host":              "host",
		"port":              "port",
		"proxy":             "proxy",
		"websocket":         "websocket",
		"ws_path":           "ws-path",
		"dial_timeout":      "dial-timeout",
		"handshake_timeout": "handshake-timeout",
		"log.level":         "log-level",
	}); err != nil {
		return nil, err
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and formats.
func (c *ClientConfig) Validate() error {
	if err := transport.ValidateAddress(c.Addr()); err != nil {
		return err
	}
	if c.DialTimeout < 0 || c.HandshakeTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.cryptchat")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// load parses flags, binds them to viper keys, reads the config file and
// applies positional host/port overrides.
func load(v *viper.Viper, fs *pflag.FlagSet, args []string, bindings map[string]string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	if path, _ := fs.GetString("config"); path != "" {
		v.SetConfigFile(path)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 2:
		port, err := strconv.Atoi(rest[1])
		if err != nil {
			return fmt.Errorf("invalid port %q", rest[1])
		}
		v.Set("host", rest[0])
		v.Set("port", port)
	default:
		return fmt.Errorf("expected host and port, got %d positional arguments", len(rest))
	}
	return nil
}

func usage(fs *pflag.FlagSet, synopsis string) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "Usage: %s\n\nFlags:\n", synopsis)
		fs.PrintDefaults()
	}
}
