// Package transport provides the byte streams cryptchat runs over: plain TCP,
// TCP through a SOCKS5 proxy such as Tor, and WebSocket.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	// DefaultConnectionTimeout is the timeout for establishing connections.
	// Circuits through Tor can be slow to build.
	DefaultConnectionTimeout = 30 * time.Second

	// DefaultKeepAlive is the keep-alive interval for connections.
	DefaultKeepAlive = 30 * time.Second

	// ProxyTestTimeout is the timeout for testing proxy availability.
	ProxyTestTimeout = 2 * time.Second
)

var (
	// DefaultTorProxies are the usual local Tor SOCKS5 endpoints, tried in
	// order when the proxy is configured as "tor".
	DefaultTorProxies = []string{
		"socks5://127.0.0.1:9050", // Tor daemon
		"socks5://127.0.0.1:9150", // Tor Browser
	}

	// OnionRegex matches v3 .onion hosts.
	OnionRegex = regexp.MustCompile(`^[a-z2-7]{56}\.onion$`)

	// ErrOnionNeedsProxy is returned when dialing a .onion host directly.
	ErrOnionNeedsProxy = errors.New("onion addresses require a SOCKS5 proxy")
)

// ValidateAddress checks that addr is host:port with a non-empty host and a
// port in 1..65535. A host ending in .onion must be a v3 onion name.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid address %q: port must be 1-65535", addr)
	}
	if strings.HasSuffix(host, ".onion") && !OnionRegex.MatchString(host) {
		return fmt.Errorf("invalid .onion address format (must be v3: 56 chars + .onion)")
	}
	return nil
}

// IsOnion reports whether addr names a Tor hidden service.
func IsOnion(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return strings.HasSuffix(host, ".onion")
}

// ParseProxies turns a proxy setting into a list of proxy URLs. The empty
// string means a direct connection and "tor" expands to DefaultTorProxies;
// anything else is a comma-separated list.
func ParseProxies(s string) []string {
	s = strings.TrimSpace(s)
	switch s {
	case "":
		return nil
	case "tor":
		return append([]string(nil), DefaultTorProxies...)
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// TestProxyAvailable tests if a SOCKS5 proxy is listening at proxyAddr.
func TestProxyAvailable(proxyAddr string) error {
	u, err := url.Parse(proxyAddr)
	if err != nil {
		return fmt.Errorf("invalid proxy URL: %w", err)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid proxy URL %q: missing host", proxyAddr)
	}

	conn, err := net.DialTimeout("tcp", u.Host, ProxyTestTimeout)
	if err != nil {
		return fmt.Errorf("proxy not responding: %w", err)
	}
	conn.Close()
	return nil
}

// Dialer opens client connections, directly or through the first working
// proxy in Proxies.
type Dialer struct {
	Proxies   []string
	Timeout   time.Duration
	KeepAlive time.Duration
}

// NewDialer creates a direct dialer with default settings.
func NewDialer(proxies ...string) *Dialer {
	return &Dialer{
		Proxies:   proxies,
		Timeout:   DefaultConnectionTimeout,
		KeepAlive: DefaultKeepAlive,
	}
}

// Dial connects to addr over TCP.
func (d *Dialer) Dial(addr string) (net.Conn, error) {
	if err := ValidateAddress(addr); err != nil {
		return nil, err
	}
	return d.dial("tcp", addr)
}

func (d *Dialer) dial(network, addr string) (net.Conn, error) {
	base := &net.Dialer{
		Timeout:   d.Timeout,
		KeepAlive: d.KeepAlive,
	}

	if len(d.Proxies) == 0 {
		if IsOnion(addr) {
			return nil, ErrOnionNeedsProxy
		}
		return base.Dial(network, addr)
	}

	var lastErr error
	for _, proxyURL := range d.Proxies {
		u, err := url.Parse(proxyURL)
		if err != nil {
			lastErr = fmt.Errorf("invalid proxy URL %q: %w", proxyURL, err)
			continue
		}

		dialer, err := proxy.FromURL(u, base)
		if err != nil {
			lastErr = err
			continue
		}

		conn, err := dialer.Dial(network, addr)
		if err != nil {
			lastErr = fmt.Errorf("connection via %s failed: %w", proxyURL, err)
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("all proxy attempts failed: %w", lastErr)
}

// IsAvailable reports whether a connection can be attempted: always for a
// direct dialer, otherwise if at least one proxy is listening.
func (d *Dialer) IsAvailable() bool {
	if len(d.Proxies) == 0 {
		return true
	}
	for _, addr := range d.Proxies {
		if err := TestProxyAvailable(addr); err == nil {
			return true
		}
	}
	return false
}
