// Package relay forwards flows to a Shadowsocks server. Targets are sent by
// name when the flow was resolved to a domain, so the server does the
// resolution.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"go.uber.org/zap"
	apperrors "shadowtun/pkg/errors"
)

const (
	DefaultUDPTimeout  = 60 * time.Second
	DefaultDialTimeout = 10 * time.Second
)

// HostResolver resolves the server host name. It must not go through the
// system resolver, which points at our own DNS authority while running.
type HostResolver interface {
	LookupIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// Config configures a Client.
type Config struct {
	Server      string // host:port
	Method      string
	Password    string
	UDPTimeout  time.Duration
	DialTimeout time.Duration
}

// Client relays stream and datagram flows through one Shadowsocks server.
type Client struct {
	host       string
	port       uint16
	cipher     core.Cipher
	resolver   HostResolver
	dialer     net.Dialer
	udpTimeout time.Duration
	logger     *zap.Logger
}

// New creates a relay client. resolver may be nil when the server is given
// as an IP address.
func New(cfg Config, resolver HostResolver, logger *zap.Logger) (*Client, error) {
	host, portStr, err := net.SplitHostPort(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", cfg.Server, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return nil, fmt.Errorf("invalid server port %q", portStr)
	}

	cipher, err := core.PickCipher(strings.ToUpper(cfg.Method), nil, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrUnsupportedCipher, cfg.Method, err)
	}

	if _, err := netip.ParseAddr(host); err != nil && resolver == nil {
		return nil, fmt.Errorf("server host %q needs a resolver", host)
	}
	if cfg.UDPTimeout <= 0 {
		cfg.UDPTimeout = DefaultUDPTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		host:       host,
		port:       uint16(port),
		cipher:     cipher,
		resolver:   resolver,
		dialer:     net.Dialer{Timeout: cfg.DialTimeout},
		udpTimeout: cfg.UDPTimeout,
		logger:     logger,
	}, nil
}

// serverAddr resolves the server, preferring the first address returned.
func (c *Client) serverAddr(ctx context.Context) (netip.AddrPort, error) {
	if addr, err := netip.ParseAddr(c.host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), c.port), nil
	}
	addrs, err := c.resolver.LookupIP(ctx, c.host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses")
	}
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: resolve server %s: %w", apperrors.ErrRelayFailed, c.host, err)
	}
	return netip.AddrPortFrom(addrs[0].Unmap(), c.port), nil
}
