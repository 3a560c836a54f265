// Package latency measures how quickly a Shadowsocks server answers, either
// at the TCP level or end to end through the relay.
package latency

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"shadowtun/internal/config"
)

// Strategy defines how a latency test is performed against a single server.
type Strategy interface {
	// Name returns the strategy identifier ("tcp" or "http").
	Name() string
	// Test performs a latency test and returns the round-trip time.
	Test(ctx context.Context, server *config.ServerLink) (time.Duration, error)
}

// TCPStrategy measures latency via a TCP handshake to the server.
// Fast, low overhead - only verifies network reachability without testing proxy protocol.
type TCPStrategy struct{}

func (s *TCPStrategy) Name() string { return "tcp" }

func (s *TCPStrategy) Test(ctx context.Context, server *config.ServerLink) (time.Duration, error) {
	start := time.Now()
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		return 0, fmt.Errorf("tcp handshake failed: %w", err)
	}
	elapsed := time.Since(start)
	conn.Close()

	return elapsed, nil
}

// NewStrategy creates a Strategy by name. Valid names: "tcp", "http".
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "http", "":
		return &HTTPStrategy{}, nil
	case "tcp":
		return &TCPStrategy{}, nil
	default:
		return nil, fmt.Errorf("unknown test strategy: %s (available: tcp, http)", name)
	}
}

// systemResolver resolves server names with the host resolver. Tests run
// outside the tunnel, so the system resolver is not pointed at us.
type systemResolver struct{}

func (systemResolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}
