package tun

import "net/netip"

// Config holds the interface name and addressing for the tunnel.
type Config struct {
	Name   string       // Interface name (utunN on macOS, shadowtun0 on Linux)
	Addr   netip.Addr   // Address assigned to the interface
	Prefix netip.Prefix // Network routed into the interface
	MTU    int          // Maximum transmission unit, 0 keeps the kernel default
}

// DefaultMTU is the default MTU for the tunnel device.
const DefaultMTU = 1500
