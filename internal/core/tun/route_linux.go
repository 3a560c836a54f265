//go:build linux

package tun

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Configure assigns cfg.Addr to the interface, sets its MTU and brings it up.
// The address carries the prefix length of cfg.Prefix, so the kernel routes
// the whole prefix into the tunnel.
func Configure(cfg Config) error {
	link, err := netlink.LinkByName(cfg.Name)
	if err != nil {
		return fmt.Errorf("failed to find tun device %q: %w", cfg.Name, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{
		IP:   cfg.Addr.AsSlice(),
		Mask: net.CIDRMask(cfg.Prefix.Bits(), cfg.Addr.BitLen()),
	}}
	if err := netlink.AddrReplace(link, addr); err != nil {
		return fmt.Errorf("failed to assign %s to %s: %w", addr, cfg.Name, err)
	}

	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("failed to set mtu %d on %s: %w", cfg.MTU, cfg.Name, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", cfg.Name, err)
	}
	return nil
}
