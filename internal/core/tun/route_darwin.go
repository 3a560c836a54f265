//go:build darwin

package tun

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Configure assigns a point-to-point address to the utun interface, sets its
// MTU and routes cfg.Prefix into it. macOS does not derive a route from the
// address, so the prefix route is added explicitly.
func Configure(cfg Config) error {
	args := []string{cfg.Name, "inet", cfg.Addr.String(), cfg.Addr.String()}
	if cfg.MTU > 0 {
		args = append(args, "mtu", strconv.Itoa(cfg.MTU))
	}
	args = append(args, "up")
	if err := run("ifconfig", args...); err != nil {
		return fmt.Errorf("failed to configure %s: %w", cfg.Name, err)
	}

	if err := run("route", "-n", "add", "-net", cfg.Prefix.Masked().String(), "-interface", cfg.Name); err != nil {
		return fmt.Errorf("failed to route %s via %s: %w", cfg.Prefix, cfg.Name, err)
	}
	return nil
}

func run(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
