//go:build darwin

package sysdns

import (
	"fmt"
	"os/exec"
	"strings"
)

// PlatformCommands returns the networksetup commands that point the network
// service at server and reset it to automatic. An empty service selects the
// first enabled network service.
func PlatformCommands(service, server string) (Commands, error) {
	if service == "" {
		services, err := activeNetworkServices()
		if err != nil {
			return Commands{}, fmt.Errorf("failed to detect network services: %w", err)
		}
		service = services[0]
	}

	return Commands{
		Set:   [][]string{{"networksetup", "-setdnsservers", service, server}},
		Clear: []string{"networksetup", "-setdnsservers", service, "empty"},
	}, nil
}

// activeNetworkServices returns all non-disabled network services.
func activeNetworkServices() ([]string, error) {
	out, err := exec.Command("networksetup", "-listallnetworkservices").Output()
	if err != nil {
		return nil, err
	}

	var services []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		// Skip header line, empty lines, and disabled services (marked with *).
		if line == "" || strings.HasPrefix(line, "An asterisk") || strings.HasPrefix(line, "*") {
			continue
		}
		services = append(services, line)
	}

	if len(services) == 0 {
		return nil, fmt.Errorf("no active network services found")
	}
	return services, nil
}

// Network services outlive the process, so a saved override always applies.
var linkExists = func(string) (bool, error) { return true, nil }
