//go:build linux

package sysdns

import (
	"errors"
	"syscall"

	"github.com/vishvananda/netlink"
)

// PlatformCommands returns the resolvectl commands that make the link named
// service the resolver for every domain and revert it. On linux the service
// is the tunnel interface.
func PlatformCommands(service, server string) (Commands, error) {
	if service == "" {
		return Commands{}, errors.New("a link name is required for resolvectl")
	}

	return Commands{
		Set: [][]string{
			{"resolvectl", "dns", service, server},
			{"resolvectl", "domain", service, "~."},
			{"resolvectl", "default-route", service, "true"},
		},
		Clear: []string{"resolvectl", "revert", service},
		Link:  service,
	}, nil
}

func netlinkLinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	var notFound netlink.LinkNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, syscall.ENODEV) {
		return false, nil
	}
	return err == nil, err
}

var linkExists = netlinkLinkExists
