//go:build !linux && !darwin

package sysdns

import apperrors "shadowtun/pkg/errors"

// PlatformCommands is unavailable on this platform.
func PlatformCommands(service, server string) (Commands, error) {
	return Commands{}, apperrors.ErrUnsupportedPlatform
}

var linkExists = func(string) (bool, error) { return true, nil }
