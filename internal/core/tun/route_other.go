//go:build !linux && !darwin

package tun

import apperrors "shadowtun/pkg/errors"

// Configure is unavailable on this platform.
func Configure(cfg Config) error {
	return apperrors.ErrUnsupportedPlatform
}
