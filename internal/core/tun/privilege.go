package tun

import (
	"os"

	apperrors "shadowtun/pkg/errors"
)

// CheckPrivileges returns an error if not running as root.
func CheckPrivileges() error {
	if os.Geteuid() != 0 {
		return apperrors.ErrNotRoot
	}
	return nil
}
