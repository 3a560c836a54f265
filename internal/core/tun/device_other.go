//go:build !linux && !darwin

package tun

import (
	"syscall"

	apperrors "shadowtun/pkg/errors"
)

func sysRead(fd int, p []byte) (int, error) {
	return 0, syscall.EBADF
}

// Open is unavailable on this platform.
func Open(name string) (*Device, error) {
	return nil, &apperrors.DeviceError{Op: "open", Name: name, Err: apperrors.ErrUnsupportedPlatform}
}

func (d *Device) Name() (string, error) {
	return "", apperrors.ErrUnsupportedPlatform
}

func (d *Device) MTU() (int, error) {
	return 0, apperrors.ErrUnsupportedPlatform
}

func (d *Device) recv(p []byte) (int, error) {
	n, err := d.read(d.fd, p)
	if err != nil {
		return 0, readError(err)
	}
	return n, nil
}

func (d *Device) write(p []byte, _ bool) (int, error) {
	return 0, apperrors.ErrUnsupportedPlatform
}

func closeFd(fd int) error {
	return nil
}
