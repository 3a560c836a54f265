//go:build linux

package tun

import (
	"fmt"

	"golang.org/x/sys/unix"
	apperrors "shadowtun/pkg/errors"
)

const cloneDevice = "/dev/net/tun"

func sysRead(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Open creates (or attaches to) the tunnel interface called name. An empty
// name lets the kernel pick one.
func Open(name string) (*Device, error) {
	fd, err := unix.Open(cloneDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, openError(name, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}

	d := newDevice(fd, ifr.Name())
	return d, nil
}

func openError(name string, err error) error {
	return &apperrors.DeviceError{Op: "open", Name: name, Err: fmt.Errorf("%w: %w", apperrors.ErrInterfaceOpen, err)}
}

func queryError(op, name string, err error) error {
	return &apperrors.DeviceError{Op: op, Name: name, Err: fmt.Errorf("%w: %w", apperrors.ErrInterfaceQuery, err)}
}

// Name asks the kernel for the interface name bound to the descriptor.
func (d *Device) Name() (string, error) {
	ifr, err := unix.NewIfreq("")
	if err != nil {
		return "", queryError("name", d.name, err)
	}
	if err := unix.IoctlIfreq(d.fd, unix.TUNGETIFF, ifr); err != nil {
		return "", queryError("name", d.name, err)
	}
	return ifr.Name(), nil
}

// MTU asks the kernel for the interface MTU.
func (d *Device) MTU() (int, error) {
	name, err := d.Name()
	if err != nil {
		return 0, err
	}

	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, queryError("mtu", name, err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, queryError("mtu", name, err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFMTU, ifr); err != nil {
		return 0, queryError("mtu", name, err)
	}
	return int(ifr.Uint32()), nil
}

func (d *Device) recv(p []byte) (int, error) {
	n, err := d.read(d.fd, p)
	if err != nil {
		return 0, readError(err)
	}
	return n, nil
}

// Linux tunnels opened with IFF_NO_PI carry bare IP packets in both
// directions, so the address family needs no framing.
func (d *Device) write(p []byte, _ bool) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err != nil {
		return 0, &apperrors.DeviceError{Op: "write", Name: d.name, Err: err}
	}
	return n, nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}
