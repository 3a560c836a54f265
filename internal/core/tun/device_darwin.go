//go:build darwin

package tun

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
	apperrors "shadowtun/pkg/errors"
)

const (
	utunControlName = "com.apple.net.utun_control"
	utunOptIfname   = 2
	// utun frames carry a 4-byte protocol family header.
	utunHeaderLen = 4
)

func sysRead(fd int, p []byte) (int, error) {
	return unix.Read(fd, p)
}

// Open creates the utun interface called name ("utun" lets the kernel pick
// the unit, "utunN" asks for unit N).
func Open(name string) (*Device, error) {
	unit, err := utunUnit(name)
	if err != nil {
		return nil, openError(name, err)
	}

	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return nil, openError(name, err)
	}
	unix.CloseOnExec(fd)

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}

	if err := unix.Connect(fd, &unix.SockaddrCtl{ID: info.Id, Unit: unit}); err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, openError(name, err)
	}

	d := newDevice(fd, name)
	if actual, err := d.Name(); err == nil {
		d.name = actual
	}
	return d, nil
}

func utunUnit(name string) (uint32, error) {
	if name == "" || name == "utun" {
		return 0, nil
	}
	if !strings.HasPrefix(name, "utun") {
		return 0, fmt.Errorf("interface name must be utun[0-9]*, got %q", name)
	}
	n, err := strconv.ParseUint(name[len("utun"):], 10, 31)
	if err != nil {
		return 0, fmt.Errorf("interface name must be utun[0-9]*, got %q", name)
	}
	return uint32(n) + 1, nil
}

func openError(name string, err error) error {
	return &apperrors.DeviceError{Op: "open", Name: name, Err: fmt.Errorf("%w: %w", apperrors.ErrInterfaceOpen, err)}
}

func queryError(op, name string, err error) error {
	return &apperrors.DeviceError{Op: op, Name: name, Err: fmt.Errorf("%w: %w", apperrors.ErrInterfaceQuery, err)}
}

// Name asks the kernel for the interface name bound to the control socket.
func (d *Device) Name() (string, error) {
	name, err := unix.GetsockoptString(d.fd, unix.SYSPROTO_CONTROL, utunOptIfname)
	if err != nil {
		return "", queryError("name", d.name, err)
	}
	return name, nil
}

// MTU asks the kernel for the interface MTU.
func (d *Device) MTU() (int, error) {
	name, err := d.Name()
	if err != nil {
		return 0, err
	}

	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, queryError("mtu", name, err)
	}
	defer unix.Close(sock)

	ifr, err := unix.IoctlGetIfreqMTU(sock, name)
	if err != nil {
		return 0, queryError("mtu", name, err)
	}
	return int(ifr.MTU), nil
}

func (d *Device) recv(p []byte) (int, error) {
	need := len(p) + utunHeaderLen
	if cap(d.rbuf) < need {
		d.rbuf = make([]byte, need)
	}
	buf := d.rbuf[:need]

	n, err := d.read(d.fd, buf)
	if err != nil {
		return 0, readError(err)
	}
	if n < utunHeaderLen {
		return 0, fmt.Errorf("short utun frame of %d bytes", n)
	}
	return copy(p, buf[utunHeaderLen:n]), nil
}

func (d *Device) write(p []byte, v6 bool) (int, error) {
	need := len(p) + utunHeaderLen
	if cap(d.wbuf) < need {
		d.wbuf = make([]byte, need)
	}
	buf := d.wbuf[:need]

	family := byte(unix.AF_INET)
	if v6 {
		family = unix.AF_INET6
	}
	buf[0], buf[1], buf[2], buf[3] = 0, 0, 0, family
	copy(buf[utunHeaderLen:], p)

	n, err := unix.Write(d.fd, buf)
	if err != nil {
		return 0, &apperrors.DeviceError{Op: "write", Name: d.name, Err: err}
	}
	if n < utunHeaderLen {
		return 0, nil
	}
	return n - utunHeaderLen, nil
}

func closeFd(fd int) error {
	return unix.Close(fd)
}
