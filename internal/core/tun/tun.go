package tun

import (
	"errors"
	"fmt"
	"syscall"

	"shadowtun/internal/core/poll"
	apperrors "shadowtun/pkg/errors"
)

// ReadError is an OS error number surfaced by a device read. Callers branch
// on it with errors.Is, e.g. errors.Is(err, syscall.EAGAIN).
type ReadError struct {
	Errno syscall.Errno
}

func (e *ReadError) Error() string {
	return "tun read: " + e.Errno.Error()
}

func (e *ReadError) Unwrap() error {
	return e.Errno
}

// WouldBlock reports whether the read should be retried once the device is
// readable again.
func (e *ReadError) WouldBlock() bool {
	return e.Errno == syscall.EAGAIN || e.Errno == syscall.EWOULDBLOCK || e.Errno == syscall.EINTR
}

// IsWouldBlock reports whether err is a ReadError that asks for a retry.
func IsWouldBlock(err error) bool {
	var rerr *ReadError
	return errors.As(err, &rerr) && rerr.WouldBlock()
}

// Registry is the readiness multiplexer a Device registers with.
// *poll.Poller implements it.
type Registry interface {
	Register(fd int, token poll.Token, interest poll.Interest) error
	Reregister(fd int, token poll.Token, interest poll.Interest) error
	Deregister(fd int) error
}

// Device is an open layer-3 tunnel interface. The descriptor is in
// non-blocking mode. A Device does no locking of its own: one reader and
// one writer may use it concurrently, and Close must not race either.
type Device struct {
	fd   int
	name string

	// read is the raw syscall, swapped out in tests.
	read func(fd int, p []byte) (int, error)
	rbuf []byte
	wbuf []byte
}

func newDevice(fd int, name string) *Device {
	return &Device{fd: fd, name: name, read: sysRead}
}

// Fd returns the underlying descriptor.
func (d *Device) Fd() int { return d.fd }

// Read reads one IP packet into p. OS failures are returned as *ReadError.
// Any other failure means the device is in a state it should never reach,
// and Read panics rather than let the caller continue on corrupt state.
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.recv(p)
	if err == nil {
		return n, nil
	}

	var rerr *ReadError
	if errors.As(err, &rerr) {
		return 0, rerr
	}
	panic(fmt.Sprintf("tun: unrecoverable read failure on %s: %v", d.name, err))
}

// readError maps a raw syscall failure into the error Read reports.
func readError(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return &ReadError{Errno: errno}
	}
	return err
}

// WriteV4 writes one IPv4 packet to the device.
func (d *Device) WriteV4(p []byte) (int, error) {
	return d.write(p, false)
}

// WriteV6 writes one IPv6 packet to the device.
func (d *Device) WriteV6(p []byte) (int, error) {
	return d.write(p, true)
}

// Register adds the device descriptor to r under token.
func (d *Device) Register(r Registry, token poll.Token, interest poll.Interest) error {
	if d.fd < 0 {
		return apperrors.ErrDeviceClosed
	}
	return r.Register(d.fd, token, interest)
}

// Reregister updates the device registration in r.
func (d *Device) Reregister(r Registry, token poll.Token, interest poll.Interest) error {
	if d.fd < 0 {
		return apperrors.ErrDeviceClosed
	}
	return r.Reregister(d.fd, token, interest)
}

// Deregister removes the device descriptor from r. The device stays open.
func (d *Device) Deregister(r Registry) error {
	if d.fd < 0 {
		return apperrors.ErrDeviceClosed
	}
	return r.Deregister(d.fd)
}

// Close releases the interface.
func (d *Device) Close() error {
	if d.fd < 0 {
		return nil
	}
	fd := d.fd
	d.fd = -1
	if err := closeFd(fd); err != nil {
		return &apperrors.DeviceError{Op: "close", Name: d.name, Err: err}
	}
	return nil
}
