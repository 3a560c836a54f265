package netstack

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"shadowtun/internal/core/poll"
	"shadowtun/internal/core/tun"
	apperrors "shadowtun/pkg/errors"
)

// Device is the tunnel interface the stack is bound to. *tun.Device
// implements it.
type Device interface {
	Read(p []byte) (int, error)
	WriteV4(p []byte) (int, error)
	WriteV6(p []byte) (int, error)
	MTU() (int, error)
	Register(r tun.Registry, token poll.Token, interest poll.Interest) error
	Deregister(r tun.Registry) error
}

// deviceToken is the poller token of the tunnel device.
const deviceToken poll.Token = 1

// maxReadFailures is the number of consecutive errno read failures retried
// on the next readiness notification before the device counts as faulted.
const maxReadFailures = 8

// reader is the inbound half of the link: it blocks on the poller while the
// non-blocking device has nothing to read. Errno read failures are retried
// up to maxReadFailures times in a row; past that, or for any other failure,
// the error is reported once through fault and ends the inbound side.
type reader struct {
	dev    Device
	poller *poll.Poller
	events []poll.Event
	closed atomic.Bool

	// failures counts consecutive errno read failures. Read has a single
	// caller.
	failures int

	faultOnce sync.Once
	fault     chan error
}

func newReader(dev Device, poller *poll.Poller) *reader {
	return &reader{
		dev:    dev,
		poller: poller,
		events: make([]poll.Event, 1),
		fault:  make(chan error, 1),
	}
}

func (r *reader) Read(p []byte) (n int, err error) {
	defer func() {
		// A broken device invariant is fatal for the whole process.
		if v := recover(); v != nil {
			r.report(fmt.Errorf("%w: %v", apperrors.ErrDeviceFault, v))
			n, err = 0, io.EOF
		}
	}()

	for {
		if r.closed.Load() {
			return 0, io.EOF
		}

		n, err := r.dev.Read(p)
		switch {
		case err == nil:
			r.failures = 0
			if n == 0 {
				continue
			}
			return n, nil
		case tun.IsWouldBlock(err):
			if err := r.wait(); err != nil {
				return 0, err
			}
		default:
			if r.closed.Load() {
				return 0, io.EOF
			}
			var rerr *tun.ReadError
			if errors.As(err, &rerr) && r.failures < maxReadFailures {
				r.failures++
				if err := r.wait(); err != nil {
					return 0, err
				}
				continue
			}
			r.report(fmt.Errorf("%w: %w", apperrors.ErrDeviceFault, err))
			return 0, err
		}
	}
}

// wait blocks until the device is readable again.
func (r *reader) wait() error {
	if _, err := r.poller.Wait(r.events, -1); err != nil {
		if r.closed.Load() {
			return io.EOF
		}
		r.report(err)
		return err
	}
	return nil
}

func (r *reader) report(err error) {
	r.faultOnce.Do(func() {
		r.fault <- err
	})
}

// close makes the next (or a blocked) Read return io.EOF.
func (r *reader) close() {
	if r.closed.CompareAndSwap(false, true) {
		r.poller.Wake()
	}
}
