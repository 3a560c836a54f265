//go:build darwin

package poll

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	apperrors "shadowtun/pkg/errors"
)

// Poller waits for readiness on registered descriptors using kqueue.
type Poller struct {
	kq     int
	wakeR  int
	wakeW  int
	raw    []unix.Kevent_t
	closed atomic.Bool

	mu     sync.Mutex
	tokens map[int]registration
}

type registration struct {
	token    Token
	interest Interest
}

// New creates a Poller.
func New() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)

	pipe := make([]int, 2)
	if err := unix.Pipe(pipe); err != nil {
		unix.Close(kq)
		return nil, os.NewSyscallError("pipe", err)
	}
	for _, fd := range pipe {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(kq)
			unix.Close(pipe[0])
			unix.Close(pipe[1])
			return nil, os.NewSyscallError("fcntl", err)
		}
	}

	p := &Poller{kq: kq, wakeR: pipe[0], wakeW: pipe[1], tokens: make(map[int]registration)}
	if err := p.Register(p.wakeR, wakeToken, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Poller) apply(fd int, old, next Interest) error {
	var changes []unix.Kevent_t
	filter := func(filter int, bit Interest) {
		var ev unix.Kevent_t
		switch {
		case next&bit != 0:
			unix.SetKevent(&ev, fd, filter, unix.EV_ADD|unix.EV_ENABLE)
		case old&bit != 0:
			unix.SetKevent(&ev, fd, filter, unix.EV_DELETE)
		default:
			return
		}
		changes = append(changes, ev)
	}
	filter(unix.EVFILT_READ, Readable)
	filter(unix.EVFILT_WRITE, Writable)
	if len(changes) == 0 {
		return nil
	}

	_, err := unix.Kevent(p.kq, changes, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return os.NewSyscallError("kevent", err)
}

// Register starts watching fd for interest, reporting events under token.
func (p *Poller) Register(fd int, token Token, interest Interest) error {
	if p.closed.Load() {
		return apperrors.ErrPollerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.tokens[fd]; ok {
		return os.NewSyscallError("kevent", unix.EEXIST)
	}
	if err := p.apply(fd, 0, interest); err != nil {
		return err
	}
	p.tokens[fd] = registration{token: token, interest: interest}
	return nil
}

// Reregister replaces the token and interest of a registered fd.
func (p *Poller) Reregister(fd int, token Token, interest Interest) error {
	if p.closed.Load() {
		return apperrors.ErrPollerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.tokens[fd]
	if !ok {
		return os.NewSyscallError("kevent", unix.ENOENT)
	}
	if err := p.apply(fd, reg.interest, interest); err != nil {
		return err
	}
	p.tokens[fd] = registration{token: token, interest: interest}
	return nil
}

// Deregister stops watching fd.
func (p *Poller) Deregister(fd int) error {
	if p.closed.Load() {
		return apperrors.ErrPollerClosed
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	reg, ok := p.tokens[fd]
	if !ok {
		return os.NewSyscallError("kevent", unix.ENOENT)
	}
	delete(p.tokens, fd)
	return p.apply(fd, reg.interest, 0)
}

// Wait blocks until at least one registered descriptor is ready, the timeout
// elapses, or Wake is called, and fills events. A negative timeout blocks
// indefinitely. A wake-up alone returns zero events.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, apperrors.ErrPollerClosed
	}
	if cap(p.raw) < len(events)+1 {
		p.raw = make([]unix.Kevent_t, len(events)+1)
	}
	raw := p.raw[:len(events)+1]

	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	for {
		n, err := unix.Kevent(p.kq, nil, raw, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("kevent", err)
		}

		p.mu.Lock()
		count := 0
		for _, ev := range raw[:n] {
			reg, ok := p.tokens[int(ev.Ident)]
			if !ok {
				continue
			}
			if reg.token == wakeToken {
				p.drain()
				continue
			}
			if count == len(events) {
				break
			}
			events[count] = toEvent(reg.token, ev)
			count++
		}
		p.mu.Unlock()
		return count, nil
	}
}

func toEvent(token Token, kev unix.Kevent_t) Event {
	ev := Event{Token: token}
	switch kev.Filter {
	case unix.EVFILT_READ:
		ev.Ready |= Readable
	case unix.EVFILT_WRITE:
		ev.Ready |= Writable
	}
	if kev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
		ev.Hangup = true
		ev.Ready |= Readable
	}
	return ev
}

// Wake interrupts a concurrent or the next Wait.
func (p *Poller) Wake() error {
	if p.closed.Load() {
		return apperrors.ErrPollerClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// Pipe already full, a wake-up is pending.
		return nil
	}
	return os.NewSyscallError("write", err)
}

func (p *Poller) drain() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the poller. Registered descriptors are not closed.
func (p *Poller) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
	return unix.Close(p.kq)
}
