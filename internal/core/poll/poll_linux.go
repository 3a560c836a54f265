//go:build linux

package poll

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
	apperrors "shadowtun/pkg/errors"
)

// Poller waits for readiness on registered descriptors using epoll.
type Poller struct {
	epfd   int
	wakeR  int
	wakeW  int
	raw    []unix.EpollEvent
	closed atomic.Bool
}

// New creates a Poller.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(epfd)
		return nil, os.NewSyscallError("pipe2", err)
	}

	p := &Poller{epfd: epfd, wakeR: pipe[0], wakeW: pipe[1]}
	if err := p.Register(p.wakeR, wakeToken, Readable); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func epollMask(interest Interest) uint32 {
	var mask uint32
	if interest&Readable != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *Poller) ctl(op, fd int, token Token, interest Interest) error {
	if p.closed.Load() {
		return apperrors.ErrPollerClosed
	}
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(token)}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.epfd, op, fd, &ev))
}

// Register starts watching fd for interest, reporting events under token.
func (p *Poller) Register(fd int, token Token, interest Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, token, interest)
}

// Reregister replaces the token and interest of a registered fd.
func (p *Poller) Reregister(fd int, token Token, interest Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, token, interest)
}

// Deregister stops watching fd.
func (p *Poller) Deregister(fd int) error {
	return p.ctl(unix.EPOLL_CTL_DEL, fd, 0, 0)
}

// Wait blocks until at least one registered descriptor is ready, the timeout
// elapses, or Wake is called, and fills events. A negative timeout blocks
// indefinitely. A wake-up alone returns zero events.
func (p *Poller) Wait(events []Event, timeout time.Duration) (int, error) {
	if p.closed.Load() {
		return 0, apperrors.ErrPollerClosed
	}
	if cap(p.raw) < len(events)+1 {
		p.raw = make([]unix.EpollEvent, len(events)+1)
	}
	raw := p.raw[:len(events)+1]

	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	for {
		n, err := unix.EpollWait(p.epfd, raw, msec)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("epoll_wait", err)
		}

		count := 0
		for _, ev := range raw[:n] {
			token := Token(uint32(ev.Fd))
			if token == wakeToken {
				p.drain()
				continue
			}
			if count == len(events) {
				// Level triggered: anything left over is reported again.
				break
			}
			events[count] = toEvent(token, ev.Events)
			count++
		}
		return count, nil
	}
}

func toEvent(token Token, mask uint32) Event {
	ev := Event{Token: token}
	if mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev.Ready |= Readable
	}
	if mask&unix.EPOLLOUT != 0 {
		ev.Ready |= Writable
	}
	if mask&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
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
	return unix.Close(p.epfd)
}
