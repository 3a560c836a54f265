// Package poll is a small readiness multiplexer over epoll (linux) and kqueue
// (darwin). It only reports readiness; reads and writes stay with the caller.
package poll

import "math"

// Token identifies a registered descriptor in reported events.
type Token uint32

// wakeToken is reserved for the poller's own wake pipe.
const wakeToken Token = math.MaxUint32

// Interest is the set of readiness kinds a registration asks for.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	case Readable | Writable:
		return "readable|writable"
	default:
		return "none"
	}
}

// Event is one readiness notification.
type Event struct {
	Token Token
	Ready Interest
	// Hangup is set when the peer closed or the descriptor errored. The
	// descriptor is also reported readable so the next read surfaces the
	// condition.
	Hangup bool
}
