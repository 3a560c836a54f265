// Package flow describes the transport-level flows accepted from the tunnel
// stack and the resolved address each one is relayed to.
package flow

import (
	"fmt"
	"net"
	"net/netip"
)

// Kind identifies the transport of a flow.
type Kind uint8

const (
	KindStream Kind = iota + 1
	KindDatagram
)

func (k Kind) String() string {
	switch k {
	case KindStream:
		return "tcp"
	case KindDatagram:
		return "udp"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flow is a single accepted transport flow. The only implementations are
// *Stream and *Datagram; callers dispatch with a type switch.
type Flow interface {
	Kind() Kind
	// LocalAddr is the destination the client addressed, as seen by the
	// tunnel stack.
	LocalAddr() netip.AddrPort
	// RemoteAddr is the client endpoint that opened the flow.
	RemoteAddr() netip.AddrPort
	Close() error
	String() string

	sealed()
}

// Stream is a connection-oriented flow.
type Stream struct {
	conn   net.Conn
	local  netip.AddrPort
	remote netip.AddrPort
}

// NewStream wraps an accepted stream connection.
func NewStream(conn net.Conn, local, remote netip.AddrPort) *Stream {
	return &Stream{conn: conn, local: local, remote: remote}
}

func (s *Stream) Kind() Kind                 { return KindStream }
func (s *Stream) LocalAddr() netip.AddrPort  { return s.local }
func (s *Stream) RemoteAddr() netip.AddrPort { return s.remote }
func (s *Stream) Close() error               { return s.conn.Close() }
func (s *Stream) sealed()                    {}

// Split divides the stream into independently closable halves. Split must be
// called at most once; the underlying connection is closed once both halves
// have been closed.
func (s *Stream) Split() (ReadHalf, WriteHalf) {
	h := &halves{conn: s.conn}
	h.open.Store(2)
	return &readHalf{halves: h}, &writeHalf{halves: h}
}

func (s *Stream) String() string { return describe(s) }

// Datagram is a message-oriented flow. Each Read returns one datagram sent by
// the client and each Write delivers one datagram back to it.
type Datagram struct {
	net.Conn
	local  netip.AddrPort
	remote netip.AddrPort
}

// NewDatagram wraps an accepted datagram session.
func NewDatagram(conn net.Conn, local, remote netip.AddrPort) *Datagram {
	return &Datagram{Conn: conn, local: local, remote: remote}
}

func (d *Datagram) Kind() Kind                 { return KindDatagram }
func (d *Datagram) LocalAddr() netip.AddrPort  { return d.local }
func (d *Datagram) RemoteAddr() netip.AddrPort { return d.remote }
func (d *Datagram) sealed()                    {}

func (d *Datagram) String() string { return describe(d) }

func describe(f Flow) string {
	return fmt.Sprintf("%s %s->%s", f.Kind(), f.RemoteAddr(), f.LocalAddr())
}
