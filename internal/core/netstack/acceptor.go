package netstack

import (
	"net/netip"
	"sync"

	"github.com/xjasonlyu/tun2socks/v2/core/adapter"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip"
	"shadowtun/internal/flow"
)

// acceptor turns connections terminated by the stack into flows, in the
// order the stack hands them over.
type acceptor struct {
	flows  chan flow.Flow
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func newAcceptor(backlog int, logger *zap.Logger) *acceptor {
	return &acceptor{
		flows:  make(chan flow.Flow, backlog),
		done:   make(chan struct{}),
		logger: logger,
	}
}

var _ adapter.TransportHandler = (*acceptor)(nil)

func (a *acceptor) HandleTCP(conn adapter.TCPConn) {
	id := conn.ID()
	a.push(flow.NewStream(conn,
		addrPort(id.LocalAddress, id.LocalPort),
		addrPort(id.RemoteAddress, id.RemotePort),
	))
}

func (a *acceptor) HandleUDP(conn adapter.UDPConn) {
	id := conn.ID()
	a.push(flow.NewDatagram(conn,
		addrPort(id.LocalAddress, id.LocalPort),
		addrPort(id.RemoteAddress, id.RemotePort),
	))
}

func (a *acceptor) push(f flow.Flow) {
	select {
	case <-a.done:
		a.reject(f)
		return
	default:
	}

	select {
	case a.flows <- f:
	case <-a.done:
		a.reject(f)
	}
}

func (a *acceptor) reject(f flow.Flow) {
	a.logger.Debug("rejecting flow after shutdown", zap.Stringer("flow", f))
	f.Close()
}

func (a *acceptor) close() {
	a.once.Do(func() { close(a.done) })
}

func addrPort(addr tcpip.Address, port uint16) netip.AddrPort {
	ip, _ := netip.AddrFromSlice(addr.AsSlice())
	return netip.AddrPortFrom(ip.Unmap(), port)
}
