package dns

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server serves a dns.Handler over UDP and TCP on the same address.
type Server struct {
	udp        *dns.Server
	tcp        *dns.Server
	udpStarted chan struct{}
	tcpStarted chan struct{}
	logger     *zap.Logger
}

// Listen binds addr for both transports. Binding happens here so that a busy
// port fails startup instead of a background goroutine.
func Listen(addr string, handler dns.Handler, logger *zap.Logger) (*Server, error) {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}
	// Share the kernel-assigned port when addr asked for port 0.
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to listen on tcp %s: %w", addr, err)
	}

	s := &Server{
		udpStarted: make(chan struct{}),
		tcpStarted: make(chan struct{}),
		logger:     logger,
	}
	s.udp = &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(s.udpStarted) }}
	s.tcp = &dns.Server{Listener: ln, Handler: handler, NotifyStartedFunc: func() { close(s.tcpStarted) }}
	return s, nil
}

// Addr returns the bound UDP address.
func (s *Server) Addr() net.Addr {
	return s.udp.PacketConn.LocalAddr()
}

// Serve answers queries until Shutdown is called.
func (s *Server) Serve() error {
	s.logger.Info("dns server listening", zap.Stringer("addr", s.Addr()))

	var g errgroup.Group
	g.Go(s.udp.ActivateAndServe)
	g.Go(s.tcp.ActivateAndServe)
	return g.Wait()
}

// Shutdown stops both listeners. If Serve has not started by the time ctx
// is done, the sockets are closed directly.
func (s *Server) Shutdown(ctx context.Context) error {
	uerr := shutdown(ctx, s.udp, s.udpStarted, s.udp.PacketConn.Close)
	terr := shutdown(ctx, s.tcp, s.tcpStarted, s.tcp.Listener.Close)
	if uerr != nil {
		return uerr
	}
	return terr
}

func shutdown(ctx context.Context, srv *dns.Server, started <-chan struct{}, closeFn func() error) error {
	select {
	case <-started:
		return srv.ShutdownContext(ctx)
	case <-ctx.Done():
		closeFn()
		return ctx.Err()
	}
}

// Close releases both sockets without waiting for in-flight queries. It is
// meant for paths where Serve was never started.
func (s *Server) Close() {
	s.udp.PacketConn.Close()
	s.tcp.Listener.Close()
}
