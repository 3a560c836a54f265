package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"shadowtun/internal/flow"
	apperrors "shadowtun/pkg/errors"
)

const maxPacketSize = 64 * 1024

var errIdle = errors.New("association idle")

// association tracks activity in either direction of a datagram flow.
type association struct {
	last    atomic.Int64
	timeout time.Duration
}

func (a *association) touch() {
	a.last.Store(time.Now().UnixNano())
}

func (a *association) idle() bool {
	return time.Since(time.Unix(0, a.last.Load())) >= a.timeout
}

// HandlePackets relays a datagram flow to target over its own UDP
// association with the server. It returns nil once neither direction has
// carried a packet for the configured UDP timeout.
func (c *Client) HandlePackets(ctx context.Context, d *flow.Datagram, target flow.Address) error {
	tgt := socks.ParseAddr(target.String())
	if tgt == nil {
		return fmt.Errorf("%w: invalid target %s", apperrors.ErrRelayFailed, target)
	}

	server, err := c.serverAddr(ctx)
	if err != nil {
		return err
	}
	pc, err := net.ListenUDP("udp", nil)
	if err != nil {
		return fmt.Errorf("%w: listen udp: %w", apperrors.ErrRelayFailed, err)
	}
	remote := c.cipher.PacketConn(pc)
	defer remote.Close()

	stop := context.AfterFunc(ctx, func() {
		remote.Close()
		d.Close()
	})
	defer stop()

	a := &association{timeout: c.udpTimeout}
	a.touch()
	c.logger.Debug("packet relay started", zap.Stringer("target", target), zap.Stringer("server", server))

	serverAddr := net.UDPAddrFromAddrPort(server)
	var g errgroup.Group
	g.Go(func() error {
		defer remote.Close()
		return c.uplink(d, remote, serverAddr, tgt, a)
	})
	g.Go(func() error {
		defer d.Close()
		return c.downlink(remote, d, server, a)
	})

	err = g.Wait()
	if err == nil || errors.Is(err, errIdle) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", apperrors.ErrRelayFailed, target, err)
}

// uplink prefixes each payload from the flow with the target address and
// sends it to the server.
func (c *Client) uplink(d *flow.Datagram, remote net.PacketConn, server net.Addr, tgt socks.Addr, a *association) error {
	buf := pool.Get(maxPacketSize)
	defer pool.Put(buf)
	copy(buf, tgt)

	for {
		d.SetReadDeadline(time.Now().Add(a.timeout))
		n, err := d.Read(buf[len(tgt):])
		if err != nil {
			if isTimeout(err) {
				if a.idle() {
					return errIdle
				}
				continue
			}
			return err
		}
		a.touch()
		if _, err := remote.WriteTo(buf[:len(tgt)+n], server); err != nil {
			return err
		}
	}
}

// downlink strips the source address from server replies and hands the
// payload back to the flow.
func (c *Client) downlink(remote net.PacketConn, d *flow.Datagram, server netip.AddrPort, a *association) error {
	buf := pool.Get(maxPacketSize)
	defer pool.Put(buf)

	for {
		remote.SetReadDeadline(time.Now().Add(a.timeout))
		n, from, err := remote.ReadFrom(buf)
		if err != nil {
			if isTimeout(err) {
				if a.idle() {
					return errIdle
				}
				continue
			}
			// Socket errors end the association; anything else failed to
			// decrypt.
			var opErr *net.OpError
			if !errors.As(err, &opErr) {
				c.logger.Debug("dropping undecryptable packet", zap.Error(err))
				continue
			}
			return err
		}
		if !fromServer(from, server) {
			c.logger.Debug("dropping packet from unexpected peer", zap.Stringer("peer", from))
			continue
		}
		src := socks.SplitAddr(buf[:n])
		if src == nil {
			c.logger.Debug("dropping malformed packet", zap.Int("size", n))
			continue
		}
		a.touch()
		if _, err := d.Write(buf[len(src):n]); err != nil {
			return err
		}
	}
}

func fromServer(from net.Addr, server netip.AddrPort) bool {
	udp, ok := from.(*net.UDPAddr)
	if !ok {
		return false
	}
	ap := udp.AddrPort()
	return ap.Addr().Unmap() == server.Addr() && ap.Port() == server.Port()
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
