package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"shadowtun/internal/flow"
	apperrors "shadowtun/pkg/errors"
)

const streamBufSize = 32 * 1024

// HandleConnect relays a stream flow to target. Each direction is closed
// independently when its source reaches EOF. It returns once both
// directions are done.
func (c *Client) HandleConnect(ctx context.Context, r flow.ReadHalf, w flow.WriteHalf, target flow.Address) error {
	remote, raw, err := c.dial(ctx, target)
	if err != nil {
		return err
	}
	defer remote.Close()

	c.logger.Debug("stream relay started", zap.Stringer("target", target), zap.Stringer("server", raw.RemoteAddr()))

	var g errgroup.Group
	g.Go(func() error {
		_, err := copyBuffer(remote, r)
		closeWrite(raw)
		r.CloseRead()
		return err
	})
	g.Go(func() error {
		_, err := copyBuffer(w, remote)
		w.CloseWrite()
		closeRead(raw)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("%w: %s: %w", apperrors.ErrRelayFailed, target, err)
	}
	return nil
}

// Dial opens a stream to target through the server.
func (c *Client) Dial(ctx context.Context, target flow.Address) (net.Conn, error) {
	remote, _, err := c.dial(ctx, target)
	return remote, err
}

// dial returns the encrypted stream together with the underlying TCP
// connection, which carries the half-close operations.
func (c *Client) dial(ctx context.Context, target flow.Address) (remote, raw net.Conn, err error) {
	tgt := socks.ParseAddr(target.String())
	if tgt == nil {
		return nil, nil, fmt.Errorf("%w: invalid target %s", apperrors.ErrRelayFailed, target)
	}

	server, err := c.serverAddr(ctx)
	if err != nil {
		return nil, nil, err
	}
	raw, err = c.dialer.DialContext(ctx, "tcp", server.String())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %w", apperrors.ErrRelayFailed, server, err)
	}
	remote = c.cipher.StreamConn(raw)

	if _, err := remote.Write(tgt); err != nil {
		remote.Close()
		return nil, nil, fmt.Errorf("%w: send target: %w", apperrors.ErrRelayFailed, err)
	}
	return remote, raw, nil
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := pool.Get(streamBufSize)
	defer pool.Put(buf)
	n, err := io.CopyBuffer(dst, src, buf)
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return n, err
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

func closeRead(conn net.Conn) {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		cr.CloseRead()
	}
}
