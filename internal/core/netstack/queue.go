package netstack

import (
	"context"
	"sync"

	pool "github.com/libp2p/go-buffer-pool"
	"go.uber.org/zap"
	apperrors "shadowtun/pkg/errors"
)

// PacketWriter is the outbound side of the device.
type PacketWriter interface {
	WriteV4(p []byte) (int, error)
	WriteV6(p []byte) (int, error)
}

// Queue buffers packets produced by the stack until the pump writes them to
// the device. Producers never touch the device.
type Queue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue returns a queue holding up to size packets.
func NewQueue(size int) *Queue {
	return &Queue{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Write enqueues a copy of p. It blocks while the queue is full and fails
// once the queue is closed.
func (q *Queue) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := pool.Get(len(p))
	copy(buf, p)

	select {
	case <-q.done:
		pool.Put(buf)
		return 0, apperrors.ErrDeviceClosed
	default:
	}

	select {
	case q.ch <- buf:
		return len(p), nil
	case <-q.done:
		pool.Put(buf)
		return 0, apperrors.ErrDeviceClosed
	}
}

// Close stops accepting packets. Queued packets are dropped by the pump.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}

// Pump writes queued packets to w until ctx is done or the queue is closed.
// Write failures are logged and the packet dropped; they never stop the pump.
func (q *Queue) Pump(ctx context.Context, w PacketWriter, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case pkt := <-q.ch:
			writePacket(w, pkt, logger)
			pool.Put(pkt)
		}
	}
}

func writePacket(w PacketWriter, pkt []byte, logger *zap.Logger) {
	var (
		n   int
		err error
	)
	switch pkt[0] >> 4 {
	case 4:
		n, err = w.WriteV4(pkt)
	case 6:
		n, err = w.WriteV6(pkt)
	default:
		logger.Debug("dropping outbound packet with unknown ip version", zap.Uint8("version", pkt[0]>>4))
		return
	}

	if err != nil {
		logger.Warn("failed to write outbound packet", zap.Int("len", len(pkt)), zap.Error(err))
		return
	}
	if n < len(pkt) {
		logger.Debug("short outbound packet write", zap.Int("len", len(pkt)), zap.Int("written", n))
	}
}
