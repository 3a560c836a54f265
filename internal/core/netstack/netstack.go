// Package netstack binds the tunnel device to a userspace TCP/IP stack and
// exposes the connections it terminates as flows.
package netstack

import (
	"context"
	"fmt"
	"sync"

	"github.com/xjasonlyu/tun2socks/v2/core"
	"github.com/xjasonlyu/tun2socks/v2/core/device/iobased"
	"go.uber.org/zap"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"shadowtun/internal/core/poll"
	"shadowtun/internal/flow"
)

const (
	DefaultBacklog   = 128
	DefaultQueueSize = 1024
)

// Config configures a Stack.
type Config struct {
	Device    Device
	Backlog   int // flows waiting for the dispatcher
	QueueSize int // outbound packets waiting for the pump
	Logger    *zap.Logger
}

// Stack owns the poller, the userspace stack and the outbound queue for one
// device.
type Stack struct {
	dev      Device
	poller   *poll.Poller
	reader   *reader
	queue    *Queue
	acceptor *acceptor
	stack    *stack.Stack
	logger   *zap.Logger

	closeOnce sync.Once
}

// link is the io.ReadWriter the stack's link endpoint runs on.
type link struct {
	r *reader
	q *Queue
}

func (l link) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l link) Write(p []byte) (int, error) { return l.q.Write(p) }

// New registers the device with a fresh poller and starts the stack.
// Inbound packets start flowing immediately; outbound packets wait for Pump.
func New(cfg Config) (*Stack, error) {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	mtu, err := cfg.Device.MTU()
	if err != nil {
		return nil, err
	}

	poller, err := poll.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}
	if err := cfg.Device.Register(poller, deviceToken, poll.Readable); err != nil {
		poller.Close()
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s := &Stack{
		dev:      cfg.Device,
		poller:   poller,
		reader:   newReader(cfg.Device, poller),
		queue:    NewQueue(cfg.QueueSize),
		acceptor: newAcceptor(cfg.Backlog, cfg.Logger),
		logger:   cfg.Logger,
	}

	ep, err := iobased.New(link{r: s.reader, q: s.queue}, uint32(mtu), 0)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("failed to create link endpoint: %w", err)
	}

	s.stack, err = core.CreateStack(&core.Config{
		LinkEndpoint:     ep,
		TransportHandler: s.acceptor,
	})
	if err != nil {
		s.reader.close()
		s.release()
		return nil, fmt.Errorf("failed to create stack: %w", err)
	}

	s.logger.Info("network stack started", zap.Int("mtu", mtu))
	return s, nil
}

// Flows delivers accepted flows in acceptance order. The channel is never
// closed; stop receiving once the owner's context is done.
func (s *Stack) Flows() <-chan flow.Flow {
	return s.acceptor.flows
}

// Faults delivers at most one fatal device read error.
func (s *Stack) Faults() <-chan error {
	return s.reader.fault
}

// Pump writes outbound packets to the device until ctx is done or the stack
// is closed.
func (s *Stack) Pump(ctx context.Context) error {
	return s.queue.Pump(ctx, s.dev, s.logger)
}

// Close stops the stack, rejects flows that were not yet accepted and
// releases the poller. The device itself is left open.
func (s *Stack) Close() error {
	s.closeOnce.Do(func() {
		s.acceptor.close()
		s.reader.close()
		s.queue.Close()
		s.stack.Close()
		s.stack.Wait()
		s.release()
		s.logger.Info("network stack stopped")
	})
	return nil
}

func (s *Stack) release() {
	if err := s.dev.Deregister(s.poller); err != nil {
		s.logger.Debug("failed to deregister device", zap.Error(err))
	}
	s.poller.Close()
}
