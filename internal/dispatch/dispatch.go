// Package dispatch turns accepted flows into relay sessions. Each flow runs
// in its own goroutine; a failing flow never affects the accept loop or its
// siblings.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"shadowtun/internal/flow"
	apperrors "shadowtun/pkg/errors"
)

// Authority maps synthetic addresses back to the names they were handed out
// for.
type Authority interface {
	LookupDomain(ctx context.Context, ip string) (string, error)
}

// Relay carries flows to their targets.
type Relay interface {
	HandleConnect(ctx context.Context, r flow.ReadHalf, w flow.WriteHalf, target flow.Address) error
	HandlePackets(ctx context.Context, d *flow.Datagram, target flow.Address) error
}

// Dispatcher is the accept loop.
type Dispatcher struct {
	authority Authority
	relay     Relay
	logger    *zap.Logger
	wg        sync.WaitGroup

	accepted atomic.Uint64
	active   atomic.Int64
	failed   atomic.Uint64
}

// New creates a dispatcher.
func New(authority Authority, relay Relay, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		authority: authority,
		relay:     relay,
		logger:    logger,
	}
}

// Serve dispatches flows until ctx is done. It returns nil on cancellation
// and ErrFlowSourceClosed if flows is closed. In-flight flows keep running
// after Serve returns.
func (d *Dispatcher) Serve(ctx context.Context, flows <-chan flow.Flow) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-flows:
			if !ok {
				return apperrors.ErrFlowSourceClosed
			}
			d.accepted.Add(1)
			d.active.Add(1)
			d.wg.Add(1)
			// Flows outlive the accept loop.
			go d.handle(context.WithoutCancel(ctx), f)
		}
	}
}

// Wait blocks until every dispatched flow has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Resolve returns the target a flow should be relayed to: the domain the
// local address was handed out for, or the local address itself when there
// is no mapping or the lookup fails.
func (d *Dispatcher) Resolve(ctx context.Context, f flow.Flow) flow.Address {
	local := f.LocalAddr()
	domain, err := d.authority.LookupDomain(ctx, local.Addr().String())
	if err != nil {
		if !errors.Is(err, apperrors.ErrNoMapping) {
			d.logger.Debug("domain lookup failed, relaying by address",
				zap.Stringer("local", local),
				zap.Error(err),
			)
		}
		return flow.SocketAddress(local)
	}
	return flow.DomainAddress(domain, local.Port())
}

func (d *Dispatcher) handle(ctx context.Context, f flow.Flow) {
	defer d.wg.Done()
	defer d.active.Add(-1)

	logger := d.logger.With(zap.Stringer("flow", f))
	if err := d.run(ctx, f, logger); err != nil {
		d.failed.Add(1)
		logger.Warn("flow failed", zap.Error(&apperrors.FlowError{Flow: f.String(), Err: err}))
		return
	}
	logger.Debug("flow finished")
}

func (d *Dispatcher) run(ctx context.Context, f flow.Flow, logger *zap.Logger) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("panic: %v", v)
		}
	}()

	target := d.Resolve(ctx, f)
	logger.Debug("flow resolved", zap.Stringer("target", target))

	switch f := f.(type) {
	case *flow.Stream:
		r, w := f.Split()
		defer r.CloseRead()
		defer w.CloseWrite()
		return d.relay.HandleConnect(ctx, r, w, target)
	case *flow.Datagram:
		defer f.Close()
		return d.relay.HandlePackets(ctx, f, target)
	default:
		f.Close()
		return fmt.Errorf("unsupported flow kind %s", f.Kind())
	}
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Accepted uint64
	Active   int64
	Failed   uint64
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted: d.accepted.Load(),
		Active:   d.active.Load(),
		Failed:   d.failed.Load(),
	}
}
