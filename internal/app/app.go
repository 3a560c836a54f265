// Package app wires the tunnel, the DNS authority and the relay together and
// runs them until the context is canceled or a fatal fault occurs.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"shadowtun/internal/config"
	"shadowtun/internal/core/netstack"
	"shadowtun/internal/core/sysdns"
	"shadowtun/internal/core/tun"
	"shadowtun/internal/dispatch"
	"shadowtun/internal/dns"
	"shadowtun/internal/paths"
	"shadowtun/internal/relay"
	"shadowtun/internal/scheduler"
	"shadowtun/internal/storage"
	"shadowtun/internal/storage/models"
	"shadowtun/internal/storage/sqlite"
)

// LastStoppedSetting records when the previous run ended.
const LastStoppedSetting = "last_stopped"

const (
	shutdownTimeout = 5 * time.Second
	releaseTimeout  = 10 * time.Second
)

// device is the opened tunnel interface.
type device interface {
	netstack.Device
	Close() error
}

// App represents one run of the tunnel
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	runner sysdns.Runner

	checkPrivileges func() error
	openDevice      func() (device, string, error)
	dnsCommands     func(service, server string) (sysdns.Commands, error)
}

// New creates a new application instance. cfg must be validated.
func New(cfg *config.Config, logger *zap.Logger) *App {
	a := &App{
		cfg:             cfg,
		logger:          logger,
		runner:          sysdns.ExecRunner{},
		checkPrivileges: tun.CheckPrivileges,
		dnsCommands:     sysdns.PlatformCommands,
	}
	a.openDevice = a.openTun
	return a
}

// Run brings the tunnel up and blocks until ctx is canceled or the device
// fails. Resources are released in reverse order on every return path; the
// system DNS override is released after everything that depends on it.
func (a *App) Run(ctx context.Context) (err error) {
	if err := a.checkPrivileges(); err != nil {
		return err
	}

	statePath, err := paths.StatePath(a.cfg.System.StateDir)
	if err != nil {
		return fmt.Errorf("failed to locate state directory: %w", err)
	}
	if _, err := sysdns.CleanupIfNeeded(ctx, a.runner, statePath, a.logger.Named("sysdns")); err != nil {
		return fmt.Errorf("failed to restore dns from a previous run: %w", err)
	}

	dev, name, err := a.openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	store, err := a.openStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	commands, err := a.dnsCommands(overrideService(a.cfg.System.Service, name), systemDNSServer(a.cfg))
	if err != nil {
		return fmt.Errorf("failed to build dns override: %w", err)
	}
	override, err := sysdns.Acquire(ctx, a.runner, commands, statePath, a.logger.Named("sysdns"))
	if err != nil {
		return err
	}
	defer func() {
		// Release must run even when ctx is already canceled.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if rerr := override.Release(rctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()

	if err := store.SetActiveSession(ctx, &models.ActiveSession{
		PID:        os.Getpid(),
		DeviceName: name,
		Server:     a.cfg.Server.Address,
		DNSListen:  a.cfg.DNS.Listen,
	}); err != nil {
		a.logger.Warn("failed to record session", zap.Error(err))
	}
	defer store.ClearActiveSession(context.WithoutCancel(ctx))
	defer func() {
		store.SetSetting(context.WithoutCancel(ctx), LastStoppedSetting, time.Now().UTC().Format(time.RFC3339))
	}()

	return a.serve(ctx, dev, store)
}

func (a *App) openTun() (device, string, error) {
	dev, err := tun.Open(a.cfg.Tun.Name)
	if err != nil {
		return nil, "", err
	}
	name, err := dev.Name()
	if err != nil {
		dev.Close()
		return nil, "", err
	}

	if err := tun.Configure(tun.Config{
		Name:   name,
		Addr:   a.cfg.TunAddr(),
		Prefix: a.cfg.TunPrefix(),
		MTU:    a.cfg.Tun.MTU,
	}); err != nil {
		dev.Close()
		return nil, "", fmt.Errorf("failed to configure %s: %w", name, err)
	}

	a.logger.Info("tunnel interface up",
		zap.String("name", name),
		zap.String("ip", a.cfg.Tun.IP),
		zap.String("cidr", a.cfg.Tun.CIDR),
	)
	return dev, name, nil
}

func (a *App) openStorage() (*sqlite.DB, error) {
	dbPath := a.cfg.System.DBPath
	if dbPath == "" {
		var err error
		if dbPath, err = paths.DBPath(); err != nil {
			return nil, fmt.Errorf("failed to locate data directory: %w", err)
		}
	}
	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	paths.ChownToRealUser(dbPath)
	return store, nil
}

// serve runs the DNS authority, the network stack and the dispatcher until
// ctx is canceled or one of them fails.
func (a *App) serve(ctx context.Context, dev netstack.Device, store storage.Storage) error {
	resolver, err := dns.NewResolver(a.cfg.DNS.Upstream, a.cfg.DNS.CacheSize, a.logger.Named("resolver"))
	if err != nil {
		return err
	}
	defer resolver.Close()

	matcher, err := newMatcher(a.cfg.DNS)
	if err != nil {
		return err
	}
	authority, err := dns.NewAuthority(dns.Config{
		FakeRange: a.cfg.FakeRange(),
		Reserved:  reservedAddrs(a.cfg),
		TTL:       a.cfg.DNS.TTL,
		Matcher:   matcher,
		Upstream:  resolver,
		Journal:   store,
		Logger:    a.logger.Named("authority"),
	})
	if err != nil {
		return err
	}
	if n, err := authority.Restore(ctx); err != nil {
		a.logger.Warn("failed to restore mappings", zap.Error(err))
	} else if n > 0 {
		a.logger.Info("restored mappings", zap.Int("count", n))
	}
	defer func() {
		if err := authority.Flush(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("failed to flush mappings", zap.Error(err))
		}
	}()

	srv, err := dns.Listen(a.cfg.DNS.Listen, authority, a.logger.Named("dns"))
	if err != nil {
		return err
	}
	defer srv.Close()

	client, err := relay.New(relay.Config{
		Server:     a.cfg.Server.Address,
		Method:     a.cfg.Server.Method,
		Password:   a.cfg.Server.Password,
		UDPTimeout: a.cfg.Server.UDPTimeout.Std(),
	}, resolver, a.logger.Named("relay"))
	if err != nil {
		return err
	}

	stack, err := netstack.New(netstack.Config{
		Device: dev,
		Logger: a.logger.Named("netstack"),
	})
	if err != nil {
		return err
	}
	defer stack.Close()

	dispatcher := dispatch.New(authority, client, a.logger.Named("dispatch"))

	sched, err := scheduler.New(authority, store, scheduler.Config{
		PruneInterval: a.cfg.Maintenance.PruneInterval.Std(),
		Retention:     a.cfg.Maintenance.MappingRetention.Std(),
		Stats:         statsFields(authority, dispatcher),
	}, a.logger.Named("scheduler"))
	if err != nil {
		return err
	}

	a.logger.Info("shadowtun running",
		zap.String("dns", a.cfg.DNS.Listen),
		zap.String("server", a.cfg.Server.Address),
		zap.Int("rules", matcher.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	if err := sched.Start(gctx); err != nil {
		return err
	}
	defer sched.Stop()

	g.Go(srv.Serve)
	g.Go(func() error {
		return stack.Pump(gctx)
	})
	g.Go(func() error {
		return dispatcher.Serve(gctx, stack.Flows())
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-stack.Faults():
			a.logger.Error("tunnel device failed", zap.Error(err))
			return err
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.logger.Debug("dns server shutdown", zap.Error(err))
		}
		return stack.Close()
	})

	return g.Wait()
}

func newMatcher(cfg config.DNSConfig) (*dns.Matcher, error) {
	fallback, err := dns.ParseAction(cfg.DefaultAction)
	if err != nil {
		return nil, err
	}
	rules := make([]dns.Rule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		action, err := dns.ParseAction(r.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Suffix, err)
		}
		rules = append(rules, dns.Rule{Suffix: r.Suffix, Action: action})
	}
	return dns.NewMatcher(rules, fallback), nil
}

// reservedAddrs keeps the interface address out of the synthetic pool.
func reservedAddrs(cfg *config.Config) []netip.Addr {
	reserved := []netip.Addr{cfg.TunAddr()}
	host, _, err := net.SplitHostPort(cfg.DNS.Listen)
	if err == nil {
		if addr, err := netip.ParseAddr(host); err == nil && !addr.IsUnspecified() {
			reserved = append(reserved, addr)
		}
	}
	return reserved
}

// systemDNSServer is the address the OS resolver is pointed at. An
// unspecified listen host is reached over loopback on macOS and through the
// tunnel address on linux, where the server is attached to the tunnel link.
func systemDNSServer(cfg *config.Config) string {
	host, _, err := net.SplitHostPort(cfg.DNS.Listen)
	if err != nil {
		host = cfg.DNS.Listen
	}
	if addr, err := netip.ParseAddr(host); err == nil && !addr.IsUnspecified() {
		return addr.String()
	}
	if runtime.GOOS == "linux" {
		return cfg.Tun.IP
	}
	return "127.0.0.1"
}

// overrideService picks the scope of the DNS override: the configured one,
// or the tunnel link on linux.
func overrideService(configured, device string) string {
	if configured == "" && runtime.GOOS == "linux" {
		return device
	}
	return configured
}

func statsFields(authority *dns.Authority, dispatcher *dispatch.Dispatcher) func() []zap.Field {
	return func() []zap.Field {
		as := authority.Stats()
		ds := dispatcher.Stats()
		return []zap.Field{
			zap.Int("mappings", as.Mappings),
			zap.Uint64("allocated", as.Allocated),
			zap.Uint64("forwarded", as.Forwarded),
			zap.Uint64("flows_accepted", ds.Accepted),
			zap.Int64("flows_active", ds.Active),
			zap.Uint64("flows_failed", ds.Failed),
		}
	}
}
