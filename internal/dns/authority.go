// Package dns is the local DNS authority: it answers proxied names with
// synthetic addresses, remembers which name each address stands for and
// forwards everything else upstream.
package dns

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"github.com/zhangyunhao116/skipmap"
	"go.uber.org/zap"
	"shadowtun/internal/storage"
	"shadowtun/internal/storage/models"
	apperrors "shadowtun/pkg/errors"
)

const (
	DefaultTTL     = 1
	queryTimeout   = 5 * time.Second
	journalTimeout = 2 * time.Second
)

// Exchanger forwards a query and returns the answer.
type Exchanger interface {
	Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
}

// Journal persists mappings across restarts.
type Journal interface {
	SaveMapping(ctx context.Context, mapping *models.Mapping) error
	SaveMappings(ctx context.Context, mappings []*models.Mapping) error
	ListMappings(ctx context.Context, filter storage.MappingFilter) ([]*models.Mapping, error)
}

// Config configures an Authority.
type Config struct {
	FakeRange netip.Prefix
	// Reserved addresses inside FakeRange are never handed out.
	Reserved []netip.Addr
	TTL      uint32
	Matcher  *Matcher
	Upstream Exchanger
	Journal  Journal // optional
	Logger   *zap.Logger
}

type entry struct {
	domain   string
	addr     netip.Addr
	created  time.Time
	lastSeen atomic.Int64 // unix nanos
}

func (e *entry) touch() {
	e.lastSeen.Store(time.Now().UnixNano())
}

// Authority owns the address pool and both directions of the mapping table.
// Lookups are lock-free; allocation is serialized.
type Authority struct {
	mu       sync.Mutex
	pool     *pool
	byAddr   *skipmap.StringMap[*entry]
	byDomain *skipmap.StringMap[*entry]

	ttl      uint32
	matcher  *Matcher
	upstream Exchanger
	journal  Journal
	logger   *zap.Logger

	allocated atomic.Uint64
	forwarded atomic.Uint64
}

// NewAuthority creates an empty authority.
func NewAuthority(cfg Config) (*Authority, error) {
	p, err := newPool(cfg.FakeRange, cfg.Reserved...)
	if err != nil {
		return nil, err
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Matcher == nil {
		cfg.Matcher = NewMatcher(nil, ActionProxy)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Authority{
		pool:     p,
		byAddr:   skipmap.NewString[*entry](),
		byDomain: skipmap.NewString[*entry](),
		ttl:      cfg.TTL,
		matcher:  cfg.Matcher,
		upstream: cfg.Upstream,
		journal:  cfg.Journal,
		logger:   cfg.Logger,
	}, nil
}

// LookupDomain returns the domain the synthetic address ip was handed out
// for. It returns ErrNoMapping when ip is not a live synthetic address.
func (a *Authority) LookupDomain(_ context.Context, ip string) (string, error) {
	e, ok := a.byAddr.Load(ip)
	if !ok {
		return "", apperrors.ErrNoMapping
	}
	e.touch()
	return e.domain, nil
}

// Allocate returns the synthetic address for domain, handing out a new one
// if needed. When the pool wraps, the oldest mapping is evicted.
func (a *Authority) Allocate(domain string) netip.Addr {
	name := canonicalName(domain)
	if e, ok := a.byDomain.Load(name); ok {
		e.touch()
		return e.addr
	}

	a.mu.Lock()
	// Another query for the same name may have won the race.
	if e, ok := a.byDomain.Load(name); ok {
		a.mu.Unlock()
		e.touch()
		return e.addr
	}

	addr := a.pool.take()
	key := addr.String()
	if old, ok := a.byAddr.Load(key); ok {
		a.byDomain.Delete(old.domain)
		a.logger.Debug("evicting mapping", zap.String("ip", key), zap.String("domain", old.domain))
	}

	e := &entry{domain: name, addr: addr, created: time.Now()}
	e.touch()
	a.byAddr.Store(key, e)
	a.byDomain.Store(name, e)
	a.mu.Unlock()

	a.allocated.Add(1)
	a.logger.Debug("allocated mapping", zap.String("ip", key), zap.String("domain", name))
	a.save(e)
	return addr
}

func (a *Authority) save(e *entry) {
	if a.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := a.journal.SaveMapping(ctx, e.mapping()); err != nil {
		a.logger.Warn("failed to journal mapping", zap.String("ip", e.addr.String()), zap.Error(err))
	}
}

func (e *entry) mapping() *models.Mapping {
	return &models.Mapping{
		IP:        e.addr.String(),
		Domain:    e.domain,
		CreatedAt: e.created.UTC(),
		LastSeen:  time.Unix(0, e.lastSeen.Load()).UTC(),
	}
}

// Restore reloads journaled mappings and moves the allocation cursor past the
// most recently created one.
func (a *Authority) Restore(ctx context.Context) (int, error) {
	if a.journal == nil {
		return 0, nil
	}
	mappings, err := a.journal.ListMappings(ctx, storage.MappingFilter{Limit: a.pool.size})
	if err != nil {
		return 0, fmt.Errorf("failed to load mappings: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	restored := 0
	var (
		newest        netip.Addr
		newestCreated time.Time
	)
	// Oldest first so later entries win on conflicts.
	for i := len(mappings) - 1; i >= 0; i-- {
		m := mappings[i]
		addr, err := netip.ParseAddr(m.IP)
		if err != nil || !a.pool.contains(addr) {
			continue
		}
		if _, reserved := a.pool.reserved[addr]; reserved {
			continue
		}
		name := canonicalName(m.Domain)
		if old, ok := a.byAddr.Load(addr.String()); ok {
			a.byDomain.Delete(old.domain)
		}
		if old, ok := a.byDomain.Load(name); ok {
			a.byAddr.Delete(old.addr.String())
		}

		e := &entry{domain: name, addr: addr, created: m.CreatedAt}
		e.lastSeen.Store(m.LastSeen.UnixNano())
		a.byAddr.Store(addr.String(), e)
		a.byDomain.Store(name, e)
		if !newest.IsValid() || m.CreatedAt.After(newestCreated) {
			newest, newestCreated = addr, m.CreatedAt
		}
		restored++
	}

	if newest.IsValid() {
		a.pool.next = newest
		a.pool.take()
	}
	return restored, nil
}

// Flush writes the last-seen time of every live mapping to the journal.
func (a *Authority) Flush(ctx context.Context) error {
	if a.journal == nil {
		return nil
	}
	var batch []*models.Mapping
	a.byAddr.Range(func(_ string, e *entry) bool {
		batch = append(batch, e.mapping())
		return true
	})
	if len(batch) == 0 {
		return nil
	}
	return a.journal.SaveMappings(ctx, batch)
}

// Stats is a snapshot of authority counters.
type Stats struct {
	Mappings  int
	Allocated uint64
	Forwarded uint64
}

func (a *Authority) Stats() Stats {
	return Stats{
		Mappings:  a.byAddr.Len(),
		Allocated: a.allocated.Load(),
		Forwarded: a.forwarded.Load(),
	}
}

// ServeDNS implements dns.Handler.
func (a *Authority) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	resp, err := a.Answer(ctx, req)
	if err != nil {
		a.logger.Debug("failed to answer query", zap.Stringer("question", questionOf(req)), zap.Error(err))
		resp = new(dns.Msg)
		resp.SetRcode(req, dns.RcodeServerFailure)
	}
	if err := w.WriteMsg(resp); err != nil {
		a.logger.Debug("failed to write response", zap.Error(err))
	}
}

// Answer resolves a single query.
func (a *Authority) Answer(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(req.Question) == 1 {
		q := req.Question[0]
		if q.Qclass == dns.ClassINET &&
			(q.Qtype == dns.TypeA || q.Qtype == dns.TypeAAAA) &&
			a.matcher.Match(q.Name) == ActionProxy {
			return a.synthesize(req, q), nil
		}
	}
	return a.forward(ctx, req)
}

func (a *Authority) synthesize(req *dns.Msg, q dns.Question) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	// AAAA gets an empty answer so clients fall back to the IPv4 mapping.
	if q.Qtype == dns.TypeA {
		addr := a.Allocate(q.Name)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: a.ttl},
			A:   addr.AsSlice(),
		})
	}
	return resp
}

func (a *Authority) forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if a.upstream == nil {
		resp := new(dns.Msg)
		resp.SetRcode(req, dns.RcodeRefused)
		return resp, nil
	}
	a.forwarded.Add(1)
	resp, err := a.upstream.Exchange(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.Id = req.Id
	return resp, nil
}

type question struct{ q *dns.Question }

func questionOf(req *dns.Msg) question {
	if len(req.Question) == 0 {
		return question{}
	}
	return question{&req.Question[0]}
}

func (q question) String() string {
	if q.q == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s %s", q.q.Name, dns.TypeToString[q.q.Qtype])
}
