package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	DefaultCacheSize = 1024
	defaultDNSPort   = "53"

	// Shorter than the query context so the client gives up first.
	clientTimeout = 3 * time.Second
)

// Resolver sends queries to one upstream server and caches successful
// answers for their TTL.
type Resolver struct {
	upstream string
	udp      *dns.Client
	tcp      *dns.Client
	cache    *theine.Cache[string, *dns.Msg]
	logger   *zap.Logger
}

// NewResolver creates a resolver for upstream ("host" or "host:port").
// cacheSize bounds the number of cached answers; 0 picks DefaultCacheSize.
func NewResolver(upstream string, cacheSize int, logger *zap.Logger) (*Resolver, error) {
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		upstream = net.JoinHostPort(upstream, defaultDNSPort)
	}
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		return nil, fmt.Errorf("invalid upstream address: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := theine.NewBuilder[string, *dns.Msg](int64(cacheSize)).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build answer cache: %w", err)
	}

	return &Resolver{
		upstream: upstream,
		udp:      &dns.Client{Net: "udp", Timeout: clientTimeout},
		tcp:      &dns.Client{Net: "tcp", Timeout: clientTimeout},
		cache:    cache,
		logger:   logger,
	}, nil
}

// Exchange answers req from the cache or the upstream server. The returned
// message carries req's id.
func (r *Resolver) Exchange(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	key := cacheKey(req)
	if key != "" {
		if cached, ok := r.cache.Get(key); ok {
			resp := cached.Copy()
			resp.Id = req.Id
			return resp, nil
		}
	}

	resp, _, err := r.udp.ExchangeContext(ctx, req, r.upstream)
	if err == nil && resp.Truncated {
		resp, _, err = r.tcp.ExchangeContext(ctx, req, r.upstream)
	}
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			r.logger.Debug("upstream timeout", zap.String("upstream", r.upstream), zap.String("key", key))
		}
		return nil, fmt.Errorf("exchange with %s: %w", r.upstream, err)
	}

	if ttl, ok := cacheTTL(resp); ok && key != "" {
		r.cache.SetWithTTL(key, resp.Copy(), 1, ttl)
	}
	return resp, nil
}

// LookupIP resolves host to its addresses. Literal addresses are returned
// as is.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		req := new(dns.Msg)
		req.SetQuestion(dns.Fqdn(host), qtype)
		req.RecursionDesired = true

		resp, err := r.Exchange(ctx, req)
		if err != nil {
			return nil, err
		}
		for _, rr := range resp.Answer {
			switch rr := rr.(type) {
			case *dns.A:
				if addr, ok := netip.AddrFromSlice(rr.A); ok {
					addrs = append(addrs, addr.Unmap())
				}
			case *dns.AAAA:
				if addr, ok := netip.AddrFromSlice(rr.AAAA); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		// Prefer IPv4 when it is available.
		if len(addrs) > 0 {
			break
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses found for %s", host)
	}
	return addrs, nil
}

// Close releases the answer cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

func cacheKey(req *dns.Msg) string {
	if len(req.Question) != 1 {
		return ""
	}
	q := req.Question[0]
	return fmt.Sprintf("%s/%d/%d", strings.ToLower(q.Name), q.Qtype, q.Qclass)
}

// cacheTTL returns the smallest TTL of a successful answer.
func cacheTTL(resp *dns.Msg) (time.Duration, bool) {
	if resp.Rcode != dns.RcodeSuccess || len(resp.Answer) == 0 {
		return 0, false
	}
	lowest := resp.Answer[0].Header().Ttl
	for _, rr := range resp.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < lowest {
			lowest = ttl
		}
	}
	if lowest == 0 {
		return 0, false
	}
	return time.Duration(lowest) * time.Second, true
}
