package dns

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// upstream is a loopback DNS server that answers A queries with 192.0.2.1
// and AAAA queries with 2001:db8::1.
type upstream struct {
	addr     string
	hits     atomic.Int32
	truncate bool
	tcpHits  atomic.Int32
}

func startUpstream(t *testing.T, truncate bool) *upstream {
	t.Helper()
	u := &upstream{truncate: truncate}

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	ln, err := net.Listen("tcp", pc.LocalAddr().String())
	require.NoError(t, err)
	u.addr = pc.LocalAddr().String()

	handler := func(tcp bool) dns.HandlerFunc {
		return func(w dns.ResponseWriter, req *dns.Msg) {
			u.hits.Add(1)
			if tcp {
				u.tcpHits.Add(1)
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			if u.truncate && !tcp {
				resp.Truncated = true
				w.WriteMsg(resp)
				return
			}
			q := req.Question[0]
			hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
			switch q.Qtype {
			case dns.TypeA:
				resp.Answer = append(resp.Answer, &dns.A{Hdr: hdr, A: net.ParseIP("192.0.2.1")})
			case dns.TypeAAAA:
				resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: hdr, AAAA: net.ParseIP("2001:db8::1")})
			}
			w.WriteMsg(resp)
		}
	}

	udpStarted := make(chan struct{})
	tcpStarted := make(chan struct{})
	udp := &dns.Server{PacketConn: pc, Handler: handler(false), NotifyStartedFunc: func() { close(udpStarted) }}
	tcp := &dns.Server{Listener: ln, Handler: handler(true), NotifyStartedFunc: func() { close(tcpStarted) }}
	go udp.ActivateAndServe()
	go tcp.ActivateAndServe()
	<-udpStarted
	<-tcpStarted

	t.Cleanup(func() {
		udp.Shutdown()
		tcp.Shutdown()
	})
	return u
}

func TestResolverExchangeCaches(t *testing.T) {
	u := startUpstream(t, false)
	r, err := NewResolver(u.addr, 16, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	req := query("example.com", dns.TypeA)
	resp, err := r.Exchange(ctx, req)
	require.NoError(t, err)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, int32(1), u.hits.Load())

	// Later queries are served from the cache under the caller's id.
	assert.Eventually(t, func() bool {
		before := u.hits.Load()
		again := query("EXAMPLE.com", dns.TypeA)
		again.Id = 7
		resp, err := r.Exchange(ctx, again)
		return err == nil && resp.Id == 7 && u.hits.Load() == before
	}, 2*time.Second, 20*time.Millisecond)
}

func TestResolverTCPFallback(t *testing.T) {
	u := startUpstream(t, true)
	r, err := NewResolver(u.addr, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	resp, err := r.Exchange(context.Background(), query("example.com", dns.TypeA))
	require.NoError(t, err)
	assert.False(t, resp.Truncated)
	require.Len(t, resp.Answer, 1)
	assert.Equal(t, int32(1), u.tcpHits.Load())
}

func TestResolverLookupIP(t *testing.T) {
	u := startUpstream(t, false)
	r, err := NewResolver(u.addr, 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()
	ctx := context.Background()

	addrs, err := r.LookupIP(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "192.0.2.1", addrs[0].String())

	addrs, err = r.LookupIP(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9", addrs[0].String())
	assert.Equal(t, int32(1), u.hits.Load())
}

func TestResolverUnreachable(t *testing.T) {
	// Nothing listens on the discard port.
	r, err := NewResolver("127.0.0.1:9", 0, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = r.Exchange(ctx, query("example.com", dns.TypeA))
	assert.Error(t, err)
}

func TestNewResolverDefaultsPort(t *testing.T) {
	r, err := NewResolver("192.0.2.53", 0, nil)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "192.0.2.53:53", r.upstream)

	r6, err := NewResolver("2001:db8::53", 0, nil)
	require.NoError(t, err)
	defer r6.Close()
	assert.Equal(t, "[2001:db8::53]:53", r6.upstream)
}

func TestCacheTTL(t *testing.T) {
	resp := new(dns.Msg)
	_, ok := cacheTTL(resp)
	assert.False(t, ok)

	resp.Answer = []dns.RR{
		&dns.A{Hdr: dns.RR_Header{Ttl: 300}},
		&dns.A{Hdr: dns.RR_Header{Ttl: 30}},
	}
	ttl, ok := cacheTTL(resp)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, ttl)

	resp.Rcode = dns.RcodeNameError
	_, ok = cacheTTL(resp)
	assert.False(t, ok)

	assert.Empty(t, cacheKey(new(dns.Msg)))
}

func TestServerAnswersOverUDPAndTCP(t *testing.T) {
	a := newTestAuthority(t, Config{})
	srv, err := Listen("127.0.0.1:0", a, zaptest.NewLogger(t))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	for _, network := range []string{"udp", "tcp"} {
		c := &dns.Client{Net: network, Timeout: 2 * time.Second}
		var resp *dns.Msg
		require.Eventually(t, func() bool {
			resp, _, err = c.Exchange(query("example.com", dns.TypeA), srv.Addr().String())
			return err == nil
		}, 2*time.Second, 20*time.Millisecond, network)
		require.Len(t, resp.Answer, 1, network)
		assert.Equal(t, "10.0.0.1", resp.Answer[0].(*dns.A).A.String(), network)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestServerShutdownBeforeServe(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", newTestAuthority(t, Config{}), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
}

func TestListenBusyPort(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	_, err = Listen(pc.LocalAddr().String(), newTestAuthority(t, Config{}), zaptest.NewLogger(t))
	assert.Error(t, err)
}
