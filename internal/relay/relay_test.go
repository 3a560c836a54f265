package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/shadowsocks/go-shadowsocks2/core"
	"github.com/shadowsocks/go-shadowsocks2/socks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"shadowtun/internal/flow"
	apperrors "shadowtun/pkg/errors"
)

const (
	testMethod   = "chacha20-ietf-poly1305"
	testPassword = "correct horse battery staple"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testCipher(t *testing.T) core.Cipher {
	t.Helper()
	c, err := core.PickCipher("CHACHA20-IETF-POLY1305", nil, testPassword)
	require.NoError(t, err)
	return c
}

// streamServer accepts one connection, reports the requested target and
// echoes the payload back until the client half-closes.
func streamServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cipher := testCipher(t)
	targets := make(chan string, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		conn := cipher.StreamConn(raw)
		tgt, err := socks.ReadAddr(conn)
		if err != nil {
			return
		}
		targets <- tgt.String()
		io.Copy(conn, conn)
		raw.(*net.TCPConn).CloseWrite()
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})
	return ln.Addr().String(), targets
}

// packetServer echoes every datagram, address header included.
func packetServer(t *testing.T) (string, <-chan string) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	conn := testCipher(t).PacketConn(pc)
	targets := make(chan string, 8)

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, maxPacketSize)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if tgt := socks.SplitAddr(buf[:n]); tgt != nil {
				select {
				case targets <- tgt.String():
				default:
				}
			}
			conn.WriteTo(buf[:n], from)
		}
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})
	return pc.LocalAddr().String(), targets
}

func tcpPair(t *testing.T) (app *net.TCPConn, tunnel *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	s := <-accepted
	require.NotNil(t, s)
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})
	return c.(*net.TCPConn), s.(*net.TCPConn)
}

func newTestClient(t *testing.T, server string, udpTimeout time.Duration) *Client {
	t.Helper()
	c, err := New(Config{
		Server:     server,
		Method:     testMethod,
		Password:   testPassword,
		UDPTimeout: udpTimeout,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func TestHandleConnect(t *testing.T) {
	server, targets := streamServer(t)
	c := newTestClient(t, server, 0)

	app, tunnel := tcpPair(t)
	stream := flow.NewStream(tunnel,
		netip.MustParseAddrPort("10.0.0.5:443"),
		netip.MustParseAddrPort("10.0.0.1:50000"))
	r, w := stream.Split()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.HandleConnect(context.Background(), r, w, flow.DomainAddress("example.com", 443))
	}()

	_, err := app.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, app.CloseWrite())

	got, err := io.ReadAll(app)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, "example.com:443", <-targets)
	require.NoError(t, <-errCh)
}

func TestHandleConnectDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, addr, 0)
	_, tunnel := tcpPair(t)
	r, w := flow.NewStream(tunnel, netip.AddrPort{}, netip.AddrPort{}).Split()

	err = c.HandleConnect(context.Background(), r, w, flow.SocketAddress(netip.MustParseAddrPort("10.0.0.9:80")))
	assert.ErrorIs(t, err, apperrors.ErrRelayFailed)
}

func TestHandlePackets(t *testing.T) {
	server, targets := packetServer(t)
	c := newTestClient(t, server, 200*time.Millisecond)

	app, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer app.Close()
	tunnel, err := net.DialUDP("udp", nil, app.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	d := flow.NewDatagram(tunnel,
		netip.MustParseAddrPort("10.0.0.9:53"),
		netip.MustParseAddrPort("10.0.0.1:40000"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.HandlePackets(context.Background(), d, flow.SocketAddress(netip.MustParseAddrPort("10.0.0.9:53")))
	}()

	_, err = app.WriteTo([]byte("query"), tunnel.LocalAddr())
	require.NoError(t, err)

	app.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	n, _, err := app.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "query", string(buf[:n]))
	assert.Equal(t, "10.0.0.9:53", <-targets)

	// The association ends on its own once idle.
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("HandlePackets did not return after the idle timeout")
	}
}

func TestHandlePacketsContextCanceled(t *testing.T) {
	server, _ := packetServer(t)
	c := newTestClient(t, server, time.Minute)

	tunnel, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	d := flow.NewDatagram(tunnel, netip.AddrPort{}, netip.AddrPort{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.HandlePackets(ctx, d, flow.DomainAddress("example.com", 53))
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("HandlePackets did not return after cancel")
	}
}

type fakeResolver struct {
	addrs []netip.Addr
	err   error
	hosts []string
}

func (f *fakeResolver) LookupIP(_ context.Context, host string) ([]netip.Addr, error) {
	f.hosts = append(f.hosts, host)
	return f.addrs, f.err
}

func TestServerAddr(t *testing.T) {
	res := &fakeResolver{addrs: []netip.Addr{netip.MustParseAddr("203.0.113.7")}}
	c, err := New(Config{Server: "ss.example.net:8388", Method: "aes-256-gcm", Password: "x"}, res, nil)
	require.NoError(t, err)

	ap, err := c.serverAddr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:8388", ap.String())
	assert.Equal(t, []string{"ss.example.net"}, res.hosts)

	res.err = errors.New("nxdomain")
	_, err = c.serverAddr(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrRelayFailed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Server: "203.0.113.1:8388", Method: "bogus-cipher", Password: "x"}, nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnsupportedCipher)

	_, err = New(Config{Server: "203.0.113.1", Method: testMethod, Password: "x"}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Server: "203.0.113.1:0", Method: testMethod, Password: "x"}, nil, nil)
	assert.Error(t, err)

	_, err = New(Config{Server: "ss.example.net:8388", Method: testMethod, Password: "x"}, nil, nil)
	assert.Error(t, err)

	c, err := New(Config{Server: "[2001:db8::1]:8388", Method: "AEAD_AES_128_GCM", Password: "x"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultUDPTimeout, c.udpTimeout)
}
