package flow

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// Address is the target a flow is relayed to: either a domain name recovered
// from the DNS authority or the raw socket address the client dialed.
type Address struct {
	domain string
	port   uint16
	addr   netip.AddrPort
}

// DomainAddress returns an Address naming domain and port.
func DomainAddress(domain string, port uint16) Address {
	return Address{domain: domain, port: port}
}

// SocketAddress returns an Address for a literal IP endpoint.
func SocketAddress(ap netip.AddrPort) Address {
	return Address{addr: ap, port: ap.Port()}
}

// ParseAddress parses host:port. Literal IPs become socket addresses and
// anything else a domain address.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid port %q", portStr)
	}
	if host == "" {
		return Address{}, fmt.Errorf("missing host in %q", hostport)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return SocketAddress(netip.AddrPortFrom(ip, uint16(port))), nil
	}
	return DomainAddress(host, uint16(port)), nil
}

// IsDomain reports whether the address carries a domain name.
func (a Address) IsDomain() bool { return a.domain != "" }

// Domain returns the domain name, or "" for socket addresses.
func (a Address) Domain() string { return a.domain }

// AddrPort returns the socket address, or the zero value for domain addresses.
func (a Address) AddrPort() netip.AddrPort { return a.addr }

// Port returns the destination port.
func (a Address) Port() uint16 { return a.port }

// IsValid reports whether the address names a usable destination.
func (a Address) IsValid() bool {
	return a.domain != "" || a.addr.IsValid()
}

func (a Address) String() string {
	if a.domain != "" {
		return net.JoinHostPort(a.domain, strconv.Itoa(int(a.port)))
	}
	return a.addr.String()
}
