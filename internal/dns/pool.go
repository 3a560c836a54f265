package dns

import (
	"fmt"
	"net/netip"

	apperrors "shadowtun/pkg/errors"
)

// pool hands out synthetic IPv4 addresses from a prefix in order, wrapping
// to the start when the prefix is used up. Because allocation is sequential,
// the address handed out after a wrap is always the oldest allocation.
type pool struct {
	first    netip.Addr
	last     netip.Addr
	next     netip.Addr
	reserved map[netip.Addr]struct{}
	size     int
}

func newPool(prefix netip.Prefix, reserved ...netip.Addr) (*pool, error) {
	prefix = prefix.Masked()
	if !prefix.Addr().Is4() {
		return nil, fmt.Errorf("fake range %s is not IPv4", prefix)
	}
	if prefix.Bits() > 30 {
		return nil, fmt.Errorf("fake range %s is too small", prefix)
	}

	// Skip the network and broadcast addresses.
	first := prefix.Addr().Next()
	last := lastAddr(prefix).Prev()

	p := &pool{
		first:    first,
		last:     last,
		next:     first,
		reserved: make(map[netip.Addr]struct{}, len(reserved)),
		size:     1<<(32-prefix.Bits()) - 2,
	}
	for _, addr := range reserved {
		if _, dup := p.reserved[addr]; !dup && p.contains(addr) {
			p.reserved[addr] = struct{}{}
			p.size--
		}
	}
	if p.size <= 0 {
		return nil, fmt.Errorf("fake range %s: %w", prefix, apperrors.ErrPoolExhausted)
	}
	return p, nil
}

// take returns the next address, skipping reserved ones.
func (p *pool) take() netip.Addr {
	for {
		addr := p.next
		if addr == p.last {
			p.next = p.first
		} else {
			p.next = addr.Next()
		}
		if _, ok := p.reserved[addr]; !ok {
			return addr
		}
	}
}

func (p *pool) contains(addr netip.Addr) bool {
	return addr.Compare(p.first) >= 0 && addr.Compare(p.last) <= 0
}

func lastAddr(prefix netip.Prefix) netip.Addr {
	a := prefix.Addr().As4()
	hostBits := 32 - prefix.Bits()
	v := uint32(a[0])<<24 | uint32(a[1])<<16 | uint32(a[2])<<8 | uint32(a[3])
	v |= uint32(1)<<hostBits - 1
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
