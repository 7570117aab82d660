// Package multiaddr wraps go-multiaddr with the scope-classification
// logic the address manager and handshake validation pipeline need:
// Loopback / Private / LinkLocal / Public, or unclassifiable.
package multiaddr

import (
	"errors"
	"net"

	ma "github.com/multiformats/go-multiaddr"
)

// Scope classifies the routability of a network address.
type Scope int

const (
	// ScopeUnknown marks an address this package could not classify
	// (e.g. a DNS name, or an unspecified 0.0.0.0/:: address).
	ScopeUnknown Scope = iota
	ScopeLoopback
	ScopePrivate
	ScopeLinkLocal
	ScopePublic
)

func (s Scope) String() string {
	switch s {
	case ScopeLoopback:
		return "loopback"
	case ScopePrivate:
		return "private"
	case ScopeLinkLocal:
		return "link-local"
	case ScopePublic:
		return "public"
	default:
		return "unknown"
	}
}

// Multiaddr is a structured network address, optionally carrying an
// embedded transport peer id component.
type Multiaddr struct {
	ma.Multiaddr
}

// ErrInvalidMultiaddr is returned when parsing fails.
var ErrInvalidMultiaddr = errors.New("multiaddr: invalid address")

// Parse decodes the string form of a multiaddr.
func Parse(s string) (Multiaddr, error) {
	m, err := ma.NewMultiaddr(s)
	if err != nil {
		return Multiaddr{}, errors.Join(ErrInvalidMultiaddr, err)
	}
	return Multiaddr{m}, nil
}

// NewFromBytes decodes the wire (binary) form of a multiaddr.
func NewFromBytes(b []byte) (Multiaddr, error) {
	m, err := ma.NewMultiaddrBytes(b)
	if err != nil {
		return Multiaddr{}, errors.Join(ErrInvalidMultiaddr, err)
	}
	return Multiaddr{m}, nil
}

// Bytes returns the wire (binary) form.
func (m Multiaddr) Bytes() []byte {
	if m.Multiaddr == nil {
		return nil
	}
	return m.Multiaddr.Bytes()
}

// IP extracts the first IPv4 or IPv6 component, if any.
func (m Multiaddr) IP() (net.IP, bool) {
	if m.Multiaddr == nil {
		return nil, false
	}
	for _, proto := range []int{ma.P_IP4, ma.P_IP6} {
		if v, err := m.ValueForProtocol(proto); err == nil {
			ip := net.ParseIP(v)
			if ip != nil {
				return ip, true
			}
		}
	}
	return nil, false
}

// IsIPv6 reports whether the embedded IP component (if any) is IPv6.
func (m Multiaddr) IsIPv6() bool {
	ip, ok := m.IP()
	if !ok {
		return false
	}
	return ip.To4() == nil
}

// ClassifyScope classifies the multiaddr's embedded IP address. An
// unspecified address (0.0.0.0 or ::) is always ScopeUnknown and must
// never be advertised, per spec.md §8 boundary behaviors.
func ClassifyScope(m Multiaddr) Scope {
	ip, ok := m.IP()
	if !ok {
		return ScopeUnknown
	}
	return ClassifyIP(ip)
}

// ClassifyIP classifies a raw IP address by routability scope.
func ClassifyIP(ip net.IP) Scope {
	if ip.IsUnspecified() {
		return ScopeUnknown
	}
	if ip.IsLoopback() {
		return ScopeLoopback
	}
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return ScopeLinkLocal
	}
	if ip.IsPrivate() {
		return ScopePrivate
	}
	return ScopePublic
}

// SameSubnet reports whether ip lies within the subnet described by
// ipnet.
func SameSubnet(ip net.IP, ipnet *net.IPNet) bool {
	if ipnet == nil {
		return false
	}
	return ipnet.Contains(ip)
}
