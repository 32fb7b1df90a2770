package hostsock

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Address is spec.md §6's generic address-family type: something that
// can describe its socket domain and convert to/from the kernel's
// sockaddr representation. Grounded on the teacher's
// internal/netutil/addr.go conversions, but expressed as unix.Sockaddr
// (x/sys/unix's own Go-level sockaddr union) rather than hand-rolled
// C-layout structs, since every submission-queue call in internal/sqe
// already speaks unix.Sockaddr.
type Address interface {
	// Domain returns the socket address family, e.g. unix.AF_INET.
	Domain() int
	// ToSockaddr converts to the unix.Sockaddr the kernel understands.
	ToSockaddr() (unix.Sockaddr, error)
	// Network and String satisfy net.Addr so Address values can be
	// returned directly from Stream.Addr/PeerAddr.
	Network() string
	String() string
}

// TCPAddr is the Address implementation used throughout this module; it
// wraps net.TCPAddr, supporting both AF_INET and AF_INET6.
type TCPAddr struct {
	net.TCPAddr
}

// NewTCPAddr wraps a net.TCPAddr as an Address.
func NewTCPAddr(a net.TCPAddr) *TCPAddr {
	return &TCPAddr{TCPAddr: a}
}

// Domain implements Address.
func (a *TCPAddr) Domain() int {
	if a.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// ToSockaddr implements Address.
func (a *TCPAddr) ToSockaddr() (unix.Sockaddr, error) {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = a.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	ip16 := a.IP.To16()
	if ip16 == nil {
		ip16 = make([]byte, 16) // unspecified address, e.g. ":0"
	}
	var sa unix.SockaddrInet6
	sa.Port = a.Port
	copy(sa.Addr[:], ip16)
	if a.Zone != "" {
		if idx, err := net.InterfaceByName(a.Zone); err == nil {
			sa.ZoneId = uint32(idx.Index)
		}
	}
	return &sa, nil
}

// FromSockaddr builds a TCPAddr from a kernel-reported unix.Sockaddr, as
// returned by accept(2)/getsockname(2)/getpeername(2).
func FromSockaddr(sa unix.Sockaddr) (*TCPAddr, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &TCPAddr{TCPAddr: net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}}, nil
	case *unix.SockaddrInet6:
		zone := ""
		if v.ZoneId != 0 {
			if iface, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				zone = iface.Name
			}
		}
		return &TCPAddr{TCPAddr: net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port, Zone: zone}}, nil
	default:
		return nil, fmt.Errorf("hostsock: unsupported sockaddr type %T", sa)
	}
}

// ResolveTCPAddr parses "host:port" the same way net.ResolveTCPAddr does.
func ResolveTCPAddr(network, address string) (*TCPAddr, error) {
	a, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, err
	}
	return &TCPAddr{TCPAddr: *a}, nil
}
