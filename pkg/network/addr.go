package network

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Scope выбирает адрес для привязки сокета
type Scope int

const (
	ScopeLocal    Scope = iota // Адрес внутренней сети
	ScopeExternal              // Внешний адрес
)

func (s Scope) String() string {
	if s == ScopeExternal {
		return "external"
	}
	return "local"
}

// AnyPort запрашивает порт из диапазона менеджера портов
const AnyPort = 0

func socketFamily(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func toSockaddr(family int, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	switch family {
	case unix.AF_INET:
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("адрес %s не является IPv4", ap)
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case unix.AF_INET6:
		if addr.Is4() {
			addr = netip.AddrFrom16(addr.As16())
		}
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	default:
		return nil, fmt.Errorf("неподдерживаемое семейство адресов: %d", family)
	}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr).Unmap(), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}
