package network

import (
	"fmt"
	"net/netip"
)

// PeerPolicy решает, можно ли сразу доверять удаленному адресу, полученному
// из сигнализации, или нужно дождаться первого входящего пакета (latching).
//
// При UseSBC адреса из LocalSubnets считаются адресами собственного SBC и
// принимаются сразу. Прочие адреса (абоненты за NAT) остаются кандидатами
// до подтверждения. Без UseSBC все адреса принимаются сразу.
type PeerPolicy struct {
	UseSBC       bool
	LocalSubnets []netip.Prefix
}

// ParseSubnets разбирает список подсетей в нотации CIDR
func ParseSubnets(cidrs []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("неверная подсеть %q: %w", s, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// TrustImmediately возвращает true, если адрес можно использовать без подтверждения
func (p PeerPolicy) TrustImmediately(addr netip.AddrPort) bool {
	if !p.UseSBC {
		return true
	}
	ip := addr.Addr().Unmap()
	for _, subnet := range p.LocalSubnets {
		if subnet.Contains(ip) {
			return true
		}
	}
	return false
}
