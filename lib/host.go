//go:build linux || darwin || windows

package lib

import (
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/route"
)

// HostResolver leaves neighbour resolution to the host kernel behind a
// host link.
type HostResolver struct{}

func (HostResolver) Resolve(netip.Addr, func(LinkAddress, error)) (LinkAddress, bool) {
	return "", true
}

func (HostResolver) Invalidate(netip.Addr) {}

// AttachHost puts the stack on the host network at addr: a raw TCP link
// called name, of the kind set by stack.host_link, and a default route over
// it, through gateway if one is given.
func (s *Stack) AttachHost(name string, addr netip.Addr, mtu int, gateway netip.Addr) (*Interface, error) {
	link, err := openHostLink(s.config.Stack.HostLink, name, addr, header.ProtocolTCP, mtu)
	if err != nil {
		return nil, err
	}
	iface, err := s.AddInterface(name, netip.PrefixFrom(addr, 32), link, HostResolver{})
	if err != nil {
		link.Close()
		return nil, err
	}
	e := route.Entry{Dst: netip.PrefixFrom(netip.IPv4Unspecified(), 0), Iface: name, Gateway: gateway}
	if err := s.AddRoute(e); err != nil {
		s.RemoveInterface(name)
		return nil, err
	}
	s.log.Infof("attached to host as %s on %s (%s)", addr, name, s.config.Stack.HostLink)
	return iface, nil
}
