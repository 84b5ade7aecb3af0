package lib

import (
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/config"
)

func openHostLink(kind, name string, addr netip.Addr, protocol uint8, mtu int) (LinkEndpoint, error) {
	if kind == config.HostLinkRawSocket {
		return NewSocketLink(name, addr, protocol, mtu)
	}
	return NewRawLink(name, addr, int(protocol), mtu)
}
