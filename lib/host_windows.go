package lib

import (
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/config"
	log "github.com/sirupsen/logrus"
)

// Windows has no header-included raw sockets for TCP; every host link goes
// through the rawsocket core.
func openHostLink(kind, name string, addr netip.Addr, protocol uint8, mtu int) (LinkEndpoint, error) {
	if kind != config.HostLinkRawSocket {
		log.Warnf("host link %s: %q unsupported on windows, using %q", name, kind, config.HostLinkRawSocket)
	}
	return NewSocketLink(name, addr, protocol, mtu)
}
