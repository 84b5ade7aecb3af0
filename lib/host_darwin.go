package lib

import (
	"fmt"
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/config"
)

// The rawsocket core needs libpcap through cgo on darwin, so only the raw
// IPv4 link is built here.
func openHostLink(kind, name string, addr netip.Addr, protocol uint8, mtu int) (LinkEndpoint, error) {
	if kind == config.HostLinkRawSocket {
		return nil, fmt.Errorf("host link %s: %q not available on darwin: %w", name, kind, ErrInvalidArgument)
	}
	return NewRawLink(name, addr, int(protocol), mtu)
}
