package lib

import (
	"net"

	"github.com/Clouded-Sabre/inetcore/lib/header"
)

// Transport is a protocol handler above IP. HandlePacket receives the
// transport payload of a datagram addressed to us; HandleError receives an
// ICMP error about a datagram we sent, with original holding at least the
// first eight bytes of that datagram's payload. Neither may keep the slices
// they are given.
type Transport interface {
	Protocol() uint8
	HandlePacket(ip header.IPv4, payload []byte)
	HandleError(ip header.IPv4, icmpType, code uint8, original []byte)
	Close()
}

// Endpoint is the application side of a transport.
type Endpoint interface {
	LocalAddr() net.Addr
	Close() error
}

var (
	_ Transport    = (*tcpProtocol)(nil)
	_ Transport    = (*udpProtocol)(nil)
	_ Transport    = (*rawProtocol)(nil)
	_ net.Conn     = (*Connection)(nil)
	_ net.Listener = (*Listener)(nil)
	_ Endpoint     = (*UDPEndpoint)(nil)
	_ Endpoint     = (*RawEndpoint)(nil)
)

// icmpToError maps an ICMP error to the error a transport reports. A nil
// result means the message carries no error for the application.
func icmpToError(icmpType, code uint8) error {
	switch icmpType {
	case header.ICMPDestUnreachable:
		switch code {
		case header.ICMPNetUnreachable:
			return ErrNetUnreachable
		case header.ICMPProtoUnreachable, header.ICMPPortUnreachable:
			return ErrConnectionRefused
		case header.ICMPFragmentationNeeded:
			return nil
		}
		return ErrHostUnreachable
	case header.ICMPTimeExceeded:
		return ErrHostUnreachable
	case header.ICMPParamProblem:
		return ErrProtocol
	}
	return nil
}
