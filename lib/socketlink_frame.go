package lib

import (
	"fmt"
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/lib/header"
)

// wrapPayload puts an IPv4 header in front of a payload read from a socket
// that strips it. Fields the socket does not report take their defaults.
func wrapPayload(b []byte, src, dst netip.Addr, protocol uint8, payload []byte) (int, error) {
	ih := header.IPv4{
		TTL:      defaultTTL,
		Protocol: protocol,
		Src:      src,
		Dst:      dst,
	}
	size := ih.Size() + len(payload)
	if size > len(b) || size > header.IPv4MaximumPacketSize {
		return 0, header.ErrTruncated
	}
	ih.TotalLength = uint16(size)
	if _, err := ih.Encode(b); err != nil {
		return 0, err
	}
	copy(b[ih.Size():], payload)
	return size, nil
}

// unwrapPayload returns the destination and payload of a datagram for a
// socket that writes its own header. Fragments cannot be expressed that way.
func unwrapPayload(datagram []byte) (netip.Addr, []byte, error) {
	ih, err := header.ParseIPv4(datagram)
	if err != nil {
		return netip.Addr{}, nil, err
	}
	if int(ih.TotalLength) > len(datagram) {
		return netip.Addr{}, nil, fmt.Errorf("total length %d of %d bytes: %w", ih.TotalLength, len(datagram), header.ErrTruncated)
	}
	if ih.IsFragment() {
		return netip.Addr{}, nil, fmt.Errorf("fragment of %d bytes: %w", ih.TotalLength, ErrMessageTooLong)
	}
	return ih.Dst, datagram[ih.HeaderLength:ih.TotalLength], nil
}
