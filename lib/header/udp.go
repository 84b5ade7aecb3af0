package header

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const UDPSize = 8

// UDP is a decoded UDP header.
type UDP struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// ParseUDP decodes the UDP header at the front of b.
func ParseUDP(b []byte) (UDP, error) {
	var u UDP
	if len(b) < UDPSize {
		return u, fmt.Errorf("udp: %d bytes: %w", len(b), ErrTruncated)
	}
	u.SrcPort = binary.BigEndian.Uint16(b[0:2])
	u.DstPort = binary.BigEndian.Uint16(b[2:4])
	u.Length = binary.BigEndian.Uint16(b[4:6])
	u.Checksum = binary.BigEndian.Uint16(b[6:8])
	if int(u.Length) < UDPSize || int(u.Length) > len(b) {
		return u, fmt.Errorf("udp: length %d with %d bytes: %w", u.Length, len(b), ErrMalformed)
	}
	return u, nil
}

// Marshal writes the header and payload into b. A computed checksum of zero
// goes on the wire as 0xffff, since zero means "no checksum".
func (u *UDP) Marshal(b []byte, src, dst netip.Addr, payload []byte) (int, error) {
	n := UDPSize + len(payload)
	if n > IPv4MaximumPacketSize-IPv4MinimumSize {
		return 0, fmt.Errorf("udp: %d byte datagram: %w", n, ErrMalformed)
	}
	if len(b) < n {
		return 0, fmt.Errorf("udp: buffer of %d bytes for %d byte datagram: %w", len(b), n, ErrTruncated)
	}
	u.Length = uint16(n)
	binary.BigEndian.PutUint16(b[0:2], u.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], u.DstPort)
	binary.BigEndian.PutUint16(b[4:6], u.Length)
	b[6], b[7] = 0, 0
	copy(b[UDPSize:n], payload)
	u.Checksum = TransportChecksum(src, dst, ProtocolUDP, b[:n])
	if u.Checksum == 0 {
		u.Checksum = 0xffff
	}
	binary.BigEndian.PutUint16(b[6:8], u.Checksum)
	return n, nil
}

// VerifyUDPChecksum accepts datagrams sent without a checksum.
func VerifyUDPChecksum(src, dst netip.Addr, datagram []byte) bool {
	if len(datagram) < UDPSize {
		return false
	}
	if binary.BigEndian.Uint16(datagram[6:8]) == 0 {
		return true
	}
	return VerifyTransportChecksum(src, dst, ProtocolUDP, datagram)
}
