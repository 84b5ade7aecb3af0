package header

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const ICMPv4MinimumSize = 8

// ICMP message types.
const (
	ICMPEchoReply       uint8 = 0
	ICMPDestUnreachable uint8 = 3
	ICMPSourceQuench    uint8 = 4
	ICMPRedirect        uint8 = 5
	ICMPEcho            uint8 = 8
	ICMPTimeExceeded    uint8 = 11
	ICMPParamProblem    uint8 = 12
)

// Destination unreachable codes.
const (
	ICMPNetUnreachable      uint8 = 0
	ICMPHostUnreachable     uint8 = 1
	ICMPProtoUnreachable    uint8 = 2
	ICMPPortUnreachable     uint8 = 3
	ICMPFragmentationNeeded uint8 = 4
)

// Time exceeded codes.
const (
	ICMPTTLExceeded       uint8 = 0
	ICMPReassemblyTimeout uint8 = 1
)

// ICMPv4 is a decoded ICMP message. Rest holds the second word, whose
// meaning depends on the type: identifier and sequence for echo, the
// gateway for redirects, the next-hop MTU for fragmentation needed.
type ICMPv4 struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	Rest     uint32
	Body     []byte // aliases the parsed buffer
}

func ParseICMPv4(b []byte) (ICMPv4, error) {
	var m ICMPv4
	if len(b) < ICMPv4MinimumSize {
		return m, fmt.Errorf("icmp: %d bytes: %w", len(b), ErrTruncated)
	}
	m.Type = b[0]
	m.Code = b[1]
	m.Checksum = binary.BigEndian.Uint16(b[2:4])
	m.Rest = binary.BigEndian.Uint32(b[4:8])
	m.Body = b[ICMPv4MinimumSize:]
	return m, nil
}

func (m *ICMPv4) Marshal(b []byte) (int, error) {
	n := ICMPv4MinimumSize + len(m.Body)
	if len(b) < n {
		return 0, fmt.Errorf("icmp: buffer of %d bytes for %d byte message: %w", len(b), n, ErrTruncated)
	}
	b[0] = m.Type
	b[1] = m.Code
	b[2], b[3] = 0, 0
	binary.BigEndian.PutUint32(b[4:8], m.Rest)
	copy(b[ICMPv4MinimumSize:n], m.Body)
	m.Checksum = Checksum(b[:n])
	binary.BigEndian.PutUint16(b[2:4], m.Checksum)
	return n, nil
}

// IsError reports whether the message reports a problem with an earlier
// datagram. No ICMP error is ever generated in response to one of these.
func (m *ICMPv4) IsError() bool {
	switch m.Type {
	case ICMPDestUnreachable, ICMPSourceQuench, ICMPRedirect, ICMPTimeExceeded, ICMPParamProblem:
		return true
	}
	return false
}

// MTU is the next-hop MTU of a fragmentation-needed message.
func (m *ICMPv4) MTU() uint16 {
	return uint16(m.Rest)
}

// Gateway is the new first hop announced by a redirect.
func (m *ICMPv4) Gateway() netip.Addr {
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], m.Rest)
	return netip.AddrFrom4(a)
}

func VerifyICMPv4Checksum(b []byte) bool {
	return Fold(Sum(b, 0)) == 0xffff
}
