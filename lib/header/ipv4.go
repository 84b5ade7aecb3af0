package header

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

const (
	IPv4MinimumSize       = 20
	IPv4MaximumHeaderSize = 60
	IPv4MaximumPacketSize = 65535
	IPv4Version           = 4

	// fragment offsets on the wire are in units of 8 bytes
	IPv4FragmentUnit = 8

	ipv4FlagDontFragment = 0x4000
	ipv4FlagMoreFrags    = 0x2000
	ipv4OffsetMask       = 0x1fff
)

// Transport protocol numbers carried in the IPv4 protocol field.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// IPv4 is a decoded IPv4 header. FragmentOffset is in bytes.
type IPv4 struct {
	HeaderLength   int
	TOS            uint8
	TotalLength    uint16
	ID             uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16
	TTL            uint8
	Protocol       uint8
	Checksum       uint16
	Src, Dst       netip.Addr
	Options        []byte // aliases the parsed buffer
}

// ParseIPv4 decodes the IPv4 header at the start of b. It does not verify
// the header checksum; see VerifyIPv4Checksum.
func ParseIPv4(b []byte) (IPv4, error) {
	var h IPv4
	if len(b) < IPv4MinimumSize {
		return h, fmt.Errorf("ipv4: %d bytes: %w", len(b), ErrTruncated)
	}
	if v := b[0] >> 4; v != IPv4Version {
		return h, fmt.Errorf("ipv4: version %d: %w", v, ErrMalformed)
	}
	hl := int(b[0]&0x0f) * 4
	if hl < IPv4MinimumSize {
		return h, fmt.Errorf("ipv4: header length %d: %w", hl, ErrMalformed)
	}
	if hl > len(b) {
		return h, fmt.Errorf("ipv4: header length %d exceeds %d bytes: %w", hl, len(b), ErrTruncated)
	}
	h.HeaderLength = hl
	h.TOS = b[1]
	h.TotalLength = binary.BigEndian.Uint16(b[2:4])
	if int(h.TotalLength) < hl {
		return h, fmt.Errorf("ipv4: total length %d below header length %d: %w", h.TotalLength, hl, ErrMalformed)
	}
	h.ID = binary.BigEndian.Uint16(b[4:6])
	frag := binary.BigEndian.Uint16(b[6:8])
	h.DontFragment = frag&ipv4FlagDontFragment != 0
	h.MoreFragments = frag&ipv4FlagMoreFrags != 0
	h.FragmentOffset = (frag & ipv4OffsetMask) * IPv4FragmentUnit
	h.TTL = b[8]
	h.Protocol = b[9]
	h.Checksum = binary.BigEndian.Uint16(b[10:12])
	h.Src = netip.AddrFrom4([4]byte(b[12:16]))
	h.Dst = netip.AddrFrom4([4]byte(b[16:20]))
	if hl > IPv4MinimumSize {
		h.Options = b[IPv4MinimumSize:hl]
	}
	return h, nil
}

// Size is the encoded header length including options.
func (h *IPv4) Size() int {
	return IPv4MinimumSize + len(h.Options)
}

// IsFragment reports whether the datagram is a piece of a larger one.
func (h *IPv4) IsFragment() bool {
	return h.MoreFragments || h.FragmentOffset != 0
}

// PayloadLength is the number of payload bytes the header announces.
func (h *IPv4) PayloadLength() int {
	return int(h.TotalLength) - h.HeaderLength
}

// Encode writes h to the front of b and fills in the header checksum.
// HeaderLength is recomputed from the options.
func (h *IPv4) Encode(b []byte) (int, error) {
	if len(h.Options)%4 != 0 || len(h.Options) > IPv4MaximumHeaderSize-IPv4MinimumSize {
		return 0, fmt.Errorf("ipv4: options length %d: %w", len(h.Options), ErrMalformed)
	}
	if h.FragmentOffset%IPv4FragmentUnit != 0 {
		return 0, fmt.Errorf("ipv4: fragment offset %d: %w", h.FragmentOffset, ErrMalformed)
	}
	hl := h.Size()
	if len(b) < hl {
		return 0, fmt.Errorf("ipv4: buffer of %d bytes for %d byte header: %w", len(b), hl, ErrTruncated)
	}
	h.HeaderLength = hl
	b[0] = IPv4Version<<4 | byte(hl/4)
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	frag := h.FragmentOffset / IPv4FragmentUnit
	if h.DontFragment {
		frag |= ipv4FlagDontFragment
	}
	if h.MoreFragments {
		frag |= ipv4FlagMoreFrags
	}
	binary.BigEndian.PutUint16(b[6:8], frag)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	src, dst := h.Src.As4(), h.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	copy(b[IPv4MinimumSize:hl], h.Options)
	h.Checksum = Checksum(b[:hl])
	binary.BigEndian.PutUint16(b[10:12], h.Checksum)
	return hl, nil
}

// VerifyIPv4Checksum reports whether the header at the front of b, whose
// length is hl bytes, carries a valid checksum.
func VerifyIPv4Checksum(b []byte, hl int) bool {
	if hl < IPv4MinimumSize || hl > len(b) {
		return false
	}
	return Fold(Sum(b[:hl], 0)) == 0xffff
}

// FragmentOptions returns the options that must be copied into every
// fragment after the first, i.e. those whose type has the copied bit set.
// The result is padded to a multiple of four bytes.
func FragmentOptions(opts []byte) []byte {
	var out []byte
	for i := 0; i < len(opts); {
		kind := opts[i]
		if kind == 0 {
			break
		}
		if kind == 1 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			break
		}
		if kind&0x80 != 0 {
			out = append(out, opts[i:i+l]...)
		}
		i += l
	}
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}
