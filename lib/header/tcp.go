package header

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"
)

const (
	TCPMinimumSize       = 20
	TCPMaximumHeaderSize = 60

	// TCPDefaultMSS is assumed when the peer's SYN carries no MSS option.
	TCPDefaultMSS = 536
)

// TCP control flags.
const (
	TCPFlagFin uint8 = 1 << iota
	TCPFlagSyn
	TCPFlagRst
	TCPFlagPsh
	TCPFlagAck
	TCPFlagUrg
)

// TCP option kinds understood by the codec.
const (
	TCPOptionEOL       = 0
	TCPOptionNOP       = 1
	TCPOptionMSS       = 2
	TCPOptionMSSLength = 4
)

// TCP is a decoded TCP header. MSS is zero when the option is absent.
type TCP struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset int // header length in bytes
	Flags      uint8
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	MSS        uint16
}

// ParseTCP decodes the TCP header at the front of b, including its options.
// The payload starts at b[t.DataOffset:].
func ParseTCP(b []byte) (TCP, error) {
	var t TCP
	if len(b) < TCPMinimumSize {
		return t, fmt.Errorf("tcp: %d bytes: %w", len(b), ErrTruncated)
	}
	off := int(b[12]>>4) * 4
	if off < TCPMinimumSize {
		return t, fmt.Errorf("tcp: data offset %d: %w", off, ErrMalformed)
	}
	if off > len(b) {
		return t, fmt.Errorf("tcp: data offset %d exceeds %d bytes: %w", off, len(b), ErrTruncated)
	}
	t.SrcPort = binary.BigEndian.Uint16(b[0:2])
	t.DstPort = binary.BigEndian.Uint16(b[2:4])
	t.Seq = binary.BigEndian.Uint32(b[4:8])
	t.Ack = binary.BigEndian.Uint32(b[8:12])
	t.DataOffset = off
	t.Flags = b[13] & 0x3f
	t.Window = binary.BigEndian.Uint16(b[14:16])
	t.Checksum = binary.BigEndian.Uint16(b[16:18])
	t.Urgent = binary.BigEndian.Uint16(b[18:20])

	opts := b[TCPMinimumSize:off]
	for i := 0; i < len(opts); {
		switch opts[i] {
		case TCPOptionEOL:
			return t, nil
		case TCPOptionNOP:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return t, fmt.Errorf("tcp: option %d without length: %w", opts[i], ErrMalformed)
		}
		l := int(opts[i+1])
		if l < 2 || i+l > len(opts) {
			return t, fmt.Errorf("tcp: option %d length %d: %w", opts[i], l, ErrMalformed)
		}
		if opts[i] == TCPOptionMSS {
			if l != TCPOptionMSSLength {
				return t, fmt.Errorf("tcp: mss option length %d: %w", l, ErrMalformed)
			}
			t.MSS = binary.BigEndian.Uint16(opts[i+2 : i+4])
		}
		i += l
	}
	return t, nil
}

// HasFlags reports whether every flag in f is set.
func (t *TCP) HasFlags(f uint8) bool {
	return t.Flags&f == f
}

// Size is the encoded header length. The MSS option is only sent with SYN.
func (t *TCP) Size() int {
	if t.MSS != 0 && t.Flags&TCPFlagSyn != 0 {
		return TCPMinimumSize + TCPOptionMSSLength
	}
	return TCPMinimumSize
}

// Marshal writes the header followed by payload into b and fills in the
// checksum over the pseudo header of src and dst. It returns the segment
// length.
func (t *TCP) Marshal(b []byte, src, dst netip.Addr, payload []byte) (int, error) {
	hl := t.Size()
	n := hl + len(payload)
	if len(b) < n {
		return 0, fmt.Errorf("tcp: buffer of %d bytes for %d byte segment: %w", len(b), n, ErrTruncated)
	}
	t.DataOffset = hl
	binary.BigEndian.PutUint16(b[0:2], t.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], t.DstPort)
	binary.BigEndian.PutUint32(b[4:8], t.Seq)
	binary.BigEndian.PutUint32(b[8:12], t.Ack)
	b[12] = byte(hl/4) << 4
	b[13] = t.Flags & 0x3f
	binary.BigEndian.PutUint16(b[14:16], t.Window)
	b[16], b[17] = 0, 0
	binary.BigEndian.PutUint16(b[18:20], t.Urgent)
	if hl > TCPMinimumSize {
		b[20] = TCPOptionMSS
		b[21] = TCPOptionMSSLength
		binary.BigEndian.PutUint16(b[22:24], t.MSS)
	}
	copy(b[hl:n], payload)
	t.Checksum = TransportChecksum(src, dst, ProtocolTCP, b[:n])
	binary.BigEndian.PutUint16(b[16:18], t.Checksum)
	return n, nil
}

// FlagString renders flags the way tcpdump does, e.g. "SYN|ACK".
func FlagString(flags uint8) string {
	names := []string{"FIN", "SYN", "RST", "PSH", "ACK", "URG"}
	var parts []string
	for i, n := range names {
		if flags&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}
