// Package header parses and serializes the fixed-format IPv4, TCP, UDP and
// ICMP headers used by the stack, and computes their checksums.
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

var (
	ErrMalformed = errors.New("malformed header")
	ErrTruncated = fmt.Errorf("%w: truncated buffer", ErrMalformed)
)

// Sum adds data to initial as a sequence of big-endian 16-bit words. An odd
// trailing byte is padded with zero. The result is not folded.
func Sum(data []byte, initial uint32) uint32 {
	sum := initial
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)%2 != 0 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

// Fold adds the carries above bit 16 back into the low 16 bits.
func Fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// Checksum returns the ones'-complement checksum of data.
func Checksum(data []byte) uint16 {
	return ^Fold(Sum(data, 0))
}

// PseudoHeaderSum returns the unfolded sum of the IPv4 pseudo header used by
// TCP and UDP: source, destination, zero, protocol and transport length.
func PseudoHeaderSum(src, dst netip.Addr, protocol uint8, length uint16) uint32 {
	s := src.As4()
	d := dst.As4()
	sum := Sum(s[:], 0)
	sum = Sum(d[:], sum)
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// TransportChecksum computes the checksum of a TCP or UDP segment including
// the pseudo header. The checksum field inside segment must be zero.
func TransportChecksum(src, dst netip.Addr, protocol uint8, segment []byte) uint16 {
	return ^Fold(Sum(segment, PseudoHeaderSum(src, dst, protocol, uint16(len(segment)))))
}

// VerifyTransportChecksum reports whether segment, checksum field included,
// sums to all ones over the pseudo header.
func VerifyTransportChecksum(src, dst netip.Addr, protocol uint8, segment []byte) bool {
	return Fold(Sum(segment, PseudoHeaderSum(src, dst, protocol, uint16(len(segment))))) == 0xffff
}
