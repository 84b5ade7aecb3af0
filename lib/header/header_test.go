package header

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv4"
)

var (
	srcAddr = netip.MustParseAddr("10.0.0.1")
	dstAddr = netip.MustParseAddr("10.0.0.2")
)

func TestChecksumFolding(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", nil, 0xffff},
		{"single word", []byte{0x00, 0x01}, 0xfffe},
		{"odd length", []byte{0x01}, 0xfeff},
		{"carry", []byte{0xff, 0xff, 0x00, 0x01}, 0xfffe},
		// RFC 1071 example
		{"rfc1071", []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}, ^uint16(0xddf2)},
	}
	for _, tt := range tests {
		if got := Checksum(tt.data); got != tt.want {
			t.Errorf("%s: Checksum = %#04x, want %#04x", tt.name, got, tt.want)
		}
	}
}

func TestTCPChecksumRoundTrip(t *testing.T) {
	h := TCP{SrcPort: 1234, DstPort: 80, Seq: 100, Ack: 7, Flags: TCPFlagSyn | TCPFlagAck, Window: 8192, MSS: 1460}
	payload := []byte("hello, world")
	buf := make([]byte, 128)
	n, err := h.Marshal(buf, srcAddr, dstAddr, payload)
	if err != nil {
		t.Fatal(err)
	}
	seg := buf[:n]
	if !VerifyTransportChecksum(srcAddr, dstAddr, ProtocolTCP, seg) {
		t.Fatal("checksum does not verify")
	}
	for bit := 0; bit < n*8; bit++ {
		seg[bit/8] ^= 1 << (bit % 8)
		if VerifyTransportChecksum(srcAddr, dstAddr, ProtocolTCP, seg) {
			t.Errorf("flipping bit %d not detected", bit)
		}
		seg[bit/8] ^= 1 << (bit % 8)
	}
}

// Reordering 16-bit words leaves a ones'-complement sum unchanged.
func TestChecksumWordSwapUndetected(t *testing.T) {
	h := TCP{SrcPort: 1, DstPort: 2, Flags: TCPFlagAck}
	buf := make([]byte, 64)
	n, err := h.Marshal(buf, srcAddr, dstAddr, []byte{0x12, 0x34, 0x56, 0x78})
	if err != nil {
		t.Fatal(err)
	}
	seg := buf[:n]
	seg[20], seg[21], seg[22], seg[23] = seg[22], seg[23], seg[20], seg[21]
	if !VerifyTransportChecksum(srcAddr, dstAddr, ProtocolTCP, seg) {
		t.Error("word swap changed the checksum")
	}
}

func TestTCPAgainstGopacket(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(srcAddr.AsSlice()),
		DstIP:    net.IP(dstAddr.AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: 40000,
		DstPort: 22,
		Seq:     0xfffffff0,
		Ack:     99,
		SYN:     true,
		ACK:     true,
		Window:  4096,
		Options: []layers.TCPOption{{OptionType: layers.TCPOptionKindMSS, OptionLength: 4, OptionData: []byte{0x05, 0xb4}}},
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(sb, opts, ip, tcp, gopacket.Payload([]byte("abc"))); err != nil {
		t.Fatal(err)
	}
	data := sb.Bytes()

	iph, err := ParseIPv4(data)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyIPv4Checksum(data, iph.HeaderLength) {
		t.Error("ip header checksum from gopacket does not verify")
	}
	seg := data[iph.HeaderLength:iph.TotalLength]
	if !VerifyTransportChecksum(iph.Src, iph.Dst, ProtocolTCP, seg) {
		t.Error("tcp checksum from gopacket does not verify")
	}
	got, err := ParseTCP(seg)
	if err != nil {
		t.Fatal(err)
	}
	want := TCP{
		SrcPort:    40000,
		DstPort:    22,
		Seq:        0xfffffff0,
		Ack:        99,
		DataOffset: 24,
		Flags:      TCPFlagSyn | TCPFlagAck,
		Window:     4096,
		Checksum:   binary.BigEndian.Uint16(seg[16:18]),
		MSS:        1460,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseTCP mismatch (-want +got):\n%s", diff)
	}

	// Re-encode with our codec and compare the bytes gopacket produced.
	out := make([]byte, len(seg))
	n, err := got.Marshal(out, iph.Src, iph.Dst, seg[got.DataOffset:])
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(seg, out[:n]); diff != "" {
		t.Errorf("Marshal mismatch (-gopacket +ours):\n%s", diff)
	}
}

func TestIPv4Encode(t *testing.T) {
	h := IPv4{
		TOS:            0x10,
		TotalLength:    40,
		ID:             0xbeef,
		MoreFragments:  true,
		FragmentOffset: 1480,
		TTL:            63,
		Protocol:       ProtocolTCP,
		Src:            srcAddr,
		Dst:            dstAddr,
	}
	b := make([]byte, 40)
	n, err := h.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if n != IPv4MinimumSize {
		t.Fatalf("Encode wrote %d bytes", n)
	}
	if !VerifyIPv4Checksum(b, n) {
		t.Error("checksum does not verify")
	}
	got, err := ParseIPv4(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	if runtime.GOOS != "linux" {
		t.Skip("raw socket header byte order differs on this platform")
	}
	xh, err := ipv4.ParseHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if xh.TotalLen != 40 || xh.ID != 0xbeef || xh.FragOff != 1480/8 || xh.Flags != ipv4.MoreFragments || xh.TTL != 63 || xh.Checksum != int(h.Checksum) {
		t.Errorf("x/net/ipv4 decoded %v", xh)
	}
}

func TestParseMalformed(t *testing.T) {
	validIP := make([]byte, 20)
	(&IPv4{TotalLength: 20, TTL: 1, Src: srcAddr, Dst: dstAddr}).Encode(validIP)

	badVersion := append([]byte(nil), validIP...)
	badVersion[0] = 0x65
	shortIHL := append([]byte(nil), validIP...)
	shortIHL[0] = 0x44
	longIHL := append([]byte(nil), validIP...)
	longIHL[0] = 0x46
	badTotal := append([]byte(nil), validIP...)
	binary.BigEndian.PutUint16(badTotal[2:4], 10)

	ipTests := []struct {
		name string
		b    []byte
	}{
		{"empty", nil},
		{"short", validIP[:19]},
		{"version", badVersion},
		{"ihl below minimum", shortIHL},
		{"ihl beyond buffer", longIHL},
		{"total below ihl", badTotal},
	}
	for _, tt := range ipTests {
		if _, err := ParseIPv4(tt.b); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseIPv4 %s: err = %v, want ErrMalformed", tt.name, err)
		}
	}

	seg := make([]byte, 24)
	seg[12] = 6 << 4
	seg[20] = TCPOptionMSS
	seg[21] = 4
	badOffset := append([]byte(nil), seg...)
	badOffset[12] = 4 << 4
	farOffset := append([]byte(nil), seg...)
	farOffset[12] = 15 << 4
	badOptLen := append([]byte(nil), seg...)
	badOptLen[21] = 9
	zeroOptLen := append([]byte(nil), seg...)
	zeroOptLen[21] = 0

	tcpTests := []struct {
		name string
		b    []byte
	}{
		{"short", seg[:19]},
		{"offset below minimum", badOffset},
		{"offset beyond buffer", farOffset},
		{"option past header", badOptLen},
		{"zero option length", zeroOptLen},
	}
	for _, tt := range tcpTests {
		if _, err := ParseTCP(tt.b); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseTCP %s: err = %v, want ErrMalformed", tt.name, err)
		}
	}
	if _, err := ParseTCP(seg); err != nil {
		t.Errorf("ParseTCP valid: %v", err)
	}
}

func TestUDPZeroChecksumSentAsOnes(t *testing.T) {
	u := UDP{SrcPort: 53, DstPort: 5353}
	b := make([]byte, 16)
	if _, err := u.Marshal(b, srcAddr, dstAddr, []byte{0, 0}); err != nil {
		t.Fatal(err)
	}
	// pick the payload word that makes the computed checksum exactly zero
	b[6], b[7] = 0, 0
	s := Fold(Sum(b[:10], PseudoHeaderSum(srcAddr, dstAddr, ProtocolUDP, 10)))
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], 0xffff-s)

	n, err := u.Marshal(b, srcAddr, dstAddr, payload[:])
	if err != nil {
		t.Fatal(err)
	}
	if u.Checksum != 0xffff {
		t.Fatalf("checksum = %#04x, want 0xffff", u.Checksum)
	}
	if !VerifyUDPChecksum(srcAddr, dstAddr, b[:n]) {
		t.Error("datagram does not verify")
	}
	b[6], b[7] = 0, 0
	if !VerifyUDPChecksum(srcAddr, dstAddr, b[:n]) {
		t.Error("datagram without checksum rejected")
	}
}

func TestFragmentOptions(t *testing.T) {
	// record route (not copied), NOP, security (copied)
	opts := []byte{7, 3, 4, 1, 0x82, 4, 0xaa, 0xbb}
	got := FragmentOptions(opts)
	want := []byte{0x82, 4, 0xaa, 0xbb}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FragmentOptions (-want +got):\n%s", diff)
	}
}

func TestICMPMarshal(t *testing.T) {
	m := ICMPv4{Type: ICMPDestUnreachable, Code: ICMPFragmentationNeeded, Rest: 576, Body: []byte{1, 2, 3, 4}}
	b := make([]byte, 12)
	n, err := m.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyICMPv4Checksum(b[:n]) {
		t.Error("checksum does not verify")
	}
	got, err := ParseICMPv4(b[:n])
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsError() || got.MTU() != 576 {
		t.Errorf("got %+v", got)
	}
}
