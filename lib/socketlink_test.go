package lib

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

func TestWrapPayload(t *testing.T) {
	src, dst := netip.MustParseAddr("192.0.2.7"), netip.MustParseAddr("192.0.2.8")
	b := make([]byte, 64)
	n, err := wrapPayload(b, src, dst, header.ProtocolTCP, []byte("segment"))
	if err != nil {
		t.Fatal(err)
	}
	if !header.VerifyIPv4Checksum(b[:n], header.IPv4MinimumSize) {
		t.Error("bad header checksum")
	}
	pkt := gopacket.NewPacket(b[:n], layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatalf("not decoded as IPv4: %v", pkt.ErrorLayer())
	}
	if ip.SrcIP.String() != "192.0.2.7" || ip.DstIP.String() != "192.0.2.8" || ip.Protocol != layers.IPProtocolTCP {
		t.Errorf("header %s -> %s proto %v", ip.SrcIP, ip.DstIP, ip.Protocol)
	}
	if string(ip.Payload) != "segment" || int(ip.Length) != n {
		t.Errorf("payload %q, length %d of %d", ip.Payload, ip.Length, n)
	}

	gotDst, payload, err := unwrapPayload(b[:n])
	if err != nil || gotDst != dst || string(payload) != "segment" {
		t.Errorf("unwrapPayload = %s, %q, %v", gotDst, payload, err)
	}

	if _, err := wrapPayload(make([]byte, 10), src, dst, header.ProtocolTCP, nil); err == nil {
		t.Error("expected a short buffer to be rejected")
	}
}

func TestUnwrapPayloadRejectsFragments(t *testing.T) {
	h := header.IPv4{
		ID:            9,
		MoreFragments: true,
		TTL:           64,
		Protocol:      header.ProtocolUDP,
		Src:           netip.MustParseAddr("192.0.2.1"),
		Dst:           netip.MustParseAddr("192.0.2.2"),
		TotalLength:   header.IPv4MinimumSize + 8,
	}
	b := make([]byte, h.TotalLength)
	if _, err := h.Encode(b); err != nil {
		t.Fatal(err)
	}
	if _, _, err := unwrapPayload(b); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("err = %v, want ErrMessageTooLong", err)
	}
	if _, _, err := unwrapPayload(b[:header.IPv4MinimumSize+4]); !errors.Is(err, header.ErrTruncated) {
		t.Errorf("short datagram: err = %v, want ErrTruncated", err)
	}
}
