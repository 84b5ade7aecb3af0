package lib

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestUDPEcho(t *testing.T) {
	n := newTestNet(t, nil)
	srv, err := n.server.ListenUDP(netip.AddrPortFrom(netip.IPv4Unspecified(), 53))
	if err != nil {
		t.Fatal(err)
	}
	cli, err := n.client.ListenUDP(netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	if !cli.AddrPort().Addr().IsUnspecified() || cli.AddrPort().Port() < 49152 {
		t.Fatalf("client bound to %s, want a wildcard ephemeral port", cli.AddrPort())
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			k, from, err := srv.ReadFrom(buf)
			if err != nil {
				return
			}
			srv.WriteTo(buf[:k], from)
		}
	}()

	if _, err := cli.WriteTo([]byte("query"), netip.AddrPortFrom(serverAddr, 53)); err != nil {
		t.Fatal(err)
	}
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1500)
	k, from, err := cli.ReadFrom(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:k]) != "query" || from != netip.AddrPortFrom(serverAddr, 53) {
		t.Errorf("got %q from %s", buf[:k], from)
	}
	if got := testutil.ToFloat64(n.server.Stats().UDPInDatagrams); got != 1 {
		t.Errorf("server UDPInDatagrams = %v, want 1", got)
	}
}

func TestUDPPortUnreachable(t *testing.T) {
	n := newTestNet(t, nil)
	cli, err := n.client.ListenUDP(netip.AddrPortFrom(clientAddr, 0))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cli.WriteTo([]byte("hello?"), netip.AddrPortFrom(serverAddr, 9)); err != nil {
		t.Fatal(err)
	}
	cli.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := cli.ReadFrom(make([]byte, 64)); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("ReadFrom = %v, want ErrConnectionRefused", err)
	}
	if got := testutil.ToFloat64(n.server.Stats().UDPNoPorts); got != 1 {
		t.Errorf("UDPNoPorts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(n.server.Stats().ICMPOutMsgs.WithLabelValues("dest_unreachable")); got != 1 {
		t.Errorf("dest unreachable sent = %v, want 1", got)
	}
}

func TestUDPHandleErrorEightByteQuote(t *testing.T) {
	n := newTestNet(t, nil)
	cli, err := n.client.ListenUDP(netip.AddrPortFrom(clientAddr, 0))
	if err != nil {
		t.Fatal(err)
	}
	quote := make([]byte, 8)
	binary.BigEndian.PutUint16(quote[0:2], cli.AddrPort().Port())
	binary.BigEndian.PutUint16(quote[2:4], 9)
	binary.BigEndian.PutUint16(quote[4:6], 8+6)
	original := header.IPv4{Protocol: header.ProtocolUDP, Src: clientAddr, Dst: serverAddr}
	n.client.udp.HandleError(original, header.ICMPDestUnreachable, header.ICMPPortUnreachable, quote)

	cli.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := cli.ReadFrom(make([]byte, 64)); !errors.Is(err, ErrConnectionRefused) {
		t.Fatalf("ReadFrom = %v, want ErrConnectionRefused", err)
	}
}

func TestUDPBindConflicts(t *testing.T) {
	n := newTestNet(t, nil)
	tests := []struct {
		name    string
		first   netip.AddrPort
		second  netip.AddrPort
		wantErr bool
	}{
		{"same address", netip.AddrPortFrom(serverAddr, 1000), netip.AddrPortFrom(serverAddr, 1000), true},
		{"wildcard then specific", netip.AddrPortFrom(netip.IPv4Unspecified(), 1001), netip.AddrPortFrom(serverAddr, 1001), true},
		{"different addresses", netip.AddrPortFrom(serverAddr, 1002), netip.MustParseAddrPort("127.0.0.1:1002"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := n.server.ListenUDP(tt.first)
			if err != nil {
				t.Fatal(err)
			}
			defer e.Close()
			e2, err := n.server.ListenUDP(tt.second)
			if tt.wantErr {
				if !errors.Is(err, ErrAddressInUse) {
					t.Fatalf("second bind = %v, want ErrAddressInUse", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			e2.Close()
		})
	}
}

func TestUDPClosedEndpoint(t *testing.T) {
	n := newTestNet(t, nil)
	e, err := n.client.ListenUDP(netip.AddrPort{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.ReadFrom(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadFrom = %v, want ErrClosed", err)
	}
	if _, err := e.WriteTo([]byte("x"), netip.AddrPortFrom(serverAddr, 9)); !errors.Is(err, ErrClosed) {
		t.Errorf("WriteTo = %v, want ErrClosed", err)
	}
	if err := e.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}
