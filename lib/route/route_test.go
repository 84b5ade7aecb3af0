package route

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLongestPrefixWins(t *testing.T) {
	tbl := NewTable()
	// inserted least specific first; the table must reorder them
	add := []Entry{
		{Dst: netip.MustParsePrefix("0.0.0.0/0"), Gateway: netip.MustParseAddr("192.168.1.1"), Iface: "eth0", Flags: FlagGateway},
		{Dst: netip.MustParsePrefix("192.168.1.0/24"), Iface: "eth0"},
		{Dst: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth1"},
		{Dst: netip.MustParsePrefix("10.1.0.0/16"), Iface: "eth2"},
		{Dst: netip.MustParsePrefix("10.1.2.3/32"), Iface: "eth3"},
	}
	for _, e := range add {
		if err := tbl.Add(e); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		dst     string
		iface   string
		nextHop string
	}{
		{"10.1.2.3", "eth3", "10.1.2.3"},
		{"10.1.2.4", "eth2", "10.1.2.4"},
		{"10.2.0.1", "eth1", "10.2.0.1"},
		{"192.168.1.77", "eth0", "192.168.1.77"},
		{"8.8.8.8", "eth0", "192.168.1.1"},
	}
	for _, tt := range tests {
		dst := netip.MustParseAddr(tt.dst)
		e, err := tbl.Route(dst)
		if err != nil {
			t.Errorf("Route(%s): %v", tt.dst, err)
			continue
		}
		if e.Iface != tt.iface || e.NextHop(dst).String() != tt.nextHop {
			t.Errorf("Route(%s) = %v, want dev %s next hop %s", tt.dst, e, tt.iface, tt.nextHop)
		}
	}

	var bits []int
	for _, e := range tbl.Entries() {
		bits = append(bits, e.Dst.Bits())
	}
	if diff := cmp.Diff([]int{32, 24, 16, 8, 0}, bits); diff != "" {
		t.Errorf("probe order (-want +got):\n%s", diff)
	}
}

func TestUnreachable(t *testing.T) {
	tbl := NewTable()
	tbl.Add(Entry{Dst: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth0"})
	_, err := tbl.Route(netip.MustParseAddr("11.0.0.1"))
	if !errors.Is(err, ErrNetUnreachable) {
		t.Errorf("err = %v, want ErrNetUnreachable", err)
	}
}

func TestLoopbackBeatsTable(t *testing.T) {
	tbl := NewTable()
	local := netip.MustParseAddr("10.0.0.5")
	tbl.Add(Entry{Dst: netip.MustParsePrefix("10.0.0.5/32"), Iface: "eth0"})
	tbl.SetLoopback(local, Entry{Dst: netip.PrefixFrom(local, 32), Iface: "lo"})
	e, err := tbl.Route(local)
	if err != nil || e.Iface != "lo" {
		t.Errorf("Route(local) = %v, %v; want lo", e, err)
	}
}

func TestReplaceDeleteFlush(t *testing.T) {
	tbl := NewTable()
	p := netip.MustParsePrefix("10.0.0.0/8")
	tbl.Add(Entry{Dst: p, Iface: "eth0", MTU: 1500})
	tbl.Add(Entry{Dst: p, Iface: "eth0", MTU: 576})
	if n := len(tbl.Entries()); n != 1 {
		t.Fatalf("%d entries after replace", n)
	}
	e, _ := tbl.Route(netip.MustParseAddr("10.9.9.9"))
	if e.MTU != 576 {
		t.Errorf("MTU = %d, want 576", e.MTU)
	}
	if err := tbl.Delete(netip.MustParsePrefix("10.1.0.0/8"), ""); err != nil {
		t.Errorf("Delete of unmasked prefix: %v", err)
	}
	if err := tbl.Delete(p, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v", err)
	}

	tbl.Add(Entry{Dst: netip.MustParsePrefix("10.0.0.0/8"), Iface: "eth0"})
	tbl.Add(Entry{Dst: netip.MustParsePrefix("172.16.0.0/12"), Iface: "eth0"})
	tbl.Add(Entry{Dst: netip.MustParsePrefix("192.168.0.0/16"), Iface: "eth1"})
	if n := tbl.FlushInterface("eth0"); n != 2 {
		t.Errorf("FlushInterface removed %d", n)
	}
	if n := len(tbl.Entries()); n != 1 {
		t.Errorf("%d entries left", n)
	}
}

func TestAddInvalid(t *testing.T) {
	tbl := NewTable()
	err := tbl.Add(Entry{Dst: netip.MustParsePrefix("0.0.0.0/0"), Flags: FlagGateway})
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}
