package filter

import (
	"net/netip"
	"testing"
)

func TestRstRules(t *testing.T) {
	f := newFilter("test", nil)
	if err := f.AddTcpClientFiltering("10.0.0.2", 80); err != nil {
		t.Fatal(err)
	}
	if err := f.AddTcpServerFiltering("0.0.0.0", 8080); err != nil {
		t.Fatal(err)
	}
	if err := f.AddTcpServerFiltering("10.0.0.1", 22); err != nil {
		t.Fatal(err)
	}

	ap := netip.MustParseAddrPort
	cases := []struct {
		src, dst string
		want     bool
	}{
		{"10.0.0.1:40000", "10.0.0.2:80", true},
		{"10.0.0.1:40000", "10.0.0.3:80", false},
		{"192.0.2.9:8080", "10.0.0.7:5000", true},
		{"10.0.0.1:22", "10.0.0.7:5000", true},
		{"10.0.0.9:22", "10.0.0.7:5000", false},
	}
	for _, c := range cases {
		if got := f.drops(ap(c.src), ap(c.dst)); got != c.want {
			t.Errorf("drops(%s, %s) = %t, want %t", c.src, c.dst, got, c.want)
		}
	}

	if err := f.RemoveTcpClientFiltering("10.0.0.2", 80); err != nil {
		t.Fatal(err)
	}
	if f.drops(ap("10.0.0.1:40000"), ap("10.0.0.2:80")) {
		t.Error("removed rule still matches")
	}
	if err := f.RemoveTcpClientFiltering("10.0.0.2", 80); err == nil {
		t.Error("expected an error removing a missing rule")
	}
	if err := f.AddTcpClientFiltering("10.0.0.2", 0); err == nil {
		t.Error("expected port 0 to be rejected")
	}
	if err := f.FinishFiltering(); err != nil {
		t.Fatal(err)
	}
	if f.drops(ap("10.0.0.1:22"), ap("10.0.0.7:5000")) {
		t.Error("rules left after FinishFiltering")
	}
}
