package reassembly

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/google/go-cmp/cmp"
)

var (
	src = netip.MustParseAddr("192.0.2.1")
	dst = netip.MustParseAddr("192.0.2.2")
)

type span struct{ off, end int }

// fragment cuts [off,end) out of payload and wraps it in an IPv4 header.
func fragment(t *testing.T, id uint16, payload []byte, s span, more bool) (header.IPv4, []byte) {
	t.Helper()
	h := header.IPv4{
		ID:             id,
		TTL:            64,
		Protocol:       header.ProtocolUDP,
		Src:            src,
		Dst:            dst,
		FragmentOffset: uint16(s.off),
		MoreFragments:  more,
		TotalLength:    uint16(header.IPv4MinimumSize + s.end - s.off),
	}
	b := make([]byte, h.TotalLength)
	if _, err := h.Encode(b); err != nil {
		t.Fatal(err)
	}
	copy(b[header.IPv4MinimumSize:], payload[s.off:s.end])
	return h, b
}

func newReassembler(t *testing.T, chunks int, timeout time.Duration, onTimeout TimeoutFunc) (*Reassembler, *pool.Pool) {
	t.Helper()
	p := pool.New("reasm", chunks, 2048)
	r := New(Config{Timeout: timeout}, p, onTimeout)
	t.Cleanup(r.Close)
	return r, p
}

func testPayload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func submitAll(t *testing.T, r *Reassembler, id uint16, payload []byte, spans []span) []byte {
	t.Helper()
	var out []byte
	for i, s := range spans {
		more := s.end != len(payload)
		h, b := fragment(t, id, payload, s, more)
		buf, err := r.Submit(h, b)
		if err != nil {
			t.Fatalf("Submit %v: %v", s, err)
		}
		if buf != nil {
			if out != nil {
				t.Fatalf("completed twice, again at fragment %d", i)
			}
			out = append([]byte(nil), buf.Bytes()...)
			buf.Release()
		}
	}
	return out
}

func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var out [][]int
	for _, p := range permutations(n - 1) {
		for i := 0; i <= len(p); i++ {
			q := append(append(append([]int{}, p[:i]...), n-1), p[i:]...)
			out = append(out, q)
		}
	}
	return out
}

func TestReassemblyPermutations(t *testing.T) {
	r, p := newReassembler(t, 16, time.Minute, nil)
	payload := testPayload(64)
	spans := []span{{0, 16}, {16, 24}, {24, 48}, {48, 64}}

	var want []byte
	for i, perm := range permutations(len(spans)) {
		ordered := make([]span, len(perm))
		for j, k := range perm {
			ordered[j] = spans[k]
		}
		got := submitAll(t, r, uint16(i), payload, ordered)
		if got == nil {
			t.Fatalf("permutation %v did not complete", perm)
		}
		h, err := header.ParseIPv4(got)
		if err != nil {
			t.Fatal(err)
		}
		if h.MoreFragments || h.FragmentOffset != 0 || int(h.TotalLength) != len(got) {
			t.Errorf("rebuilt header %+v", h)
		}
		if !header.VerifyIPv4Checksum(got, h.HeaderLength) {
			t.Error("rebuilt header checksum")
		}
		if !bytes.Equal(got[h.HeaderLength:], payload) {
			t.Fatalf("permutation %v: payload mismatch", perm)
		}
		// ids differ per permutation; compare everything else
		got[4], got[5], got[10], got[11] = 0, 0, 0, 0
		if want == nil {
			want = got
		} else if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("permutation %v differs:\n%s", perm, diff)
		}
	}
	if r.Len() != 0 {
		t.Errorf("%d entries left", r.Len())
	}
	if p.Available() != p.Capacity() {
		t.Errorf("%d of %d chunks returned", p.Available(), p.Capacity())
	}
}

func TestReassemblyDuplicatesAndOverlap(t *testing.T) {
	payload := testPayload(48)
	tests := []struct {
		name  string
		spans []span
	}{
		{"duplicate", []span{{0, 16}, {0, 16}, {16, 32}, {16, 32}, {32, 48}}},
		{"overlap head", []span{{8, 32}, {0, 16}, {32, 48}}},
		{"overlap tail", []span{{0, 24}, {16, 40}, {40, 48}}},
		{"same offset longer", []span{{0, 16}, {0, 24}, {8, 40}, {40, 48}}},
		{"cover several", []span{{8, 16}, {24, 32}, {0, 40}, {40, 48}}},
		{"inside existing", []span{{0, 40}, {8, 16}, {40, 48}}},
		{"last first", []span{{32, 48}, {16, 32}, {16, 32}, {0, 16}}},
	}
	for i, tt := range tests {
		r, p := newReassembler(t, 16, time.Minute, nil)
		got := submitAll(t, r, uint16(i), payload, tt.spans)
		if got == nil {
			t.Errorf("%s: did not complete", tt.name)
			continue
		}
		if !bytes.Equal(got[header.IPv4MinimumSize:], payload) {
			t.Errorf("%s: payload mismatch", tt.name)
		}
		if p.Available() != p.Capacity() {
			t.Errorf("%s: %d of %d chunks returned", tt.name, p.Available(), p.Capacity())
		}
	}
}

func TestReassemblyPending(t *testing.T) {
	r, _ := newReassembler(t, 16, time.Minute, nil)
	payload := testPayload(32)
	h, b := fragment(t, 1, payload, span{0, 16}, true)
	if buf, err := r.Submit(h, b); buf != nil || err != nil {
		t.Fatalf("Submit = %v, %v; want pending", buf, err)
	}
	// a gap keeps the datagram pending even once the end is known
	h, b = fragment(t, 1, payload, span{24, 32}, false)
	if buf, err := r.Submit(h, b); buf != nil || err != nil {
		t.Fatalf("Submit = %v, %v; want pending", buf, err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d", r.Len())
	}
}

func TestReassemblyBadFragments(t *testing.T) {
	r, _ := newReassembler(t, 16, time.Minute, nil)
	payload := testPayload(32)

	h, b := fragment(t, 1, payload, span{0, 12}, true)
	if _, err := r.Submit(h, b); !errors.Is(err, ErrBadOffset) {
		t.Errorf("unaligned non-final fragment: %v", err)
	}
	h, b = fragment(t, 2, payload, span{0, 8}, true)
	h.DontFragment = true
	if _, err := r.Submit(h, b); !errors.Is(err, ErrDontFragment) {
		t.Errorf("DF fragment: %v", err)
	}
	h, b = fragment(t, 3, payload, span{0, 8}, true)
	h.FragmentOffset = 65528
	if _, err := r.Submit(h, b); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized: %v", err)
	}
	h, b = fragment(t, 4, payload, span{16, 24}, false)
	r.Submit(h, b)
	h, b = fragment(t, 4, payload, span{24, 32}, true)
	if _, err := r.Submit(h, b); !errors.Is(err, ErrBadOffset) {
		t.Errorf("fragment past the end: %v", err)
	}
}

func TestReassemblyNoMemoryIsAtomic(t *testing.T) {
	r, p := newReassembler(t, 1, time.Minute, nil)
	payload := testPayload(32)

	h, b := fragment(t, 1, payload, span{0, 16}, true)
	if _, err := r.Submit(h, b); err != nil {
		t.Fatal(err)
	}
	h, b = fragment(t, 2, payload, span{0, 16}, true)
	if _, err := r.Submit(h, b); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("err = %v, want ErrNoBuffer", err)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want the failed datagram left unlinked", r.Len())
	}
	h, b = fragment(t, 1, payload, span{16, 32}, false)
	if _, err := r.Submit(h, b); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("err = %v, want ErrNoBuffer", err)
	}
	if p.Available() != 0 {
		t.Errorf("Available = %d", p.Available())
	}
}

func TestReassemblyTimeout(t *testing.T) {
	type expiry struct {
		key   Key
		first []byte
	}
	fired := make(chan expiry, 4)
	r, p := newReassembler(t, 16, 30*time.Millisecond, func(k Key, first []byte) {
		fired <- expiry{k, first}
	})
	payload := testPayload(32)
	h, b := fragment(t, 9, payload, span{16, 32}, false)
	r.Submit(h, b)
	h2, b2 := fragment(t, 9, payload, span{0, 8}, true)
	r.Submit(h2, b2)

	select {
	case e := <-fired:
		if e.key.ID != 9 || e.key.Src != src {
			t.Errorf("key %v", e.key)
		}
		if want := b[:header.IPv4MinimumSize+8]; !bytes.Equal(e.first, want) {
			t.Errorf("first fragment = %x, want %x", e.first, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no timeout notification")
	}
	select {
	case e := <-fired:
		t.Fatalf("second notification for %v", e.key)
	case <-time.After(150 * time.Millisecond):
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d", r.Len())
	}
	if p.Available() != p.Capacity() {
		t.Errorf("%d of %d chunks returned", p.Available(), p.Capacity())
	}
}
