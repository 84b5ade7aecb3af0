package lib

import (
	"slices"
	"testing"

	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/google/go-cmp/cmp"
)

func newTestSegment(t *testing.T, p *pool.Pool, seq uint32, data string) *segment {
	t.Helper()
	buf, err := p.Get(len(data))
	if err != nil {
		t.Fatal(err)
	}
	copy(buf.Bytes(), data)
	return &segment{seq: seq, end: seq + uint32(len(data)), buf: buf, data: buf.Bytes()}
}

func drain(q *reorderQueue, next uint32) (string, uint32) {
	var out []byte
	for _, s := range q.popContiguous(next) {
		out = append(out, s.data...)
		next = s.end
		s.release()
	}
	return string(out), next
}

func TestReorderQueueOutOfOrder(t *testing.T) {
	p := pool.New("test", 16, 64)
	q := newReorderQueue()
	q.insert(newTestSegment(t, p, 0, "0123456789"))
	q.insert(newTestSegment(t, p, 20, "klmnopqrst"))

	got, next := drain(q, 0)
	if got != "0123456789" || next != 10 {
		t.Fatalf("first drain = %q up to %d", got, next)
	}
	if q.Len() != 1 {
		t.Fatalf("queue holds %d segments, want 1", q.Len())
	}

	q.insert(newTestSegment(t, p, 10, "abcdefghij"))
	got, next = drain(q, next)
	if got != "abcdefghijklmnopqrst" || next != 30 {
		t.Fatalf("second drain = %q up to %d", got, next)
	}
	if q.Len() != 0 || q.bytes != 0 {
		t.Errorf("queue not empty: %d segments, %d bytes", q.Len(), q.bytes)
	}
	if p.Available() != p.Capacity() {
		t.Errorf("%d buffers leaked", p.Capacity()-p.Available())
	}
}

func TestReorderQueueOverlap(t *testing.T) {
	tests := []struct {
		name    string
		inserts []struct {
			seq  uint32
			data string
		}
		want string
	}{
		{
			name: "covered by predecessor",
			inserts: []struct {
				seq  uint32
				data string
			}{{0, "abcdef"}, {2, "cd"}},
			want: "abcdef",
		},
		{
			name: "same start keeps the larger",
			inserts: []struct {
				seq  uint32
				data string
			}{{0, "ab"}, {0, "abcd"}},
			want: "abcd",
		},
		{
			name: "trimmed on both sides",
			inserts: []struct {
				seq  uint32
				data string
			}{{0, "abc"}, {6, "ghi"}, {2, "cdefgh"}},
			want: "abcdefghi",
		},
		{
			name: "swallows followers",
			inserts: []struct {
				seq  uint32
				data string
			}{{3, "d"}, {5, "f"}, {0, "abcdefg"}},
			want: "abcdefg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := pool.New("test", 16, 64)
			q := newReorderQueue()
			for _, in := range tt.inserts {
				q.insert(newTestSegment(t, p, in.seq, in.data))
			}
			got, _ := drain(q, 0)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("stream (-want +got):\n%s", diff)
			}
			if p.Available() != p.Capacity() {
				t.Errorf("%d buffers leaked", p.Capacity()-p.Available())
			}
		})
	}
}

func TestReorderQueueWrap(t *testing.T) {
	p := pool.New("test", 16, 64)
	q := newReorderQueue()
	q.insert(newTestSegment(t, p, 0, "cd"))
	q.insert(newTestSegment(t, p, 0xFFFFFFFE, "ab"))
	got, next := drain(q, 0xFFFFFFFE)
	if got != "abcd" || next != 2 {
		t.Errorf("drain = %q up to %d, want \"abcd\" up to 2", got, next)
	}
}

func TestPortPool(t *testing.T) {
	pp := newPortPool(100, 102)
	inUse := func(port uint16) bool { return port == 101 }

	var got []uint16
	for range 2 {
		port, err := pp.allocate(inUse)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, port)
	}
	slices.Sort(got)
	if diff := cmp.Diff([]uint16{100, 102}, got); diff != "" {
		t.Errorf("allocated (-want +got):\n%s", diff)
	}
	if _, err := pp.allocate(inUse); err == nil {
		t.Fatal("expected exhaustion")
	}
	if err := pp.release(100); err != nil {
		t.Fatal(err)
	}
	if err := pp.release(100); err == nil {
		t.Error("releasing a free port should fail")
	}
	if port, err := pp.allocate(inUse); err != nil || port != 100 {
		t.Errorf("allocate = %d, %v; want 100", port, err)
	}
	if err := pp.release(5000); err == nil {
		t.Error("releasing a port outside the range should fail")
	}
	if n := pp.available(); n != 1 {
		t.Errorf("available = %d, want 1 (the port bound elsewhere)", n)
	}
}
