package pool

import (
	"errors"
	"testing"
	"time"
)

func TestGetRelease(t *testing.T) {
	p := New("test", 2, 64)
	a, err := p.Get(10)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Get(64)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(1); !errors.Is(err, ErrNoBuffer) {
		t.Fatalf("third Get: err = %v, want ErrNoBuffer", err)
	}
	if a.Len() != 10 || len(b.Bytes()) != 64 {
		t.Errorf("lengths %d, %d", a.Len(), len(b.Bytes()))
	}
	a.Release()
	if got := p.Available(); got != 1 {
		t.Errorf("Available = %d, want 1", got)
	}
	// a second release of the same buffer is a no-op
	a.Release()
	if got := p.Available(); got != 1 {
		t.Errorf("Available after double release = %d, want 1", got)
	}
	if _, err := p.Get(1); err != nil {
		t.Errorf("Get after release: %v", err)
	}
	var nilBuf *Buffer
	nilBuf.Release()
}

func TestTooLarge(t *testing.T) {
	p := New("test", 1, 16)
	if _, err := p.Get(17); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
	if p.Available() != 1 {
		t.Error("failed Get consumed a chunk")
	}
	b, _ := p.Get(4)
	if err := b.SetLen(17); !errors.Is(err, ErrTooLarge) {
		t.Errorf("SetLen err = %v", err)
	}
	if err := b.SetLen(16); err != nil || b.Len() != 16 {
		t.Errorf("SetLen(16) = %v, len %d", err, b.Len())
	}
}

func TestHeldLongerThan(t *testing.T) {
	p := New("test", 4, 8)
	b, _ := p.Get(1)
	time.Sleep(5 * time.Millisecond)
	if n := p.HeldLongerThan(time.Millisecond); n != 1 {
		t.Errorf("HeldLongerThan = %d, want 1", n)
	}
	b.Release()
	if n := p.HeldLongerThan(0); n != 0 {
		t.Errorf("HeldLongerThan after release = %d", n)
	}
}

func TestBoundedAcrossRingCycles(t *testing.T) {
	p := New("test", 3, 32)
	p.SetDebug(true, time.Hour)
	seen := make(map[*byte]bool)
	for round := range 4 {
		var bufs []*Buffer
		for range 3 {
			b, err := p.Get(32)
			if err != nil {
				t.Fatalf("round %d: %v", round, err)
			}
			bufs = append(bufs, b)
			if round == 0 {
				seen[&b.Bytes()[0]] = true
			} else if !seen[&b.Bytes()[0]] {
				t.Errorf("round %d: chunk memory not reused", round)
			}
		}
		if _, err := p.Get(1); !errors.Is(err, ErrNoBuffer) {
			t.Fatalf("round %d: Get on an empty ring = %v, want ErrNoBuffer", round, err)
		}
		for _, b := range bufs {
			b.Release()
		}
		if got := p.Available(); got != 3 {
			t.Fatalf("round %d: Available = %d, want 3", round, got)
		}
	}
}
