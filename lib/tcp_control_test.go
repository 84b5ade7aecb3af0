package lib

import (
	"testing"
	"time"
)

func TestRTOBackoffCapped(t *testing.T) {
	e := newRTTEstimator(time.Second, time.Second, 120*time.Second)
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 120 * time.Second, 120 * time.Second,
	}
	if e.rto != time.Second {
		t.Fatalf("initial rto = %v, want 1s", e.rto)
	}
	for i, w := range want {
		e.timedOut()
		if e.rto != w {
			t.Fatalf("after %d timeouts rto = %v, want %v", i+1, e.rto, w)
		}
	}
	if e.backoff != len(want) {
		t.Errorf("backoff = %d, want %d", e.backoff, len(want))
	}
}

func TestRTTSampleFormula(t *testing.T) {
	e := newRTTEstimator(time.Second, 10*time.Millisecond, 120*time.Second)
	e.timedOut()

	rtt, mdev := e.rtt, e.mdev
	for _, m := range []int64{300, 280, 900, 310, 305} {
		err := m - (rtt >> 3)
		rtt += err
		if err < 0 {
			err = -err
		}
		mdev += err - (mdev >> 2)
		want := time.Duration(((rtt>>2)+mdev)>>1) * time.Millisecond

		e.sample(time.Duration(m) * time.Millisecond)
		if e.rtt != rtt || e.mdev != mdev {
			t.Fatalf("sample %dms: rtt=%d mdev=%d, want %d %d", m, e.rtt, e.mdev, rtt, mdev)
		}
		if e.rto != want {
			t.Fatalf("sample %dms: rto=%v, want %v", m, e.rto, want)
		}
		if e.backoff != 0 {
			t.Fatalf("backoff not reset by a sample")
		}
	}
}

func TestRTOClamped(t *testing.T) {
	e := newRTTEstimator(time.Second, time.Second, 120*time.Second)
	for i := 0; i < 50; i++ {
		e.sample(time.Millisecond)
	}
	if e.rto != time.Second {
		t.Errorf("rto = %v, want the 1s floor", e.rto)
	}
	for i := 0; i < 50; i++ {
		e.sample(10 * time.Minute)
	}
	if e.rto != 120*time.Second {
		t.Errorf("rto = %v, want the 120s ceiling", e.rto)
	}
}

func TestCongestionWindow(t *testing.T) {
	c := newCongestion()
	if c.window != 1 {
		t.Fatalf("initial window %d", c.window)
	}
	for i := 0; i < 9; i++ {
		c.acked()
	}
	if c.window != 10 {
		t.Fatalf("slow start: window %d, want 10", c.window)
	}

	c.timedOut()
	if c.window != 1 || c.ssthresh != 5 {
		t.Fatalf("after timeout window=%d ssthresh=%d, want 1 and 5", c.window, c.ssthresh)
	}
	for i := 0; i < 4; i++ {
		c.acked()
	}
	if c.window != 5 {
		t.Fatalf("back to ssthresh: window %d", c.window)
	}
	// Congestion avoidance needs a full window of ACKs per increment.
	for i := 0; i < 4; i++ {
		c.acked()
	}
	if c.window != 5 {
		t.Fatalf("grew early in congestion avoidance: %d", c.window)
	}
	c.acked()
	if c.window != 6 {
		t.Fatalf("congestion avoidance: window %d, want 6", c.window)
	}

	for i := 0; i < 10; i++ {
		c.quench()
		c.timedOut()
		if c.window < 1 {
			t.Fatalf("window fell below 1")
		}
	}
	for i := 0; i < 100000; i++ {
		c.acked()
	}
	if c.window > maxCongWindow {
		t.Fatalf("window %d above cap", c.window)
	}
}
