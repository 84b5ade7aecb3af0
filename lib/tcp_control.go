package lib

import "time"

// rttEstimator is the Jacobson estimator. rtt holds the smoothed round trip
// in milliseconds scaled by 8 and mdev the mean deviation scaled by 4.
type rttEstimator struct {
	rtt     int64
	mdev    int64
	rto     time.Duration
	backoff int
	minRTO  time.Duration
	maxRTO  time.Duration
}

func newRTTEstimator(initial, minRTO, maxRTO time.Duration) rttEstimator {
	e := rttEstimator{
		rtt:    initial.Milliseconds() << 3,
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
	e.rto = e.compute()
	return e
}

func (e *rttEstimator) compute() time.Duration {
	ms := ((e.rtt >> 2) + e.mdev) >> 1
	return clampDuration(time.Duration(ms)*time.Millisecond, e.minRTO, e.maxRTO)
}

// sample feeds one measured round trip of a segment that was never
// retransmitted and clears any backoff.
func (e *rttEstimator) sample(m time.Duration) {
	ms := m.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	err := ms - (e.rtt >> 3)
	e.rtt += err
	if err < 0 {
		err = -err
	}
	err -= e.mdev >> 2
	e.mdev += err
	e.backoff = 0
	e.rto = e.compute()
}

// timedOut doubles the timeout, capped at maxRTO.
func (e *rttEstimator) timedOut() {
	e.backoff++
	e.rto *= 2
	if e.rto > e.maxRTO {
		e.rto = e.maxRTO
	}
}

// congestion counts the window in segments.
type congestion struct {
	window   int
	ssthresh int
	count    int
}

func newCongestion() congestion {
	return congestion{window: 1, ssthresh: maxCongWindow}
}

// acked grows the window once per acknowledgement of new data: by one
// segment in slow start, by one segment per window of ACKs afterwards.
func (c *congestion) acked() {
	if c.window < c.ssthresh {
		c.window++
	} else {
		c.count++
		if c.count >= c.window {
			c.window++
			c.count = 0
		}
	}
	if c.window > maxCongWindow {
		c.window = maxCongWindow
	}
}

func (c *congestion) timedOut() {
	c.ssthresh = c.window / 2
	c.window = 1
	c.count = 0
}

func (c *congestion) quench() {
	c.window /= 2
	if c.window < 1 {
		c.window = 1
	}
	c.count = 0
}
