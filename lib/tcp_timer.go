package lib

import (
	"time"
)

// timerReason says why the connection timer is armed. A connection has a
// single timer; when several reasons apply, updateTimer picks the first in
// this order.
type timerReason int

const (
	timerNone timerReason = iota
	timerRetransmit
	timerProbe
	timerDelayedAck
	timerFinWait
	timerKeepalive
	timerTimeWait
)

var timerNames = [...]string{
	timerNone:       "none",
	timerRetransmit: "retransmit",
	timerProbe:      "probe",
	timerDelayedAck: "delayed-ack",
	timerFinWait:    "fin-wait",
	timerKeepalive:  "keepalive",
	timerTimeWait:   "time-wait",
}

func (r timerReason) String() string {
	if r < 0 || int(r) >= len(timerNames) {
		return "unknown"
	}
	return timerNames[r]
}

// armTimer (re)starts the timer. c.mu must be held.
func (c *Connection) armTimer(reason timerReason, d time.Duration) {
	c.stopTimer()
	c.timerGen++
	gen := c.timerGen
	c.timerReason = reason
	c.timer = time.AfterFunc(d, func() { c.timerFired(gen) })
}

func (c *Connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerReason = timerNone
}

// ensureTimer arms the timer unless it is already running for reason.
func (c *Connection) ensureTimer(reason timerReason, d time.Duration) {
	if c.timer != nil && c.timerReason == reason {
		return
	}
	c.armTimer(reason, d)
}

// timerFired runs on the timer goroutine. If the connection is busy it
// retries shortly instead of blocking; a stale generation means the timer
// was re-armed or stopped in between.
func (c *Connection) timerFired(gen uint64) {
	if !c.mu.TryLock() {
		time.AfterFunc(timerRetryWait*time.Millisecond, func() { c.timerFired(gen) })
		return
	}
	defer c.mu.Unlock()
	if gen != c.timerGen || c.timer == nil || c.unlinked {
		return
	}
	reason := c.timerReason
	c.timer = nil
	c.timerReason = timerNone

	switch reason {
	case timerRetransmit:
		c.retransmitTimeout()
	case timerProbe:
		c.probeTimeout()
	case timerDelayedAck:
		if c.ackPending {
			c.sendAck()
		}
	case timerFinWait:
		if c.transition(EventTimeout) == ActionDestroy {
			c.unlink()
		}
		return
	case timerKeepalive:
		c.keepaliveTimeout()
	case timerTimeWait:
		if c.transition(EventTimeWaitExpired) == ActionDestroy {
			c.unlink()
		}
		return
	}
	c.updateTimer()
}

// updateTimer arms the timer for the most urgent pending reason. c.mu must
// be held.
func (c *Connection) updateTimer() {
	switch {
	case c.unlinked || c.state == StateClosed || c.state == StateTimeWait:
		return
	case len(c.retransmitQueue) > 0:
		if c.ackPending {
			c.sendAck()
		}
		c.ensureTimer(timerRetransmit, c.rtt.rto)
	case c.needProbe():
		if c.ackPending {
			c.sendAck()
		}
		c.ensureTimer(timerProbe, c.rtt.rto)
	case c.ackPending:
		c.ensureTimer(timerDelayedAck, c.cfg.AckDelay)
	case c.state == StateFinWait2 && c.userClosed:
		c.ensureTimer(timerFinWait, c.cfg.FinTimeout)
	case c.keepalive && c.state == StateEstablished:
		idle := c.keepaliveIdle - time.Since(c.lastRecv)
		if c.kaProbes > 0 {
			idle = c.cfg.KeepaliveInterval
		}
		c.ensureTimer(timerKeepalive, max(idle, 0))
	default:
		c.stopTimer()
	}
}

// retransmitTimeout resends the oldest unacknowledged segment with backoff,
// or gives up once the retry limit is reached.
func (c *Connection) retransmitTimeout() {
	if len(c.retransmitQueue) == 0 {
		return
	}
	c.retransmits++
	limit := c.cfg.RetriesHard
	if c.state == StateSynSent || c.state == StateSynReceived {
		limit = c.cfg.SynRetries
	}
	if c.retransmits > limit {
		err := error(ErrTimedOut)
		if c.softErr != nil {
			err = c.softErr
		}
		c.log.Debugf("giving up after %d retransmits: %v", c.retransmits-1, err)
		c.abort(err, false)
		return
	}
	if c.retransmits > c.cfg.RetriesSoft {
		c.rerouteCheck()
	}
	c.cong.timedOut()
	c.rtt.timedOut()
	seg := c.retransmitQueue[0]
	seg.retransmitted = true
	seg.sentAt = time.Now()
	c.transmit(seg)
	c.stack.stats.TCPRetransSegs.Inc()
	c.armTimer(timerRetransmit, c.rtt.rto)
}

// rerouteCheck forgets the neighbour behind a path that stopped answering so
// that it is resolved again.
func (c *Connection) rerouteCheck() {
	pt, err := c.stack.findPath(c.key.remote.Addr())
	if err != nil {
		c.softErr = err
		return
	}
	pt.iface.invalidate(pt.nextHop)
}

func (c *Connection) probeTimeout() {
	if !c.needProbe() {
		return
	}
	c.probes++
	if c.probes > c.cfg.RetriesHard {
		c.abort(ErrTimedOut, true)
		return
	}
	c.sendProbe()
	c.rtt.timedOut()
	c.armTimer(timerProbe, c.rtt.rto)
}

func (c *Connection) keepaliveTimeout() {
	if !c.keepalive || c.state != StateEstablished {
		return
	}
	idle := time.Since(c.lastRecv)
	if c.kaProbes == 0 && idle < c.keepaliveIdle {
		c.armTimer(timerKeepalive, c.keepaliveIdle-idle)
		return
	}
	if c.kaProbes >= c.cfg.KeepaliveCount {
		c.abort(ErrTimedOut, true)
		return
	}
	c.kaProbes++
	// an old sequence number forces the peer to answer with an ACK
	c.output(c.sentSeq-1, ACKFlag, nil, 0, 0)
	c.armTimer(timerKeepalive, c.cfg.KeepaliveInterval)
}
