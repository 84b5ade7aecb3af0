package lib

import (
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
)

// segmentArrives processes one segment addressed to c.
func (c *Connection) segmentArrives(th header.TCP, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlinked {
		return
	}
	c.lastRecv = time.Now()
	c.kaProbes = 0
	switch c.state {
	case StateClosed, StateListen:
		return
	case StateSynSent:
		c.synSentArrives(th, payload)
	default:
		c.synchronizedArrives(th, payload)
	}
	c.pushWriteQueue()
	c.updateTimer()
}

func (c *Connection) synSentArrives(th header.TCP, payload []byte) {
	if th.Flags&ACKFlag != 0 && (seqBeforeEq(th.Ack, c.iss) || seqAfter(th.Ack, c.sentSeq)) {
		if th.Flags&RSTFlag == 0 {
			c.proto.sendReset(c.key.local, c.key.remote, th, len(payload))
		}
		c.proto.drop(dropBadAck)
		return
	}
	if th.Flags&RSTFlag != 0 {
		if th.Flags&ACKFlag != 0 {
			c.abort(ErrConnectionRefused, false)
		}
		return
	}
	if th.Flags&SYNFlag == 0 {
		return
	}

	c.irs = th.Seq
	c.ackedSeq = th.Seq + 1
	c.copiedSeq = c.ackedSeq
	c.rcvEdge = c.ackedSeq + c.window
	c.negotiateMSS(th.MSS)
	c.sndWl1 = th.Seq
	c.maxWindow = uint32(th.Window)

	if th.Flags&ACKFlag == 0 {
		// simultaneous open: our SYN goes out again carrying an ACK
		c.sndWl2 = c.iss
		c.windowSeq = c.iss + uint32(th.Window)
		c.transition(EventSyn)
		syn := c.retransmitQueue[0]
		syn.flags = SYNFlag | ACKFlag
		syn.retransmitted = true
		c.transmit(syn)
		return
	}

	c.sndWl2 = th.Ack
	c.windowSeq = th.Ack + uint32(th.Window)
	c.retire(th.Ack)
	c.transition(EventSynAck)
	c.established()
	c.sendAck()
}

// acceptable implements the RFC 793 receive test against the window we
// promised, [acked_seq, acked_seq+window].
func (c *Connection) acceptable(seq uint32, segLen uint32, dataLen int) bool {
	var win uint32
	if seqAfter(c.rcvEdge, c.ackedSeq) {
		win = c.rcvEdge - c.ackedSeq
	}
	lo, hi := c.ackedSeq, c.ackedSeq+win
	if segLen == 0 {
		if win == 0 {
			return seq == lo
		}
		return seqBetween(seq, lo, hi)
	}
	if win == 0 {
		return seq == lo && dataLen == 0
	}
	last := seq + segLen - 1
	return seqBetween(seq, lo, hi) || seqBetween(last, lo, hi) ||
		seqBefore(seq, lo) && seqAfter(last, hi)
}

func (c *Connection) synchronizedArrives(th header.TCP, payload []byte) {
	segLen := uint32(len(payload))
	if th.Flags&SYNFlag != 0 {
		segLen++
	}
	if th.Flags&FINFlag != 0 {
		segLen++
	}
	if !c.acceptable(th.Seq, segLen, len(payload)) {
		c.proto.drop(dropNotAcceptable)
		if th.Flags&RSTFlag != 0 {
			return
		}
		switch {
		case c.state == StateTimeWait && th.Flags&FINFlag != 0:
			c.armTimer(timerTimeWait, 2*c.cfg.MSL)
		case c.state == StateSynReceived && th.Flags&ACKFlag != 0:
			// simultaneous open: answer the peer's SYN-ACK with a bare ACK
			c.output(c.sentSeq, ACKFlag, nil, 0, 0)
			return
		}
		c.sendAck()
		return
	}

	if th.Flags&RSTFlag != 0 {
		c.resetArrived()
		return
	}
	if th.Flags&SYNFlag != 0 {
		switch _, action := nextState(c.state, EventSyn); action {
		case ActionSendRst:
			c.abort(ErrConnectionReset, true)
			return
		case ActionSendAck, ActionSendSynAck:
			c.sendAck()
			return
		}
	}
	if th.Flags&ACKFlag == 0 {
		return
	}
	if !c.ackArrived(th, len(payload)) {
		return
	}
	if c.state == StateClosed {
		return
	}

	c.urgentArrives(th, payload)

	complete := true
	if len(payload) > 0 {
		switch c.state {
		case StateEstablished, StateFinWait1, StateFinWait2:
			if c.userClosed {
				c.abort(ErrConnectionReset, true)
				return
			}
			var inOrder bool
			complete, inOrder = c.dataArrives(th.Seq, payload)
			if inOrder {
				c.scheduleAck()
			} else {
				c.sendAck()
			}
		}
	}
	if th.Flags&FINFlag != 0 && complete {
		c.finArrives(th.Seq + uint32(len(payload)))
	}
}

func (c *Connection) resetArrived() {
	var err error
	switch c.state {
	case StateSynReceived:
		err = ErrConnectionRefused
	case StateLastAck, StateTimeWait:
	default:
		err = ErrConnectionReset
	}
	c.abort(err, false)
}

// ackArrived processes the ACK field. It returns false when the rest of the
// segment must be ignored.
func (c *Connection) ackArrived(th header.TCP, dataLen int) bool {
	ack := th.Ack
	if c.state == StateSynReceived && (seqBeforeEq(ack, c.iss) || seqAfter(ack, c.sentSeq)) {
		c.proto.sendReset(c.key.local, c.key.remote, th, dataLen)
		c.proto.drop(dropBadAck)
		return false
	}
	if seqAfter(ack, c.sentSeq) {
		c.proto.drop(dropBadAck)
		c.sendAck()
		return false
	}

	if seqBefore(c.sndWl1, th.Seq) || c.sndWl1 == th.Seq && seqAfterEq(ack, c.sndWl2) {
		c.updatePeerWindow(th.Seq, ack, th.Window)
	}
	if seqAfter(ack, c.rcvAckSeq) {
		c.retire(ack)
	}

	if c.state == StateSynReceived {
		c.transition(EventAck)
		c.established()
	}
	return true
}

func (c *Connection) updatePeerWindow(seq, ack uint32, wnd uint16) {
	edge := ack + uint32(wnd)
	if seqBefore(edge, c.windowSeq) {
		c.peerWindowShrunk(edge)
	}
	c.windowSeq = edge
	c.sndWl1 = seq
	c.sndWl2 = ack
	if uint32(wnd) > c.maxWindow {
		c.maxWindow = uint32(wnd)
	}
}

// retire frees every segment the peer has acknowledged, feeds the RTT and
// congestion estimators and notices the acknowledgement of our FIN.
func (c *Connection) retire(ack uint32) {
	c.rcvAckSeq = ack
	now := time.Now()
	for first := true; len(c.retransmitQueue) > 0; first = false {
		seg := c.retransmitQueue[0]
		if seqAfter(seg.end, ack) {
			break
		}
		c.retransmitQueue = c.retransmitQueue[1:]
		if first && !seg.retransmitted {
			c.rtt.sample(now.Sub(seg.sentAt))
		}
		c.sndBuffered -= len(seg.data)
		seg.release()
	}
	c.cong.acked()
	c.retransmits = 0
	c.probes = 0
	c.softErr = nil
	if c.timerReason == timerRetransmit || c.timerReason == timerProbe {
		c.stopTimer()
	}
	if len(c.retransmitQueue) == 0 {
		c.flushPartial()
	}
	if c.finQueued && ack == c.writeSeq {
		c.ourFinAcked()
	}
	c.cond.Broadcast()
}

func (c *Connection) ourFinAcked() {
	switch c.state {
	case StateFinWait1:
		c.transition(EventAck)
		if c.closingFin {
			c.transition(EventFin)
			c.enterTimeWait()
		}
	case StateLastAck:
		if c.transition(EventAck) == ActionDestroy {
			c.unlink()
		}
	}
}

func (c *Connection) enterTimeWait() {
	c.armTimer(timerTimeWait, 2*c.cfg.MSL)
}

// dataArrives queues payload starting at seq. complete is false when the
// tail was cut at the window edge; inOrder is false when a gap remains.
func (c *Connection) dataArrives(seq uint32, payload []byte) (complete, inOrder bool) {
	complete = true
	end := seq + uint32(len(payload))
	if seqAfter(end, c.rcvEdge) {
		complete = false
		if !seqAfter(c.rcvEdge, seq) {
			return false, false
		}
		payload = payload[:c.rcvEdge-seq]
	}
	if seqBefore(seq, c.ackedSeq) {
		skip := c.ackedSeq - seq
		if skip >= uint32(len(payload)) {
			return complete, false
		}
		payload = payload[skip:]
		seq = c.ackedSeq
	}

	buf, err := c.stack.pool.Get(len(payload))
	if err != nil {
		c.proto.drop(dropNoBuffer)
		return false, false
	}
	copy(buf.Bytes(), payload)
	seg := &segment{seq: seq, end: seq + uint32(len(payload)), buf: buf, data: buf.Bytes()}
	if !c.reorder.insert(seg) {
		return complete, false
	}
	c.deliverContiguous()
	return complete, c.reorder.Len() == 0
}

// deliverContiguous moves data continuing acked_seq from the reorder queue
// to the read queue.
func (c *Connection) deliverContiguous() {
	segs := c.reorder.popContiguous(c.ackedSeq)
	for _, seg := range segs {
		if c.urg.pointer && !c.urg.valid && seqBetween(c.urg.seq, seg.seq, seg.end-1) {
			c.urg.valid = true
			c.urg.data = seg.data[c.urg.seq-seg.seq]
		}
		c.readQueue = append(c.readQueue, seg)
		c.readBytes += len(seg.data)
		c.ackedSeq = seg.end
	}
	if len(segs) > 0 {
		c.tryConsumeFin()
		c.cond.Broadcast()
	}
}

// urgentArrives records a new urgent pointer. The urgent byte is the one
// before seq+urgent.
func (c *Connection) urgentArrives(th header.TCP, payload []byte) {
	if th.Flags&URGFlag == 0 || th.Urgent == 0 {
		return
	}
	ptr := th.Seq + uint32(th.Urgent) - 1
	if seqBefore(ptr, c.copiedSeq) {
		return
	}
	if c.urg.pointer && !seqAfter(ptr, c.urg.seq) {
		return
	}
	c.urg = urgentState{seq: ptr, pointer: true}
	if len(payload) > 0 && seqBetween(ptr, th.Seq, th.Seq+uint32(len(payload))-1) {
		c.urg.valid = true
		c.urg.data = payload[ptr-th.Seq]
	} else {
		for _, seg := range c.readQueue {
			if seqBetween(ptr, seg.seq, seg.end-1) {
				c.urg.valid = true
				c.urg.data = seg.data[ptr-seg.seq]
				break
			}
		}
	}
	c.log.Debugf("urgent data at %d", ptr)
	c.cond.Broadcast()
}

func (c *Connection) finArrives(finSeq uint32) {
	if c.finReceived {
		if c.peerClosed {
			// a retransmitted FIN; our ACK was lost
			if c.state == StateTimeWait {
				c.armTimer(timerTimeWait, 2*c.cfg.MSL)
			}
			c.sendAck()
		}
		return
	}
	c.finReceived = true
	c.finSeq = finSeq
	if !c.tryConsumeFin() {
		c.sendAck()
	}
}

// tryConsumeFin consumes the peer's FIN once every byte before it has
// arrived.
func (c *Connection) tryConsumeFin() bool {
	if !c.finReceived || c.peerClosed || c.ackedSeq != c.finSeq {
		return false
	}
	c.ackedSeq++
	c.peerClosed = true
	if seqAfter(c.ackedSeq, c.rcvEdge) {
		c.rcvEdge = c.ackedSeq
	}
	if c.state == StateFinWait1 {
		c.closingFin = true
	}
	c.transition(EventFin)
	if c.state == StateTimeWait {
		c.enterTimeWait()
	}
	c.sendAck()
	c.cond.Broadcast()
	return true
}

// icmpError applies an ICMP error about a segment this connection sent.
func (c *Connection) icmpError(icmpType, code uint8, seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unlinked {
		return
	}
	if seqBefore(seq, c.rcvAckSeq) || seqAfter(seq, c.sentSeq) {
		return
	}
	switch {
	case icmpType == header.ICMPSourceQuench:
		c.cong.quench()
		return
	case icmpType == header.ICMPDestUnreachable && code == header.ICMPFragmentationNeeded:
		if pt, err := c.stack.findPath(c.key.remote.Addr()); err == nil {
			if m := pt.mtu - IpHeaderLength - TcpHeaderLength; m < c.mss && m > 0 {
				c.mss = m
			}
		}
		return
	}
	err := icmpToError(icmpType, code)
	if err == nil {
		return
	}
	if c.state == StateSynSent {
		c.abort(err, false)
		return
	}
	c.softErr = err
}
