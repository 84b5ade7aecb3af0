package lib

import (
	"errors"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
)

// output sends one segment carrying our current ACK and window. Failures
// are soft: the retransmit timer recovers from a lost segment.
func (c *Connection) output(seq uint32, flags uint8, data []byte, urgent uint16, mss int) {
	f := tcpFields{
		local:  c.key.local,
		remote: c.key.remote,
		seq:    seq,
		flags:  flags,
		urgent: urgent,
		mss:    uint16(mss),
		tos:    c.tos,
		ttl:    c.ttl,
	}
	if flags&RSTFlag == 0 {
		f.window = uint16(c.selectWindow())
	}
	if flags&ACKFlag != 0 {
		f.ack = c.ackedSeq
		c.ackPending = false
		c.ackBacklog = 0
	}
	if err := c.proto.output(f, data); err != nil {
		if errors.Is(err, ErrNetUnreachable) || errors.Is(err, ErrHostUnreachable) {
			c.softErr = err
		}
		c.log.Debugf("sending %s: %v", header.FlagString(flags), err)
	}
}

func (c *Connection) transmit(seg *segment) {
	mss := 0
	if seg.flags&SYNFlag != 0 {
		mss = c.advMSS
	}
	c.output(seg.seq, seg.flags, seg.data, seg.urgent, mss)
}

// sendAck sends a bare ACK, or repeats the SYN-ACK while the handshake is
// incomplete.
func (c *Connection) sendAck() {
	switch c.state {
	case StateClosed, StateListen, StateSynSent:
		return
	case StateSynReceived:
		c.output(c.iss, SYNFlag|ACKFlag, nil, 0, c.advMSS)
		return
	}
	c.output(c.sentSeq, ACKFlag, nil, 0, 0)
}

// scheduleAck acknowledges in-order data, immediately or after the delayed
// ACK interval.
func (c *Connection) scheduleAck() {
	c.ackBacklog++
	if !c.cfg.DelayedAck || c.ackBacklog >= c.cfg.MaxAckBacklog ||
		c.timerReason == timerRetransmit || c.timerReason == timerProbe {
		c.sendAck()
		return
	}
	c.ackPending = true
}

// selectWindow computes the window to advertise. The window only shrinks
// under memory pressure, never below what was already promised, and small
// openings are held back until at least min(mss, max_window/2) is free.
func (c *Connection) selectWindow() uint32 {
	free := max(c.cfg.RecvBufferSize-c.readBytes-c.reorder.bytes, 0)
	win := uint32(min(free, c.cfg.MaxWindow))
	if c.state == StateSynSent {
		c.window = win
		return win
	}

	var promised uint32
	if seqAfter(c.rcvEdge, c.ackedSeq) {
		promised = c.rcvEdge - c.ackedSeq
	}
	pool := c.stack.pool
	pressure := uint32(free) < c.window || pool.Available() < pool.Capacity()/16
	floor := min(uint32(c.mss), c.maxWindow/2)
	switch {
	case pressure:
		if win < promised {
			win = promised
		}
		if win < c.window {
			c.stack.stats.TCPWindowShrink.Inc()
		}
	case win < c.window || win < floor:
		win = max(c.window, promised)
	}
	c.window = win
	if edge := c.ackedSeq + win; seqAfter(edge, c.rcvEdge) {
		c.rcvEdge = edge
	}
	return win
}

// readWindowUpdate sends a window update once reading has opened the
// window by a worthwhile amount.
func (c *Connection) readWindowUpdate() {
	if !c.state.synchronized() || c.peerClosed {
		return
	}
	free := max(c.cfg.RecvBufferSize-c.readBytes-c.reorder.bytes, 0)
	edge := c.ackedSeq + uint32(min(free, c.cfg.MaxWindow))
	if !seqAfter(edge, c.rcvEdge) {
		return
	}
	if grow := int(edge - c.rcvEdge); grow >= min(c.mss, c.cfg.MaxWindow/2) {
		c.window = edge - c.ackedSeq
		c.sendAck()
	}
}

// segmentSize is the payload size for a new segment: one MSS, or what the
// peer's window allows if that is at least half an MSS.
func (c *Connection) segmentSize() int {
	size := c.mss
	if seqAfter(c.windowSeq, c.writeSeq) {
		if room := int(c.windowSeq - c.writeSeq); room < size && room >= c.mss/2 {
			size = room
		}
	}
	return size
}

// queueData copies data into segments on the write queue, coalescing small
// writes into a partial segment while earlier data is unacknowledged.
func (c *Connection) queueData(data []byte, urgent bool) (int, error) {
	if urgent {
		c.flushPartial()
	}
	n := 0
	for len(data) > 0 {
		if p := c.partial; p != nil {
			old := len(p.data)
			k := min(c.mss-old, len(data))
			if k > 0 {
				if err := p.buf.SetLen(old + k); err != nil {
					c.flushPartial()
					continue
				}
				p.data = p.buf.Bytes()
				copy(p.data[old:], data[:k])
				p.end += uint32(k)
				c.advance(k)
				n += k
				data = data[k:]
			}
			if len(p.data) >= c.mss || c.noDelay || len(c.retransmitQueue) == 0 {
				c.flushPartial()
			}
			continue
		}

		k := min(c.segmentSize(), len(data))
		buf, err := c.stack.pool.Get(max(k, c.mss))
		if err != nil {
			c.proto.drop(dropNoBuffer)
			return n, err
		}
		buf.SetLen(k)
		copy(buf.Bytes(), data[:k])
		seg := &segment{
			seq:   c.writeSeq,
			end:   c.writeSeq + uint32(k),
			flags: ACKFlag | PSHFlag,
			buf:   buf,
			data:  buf.Bytes(),
		}
		c.advance(k)
		n += k
		data = data[k:]

		switch {
		case urgent && len(data) == 0:
			seg.flags |= URGFlag
			seg.urgent = uint16(k)
			c.writeQueue = append(c.writeQueue, seg)
		case k < c.mss && !c.noDelay && len(c.retransmitQueue) > 0:
			c.partial = seg
		default:
			c.writeQueue = append(c.writeQueue, seg)
		}
	}
	return n, nil
}

func (c *Connection) advance(k int) {
	c.writeSeq += uint32(k)
	c.sndBuffered += k
}

func (c *Connection) flushPartial() {
	if c.partial != nil {
		c.writeQueue = append(c.writeQueue, c.partial)
		c.partial = nil
	}
}

// pushWriteQueue sends queued segments while both the peer's window and the
// congestion window allow.
func (c *Connection) pushWriteQueue() {
	if !c.state.synchronized() {
		return
	}
	for len(c.writeQueue) > 0 {
		seg := c.writeQueue[0]
		if len(seg.data) > 0 && seqAfter(seg.end, c.windowSeq) {
			break
		}
		if len(c.retransmitQueue) >= c.cong.window {
			break
		}
		c.writeQueue = c.writeQueue[1:]
		seg.sentAt = time.Now()
		c.retransmitQueue = append(c.retransmitQueue, seg)
		if seqAfter(seg.end, c.sentSeq) {
			c.sentSeq = seg.end
		}
		c.transmit(seg)
	}
}

// peerWindowShrunk takes back segments sent beyond a window the peer has
// retracted; they are sent again once it reopens.
func (c *Connection) peerWindowShrunk(edge uint32) {
	i := len(c.retransmitQueue)
	for i > 0 {
		seg := c.retransmitQueue[i-1]
		if seg.flags&SYNFlag != 0 || seqBefore(seg.seq, edge) {
			break
		}
		i--
	}
	if i == len(c.retransmitQueue) {
		return
	}
	moved := c.retransmitQueue[i:]
	for _, seg := range moved {
		seg.retransmitted = true
	}
	c.writeQueue = append(append([]*segment(nil), moved...), c.writeQueue...)
	c.retransmitQueue = c.retransmitQueue[:i:i]
	c.sentSeq = moved[0].seq
}

// needProbe reports whether data is stuck behind a zero window with nothing
// in flight.
func (c *Connection) needProbe() bool {
	if len(c.retransmitQueue) > 0 || len(c.writeQueue) == 0 {
		return false
	}
	seg := c.writeQueue[0]
	return len(seg.data) > 0 && seqAfter(seg.end, c.windowSeq)
}

// sendProbe sends an ACK with an old sequence number; the peer answers it
// with its current window.
func (c *Connection) sendProbe() {
	c.output(c.sentSeq-1, ACKFlag, nil, 0, 0)
}
