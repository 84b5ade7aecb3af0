package lib

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/Clouded-Sabre/inetcore/lib/header"
	log "github.com/sirupsen/logrus"
)

type urgentState struct {
	seq     uint32 // sequence number of the urgent byte
	pointer bool   // an urgent pointer was received
	valid   bool   // the byte itself has arrived
	read    bool   // the byte was handed out by ReadUrgent
	data    byte
}

// Connection is one TCP connection. Every field below mu is guarded by it.
type Connection struct {
	stack     *Stack
	proto     *tcpProtocol
	cfg       config.TCPConfig
	log       *log.Entry
	key       connKey
	listener  *Listener
	ephemeral bool
	filtered  bool

	mu   sync.Mutex
	cond *sync.Cond

	state      State
	closingFin bool  // peer FIN consumed while our FIN is unacknowledged
	err        error // terminal error, first one wins
	softErr    error
	unlinked   bool
	userClosed bool
	writeShut  bool

	// send side
	iss             uint32
	writeSeq        uint32 // next sequence number to queue
	sentSeq         uint32 // highest sequence number sent
	rcvAckSeq       uint32 // highest sequence number acknowledged by the peer
	windowSeq       uint32 // right edge of the peer's window
	sndWl1, sndWl2  uint32
	maxWindow       uint32
	mss             int // segment size towards the peer
	advMSS          int // MSS we announce
	finQueued       bool
	writeQueue      []*segment
	retransmitQueue []*segment
	partial         *segment
	sndBuffered     int
	rtt             rttEstimator
	cong            congestion
	retransmits     int
	probes          int

	// receive side
	irs         uint32
	ackedSeq    uint32 // next sequence number expected
	copiedSeq   uint32 // next sequence number the application reads
	finReceived bool
	finSeq      uint32
	peerClosed  bool // the peer's FIN was consumed
	window      uint32
	rcvEdge     uint32 // right edge of the window we promised
	reorder     *reorderQueue
	readQueue   []*segment
	readBytes   int
	ackPending  bool
	ackBacklog  int
	urg         urgentState
	lastRecv    time.Time
	kaProbes    int

	timer       *time.Timer
	timerReason timerReason
	timerGen    uint64

	noDelay       bool
	keepalive     bool
	keepaliveIdle time.Duration
	lingerSet     bool
	linger        time.Duration
	inlineUrgent  bool
	nonblocking   bool
	tos, ttl      uint8
	readDeadline  time.Time
	writeDeadline time.Time
}

func newConnection(s *Stack, local, remote netip.AddrPort, pt path) *Connection {
	cfg := s.config.TCP
	c := &Connection{
		stack:         s,
		proto:         s.tcp,
		cfg:           cfg,
		log:           s.log.WithField("conn", connKey{local, remote}.String()),
		key:           connKey{local, remote},
		reorder:       newReorderQueue(),
		rtt:           newRTTEstimator(cfg.InitialRTO, cfg.MinRTO, cfg.MaxRTO),
		cong:          newCongestion(),
		noDelay:       cfg.NoDelay,
		keepaliveIdle: cfg.KeepaliveIdle,
		ttl:           s.config.IP.DefaultTTL,
		lastRecv:      time.Now(),
	}
	c.cond = sync.NewCond(&c.mu)

	c.advMSS = pt.mtu - IpHeaderLength - TcpHeaderLength
	if cfg.MSS > 0 && cfg.MSS < c.advMSS {
		c.advMSS = cfg.MSS
	}
	if limit := s.pool.ChunkSize() - IpHeaderMaxLength - TcpHeaderLength - header.TCPOptionMSSLength; c.advMSS > limit {
		c.advMSS = limit
	}
	c.mss = min(header.TCPDefaultMSS, c.advMSS)
	return c
}

func (c *Connection) negotiateMSS(peer uint16) {
	m := int(peer)
	if m == 0 {
		m = header.TCPDefaultMSS
	}
	c.mss = min(m, c.advMSS)
}

// activeOpen sends the initial SYN.
func (c *Connection) activeOpen() {
	c.iss = c.stack.isn()
	c.writeSeq = c.iss + 1
	c.sentSeq = c.iss
	c.rcvAckSeq = c.iss
	c.windowSeq = c.iss
	c.transition(EventActiveOpen)
	c.queueSyn(SYNFlag)
	c.stack.stats.TCPActiveOpens.Inc()
	c.updateTimer()
}

// passiveOpen answers the SYN th that arrived at a listener.
func (c *Connection) passiveOpen(th header.TCP) {
	c.transition(EventPassiveOpen)
	c.irs = th.Seq
	c.ackedSeq = th.Seq + 1
	c.copiedSeq = c.ackedSeq
	c.rcvEdge = c.ackedSeq
	c.negotiateMSS(th.MSS)

	c.iss = c.stack.isn()
	c.writeSeq = c.iss + 1
	c.sentSeq = c.iss
	c.rcvAckSeq = c.iss
	c.sndWl1 = th.Seq
	c.sndWl2 = c.iss
	c.windowSeq = c.iss + uint32(th.Window)
	c.maxWindow = uint32(th.Window)

	c.transition(EventSyn)
	c.queueSyn(SYNFlag | ACKFlag)
	c.stack.stats.TCPPassiveOpens.Inc()
	c.updateTimer()
}

func (c *Connection) queueSyn(flags uint8) {
	syn := &segment{seq: c.iss, end: c.iss + 1, flags: flags, sentAt: time.Now()}
	c.retransmitQueue = append(c.retransmitQueue, syn)
	c.sentSeq = syn.end
	c.transmit(syn)
}

// transition feeds ev to the state machine and returns the action to take.
func (c *Connection) transition(ev Event) Action {
	next, action := nextState(c.state, ev)
	c.setState(next)
	return action
}

func (c *Connection) setState(next State) {
	prev := c.state
	if prev == next {
		return
	}
	wasEstab := prev == StateEstablished || prev == StateCloseWait
	isEstab := next == StateEstablished || next == StateCloseWait
	switch {
	case isEstab && !wasEstab:
		c.stack.stats.TCPCurrEstab.Inc()
	case wasEstab && !isEstab:
		c.stack.stats.TCPCurrEstab.Dec()
	}
	c.state = next
	c.log.Debugf("%s -> %s", prev, next)
	c.cond.Broadcast()
}

func (c *Connection) setErr(err error) {
	if c.err == nil && err != nil {
		c.err = err
	}
}

// established runs once the handshake completes. A child of a listener
// joins its accept queue.
func (c *Connection) established() {
	c.softErr = nil
	if c.listener != nil && !c.listener.enqueue(c) {
		c.abort(ErrConnectionReset, true)
	}
}

// abort moves the connection straight to CLOSED, optionally telling the
// peer with a RST, and records err for the application.
func (c *Connection) abort(err error, sendRst bool) {
	if c.state == StateClosed {
		return
	}
	if sendRst && c.state != StateListen && c.state != StateTimeWait {
		if c.state == StateSynSent {
			c.output(c.sentSeq, RSTFlag, nil, 0, 0)
		} else {
			c.output(c.sentSeq, RSTFlag|ACKFlag, nil, 0, 0)
		}
	}
	switch c.state {
	case StateSynSent, StateSynReceived:
		c.stack.stats.TCPAttemptFails.Inc()
	case StateEstablished, StateCloseWait:
		c.stack.stats.TCPEstabResets.Inc()
	}
	c.setErr(err)
	c.setState(StateClosed)
	c.unlink()
}

// unlink removes the connection from the stack and frees everything on the
// send side. The read side stays until the application closes.
func (c *Connection) unlink() {
	if c.unlinked {
		return
	}
	c.unlinked = true
	c.stopTimer()
	for _, seg := range c.writeQueue {
		seg.release()
	}
	for _, seg := range c.retransmitQueue {
		seg.release()
	}
	if c.partial != nil {
		c.partial.release()
		c.partial = nil
	}
	c.writeQueue, c.retransmitQueue = nil, nil
	c.sndBuffered = 0
	c.reorder.clear()
	c.ackPending = false

	c.proto.unregister(c)
	if c.listener != nil {
		c.listener.childGone(c)
	}
	if c.filtered {
		c.filtered = false
		c.stack.removeClientFilter(c.key.remote)
	}
	if c.userClosed {
		c.reclaim()
	}
	c.cond.Broadcast()
}

// reclaim frees the receive side once the application can no longer read.
func (c *Connection) reclaim() {
	for _, seg := range c.readQueue {
		seg.release()
	}
	c.readQueue = nil
	c.readBytes = 0
	c.copiedSeq = c.ackedSeq
}

// Read reads in-order data. It returns io.EOF once the peer's FIN has been
// consumed and every byte before it read.
func (c *Connection) Read(b []byte) (int, error) {
	return c.read(context.Background(), b, false)
}

func (c *Connection) ReadContext(ctx context.Context, b []byte) (int, error) {
	return c.read(ctx, b, false)
}

// Peek copies buffered data without consuming it.
func (c *Connection) Peek(b []byte) (int, error) {
	return c.read(context.Background(), b, true)
}

func (c *Connection) read(ctx context.Context, b []byte, peek bool) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if c.userClosed {
			return 0, ErrClosed
		}
		if c.state == StateSynSent || c.state == StateSynReceived {
			return 0, ErrNotConnected
		}
		n, consumed := c.copyOut(b, peek)
		if consumed > 0 && !peek {
			c.readWindowUpdate()
			c.updateTimer()
		}
		if n > 0 {
			return n, nil
		}
		if c.err != nil {
			return 0, c.err
		}
		if c.peerClosed || c.state == StateClosed {
			return 0, io.EOF
		}
		if c.nonblocking {
			return 0, ErrWouldBlock
		}
		if err := waitCond(ctx, c.cond, c.readDeadline); err != nil {
			return 0, err
		}
	}
}

// copyOut copies from the read queue into b. Unless urgent data is read
// inline, the urgent byte is skipped and a read stops at the mark. It
// returns the bytes copied and the sequence space consumed.
func (c *Connection) copyOut(b []byte, peek bool) (int, int) {
	n := 0
	seq := c.copiedSeq
	oob := c.urg.pointer && !c.inlineUrgent
	for i := 0; i < len(c.readQueue) && n < len(b); {
		seg := c.readQueue[i]
		if seqBeforeEq(seg.end, seq) {
			i++
			continue
		}
		avail := seg.data[seq-seg.seq:]
		if oob && seqBetween(c.urg.seq, seq, seq+uint32(len(avail))-1) {
			if c.urg.seq == seq {
				if n > 0 {
					break
				}
				seq++
				continue
			}
			avail = avail[:c.urg.seq-seq]
		}
		k := copy(b[n:], avail)
		n += k
		seq += uint32(k)
	}
	consumed := int(seq - c.copiedSeq)
	if peek {
		return n, consumed
	}
	c.copiedSeq = seq
	c.readBytes -= consumed
	done := 0
	for done < len(c.readQueue) && seqBeforeEq(c.readQueue[done].end, seq) {
		c.readQueue[done].release()
		done++
	}
	c.readQueue = c.readQueue[done:]
	return n, consumed
}

func (c *Connection) Write(b []byte) (int, error) {
	return c.write(context.Background(), b, false)
}

func (c *Connection) WriteContext(ctx context.Context, b []byte) (int, error) {
	return c.write(ctx, b, false)
}

// WriteUrgent sends b with the urgent pointer set to its last byte.
func (c *Connection) WriteUrgent(b []byte) (int, error) {
	return c.write(context.Background(), b, true)
}

const poolRetryWait = 10 * time.Millisecond

func (c *Connection) write(ctx context.Context, b []byte, urgent bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.updateTimer()
	written := 0
	for written < len(b) {
		if c.userClosed || c.writeShut {
			return written, ErrClosed
		}
		if c.err != nil {
			return written, c.err
		}
		if c.state != StateEstablished && c.state != StateCloseWait {
			return written, ErrNotConnected
		}
		room := c.cfg.SendBufferSize - c.sndBuffered
		if room <= 0 {
			if c.nonblocking {
				return c.wouldBlock(written)
			}
			if err := waitCond(ctx, c.cond, c.writeDeadline); err != nil {
				return written, err
			}
			continue
		}
		chunk := b[written:]
		if len(chunk) > room {
			chunk = chunk[:room]
		}
		n, err := c.queueData(chunk, urgent && written+len(chunk) == len(b))
		written += n
		c.pushWriteQueue()
		if err == nil {
			continue
		}
		// the pool is exhausted; wait for segments to be acknowledged
		if c.nonblocking {
			return c.wouldBlock(written)
		}
		until := time.Now().Add(poolRetryWait)
		if !c.writeDeadline.IsZero() && c.writeDeadline.Before(until) {
			until = c.writeDeadline
		}
		if err := waitCond(ctx, c.cond, until); err != nil {
			if err == ErrInterrupted || !c.writeDeadline.IsZero() && !time.Now().Before(c.writeDeadline) {
				return written, err
			}
		}
	}
	return written, nil
}

func (c *Connection) wouldBlock(written int) (int, error) {
	if written > 0 {
		return written, nil
	}
	return 0, ErrWouldBlock
}

// ReadUrgent returns the out-of-band urgent byte.
func (c *Connection) ReadUrgent() (byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inlineUrgent {
		return 0, ErrInvalidArgument
	}
	switch {
	case c.urg.pointer && c.urg.valid && !c.urg.read:
		c.urg.read = true
		return c.urg.data, nil
	case c.urg.pointer && !c.urg.read:
		return 0, ErrWouldBlock
	}
	return 0, ErrNoUrgentData
}

// AtMark reports whether the next byte read is the urgent byte.
func (c *Connection) AtMark() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.urg.pointer && c.urg.seq == c.copiedSeq
}

// Close releases the connection. Unread data or a zero linger time resets
// the connection; otherwise a FIN is queued and, with a positive linger
// time, Close waits for it to be acknowledged.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed {
		return ErrClosed
	}
	c.userClosed = true
	unread := c.readBytes > 0 || c.reorder.Len() > 0
	switch {
	case c.state == StateClosed:
		c.reclaim()
		return nil
	case c.state == StateTimeWait:
	case unread || c.lingerSet && c.linger == 0:
		c.abort(ErrConnectionReset, true)
		return nil
	}
	c.reclaim()
	c.shutdownWrite()
	c.updateTimer()

	if c.lingerSet && c.linger > 0 {
		deadline := time.Now().Add(c.linger)
		for c.state == StateFinWait1 || c.state == StateLastAck {
			if err := waitCond(context.Background(), c.cond, deadline); err != nil {
				c.abort(ErrTimedOut, true)
				return err
			}
		}
	}
	return nil
}

// CloseWrite sends a FIN but keeps the read side open.
func (c *Connection) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userClosed {
		return ErrClosed
	}
	if c.err != nil {
		return c.err
	}
	if c.state != StateEstablished && c.state != StateCloseWait && c.state != StateSynReceived {
		return ErrNotConnected
	}
	c.shutdownWrite()
	c.updateTimer()
	return nil
}

func (c *Connection) shutdownWrite() {
	if c.writeShut {
		return
	}
	c.writeShut = true
	prev := c.state
	switch c.transition(EventClose) {
	case ActionSendFin:
		c.queueFin()
	case ActionDestroy:
		if prev == StateSynSent {
			c.stack.stats.TCPAttemptFails.Inc()
		}
		c.unlink()
	}
}

func (c *Connection) queueFin() {
	c.flushPartial()
	fin := &segment{seq: c.writeSeq, end: c.writeSeq + 1, flags: FINFlag | ACKFlag}
	c.writeSeq++
	c.finQueued = true
	c.writeQueue = append(c.writeQueue, fin)
	c.pushWriteQueue()
}

func (c *Connection) LocalAddr() net.Addr  { return net.TCPAddrFromAddrPort(c.key.local) }
func (c *Connection) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.key.remote) }

func (c *Connection) LocalAddrPort() netip.AddrPort  { return c.key.local }
func (c *Connection) RemoteAddrPort() netip.AddrPort { return c.key.remote }

func (c *Connection) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline, c.writeDeadline = t, t
	c.cond.Broadcast()
	return nil
}

func (c *Connection) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	c.cond.Broadcast()
	return nil
}

func (c *Connection) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeDeadline = t
	c.cond.Broadcast()
	return nil
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the connection, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Buffered returns the bytes waiting to be read and waiting to be
// acknowledged.
func (c *Connection) Buffered() (unread, unacked int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readBytes, c.sndBuffered
}
