package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
)

// Listener represents a service listening on a specific port. Children in
// the middle of the handshake count against the backlog together with
// those waiting in the accept queue.
type Listener struct {
	proto     *tcpProtocol
	addr      netip.AddrPort
	backlog   int
	ephemeral bool

	mu          sync.Mutex
	cond        *sync.Cond
	acceptQueue []*Connection
	pending     map[*Connection]struct{}
	closed      bool
	nonblocking bool
	deadline    time.Time
}

func newListener(p *tcpProtocol, addr netip.AddrPort, backlog int) *Listener {
	l := &Listener{
		proto:   p,
		addr:    addr,
		backlog: backlog,
		pending: make(map[*Connection]struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// segmentArrives handles a segment for which no connection exists. Only a
// bare SYN creates a child; an ACK is answered with a RST.
func (l *Listener) segmentArrives(local, remote netip.AddrPort, th header.TCP, data []byte) {
	p := l.proto
	switch {
	case th.Flags&RSTFlag != 0:
		return
	case th.Flags&ACKFlag != 0:
		p.sendReset(local, remote, th, len(data))
		return
	case th.Flags&SYNFlag == 0:
		return
	}
	if p.s.isBroadcast(remote.Addr()) || remote.Addr().IsMulticast() {
		return
	}

	l.mu.Lock()
	full := l.closed || len(l.pending)+len(l.acceptQueue) >= l.backlog
	l.mu.Unlock()
	if full {
		p.drop(dropListenOverflow)
		return
	}

	pt, err := p.s.findPath(remote.Addr())
	if err != nil {
		return
	}
	c := newConnection(p.s, local, remote, pt)
	c.listener = l
	if err := p.bind(c, local.Port()); err != nil {
		// a retransmitted SYN raced the first one
		return
	}

	l.mu.Lock()
	l.pending[c] = struct{}{}
	l.mu.Unlock()

	c.mu.Lock()
	c.passiveOpen(th)
	c.mu.Unlock()
}

// enqueue moves an established child to the accept queue. It reports false
// if the listener has been closed.
func (l *Listener) enqueue(c *Connection) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	delete(l.pending, c)
	l.acceptQueue = append(l.acceptQueue, c)
	l.cond.Broadcast()
	return true
}

// childGone forgets a child that died before it was accepted.
func (l *Listener) childGone(c *Connection) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pending, c)
	for i, q := range l.acceptQueue {
		if q == c {
			l.acceptQueue = append(l.acceptQueue[:i], l.acceptQueue[i+1:]...)
			break
		}
	}
}

// Accept waits for the next established connection.
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.AcceptContext(context.Background())
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (l *Listener) AcceptContext(ctx context.Context) (*Connection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.closed {
			return nil, ErrClosed
		}
		if len(l.acceptQueue) > 0 {
			c := l.acceptQueue[0]
			l.acceptQueue = l.acceptQueue[1:]
			return c, nil
		}
		if l.nonblocking {
			return nil, ErrWouldBlock
		}
		if err := waitCond(ctx, l.cond, l.deadline); err != nil {
			return nil, err
		}
	}
}

// Close stops listening and resets every child not yet accepted.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.closed = true
	children := l.acceptQueue
	for c := range l.pending {
		children = append(children, c)
	}
	l.acceptQueue = nil
	l.pending = make(map[*Connection]struct{})
	l.cond.Broadcast()
	l.mu.Unlock()

	l.proto.removeListener(l)
	for _, c := range children {
		c.mu.Lock()
		c.userClosed = true
		c.abort(ErrConnectionReset, true)
		c.mu.Unlock()
	}
	l.proto.s.log.Infof("stopped listening on %s", l.addr)
	return nil
}

func (l *Listener) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.addr) }

func (l *Listener) AddrPort() netip.AddrPort { return l.addr }

func (l *Listener) SetNonblocking(on bool) {
	l.mu.Lock()
	l.nonblocking = on
	l.mu.Unlock()
}

func (l *Listener) SetDeadline(t time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline = t
	l.cond.Broadcast()
	return nil
}

// Pending returns the number of children in the handshake and the number
// waiting to be accepted.
func (l *Listener) Pending() (handshaking, queued int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending), len(l.acceptQueue)
}
