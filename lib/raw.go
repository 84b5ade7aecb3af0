package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/pool"
)

// rawProtocol feeds raw endpoints. It sees every locally delivered datagram
// before the protocol handlers do.
type rawProtocol struct {
	s *Stack

	mu        sync.RWMutex
	endpoints map[uint8][]*RawEndpoint
}

func newRawProtocol(s *Stack) *rawProtocol {
	return &rawProtocol{s: s, endpoints: make(map[uint8][]*RawEndpoint)}
}

func (p *rawProtocol) Protocol() uint8 { return ipProtocolRaw }

func (p *rawProtocol) HandlePacket(ip header.IPv4, payload []byte) {
	p.deliver(ip, payload)
}

// deliver copies the datagram to every endpoint of its protocol and reports
// whether there was one.
func (p *rawProtocol) deliver(ip header.IPv4, payload []byte) bool {
	p.mu.RLock()
	eps := p.endpoints[ip.Protocol]
	p.mu.RUnlock()
	for _, e := range eps {
		e.enqueue(ip, payload)
	}
	return len(eps) > 0
}

func (p *rawProtocol) HandleError(header.IPv4, uint8, uint8, []byte) {}

func (p *rawProtocol) Close() {
	p.mu.Lock()
	var all []*RawEndpoint
	for _, eps := range p.endpoints {
		all = append(all, eps...)
	}
	p.mu.Unlock()
	for _, e := range all {
		e.Close()
	}
}

type rawDatagram struct {
	hdr header.IPv4
	buf *pool.Buffer
}

// RawEndpoint sends and receives the payload of datagrams of one IP
// protocol.
type RawEndpoint struct {
	proto    *rawProtocol
	protocol uint8

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []rawDatagram
	closed   bool
	deadline time.Time
}

// ListenRaw opens a raw endpoint for protocol.
func (s *Stack) ListenRaw(protocol uint8) (*RawEndpoint, error) {
	if protocol == 0 || protocol == ipProtocolRaw {
		return nil, ErrInvalidArgument
	}
	e := &RawEndpoint{proto: s.raw, protocol: protocol}
	e.cond = sync.NewCond(&e.mu)
	s.raw.mu.Lock()
	s.raw.endpoints[protocol] = append(s.raw.endpoints[protocol], e)
	s.raw.mu.Unlock()
	return e, nil
}

func (e *RawEndpoint) enqueue(ip header.IPv4, payload []byte) {
	buf, err := e.proto.s.pool.Get(len(payload))
	if err != nil {
		return
	}
	copy(buf.Bytes(), payload)
	ip.Options = append([]byte(nil), ip.Options...)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) >= e.proto.s.config.Stack.UDPQueueLen {
		buf.Release()
		return
	}
	e.queue = append(e.queue, rawDatagram{hdr: ip, buf: buf})
	e.cond.Broadcast()
}

func (e *RawEndpoint) LocalAddr() net.Addr {
	return &net.IPAddr{IP: net.IPv4zero}
}

func (e *RawEndpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// ReadFrom returns the payload and header of the next datagram.
func (e *RawEndpoint) ReadFrom(ctx context.Context, b []byte) (int, header.IPv4, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return 0, header.IPv4{}, ErrClosed
		}
		if len(e.queue) > 0 {
			d := e.queue[0]
			e.queue = e.queue[1:]
			n := copy(b, d.buf.Bytes())
			d.buf.Release()
			return n, d.hdr, nil
		}
		if err := waitCond(ctx, e.cond, e.deadline); err != nil {
			return 0, header.IPv4{}, err
		}
	}
}

// WriteTo sends payload to dst as a datagram of the endpoint's protocol.
func (e *RawEndpoint) WriteTo(payload []byte, dst netip.Addr) (int, error) {
	return e.WriteProtocol(e.protocol, payload, dst)
}

// WriteProtocol sends payload with an arbitrary protocol number.
func (e *RawEndpoint) WriteProtocol(protocol uint8, payload []byte, dst netip.Addr) (int, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	err := e.proto.s.ipOutput(ipParams{dst: dst, protocol: protocol}, len(payload), func(b []byte, _ netip.Addr) error {
		copy(b, payload)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (e *RawEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	for _, d := range e.queue {
		d.buf.Release()
	}
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	p := e.proto
	p.mu.Lock()
	eps := p.endpoints[e.protocol]
	for i, x := range eps {
		if x == e {
			eps = append(eps[:i:i], eps[i+1:]...)
			break
		}
	}
	p.endpoints[e.protocol] = eps
	p.mu.Unlock()
	return nil
}

// waitCond blocks on cond, whose lock the caller holds, until it is
// signalled, ctx is done or deadline passes.
func waitCond(ctx context.Context, cond *sync.Cond, deadline time.Time) error {
	if ctx.Err() != nil {
		return ErrInterrupted
	}
	if !deadline.IsZero() && !time.Now().Before(deadline) {
		return errDeadline
	}
	wake := func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	}
	stop := context.AfterFunc(ctx, wake)
	defer stop()
	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), wake)
		defer t.Stop()
	}
	cond.Wait()
	return nil
}
