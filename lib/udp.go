package lib

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/pool"
	log "github.com/sirupsen/logrus"
)

type udpProtocol struct {
	s     *Stack
	ports *portPool

	mu        sync.RWMutex
	endpoints map[uint16][]*UDPEndpoint
}

func newUDPProtocol(s *Stack) *udpProtocol {
	return &udpProtocol{
		s:         s,
		ports:     newPortPool(s.config.Stack.PortRangeMin, s.config.Stack.PortRangeMax),
		endpoints: make(map[uint16][]*UDPEndpoint),
	}
}

func (p *udpProtocol) Protocol() uint8 { return header.ProtocolUDP }

type udpDatagram struct {
	from netip.AddrPort
	buf  *pool.Buffer
}

// UDPEndpoint is a bound UDP socket.
type UDPEndpoint struct {
	proto     *udpProtocol
	local     netip.AddrPort
	ephemeral bool

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []udpDatagram
	softErr     error
	closed      bool
	nonblocking bool
	deadline    time.Time
	tos, ttl    uint8
}

// ListenUDP binds a UDP endpoint. Port 0 picks an ephemeral port and an
// unspecified address accepts datagrams for any local address.
func (s *Stack) ListenUDP(laddr netip.AddrPort) (*UDPEndpoint, error) {
	e, err := s.bindUDP(laddr)
	if err != nil {
		return nil, err
	}
	if s.filter != nil {
		if err := s.filter.AddUdpServerFiltering(e.local.String()); err != nil {
			s.log.Warnln("adding udp filtering:", err)
		}
	}
	return e, nil
}

func (s *Stack) bindUDP(laddr netip.AddrPort) (*UDPEndpoint, error) {
	p := s.udp
	addr := laddr.Addr()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !addr.IsUnspecified() && !s.isLocal(addr) {
		return nil, fmt.Errorf("listen udp %s: %w", laddr, ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	port, ephemeral := laddr.Port(), false
	if port == 0 {
		n, err := p.ports.allocate(func(n uint16) bool { return len(p.endpoints[n]) > 0 })
		if err != nil {
			return nil, err
		}
		port, ephemeral = n, true
	}
	for _, e := range p.endpoints[port] {
		if e.local.Addr() == addr || e.local.Addr().IsUnspecified() || addr.IsUnspecified() {
			return nil, fmt.Errorf("listen udp %s: %w", netip.AddrPortFrom(addr, port), ErrAddressInUse)
		}
	}
	e := &UDPEndpoint{proto: p, local: netip.AddrPortFrom(addr, port), ephemeral: ephemeral}
	e.cond = sync.NewCond(&e.mu)
	p.endpoints[port] = append(p.endpoints[port], e)
	return e, nil
}

// lookup prefers an endpoint bound to dst over a wildcard one.
func (p *udpProtocol) lookup(dst netip.AddrPort) *UDPEndpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var wildcard *UDPEndpoint
	for _, e := range p.endpoints[dst.Port()] {
		if e.local.Addr() == dst.Addr() {
			return e
		}
		if e.local.Addr().IsUnspecified() {
			wildcard = e
		}
	}
	return wildcard
}

func (p *udpProtocol) HandlePacket(ip header.IPv4, payload []byte) {
	s := p.s
	if !header.VerifyUDPChecksum(ip.Src, ip.Dst, payload) {
		s.stats.UDPInErrors.Inc()
		return
	}
	u, err := header.ParseUDP(payload)
	if err != nil || int(u.Length) > len(payload) {
		s.stats.UDPInErrors.Inc()
		return
	}
	data := payload[header.UDPSize:u.Length]

	e := p.lookup(netip.AddrPortFrom(ip.Dst, u.DstPort))
	if e == nil {
		s.stats.UDPNoPorts.Inc()
		if !s.isBroadcast(ip.Dst) {
			s.sendICMPError(ip, payload, header.ICMPDestUnreachable, header.ICMPPortUnreachable, 0)
		}
		return
	}
	if !e.enqueue(netip.AddrPortFrom(ip.Src, u.SrcPort), data) {
		s.stats.UDPInErrors.Inc()
		return
	}
	s.stats.UDPInDatagrams.Inc()
}

func (p *udpProtocol) HandleError(ip header.IPv4, icmpType, code uint8, original []byte) {
	// the quote holds only the first 8 bytes of the datagram
	if len(original) < 8 {
		return
	}
	srcPort := binary.BigEndian.Uint16(original[0:2])
	e := p.lookup(netip.AddrPortFrom(ip.Src, srcPort))
	if e == nil {
		return
	}
	if err := icmpToError(icmpType, code); err != nil {
		e.mu.Lock()
		e.softErr = err
		e.cond.Broadcast()
		e.mu.Unlock()
	}
}

func (p *udpProtocol) Close() {
	p.mu.Lock()
	var all []*UDPEndpoint
	for _, es := range p.endpoints {
		all = append(all, es...)
	}
	p.mu.Unlock()
	for _, e := range all {
		e.Close()
	}
}

func (e *UDPEndpoint) enqueue(from netip.AddrPort, data []byte) bool {
	buf, err := e.proto.s.pool.Get(len(data))
	if err != nil {
		return false
	}
	copy(buf.Bytes(), data)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || len(e.queue) >= e.proto.s.config.Stack.UDPQueueLen {
		buf.Release()
		return false
	}
	e.queue = append(e.queue, udpDatagram{from: from, buf: buf})
	e.cond.Broadcast()
	return true
}

func (e *UDPEndpoint) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(e.local)
}

func (e *UDPEndpoint) AddrPort() netip.AddrPort { return e.local }

func (e *UDPEndpoint) SetNonblocking(on bool) {
	e.mu.Lock()
	e.nonblocking = on
	e.mu.Unlock()
}

func (e *UDPEndpoint) SetReadDeadline(t time.Time) error {
	e.mu.Lock()
	e.deadline = t
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

func (e *UDPEndpoint) SetTOS(tos uint8) {
	e.mu.Lock()
	e.tos = tos
	e.mu.Unlock()
}

func (e *UDPEndpoint) SetTTL(ttl uint8) {
	e.mu.Lock()
	e.ttl = ttl
	e.mu.Unlock()
}

func (e *UDPEndpoint) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	return e.ReadFromContext(context.Background(), b)
}

// ReadFromContext returns the next datagram, truncated to len(b). A pending
// ICMP error is returned once instead.
func (e *UDPEndpoint) ReadFromContext(ctx context.Context, b []byte) (int, netip.AddrPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return 0, netip.AddrPort{}, ErrClosed
		}
		if err := e.softErr; err != nil {
			e.softErr = nil
			return 0, netip.AddrPort{}, err
		}
		if len(e.queue) > 0 {
			d := e.queue[0]
			e.queue = e.queue[1:]
			n := copy(b, d.buf.Bytes())
			d.buf.Release()
			return n, d.from, nil
		}
		if e.nonblocking {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		if err := waitCond(ctx, e.cond, e.deadline); err != nil {
			return 0, netip.AddrPort{}, err
		}
	}
}

// WriteTo sends one datagram to dst.
func (e *UDPEndpoint) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	tos, ttl := e.tos, e.ttl
	e.mu.Unlock()

	if len(b) > header.IPv4MaximumPacketSize-header.IPv4MinimumSize-header.UDPSize {
		return 0, ErrMessageTooLong
	}
	u := header.UDP{SrcPort: e.local.Port(), DstPort: dst.Port()}
	params := ipParams{src: e.local.Addr(), dst: dst.Addr(), protocol: header.ProtocolUDP, tos: tos, ttl: ttl}
	err := e.proto.s.ipOutput(params, header.UDPSize+len(b), func(out []byte, src netip.Addr) error {
		_, err := u.Marshal(out, src, dst.Addr(), b)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.proto.s.stats.UDPOutDatagrams.Inc()
	return len(b), nil
}

func (e *UDPEndpoint) Close() error {
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
	list := p.endpoints[e.local.Port()]
	for i, x := range list {
		if x == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.endpoints, e.local.Port())
	} else {
		p.endpoints[e.local.Port()] = list
	}
	p.mu.Unlock()
	if e.ephemeral {
		if err := p.ports.release(e.local.Port()); err != nil {
			log.Debugln("udp:", err)
		}
	}
	if f := p.s.filter; f != nil {
		if err := f.RemoveUdpServerFiltering(e.local.String()); err != nil {
			log.Debugln("udp: removing filtering:", err)
		}
	}
	return nil
}
