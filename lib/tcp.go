package lib

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	log "github.com/sirupsen/logrus"
)

type connKey struct {
	local, remote netip.AddrPort
}

func (k connKey) String() string {
	return fmt.Sprintf("%s-%s", k.local, k.remote)
}

// tcpProtocol demultiplexes segments to connections and listeners. The
// connection table and the listener table share mu.
type tcpProtocol struct {
	s     *Stack
	ports *portPool

	mu        sync.RWMutex
	conns     map[connKey]*Connection
	listeners map[netip.AddrPort]*Listener
}

func newTCPProtocol(s *Stack) *tcpProtocol {
	return &tcpProtocol{
		s:         s,
		ports:     newPortPool(s.config.Stack.PortRangeMin, s.config.Stack.PortRangeMax),
		conns:     make(map[connKey]*Connection),
		listeners: make(map[netip.AddrPort]*Listener),
	}
}

func (p *tcpProtocol) Protocol() uint8 { return header.ProtocolTCP }

// tcpFields is everything needed to put one segment on the wire.
type tcpFields struct {
	local, remote netip.AddrPort
	seq, ack      uint32
	flags         uint8
	window        uint16
	urgent        uint16
	mss           uint16
	tos, ttl      uint8
}

func (p *tcpProtocol) output(f tcpFields, payload []byte) error {
	th := header.TCP{
		SrcPort: f.local.Port(),
		DstPort: f.remote.Port(),
		Seq:     f.seq,
		Ack:     f.ack,
		Flags:   f.flags,
		Window:  f.window,
		Urgent:  f.urgent,
		MSS:     f.mss,
	}
	params := ipParams{src: f.local.Addr(), dst: f.remote.Addr(), protocol: header.ProtocolTCP, tos: f.tos, ttl: f.ttl}
	err := p.s.ipOutput(params, th.Size()+len(payload), func(b []byte, src netip.Addr) error {
		_, err := th.Marshal(b, src, f.remote.Addr(), payload)
		return err
	})
	if err != nil {
		return err
	}
	p.s.stats.TCPOutSegs.Inc()
	if f.flags&RSTFlag != 0 {
		p.s.stats.TCPOutRsts.Inc()
	}
	return nil
}

// sendReset answers a segment that belongs to no connection.
func (p *tcpProtocol) sendReset(local, remote netip.AddrPort, th header.TCP, dataLen int) {
	f := tcpFields{local: local, remote: remote}
	if th.Flags&ACKFlag != 0 {
		f.seq = th.Ack
		f.flags = RSTFlag
	} else {
		f.ack = th.Seq + uint32(dataLen)
		if th.Flags&SYNFlag != 0 {
			f.ack++
		}
		if th.Flags&FINFlag != 0 {
			f.ack++
		}
		f.flags = RSTFlag | ACKFlag
	}
	if err := p.output(f, nil); err != nil {
		log.Debugf("tcp: reset to %s: %v", remote, err)
	}
}

func (p *tcpProtocol) drop(reason string) {
	p.s.stats.TCPDrops.WithLabelValues(reason).Inc()
}

func (p *tcpProtocol) HandlePacket(ip header.IPv4, payload []byte) {
	s := p.s
	if s.isBroadcast(ip.Dst) || ip.Dst.IsMulticast() {
		return
	}
	if !header.VerifyTransportChecksum(ip.Src, ip.Dst, header.ProtocolTCP, payload) {
		s.stats.TCPInErrs.Inc()
		p.drop(dropChecksum)
		return
	}
	th, err := header.ParseTCP(payload)
	if err != nil {
		s.stats.TCPInErrs.Inc()
		p.drop(dropMalformed)
		return
	}
	s.stats.TCPInSegs.Inc()
	data := payload[th.DataOffset:]
	local := netip.AddrPortFrom(ip.Dst, th.DstPort)
	remote := netip.AddrPortFrom(ip.Src, th.SrcPort)

	p.mu.RLock()
	c := p.conns[connKey{local, remote}]
	var l *Listener
	if c == nil {
		l = p.listenerFor(local)
	}
	p.mu.RUnlock()

	switch {
	case c != nil:
		c.segmentArrives(th, data)
	case l != nil:
		l.segmentArrives(local, remote, th, data)
	case th.Flags&RSTFlag == 0:
		p.drop(dropClosed)
		p.sendReset(local, remote, th, len(data))
	}
}

// listenerFor prefers a listener bound to the exact address. p.mu must be
// held.
func (p *tcpProtocol) listenerFor(local netip.AddrPort) *Listener {
	if l, ok := p.listeners[local]; ok {
		return l
	}
	return p.listeners[netip.AddrPortFrom(netip.IPv4Unspecified(), local.Port())]
}

func (p *tcpProtocol) HandleError(ip header.IPv4, icmpType, code uint8, original []byte) {
	if len(original) < 8 {
		return
	}
	srcPort := binary.BigEndian.Uint16(original[0:2])
	dstPort := binary.BigEndian.Uint16(original[2:4])
	seq := binary.BigEndian.Uint32(original[4:8])
	key := connKey{netip.AddrPortFrom(ip.Src, srcPort), netip.AddrPortFrom(ip.Dst, dstPort)}

	p.mu.RLock()
	c := p.conns[key]
	p.mu.RUnlock()
	if c != nil {
		c.icmpError(icmpType, code, seq)
	}
}

// portInUse reports whether a connection or listener holds port on addr.
// p.mu must be held.
func (p *tcpProtocol) portInUse(addr netip.Addr, port uint16) bool {
	for lp := range p.listeners {
		if lp.Port() == port && (lp.Addr() == addr || lp.Addr().IsUnspecified() || addr.IsUnspecified()) {
			return true
		}
	}
	for k := range p.conns {
		if k.local.Port() == port && k.local.Addr() == addr {
			return true
		}
	}
	return false
}

// bind gives c its local port and enters it in the connection table. A
// 4-tuple still held, e.g. in TIME_WAIT, yields ErrAddressInUse.
func (p *tcpProtocol) bind(c *Connection, port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	local := c.key.local.Addr()
	if port == 0 {
		n, err := p.ports.allocate(func(n uint16) bool { return p.portInUse(local, n) })
		if err != nil {
			return err
		}
		port = n
		c.ephemeral = true
	}
	key := connKey{netip.AddrPortFrom(local, port), c.key.remote}
	if _, ok := p.conns[key]; ok {
		if c.ephemeral {
			p.ports.release(port)
			c.ephemeral = false
		}
		return fmt.Errorf("%s: %w", key, ErrAddressInUse)
	}
	c.key = key
	c.log = p.s.log.WithField("conn", key.String())
	p.conns[key] = c
	return nil
}

func (p *tcpProtocol) unregister(c *Connection) {
	p.mu.Lock()
	if p.conns[c.key] == c {
		delete(p.conns, c.key)
	}
	p.mu.Unlock()
	if c.ephemeral {
		if err := p.ports.release(c.key.local.Port()); err != nil {
			log.Debugln("tcp:", err)
		}
		c.ephemeral = false
	}
}

func (p *tcpProtocol) lookup(local, remote netip.AddrPort) *Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conns[connKey{local, remote}]
}

// Close resets every connection and closes every listener.
func (p *tcpProtocol) Close() {
	p.mu.Lock()
	listeners := make([]*Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, c := range conns {
		c.mu.Lock()
		c.abort(ErrClosed, true)
		c.mu.Unlock()
	}
}

// Dial opens a connection to raddr. An unspecified laddr address takes the
// source address of the route; port 0 picks an ephemeral port.
func (s *Stack) Dial(ctx context.Context, laddr, raddr netip.AddrPort) (*Connection, error) {
	return s.tcp.dial(ctx, laddr, raddr)
}

func (p *tcpProtocol) dial(ctx context.Context, laddr, raddr netip.AddrPort) (*Connection, error) {
	s := p.s
	if !raddr.Addr().Is4() || raddr.Port() == 0 || raddr.Addr().IsUnspecified() {
		return nil, fmt.Errorf("dial %s: %w", raddr, ErrInvalidArgument)
	}
	pt, err := s.findPath(raddr.Addr())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	local := laddr.Addr()
	if !local.IsValid() || local.IsUnspecified() {
		local = pt.src
	} else if !s.isLocal(local) {
		return nil, fmt.Errorf("dial %s: local address %s: %w", raddr, local, ErrInvalidArgument)
	}

	c := newConnection(s, netip.AddrPortFrom(local, 0), raddr, pt)
	if err := p.bind(c, laddr.Port()); err != nil {
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	s.addClientFilter(c)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeOpen()
	for c.state == StateSynSent || c.state == StateSynReceived {
		if err := waitCond(ctx, c.cond, time.Time{}); err != nil {
			c.userClosed = true
			c.abort(ErrInterrupted, c.state == StateSynReceived)
			return nil, fmt.Errorf("dial %s: %w", raddr, err)
		}
	}
	if c.err != nil {
		c.userClosed = true
		c.reclaim()
		return nil, fmt.Errorf("dial %s: %w", raddr, c.err)
	}
	return c, nil
}

// Listen starts accepting connections on laddr with the configured
// backlog.
func (s *Stack) Listen(laddr netip.AddrPort) (*Listener, error) {
	return s.ListenBacklog(laddr, s.config.TCP.ListenBacklog)
}

func (s *Stack) ListenBacklog(laddr netip.AddrPort, backlog int) (*Listener, error) {
	p := s.tcp
	addr := laddr.Addr()
	if !addr.IsValid() {
		addr = netip.IPv4Unspecified()
	}
	if !addr.IsUnspecified() && !s.isLocal(addr) {
		return nil, fmt.Errorf("listen %s: %w", laddr, ErrInvalidArgument)
	}
	if backlog <= 0 {
		backlog = 1
	}

	p.mu.Lock()
	port, ephemeral := laddr.Port(), false
	if port == 0 {
		n, err := p.ports.allocate(func(n uint16) bool { return p.portInUse(addr, n) })
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		port, ephemeral = n, true
	}
	for lp := range p.listeners {
		if lp.Port() == port && (lp.Addr() == addr || lp.Addr().IsUnspecified() || addr.IsUnspecified()) {
			p.mu.Unlock()
			return nil, fmt.Errorf("listen %s: %w", netip.AddrPortFrom(addr, port), ErrAddressInUse)
		}
	}
	l := newListener(p, netip.AddrPortFrom(addr, port), backlog)
	l.ephemeral = ephemeral
	p.listeners[l.addr] = l
	p.mu.Unlock()

	if s.filter != nil {
		if err := s.filter.AddTcpServerFiltering(addr.String(), int(port)); err != nil {
			s.log.Warnln("adding server filtering rule:", err)
		}
	}
	s.log.Infof("listening on %s", l.addr)
	return l, nil
}

func (p *tcpProtocol) removeListener(l *Listener) {
	p.mu.Lock()
	if p.listeners[l.addr] == l {
		delete(p.listeners, l.addr)
	}
	p.mu.Unlock()
	if l.ephemeral {
		p.ports.release(l.addr.Port())
	}
	if f := p.s.filter; f != nil {
		if err := f.RemoveTcpServerFiltering(l.addr.Addr().String(), int(l.addr.Port())); err != nil {
			log.Debugln("removing server filtering rule:", err)
		}
	}
}

func (s *Stack) addClientFilter(c *Connection) {
	if s.filter == nil {
		return
	}
	if err := s.filter.AddTcpClientFiltering(c.key.remote.Addr().String(), int(c.key.remote.Port())); err != nil {
		s.log.Warnln("adding client filtering rule:", err)
		return
	}
	c.filtered = true
}

// removeClientFilter runs off the connection lock; rule changes exec the
// host firewall.
func (s *Stack) removeClientFilter(remote netip.AddrPort) {
	if s.filter == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.filter.RemoveTcpClientFiltering(remote.Addr().String(), int(remote.Port())); err != nil {
			log.Debugln("removing client filtering rule:", err)
		}
	}()
}
