package lib

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/route"
	log "github.com/sirupsen/logrus"
)

// ipParams describes a datagram to send. A zero src lets the route choose
// and a zero ttl means the configured default.
type ipParams struct {
	src, dst     netip.Addr
	protocol     uint8
	tos, ttl     uint8
	dontFragment bool
}

// path is the outcome of a route lookup.
type path struct {
	route   route.Entry
	iface   *Interface
	nextHop netip.Addr
	src     netip.Addr
	mtu     int
}

// findPath routes dst. Datagrams for our own addresses go over loopback.
func (s *Stack) findPath(dst netip.Addr) (path, error) {
	if iface := s.localInterface(dst); iface != nil {
		lo := s.loopback
		return path{
			route:   route.Entry{Dst: netip.PrefixFrom(dst, 32), Iface: lo.name, Flags: route.FlagUp | route.FlagHost},
			iface:   lo,
			nextHop: dst,
			src:     dst,
			mtu:     lo.MTU(),
		}, nil
	}
	rt, err := s.routes.Route(dst)
	if err != nil {
		return path{}, err
	}
	iface := s.Interface(rt.Iface)
	if iface == nil {
		return path{}, fmt.Errorf("%s: interface %s is gone: %w", dst, rt.Iface, ErrNetUnreachable)
	}
	mtu := iface.MTU()
	if rt.MTU > 0 && rt.MTU < mtu {
		mtu = rt.MTU
	}
	return path{
		route:   rt,
		iface:   iface,
		nextHop: rt.NextHop(dst),
		src:     iface.Addr(),
		mtu:     mtu,
	}, nil
}

// deliverFrame is the receive callback attached to every link.
func (s *Stack) deliverFrame(iface *Interface, datagram []byte) {
	if s.closed.Load() {
		return
	}
	s.captured(datagram)
	s.ipRcv(iface, datagram)
}

func (s *Stack) ipRcv(iface *Interface, b []byte) {
	s.stats.IPInReceives.Inc()

	h, err := header.ParseIPv4(b)
	if err != nil {
		s.stats.IPInHdrErrors.Inc()
		log.Debugf("%s: ip: dropped: %v", iface.name, err)
		return
	}
	if int(h.TotalLength) > len(b) {
		s.stats.IPInHdrErrors.Inc()
		log.Debugf("%s: ip: dropped: total length %d exceeds %d byte frame", iface.name, h.TotalLength, len(b))
		return
	}
	if !header.VerifyIPv4Checksum(b, h.HeaderLength) {
		s.stats.IPInHdrErrors.Inc()
		log.Debugf("%s: ip: dropped: bad header checksum from %s", iface.name, h.Src)
		return
	}
	b = b[:h.TotalLength] // link padding

	if !s.isLocal(h.Dst) && !s.isBroadcast(h.Dst) {
		if s.config.IP.Forwarding {
			s.ipForward(h, b)
			return
		}
		s.stats.IPInAddrErrors.Inc()
		return
	}

	if h.IsFragment() {
		s.stats.IPReasmReqds.Inc()
		buf, err := s.frags.Submit(h, b)
		if err != nil {
			s.stats.IPReasmFails.Inc()
			if errors.Is(err, ErrNoBuffer) {
				s.stats.IPInDiscards.Inc()
			}
			log.Debugf("%s: ip: fragment dropped: %v", iface.name, err)
			return
		}
		if buf == nil {
			return
		}
		defer buf.Release()
		s.stats.IPReasmOKs.Inc()
		b = buf.Bytes()
		if h, err = header.ParseIPv4(b); err != nil {
			return
		}
	}
	s.localDeliver(iface, h, b)
}

func (s *Stack) localDeliver(iface *Interface, h header.IPv4, datagram []byte) {
	payload := datagram[h.HeaderLength:h.TotalLength]
	raw := s.raw.deliver(h, payload)

	if h.Protocol == header.ProtocolICMP {
		s.stats.IPInDelivers.Inc()
		s.icmpRcv(iface, h, payload)
		return
	}
	t, ok := s.transports[h.Protocol]
	if !ok {
		if !raw {
			s.stats.IPInUnknownProtos.Inc()
			s.sendICMPError(h, payload, header.ICMPDestUnreachable, header.ICMPProtoUnreachable, 0)
		}
		return
	}
	s.stats.IPInDelivers.Inc()
	t.HandlePacket(h, payload)
}

func (s *Stack) ipForward(h header.IPv4, datagram []byte) {
	payload := datagram[h.HeaderLength:]
	if h.TTL <= 1 {
		s.sendICMPError(h, payload, header.ICMPTimeExceeded, header.ICMPTTLExceeded, 0)
		return
	}
	pt, err := s.findPath(h.Dst)
	if err != nil {
		s.stats.IPOutNoRoutes.Inc()
		s.sendICMPError(h, payload, header.ICMPDestUnreachable, header.ICMPNetUnreachable, 0)
		return
	}
	if len(datagram) > pt.mtu && h.DontFragment {
		s.stats.IPFragFails.Inc()
		s.sendICMPError(h, payload, header.ICMPDestUnreachable, header.ICMPFragmentationNeeded, uint32(pt.mtu))
		return
	}

	h.TTL--
	s.stats.IPForwDatagrams.Inc()
	if len(datagram) > pt.mtu {
		if err := s.fragment(pt, h, payload); err != nil {
			log.Debugf("ip: forwarding %s -> %s: %v", h.Src, h.Dst, err)
		}
		return
	}
	buf, err := s.pool.Get(len(datagram))
	if err != nil {
		s.stats.IPOutDiscards.Inc()
		return
	}
	b := buf.Bytes()
	copy(b, datagram)
	h.Options = b[header.IPv4MinimumSize:h.HeaderLength]
	h.Encode(b)
	pt.iface.transmit(pt.nextHop, buf)
}

// ipOutput builds one datagram and sends it, fragmenting if needed. fill
// writes exactly size payload bytes given the chosen source address.
func (s *Stack) ipOutput(p ipParams, size int, fill func(b []byte, src netip.Addr) error) error {
	s.stats.IPOutRequests.Inc()
	pt, err := s.findPath(p.dst)
	if err != nil {
		s.stats.IPOutNoRoutes.Inc()
		return err
	}
	src := p.src
	if !src.IsValid() || src.IsUnspecified() {
		src = pt.src
	}
	ttl := p.ttl
	if ttl == 0 {
		ttl = s.config.IP.DefaultTTL
	}
	h := header.IPv4{
		TOS:          p.tos,
		ID:           s.nextIPID(),
		DontFragment: p.dontFragment,
		TTL:          ttl,
		Protocol:     p.protocol,
		Src:          src,
		Dst:          p.dst,
	}
	total := h.Size() + size
	if total > header.IPv4MaximumPacketSize {
		return fmt.Errorf("%d byte datagram: %w", total, ErrMessageTooLong)
	}
	h.TotalLength = uint16(total)

	buf, err := s.pool.Get(total)
	if err != nil {
		s.stats.IPOutDiscards.Inc()
		return err
	}
	b := buf.Bytes()
	if err := fill(b[h.Size():total], src); err != nil {
		buf.Release()
		return err
	}
	if _, err := h.Encode(b); err != nil {
		buf.Release()
		return err
	}

	if total <= pt.mtu {
		return pt.iface.transmit(pt.nextHop, buf)
	}
	defer buf.Release()
	if h.DontFragment {
		s.stats.IPFragFails.Inc()
		if t, ok := s.transports[h.Protocol]; ok {
			t.HandleError(h, header.ICMPDestUnreachable, header.ICMPFragmentationNeeded, b[h.HeaderLength:total])
		}
		return fmt.Errorf("%d byte datagram over mtu %d: %w", total, pt.mtu, ErrMessageTooLong)
	}
	return s.fragment(pt, h, b[h.HeaderLength:total])
}

// fragment sends payload as fragments of h no larger than pt.mtu. Only
// options with the copied bit set go into the fragments after the first.
func (s *Stack) fragment(pt path, h header.IPv4, payload []byte) error {
	later := header.FragmentOptions(h.Options)
	opts := h.Options
	for off := 0; off < len(payload); {
		fh := h
		fh.Options = opts
		hl := fh.Size()
		room := (pt.mtu - hl) &^ (header.IPv4FragmentUnit - 1)
		if room <= 0 {
			s.stats.IPFragFails.Inc()
			return fmt.Errorf("mtu %d: %w", pt.mtu, ErrMessageTooLong)
		}
		n := min(room, len(payload)-off)
		fh.FragmentOffset = h.FragmentOffset + uint16(off)
		fh.MoreFragments = h.MoreFragments || off+n < len(payload)
		fh.TotalLength = uint16(hl + n)

		buf, err := s.pool.Get(hl + n)
		if err != nil {
			s.stats.IPOutDiscards.Inc()
			return err
		}
		b := buf.Bytes()
		if _, err := fh.Encode(b); err != nil {
			buf.Release()
			return err
		}
		copy(b[hl:], payload[off:off+n])
		s.stats.IPFragCreates.Inc()
		if err := pt.iface.transmit(pt.nextHop, buf); err != nil {
			return err
		}
		off += n
		opts = later
	}
	s.stats.IPFragOKs.Inc()
	return nil
}
