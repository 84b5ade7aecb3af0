package lib

import (
	"net/netip"
	"strconv"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/reassembly"
	"github.com/Clouded-Sabre/inetcore/lib/route"
	log "github.com/sirupsen/logrus"
)

// minMTU is the smallest MTU every IPv4 host must accept.
const minMTU = 68

func icmpTypeName(t uint8) string {
	switch t {
	case header.ICMPEchoReply:
		return "echo_reply"
	case header.ICMPDestUnreachable:
		return "dest_unreachable"
	case header.ICMPSourceQuench:
		return "source_quench"
	case header.ICMPRedirect:
		return "redirect"
	case header.ICMPEcho:
		return "echo"
	case header.ICMPTimeExceeded:
		return "time_exceeded"
	case header.ICMPParamProblem:
		return "param_problem"
	}
	return strconv.Itoa(int(t))
}

func (s *Stack) icmpRcv(iface *Interface, h header.IPv4, payload []byte) {
	if !header.VerifyICMPv4Checksum(payload) {
		s.stats.ICMPInErrors.Inc()
		return
	}
	m, err := header.ParseICMPv4(payload)
	if err != nil {
		s.stats.ICMPInErrors.Inc()
		return
	}
	s.stats.ICMPInMsgs.WithLabelValues(icmpTypeName(m.Type)).Inc()

	switch m.Type {
	case header.ICMPEcho:
		src := h.Dst
		if s.isBroadcast(src) {
			src = iface.Addr()
		}
		reply := header.ICMPv4{Type: header.ICMPEchoReply, Rest: m.Rest, Body: m.Body}
		s.sendICMP(src, h.Src, reply)
	case header.ICMPRedirect:
		s.icmpRedirect(iface, h, m)
	case header.ICMPDestUnreachable, header.ICMPSourceQuench, header.ICMPTimeExceeded, header.ICMPParamProblem:
		s.icmpErrorArrived(m)
	}
}

// icmpErrorArrived hands an error about one of our datagrams to the
// transport that sent it.
func (s *Stack) icmpErrorArrived(m header.ICMPv4) {
	inner, err := header.ParseIPv4(m.Body)
	if err != nil || len(m.Body) < inner.HeaderLength+8 {
		s.stats.ICMPInErrors.Inc()
		return
	}
	if !s.isLocal(inner.Src) {
		return
	}
	if m.Type == header.ICMPDestUnreachable && m.Code == header.ICMPFragmentationNeeded {
		s.learnPathMTU(inner.Dst, int(m.MTU()))
	}
	if t, ok := s.transports[inner.Protocol]; ok {
		t.HandleError(inner, m.Type, m.Code, m.Body[inner.HeaderLength:])
	}
}

// learnPathMTU records a smaller MTU toward dst as a dynamic host route.
func (s *Stack) learnPathMTU(dst netip.Addr, mtu int) {
	if mtu < minMTU {
		mtu = minMTU
	}
	pt, err := s.findPath(dst)
	if err != nil || mtu >= pt.mtu {
		return
	}
	e := route.Entry{
		Dst:     netip.PrefixFrom(dst, 32),
		Gateway: pt.route.Gateway,
		Iface:   pt.iface.name,
		Flags:   pt.route.Flags | route.FlagHost | route.FlagDynamic,
		MTU:     mtu,
	}
	if err := s.routes.Add(e); err == nil {
		log.Debugf("icmp: path mtu to %s is %d", dst, mtu)
	}
}

// icmpRedirect installs a dynamic host route through the announced
// gateway. Only the current first hop may redirect us, and only to a
// neighbour on the same subnet.
func (s *Stack) icmpRedirect(iface *Interface, h header.IPv4, m header.ICMPv4) {
	inner, err := header.ParseIPv4(m.Body)
	if err != nil {
		s.stats.ICMPInErrors.Inc()
		return
	}
	gw := m.Gateway()
	pt, err := s.findPath(inner.Dst)
	if err != nil || pt.iface != iface || pt.nextHop != h.Src || !iface.prefix.Contains(gw) || s.isLocal(gw) {
		log.Debugf("icmp: ignored redirect for %s via %s from %s", inner.Dst, gw, h.Src)
		return
	}
	e := route.Entry{
		Dst:     netip.PrefixFrom(inner.Dst, 32),
		Gateway: gw,
		Iface:   iface.name,
		Flags:   route.FlagUp | route.FlagGateway | route.FlagHost | route.FlagDynamic,
		MTU:     pt.route.MTU,
	}
	if err := s.routes.Add(e); err == nil {
		log.Debugf("icmp: redirect %s via %s", inner.Dst, gw)
	}
}

// sendICMPError reports a problem with the datagram described by h and
// payload to its source. No error is sent about an ICMP error, a broadcast
// or multicast, or a fragment other than the first; a reassembly timeout
// names whichever fragment arrived first.
func (s *Stack) sendICMPError(h header.IPv4, payload []byte, icmpType, code uint8, rest uint32) {
	if h.Protocol == header.ProtocolICMP {
		if m, err := header.ParseICMPv4(payload); err != nil || m.IsError() {
			return
		}
	}
	timeout := icmpType == header.ICMPTimeExceeded && code == header.ICMPReassemblyTimeout
	if h.FragmentOffset != 0 && !timeout {
		return
	}
	if s.isBroadcast(h.Dst) || h.Dst.IsMulticast() {
		return
	}
	if !h.Src.IsValid() || h.Src.IsUnspecified() || h.Src.IsMulticast() || s.isBroadcast(h.Src) {
		return
	}

	orig := h
	orig.Options = append([]byte(nil), h.Options...)
	body := make([]byte, orig.Size()+min(len(payload), 8))
	if _, err := orig.Encode(body); err != nil {
		return
	}
	copy(body[orig.Size():], payload)

	var src netip.Addr
	if s.isLocal(h.Dst) {
		src = h.Dst
	}
	s.sendICMP(src, h.Src, header.ICMPv4{Type: icmpType, Code: code, Rest: rest, Body: body})
}

func (s *Stack) sendICMP(src, dst netip.Addr, m header.ICMPv4) {
	err := s.ipOutput(ipParams{src: src, dst: dst, protocol: header.ProtocolICMP}, header.ICMPv4MinimumSize+len(m.Body), func(b []byte, _ netip.Addr) error {
		_, err := m.Marshal(b)
		return err
	})
	if err != nil {
		s.stats.ICMPOutErrors.Inc()
		log.Debugf("icmp: sending %s to %s: %v", icmpTypeName(m.Type), dst, err)
		return
	}
	s.stats.ICMPOutMsgs.WithLabelValues(icmpTypeName(m.Type)).Inc()
}

// reassemblyTimedOut gets the header and first eight payload bytes of the
// earliest fragment of an abandoned datagram.
func (s *Stack) reassemblyTimedOut(key reassembly.Key, first []byte) {
	s.stats.IPReasmTimeouts.Inc()
	h, err := header.ParseIPv4(first)
	if err != nil {
		return
	}
	log.Debugf("ip: reassembly of %v timed out", key)
	s.sendICMPError(h, first[h.HeaderLength:], header.ICMPTimeExceeded, header.ICMPReassemblyTimeout, 0)
}
