//go:build windows

package filter

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	divert "github.com/imgk/divert-go"
	log "github.com/sirupsen/logrus"
)

// outbound RSTs are diverted to us and either dropped or reinjected
const divertFilter = "outbound and tcp.Rst"

type rstRule struct {
	server bool // match on source instead of destination
	addr   netip.Addr
	port   uint16
}

// filterImpl drops the host's RSTs through a WinDivert handle that is open
// while at least one rule exists.
type filterImpl struct {
	identifier string
	open       func() (*divert.Handle, error)

	mu     sync.Mutex
	rules  map[rstRule]struct{}
	handle *divert.Handle
	done   chan struct{}
	*udpServerFilter
}

func NewFilter(identifier string) (Filter, error) {
	return newFilter(identifier, func() (*divert.Handle, error) {
		return divert.Open(divertFilter, divert.LayerNetwork, 0, divert.FlagDefault)
	}), nil
}

func newFilter(identifier string, open func() (*divert.Handle, error)) *filterImpl {
	return &filterImpl{
		identifier:      identifier,
		open:            open,
		rules:           make(map[rstRule]struct{}),
		udpServerFilter: newUdpServerFilter(),
	}
}

func parseRule(server bool, addr string, port int) (rstRule, error) {
	r := rstRule{server: server, port: uint16(port)}
	if port <= 0 || port > 0xffff {
		return r, fmt.Errorf("invalid port %d", port)
	}
	if addr == "" {
		addr = "0.0.0.0"
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return r, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	r.addr = a.Unmap()
	return r, nil
}

func (f *filterImpl) add(r rstRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[r]; ok {
		log.Debugf("%s: rule already exists: %+v", f.identifier, r)
		return nil
	}
	if f.handle == nil && f.open != nil {
		h, err := f.open()
		if err != nil {
			return fmt.Errorf("failed to open WinDivert handle: %w", err)
		}
		f.handle = h
		f.done = make(chan struct{})
		go f.filterLoop(h, f.done)
	}
	f.rules[r] = struct{}{}
	log.Printf("%s: dropping RSTs matching %+v", f.identifier, r)
	return nil
}

func (f *filterImpl) remove(r rstRule) error {
	f.mu.Lock()
	if _, ok := f.rules[r]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("rule not found: %+v", r)
	}
	delete(f.rules, r)
	empty := len(f.rules) == 0
	f.mu.Unlock()
	if empty {
		return f.stop()
	}
	return nil
}

// drops reports whether an outbound RST from src to dst matches a rule.
// Server rules on 0.0.0.0 match any source address.
func (f *filterImpl) drops(src, dst netip.AddrPort) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[rstRule{addr: dst.Addr(), port: dst.Port()}]; ok {
		return true
	}
	if _, ok := f.rules[rstRule{server: true, addr: src.Addr(), port: src.Port()}]; ok {
		return true
	}
	_, ok := f.rules[rstRule{server: true, addr: netip.IPv4Unspecified(), port: src.Port()}]
	return ok
}

func (f *filterImpl) stop() error {
	f.mu.Lock()
	h, done := f.handle, f.done
	f.handle, f.done = nil, nil
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	close(done)
	if err := h.Shutdown(divert.ShutdownBoth); err != nil {
		log.Debugf("%s: WinDivert shutdown: %v", f.identifier, err)
	}
	return h.Close()
}

func (f *filterImpl) filterLoop(h *divert.Handle, done <-chan struct{}) {
	buf := make([]byte, 1600)
	var addr divert.Address
	for {
		n, err := h.Recv(buf, &addr)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if errors.Is(err, divert.ErrNoData) {
				return
			}
			log.Printf("%s: failed to receive packet: %v", f.identifier, err)
			continue
		}

		packet := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.NoCopy)
		ip, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		tcp, _ := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if ip != nil && tcp != nil {
			src, _ := netip.AddrFromSlice(ip.SrcIP.To4())
			dst, _ := netip.AddrFromSlice(ip.DstIP.To4())
			if f.drops(netip.AddrPortFrom(src, uint16(tcp.SrcPort)), netip.AddrPortFrom(dst, uint16(tcp.DstPort))) {
				log.Debugf("%s: dropping RST %s:%d -> %s:%d", f.identifier, src, tcp.SrcPort, dst, tcp.DstPort)
				continue
			}
		}
		if _, err := h.Send(buf[:n], &addr); err != nil {
			log.Printf("%s: failed to reinject packet: %v", f.identifier, err)
		}
	}
}

func (f *filterImpl) AddTcpClientFiltering(dstAddr string, dstPort int) error {
	r, err := parseRule(false, dstAddr, dstPort)
	if err != nil {
		return err
	}
	return f.add(r)
}

func (f *filterImpl) RemoveTcpClientFiltering(dstAddr string, dstPort int) error {
	r, err := parseRule(false, dstAddr, dstPort)
	if err != nil {
		return err
	}
	return f.remove(r)
}

func (f *filterImpl) AddTcpServerFiltering(srcAddr string, srcPort int) error {
	r, err := parseRule(true, srcAddr, srcPort)
	if err != nil {
		return err
	}
	return f.add(r)
}

func (f *filterImpl) RemoveTcpServerFiltering(srcAddr string, srcPort int) error {
	r, err := parseRule(true, srcAddr, srcPort)
	if err != nil {
		return err
	}
	return f.remove(r)
}

// FinishFiltering drops every rule, closes the WinDivert handle and the
// placeholder UDP sockets.
func (f *filterImpl) FinishFiltering() error {
	f.mu.Lock()
	f.rules = make(map[rstRule]struct{})
	f.mu.Unlock()
	return errors.Join(f.stop(), f.closeAll())
}
