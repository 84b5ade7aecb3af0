//go:build linux || windows

package lib

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	rs "github.com/Clouded-Sabre/rawsocket/lib"
	log "github.com/sirupsen/logrus"
)

// SocketLink carries the payloads of one IP protocol through the rawsocket
// core. The host kernel parses and writes the IP header, so received
// datagrams get a header rebuilt from what the socket reports.
type SocketLink struct {
	name     string
	mtu      int
	local    netip.Addr
	protocol uint8
	core     rs.RSCore
	conn     rs.RawConnection

	mu      sync.Mutex
	receive func([]byte)
	wg      sync.WaitGroup
}

// NewSocketLink listens for protocol on local. The rawsocket core requires
// root (or administrator on Windows).
func NewSocketLink(name string, local netip.Addr, protocol uint8, mtu int) (*SocketLink, error) {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	core, err := rs.NewRSCore(rs.NewDefaultRsConfig())
	if err != nil {
		return nil, fmt.Errorf("socket link %s: %w", name, err)
	}
	conn, err := core.ListenIP("ip4:"+strconv.Itoa(int(protocol)), &net.IPAddr{IP: net.IP(local.AsSlice())})
	if err != nil {
		core.Close()
		return nil, fmt.Errorf("socket link %s: %w", name, err)
	}
	l := &SocketLink{name: name, mtu: mtu, local: local, protocol: protocol, core: core, conn: conn}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

func (l *SocketLink) Name() string { return l.name }

func (l *SocketLink) MTU() int { return l.mtu }

func (l *SocketLink) Attach(receive func([]byte)) {
	l.mu.Lock()
	l.receive = receive
	l.mu.Unlock()
}

func (l *SocketLink) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, header.IPv4MaximumPacketSize)
	datagram := make([]byte, header.IPv4MaximumPacketSize)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("socket link %s: read: %v", l.name, err)
			continue
		}
		ipa, ok := from.(*net.IPAddr)
		if !ok {
			continue
		}
		src, ok := netip.AddrFromSlice(ipa.IP.To4())
		if !ok {
			continue
		}
		size, err := wrapPayload(datagram, src, l.local, l.protocol, buf[:n])
		if err != nil {
			log.Debugf("socket link %s: %v", l.name, err)
			continue
		}
		l.mu.Lock()
		receive := l.receive
		l.mu.Unlock()
		if receive != nil {
			receive(datagram[:size])
		}
	}
}

func (l *SocketLink) SendFrame(_ LinkAddress, datagram []byte) error {
	dst, payload, err := unwrapPayload(datagram)
	if err != nil {
		return fmt.Errorf("socket link %s: %w", l.name, err)
	}
	_, err = l.conn.WriteTo(payload, &net.IPAddr{IP: net.IP(dst.AsSlice())})
	return err
}

func (l *SocketLink) Close() error {
	err := l.conn.Close()
	l.wg.Wait()
	if cerr := l.core.Close(); err == nil {
		err = cerr
	}
	return err
}
