//go:build linux || darwin

package lib

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"syscall"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const rawSocketBuffer = 4 << 20

// RawLink carries the datagrams of one IP protocol through a raw socket of
// the host, so the stack can talk to real peers. The host kernel still sees
// the same traffic; the filter package keeps it from answering with RSTs.
type RawLink struct {
	name  string
	mtu   int
	local netip.Addr
	pc    net.PacketConn
	conn  *ipv4.RawConn

	mu      sync.Mutex
	receive func([]byte)
	wg      sync.WaitGroup
}

// NewRawLink opens a raw socket for protocol bound to local.
func NewRawLink(name string, local netip.Addr, protocol, mtu int) (*RawLink, error) {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	pc, err := net.ListenPacket("ip4:"+strconv.Itoa(protocol), local.String())
	if err != nil {
		return nil, fmt.Errorf("raw link %s: %w", name, err)
	}
	if err := setSocketBuffers(pc); err != nil {
		log.Warnf("raw link %s: %v", name, err)
	}
	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("raw link %s: %w", name, err)
	}
	l := &RawLink{name: name, mtu: mtu, local: local, pc: pc, conn: conn}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

func setSocketBuffers(pc net.PacketConn) error {
	sc, ok := pc.(syscall.Conn)
	if !ok {
		return errors.New("socket options unavailable")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = rc.Control(func(fd uintptr) {
		if e := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, rawSocketBuffer); e != nil {
			serr = e
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, rawSocketBuffer)
	})
	if err != nil {
		return err
	}
	return serr
}

func (l *RawLink) Name() string { return l.name }

func (l *RawLink) MTU() int { return l.mtu }

func (l *RawLink) Attach(receive func([]byte)) {
	l.mu.Lock()
	l.receive = receive
	l.mu.Unlock()
}

func (l *RawLink) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, header.IPv4MaximumPacketSize)
	datagram := make([]byte, header.IPv4MaximumPacketSize)
	for {
		h, payload, _, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Debugf("raw link %s: read: %v", l.name, err)
			continue
		}
		dst, _ := netip.AddrFromSlice(h.Dst.To4())
		if dst != l.local {
			continue
		}
		n, err := rebuildDatagram(datagram, h, payload)
		if err != nil {
			log.Debugf("raw link %s: %v", l.name, err)
			continue
		}
		l.mu.Lock()
		receive := l.receive
		l.mu.Unlock()
		if receive != nil {
			receive(datagram[:n])
		}
	}
}

// rebuildDatagram re-encodes the header the kernel parsed for us, since
// header byte order on the raw socket differs between platforms.
func rebuildDatagram(b []byte, h *ipv4.Header, payload []byte) (int, error) {
	src, ok1 := netip.AddrFromSlice(h.Src.To4())
	dst, ok2 := netip.AddrFromSlice(h.Dst.To4())
	if !ok1 || !ok2 {
		return 0, header.ErrMalformed
	}
	ih := header.IPv4{
		TOS:            uint8(h.TOS),
		ID:             uint16(h.ID),
		DontFragment:   h.Flags&ipv4.DontFragment != 0,
		MoreFragments:  h.Flags&ipv4.MoreFragments != 0,
		FragmentOffset: uint16(h.FragOff) * header.IPv4FragmentUnit,
		TTL:            uint8(h.TTL),
		Protocol:       uint8(h.Protocol),
		Src:            src,
		Dst:            dst,
		Options:        h.Options,
	}
	size := ih.Size() + len(payload)
	if size > len(b) {
		return 0, header.ErrTruncated
	}
	ih.TotalLength = uint16(size)
	if _, err := ih.Encode(b); err != nil {
		return 0, err
	}
	copy(b[ih.Size():], payload)
	return size, nil
}

func (l *RawLink) SendFrame(_ LinkAddress, datagram []byte) error {
	ih, err := header.ParseIPv4(datagram)
	if err != nil {
		return err
	}
	h := &ipv4.Header{
		Version:  ipv4.Version,
		Len:      ih.Size(),
		TOS:      int(ih.TOS),
		TotalLen: int(ih.TotalLength),
		ID:       int(ih.ID),
		FragOff:  int(ih.FragmentOffset / header.IPv4FragmentUnit),
		TTL:      int(ih.TTL),
		Protocol: int(ih.Protocol),
		Src:      net.IP(ih.Src.AsSlice()),
		Dst:      net.IP(ih.Dst.AsSlice()),
		Options:  ih.Options,
	}
	if ih.DontFragment {
		h.Flags |= ipv4.DontFragment
	}
	if ih.MoreFragments {
		h.Flags |= ipv4.MoreFragments
	}
	return l.conn.WriteTo(h, datagram[ih.Size():ih.TotalLength], nil)
}

func (l *RawLink) Close() error {
	err := l.conn.Close()
	l.wg.Wait()
	return err
}
