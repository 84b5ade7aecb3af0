// Package filter keeps the host kernel out of connections that the
// userspace stack runs over a raw link. Without it the kernel answers every
// segment for a port it knows nothing about with a RST, and every UDP
// datagram with an ICMP port unreachable.
package filter

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrUnsupported = errors.New("filter: host firewall not supported on this platform")

type Filter interface {
	AddTcpClientFiltering(dstAddr string, dstPort int) error    // blocks RSTs the host sends to a server we dial
	RemoveTcpClientFiltering(dstAddr string, dstPort int) error // undoes AddTcpClientFiltering
	AddTcpServerFiltering(srcAddr string, srcPort int) error    // blocks RSTs the host sends from a port we listen on
	RemoveTcpServerFiltering(srcAddr string, srcPort int) error // undoes AddTcpServerFiltering
	AddUdpServerFiltering(srcAddr string) error                 // srcAddr is "ip:port"; keeps the host from answering with port unreachable
	RemoveUdpServerFiltering(srcAddr string) error              // undoes AddUdpServerFiltering
	FinishFiltering() error                                     // removes every rule this filter added
}

// runner executes a firewall command, feeding it stdin when not empty, and
// returns its combined output.
type runner func(stdin string, name string, args ...string) ([]byte, error)

func execRunner(stdin string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// udpServerFilter binds a host UDP socket to every address the stack
// serves, so the host kernel has a socket to deliver to instead of
// answering with ICMP port unreachable.
type udpServerFilter struct {
	mu    sync.Mutex
	conns map[string]*net.UDPConn
}

func newUdpServerFilter() *udpServerFilter {
	return &udpServerFilter{conns: make(map[string]*net.UDPConn)}
}

func (u *udpServerFilter) AddUdpServerFiltering(srcAddr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, exists := u.conns[srcAddr]; exists {
		return nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", srcAddr)
	if err != nil {
		return fmt.Errorf("invalid UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to start placeholder UDP socket: %w", err)
	}
	u.conns[srcAddr] = conn
	log.Printf("Started the placeholder UDP socket at %s", srcAddr)
	return nil
}

func (u *udpServerFilter) RemoveUdpServerFiltering(srcAddr string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	conn, exists := u.conns[srcAddr]
	if !exists {
		return nil
	}
	delete(u.conns, srcAddr)
	log.Printf("Stopped the placeholder UDP socket at %s", srcAddr)
	return conn.Close()
}

func (u *udpServerFilter) closeAll() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	var errs []error
	for addr, conn := range u.conns {
		errs = append(errs, conn.Close())
		delete(u.conns, addr)
	}
	return errors.Join(errs...)
}
