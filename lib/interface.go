package lib

import (
	"net/netip"
	"sync"

	"github.com/Clouded-Sabre/inetcore/lib/pool"
	log "github.com/sirupsen/logrus"
)

// Interface binds an address to a link endpoint.
type Interface struct {
	name     string
	prefix   netip.Prefix
	link     LinkEndpoint
	resolver Resolver
	stack    *Stack

	mu      sync.Mutex
	pending map[netip.Addr][]*pool.Buffer // datagrams waiting for resolution
}

func (i *Interface) Name() string { return i.name }

func (i *Interface) Addr() netip.Addr { return i.prefix.Addr() }

func (i *Interface) Prefix() netip.Prefix { return i.prefix }

func (i *Interface) MTU() int { return i.link.MTU() }

func (i *Interface) Link() LinkEndpoint { return i.link }

// broadcast returns the directed broadcast address of the subnet.
func (i *Interface) broadcast() netip.Addr {
	if i.prefix.Bits() >= 31 {
		return netip.Addr{}
	}
	a := i.prefix.Masked().Addr().As4()
	host := uint32(0xffffffff) >> i.prefix.Bits()
	a[0] |= byte(host >> 24)
	a[1] |= byte(host >> 16)
	a[2] |= byte(host >> 8)
	a[3] |= byte(host)
	return netip.AddrFrom4(a)
}

func (i *Interface) isBroadcast(a netip.Addr) bool {
	return a == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || (i.broadcast().IsValid() && a == i.broadcast())
}

// transmit sends buf to nextHop and takes ownership of it. While the
// neighbour is unresolved up to PendingQueueLen datagrams wait for it; the
// oldest one is dropped beyond that.
func (i *Interface) transmit(nextHop netip.Addr, buf *pool.Buffer) error {
	if i.resolver == nil {
		return i.send("", buf)
	}
	la, ok := i.resolver.Resolve(nextHop, func(la LinkAddress, err error) {
		i.resolved(nextHop, la, err)
	})
	if ok {
		return i.send(la, buf)
	}

	i.mu.Lock()
	q := append(i.pending[nextHop], buf)
	if limit := i.stack.config.Stack.PendingQueueLen; len(q) > limit {
		dropped := q[0]
		q = q[1:]
		dropped.Release()
		i.stack.stats.IPOutDiscards.Inc()
	}
	i.pending[nextHop] = q
	i.mu.Unlock()
	return nil
}

func (i *Interface) resolved(nextHop netip.Addr, la LinkAddress, err error) {
	i.mu.Lock()
	q := i.pending[nextHop]
	delete(i.pending, nextHop)
	i.mu.Unlock()

	for _, buf := range q {
		if err != nil {
			log.Debugf("%s: neighbour %s unresolved: %v", i.name, nextHop, err)
			buf.Release()
			i.stack.stats.IPOutDiscards.Inc()
			continue
		}
		i.send(la, buf)
	}
}

func (i *Interface) send(la LinkAddress, buf *pool.Buffer) error {
	defer buf.Release()
	i.stack.captured(buf.Bytes())
	return i.link.SendFrame(la, buf.Bytes())
}

func (i *Interface) invalidate(nextHop netip.Addr) {
	if i.resolver != nil {
		i.resolver.Invalidate(nextHop)
	}
}

func (i *Interface) close() {
	i.mu.Lock()
	pending := i.pending
	i.pending = make(map[netip.Addr][]*pool.Buffer)
	i.mu.Unlock()
	for _, q := range pending {
		for _, buf := range q {
			buf.Release()
		}
	}
	i.link.Close()
}
