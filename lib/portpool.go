package lib

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// portPool hands out ephemeral ports in a random order. Free ports sit in a
// ring shuffled once at creation; a returned port rejoins at the tail, so a
// port is reused only after every other free port has been tried.
type portPool struct {
	lo, hi uint16
	ring   []uint16
	head   int // next port to hand out
	free   int // ports currently in the ring
	taken  map[uint16]time.Time

	mu sync.Mutex
}

func newPortPool(lo, hi int) *portPool {
	n := hi - lo + 1
	ring := make([]uint16, n)
	for i, v := range rand.Perm(n) {
		ring[i] = uint16(lo + v)
	}
	return &portPool{
		lo:    uint16(lo),
		hi:    uint16(hi),
		ring:  ring,
		free:  n,
		taken: make(map[uint16]time.Time),
	}
}

func (p *portPool) pop() uint16 {
	port := p.ring[p.head]
	p.head = (p.head + 1) % len(p.ring)
	p.free--
	return port
}

func (p *portPool) push(port uint16) {
	p.ring[(p.head+p.free)%len(p.ring)] = port
	p.free++
}

// allocate takes the next free port. A port for which busy reports true,
// because an application bound it explicitly, goes back to the tail and the
// search moves on.
func (p *portPool) allocate(busy func(port uint16) bool) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for tries := p.free; tries > 0; tries-- {
		port := p.pop()
		if busy != nil && busy(port) {
			p.push(port)
			continue
		}
		p.taken[port] = time.Now()
		return port, nil
	}
	log.Warnf("ephemeral ports %d-%d exhausted", p.lo, p.hi)
	return 0, fmt.Errorf("ephemeral ports exhausted: %w", ErrAddressInUse)
}

// release puts an allocated port back in the ring.
func (p *portPool) release(port uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.lo || port > p.hi {
		return fmt.Errorf("port %d outside %d-%d", port, p.lo, p.hi)
	}
	if _, ok := p.taken[port]; !ok {
		return fmt.Errorf("port %d was not allocated", port)
	}
	delete(p.taken, port)
	p.push(port)
	return nil
}

func (p *portPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}
