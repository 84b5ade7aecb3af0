package lib

import (
	"net/netip"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LinkAddress is an opaque link-layer address produced by a Resolver.
type LinkAddress string

// LinkEndpoint moves whole IPv4 datagrams. SendFrame must not keep datagram
// after it returns, and the slice passed to the attached receiver is only
// valid for the duration of the call.
type LinkEndpoint interface {
	Name() string
	MTU() int
	SendFrame(dst LinkAddress, datagram []byte) error
	Attach(receive func(datagram []byte))
	Close() error
}

// Resolver maps next-hop addresses to link addresses. A miss returns false
// and later calls done exactly once with the outcome.
type Resolver interface {
	Resolve(addr netip.Addr, done func(LinkAddress, error)) (LinkAddress, bool)
	Invalidate(addr netip.Addr)
}

const linkQueueLen = 512

// frameQueue delivers frames in order on its own goroutine so that a sender
// never runs the receive path of its peer.
type frameQueue struct {
	mu      sync.Mutex
	receive func([]byte)
	frames  chan []byte
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{
		frames: make(chan []byte, linkQueueLen),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *frameQueue) attach(receive func([]byte)) {
	q.mu.Lock()
	q.receive = receive
	q.mu.Unlock()
}

func (q *frameQueue) push(datagram []byte) bool {
	frame := append([]byte(nil), datagram...)
	select {
	case <-q.done:
		return false
	default:
	}
	select {
	case q.frames <- frame:
		return true
	default:
		return false
	}
}

func (q *frameQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case frame := <-q.frames:
			q.mu.Lock()
			receive := q.receive
			q.mu.Unlock()
			if receive != nil {
				receive(frame)
			}
		}
	}
}

func (q *frameQueue) close() {
	q.once.Do(func() { close(q.done) })
	q.wg.Wait()
}

// Loopback hands every frame back to its own receiver.
type Loopback struct {
	mtu   int
	queue *frameQueue
}

func NewLoopback(mtu int) *Loopback {
	if mtu <= 0 {
		mtu = loopbackMTU
	}
	return &Loopback{mtu: mtu, queue: newFrameQueue()}
}

func (l *Loopback) Name() string { return "lo" }

func (l *Loopback) MTU() int { return l.mtu }

func (l *Loopback) Attach(receive func([]byte)) { l.queue.attach(receive) }

func (l *Loopback) SendFrame(_ LinkAddress, datagram []byte) error {
	if !l.queue.push(datagram) {
		log.Debugln("loopback: queue full, frame dropped")
	}
	return nil
}

func (l *Loopback) Close() error {
	l.queue.close()
	return nil
}

// PipeEnd is one side of an in-memory point-to-point link.
type PipeEnd struct {
	name  string
	mtu   int
	peer  *PipeEnd
	queue *frameQueue

	mu  sync.Mutex
	tap func(datagram []byte) bool
}

// NewPipe returns two connected link endpoints.
func NewPipe(mtu int) (*PipeEnd, *PipeEnd) {
	if mtu <= 0 {
		mtu = defaultMTU
	}
	a := &PipeEnd{name: "pipe0", mtu: mtu, queue: newFrameQueue()}
	b := &PipeEnd{name: "pipe1", mtu: mtu, queue: newFrameQueue()}
	a.peer, b.peer = b, a
	return a, b
}

// SetTap installs a hook that sees every outgoing frame before it crosses
// the pipe. Returning false drops the frame.
func (p *PipeEnd) SetTap(tap func(datagram []byte) bool) {
	p.mu.Lock()
	p.tap = tap
	p.mu.Unlock()
}

func (p *PipeEnd) Name() string { return p.name }

func (p *PipeEnd) MTU() int { return p.mtu }

func (p *PipeEnd) Attach(receive func([]byte)) { p.queue.attach(receive) }

func (p *PipeEnd) SendFrame(_ LinkAddress, datagram []byte) error {
	p.mu.Lock()
	tap := p.tap
	p.mu.Unlock()
	if tap != nil && !tap(datagram) {
		return nil
	}
	p.peer.queue.push(datagram)
	return nil
}

func (p *PipeEnd) Close() error {
	p.queue.close()
	return nil
}

// StaticResolver is a resolver backed by a table filled by hand. Lookups
// for unknown addresses stay pending until Add supplies them.
type StaticResolver struct {
	mu      sync.Mutex
	table   map[netip.Addr]LinkAddress
	pending map[netip.Addr][]func(LinkAddress, error)
}

func NewStaticResolver() *StaticResolver {
	return &StaticResolver{
		table:   make(map[netip.Addr]LinkAddress),
		pending: make(map[netip.Addr][]func(LinkAddress, error)),
	}
}

func (r *StaticResolver) Add(addr netip.Addr, la LinkAddress) {
	r.mu.Lock()
	r.table[addr] = la
	waiters := r.pending[addr]
	delete(r.pending, addr)
	r.mu.Unlock()

	for _, done := range waiters {
		done(la, nil)
	}
}

func (r *StaticResolver) Resolve(addr netip.Addr, done func(LinkAddress, error)) (LinkAddress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if la, ok := r.table[addr]; ok {
		return la, true
	}
	if done != nil {
		r.pending[addr] = append(r.pending[addr], done)
	}
	return "", false
}

func (r *StaticResolver) Invalidate(addr netip.Addr) {
	r.mu.Lock()
	delete(r.table, addr)
	r.mu.Unlock()
}

// Fail completes every lookup pending for addr with err.
func (r *StaticResolver) Fail(addr netip.Addr, err error) {
	r.mu.Lock()
	waiters := r.pending[addr]
	delete(r.pending, addr)
	r.mu.Unlock()

	for _, done := range waiters {
		done("", err)
	}
}
