package lib

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Clouded-Sabre/inetcore/config"
	"github.com/Clouded-Sabre/inetcore/filter"
	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/Clouded-Sabre/inetcore/lib/reassembly"
	"github.com/Clouded-Sabre/inetcore/lib/route"
	log "github.com/sirupsen/logrus"
)

// Stack is one instance of the IPv4 and transport engine. Everything that
// would be global in a kernel lives here.
type Stack struct {
	config *config.Config
	log    *log.Entry
	pool   *pool.Pool
	routes *route.Table
	frags  *reassembly.Reassembler
	stats  *Stats
	filter filter.Filter
	isn    func() uint32

	capture atomic.Pointer[capture]
	ipID    atomic.Uint32

	ifMu     sync.RWMutex
	ifaces   map[string]*Interface
	loopback *Interface

	tcp        *tcpProtocol
	udp        *udpProtocol
	raw        *rawProtocol
	transports map[uint8]Transport

	closed      atomic.Bool
	closeSignal chan struct{}
	wg          sync.WaitGroup
}

type Option func(*Stack)

// WithISNGenerator replaces the random initial sequence number source.
func WithISNGenerator(isn func() uint32) Option {
	return func(s *Stack) { s.isn = isn }
}

// WithFilter installs host firewall rules for every listener and outgoing
// connection, so that the host kernel leaves their traffic alone.
func WithFilter(f filter.Filter) Option {
	return func(s *Stack) { s.filter = f }
}

// NewStack builds a stack with a loopback interface at 127.0.0.1/8. A nil
// cfg means config.Default().
func NewStack(cfg *config.Config, opts ...Option) (*Stack, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Stack{
		config:      cfg,
		log:         log.WithField("stack", cfg.Stack.Name),
		routes:      route.NewTable(),
		stats:       newStats(cfg.Stack.Name),
		isn:         GenerateISN,
		ifaces:      make(map[string]*Interface),
		closeSignal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ipID.Store(uint32(time.Now().UnixNano()))

	s.pool = pool.New(cfg.Stack.Name, cfg.Pool.Size, cfg.Pool.ChunkSize)
	s.pool.SetDebug(cfg.Pool.Debug, cfg.Pool.HeldThreshold)
	s.frags = reassembly.New(reassembly.Config{
		Timeout:    cfg.IP.ReassemblyTimeout,
		MaxEntries: cfg.IP.ReassemblyMaxEntries,
	}, s.pool, s.reassemblyTimedOut)

	s.tcp = newTCPProtocol(s)
	s.udp = newUDPProtocol(s)
	s.raw = newRawProtocol(s)
	s.transports = map[uint8]Transport{
		s.tcp.Protocol(): s.tcp,
		s.udp.Protocol(): s.udp,
	}

	lo, err := s.AddInterface("lo", netip.MustParsePrefix("127.0.0.1/8"), NewLoopback(loopbackMTU), nil)
	if err != nil {
		return nil, err
	}
	s.loopback = lo
	s.routes.SetLoopback(lo.Addr(), route.Entry{
		Dst:   netip.PrefixFrom(lo.Addr(), 32),
		Iface: lo.name,
		Flags: route.FlagUp | route.FlagHost,
		MTU:   lo.MTU(),
	})

	if cfg.Capture.File != "" {
		f, err := os.Create(cfg.Capture.File)
		if err != nil {
			return nil, fmt.Errorf("opening capture file: %w", err)
		}
		if err := s.OpenPacketCapture(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	if cfg.Pool.Debug {
		s.wg.Add(1)
		go s.watchPool()
	}

	s.log.Println("stack started")
	return s, nil
}

// AddInterface attaches link under name with the given address and installs
// the route to its subnet.
func (s *Stack) AddInterface(name string, addr netip.Prefix, link LinkEndpoint, resolver Resolver) (*Interface, error) {
	if !addr.Addr().Is4() {
		return nil, fmt.Errorf("interface %s: %w: %s is not IPv4", name, ErrInvalidArgument, addr)
	}
	iface := &Interface{
		name:     name,
		prefix:   addr,
		link:     link,
		resolver: resolver,
		stack:    s,
		pending:  make(map[netip.Addr][]*pool.Buffer),
	}

	s.ifMu.Lock()
	if _, ok := s.ifaces[name]; ok {
		s.ifMu.Unlock()
		return nil, fmt.Errorf("interface %s: %w", name, ErrAddressInUse)
	}
	s.ifaces[name] = iface
	s.ifMu.Unlock()

	link.Attach(func(datagram []byte) { s.deliverFrame(iface, datagram) })
	if err := s.routes.Add(route.Entry{
		Dst:   addr.Masked(),
		Iface: name,
		Flags: route.FlagUp,
		MTU:   link.MTU(),
	}); err != nil {
		return nil, err
	}
	s.log.WithField("iface", name).Infof("interface up %s mtu %d", addr, link.MTU())
	return iface, nil
}

// RemoveInterface detaches an interface and flushes its routes.
func (s *Stack) RemoveInterface(name string) error {
	s.ifMu.Lock()
	iface, ok := s.ifaces[name]
	if ok && iface != s.loopback {
		delete(s.ifaces, name)
	}
	s.ifMu.Unlock()
	if !ok {
		return fmt.Errorf("interface %s: %w", name, route.ErrNotFound)
	}
	if iface == s.loopback {
		return fmt.Errorf("interface %s: %w: loopback cannot be removed", name, ErrInvalidArgument)
	}
	s.routes.FlushInterface(name)
	iface.close()
	return nil
}

func (s *Stack) Interface(name string) *Interface {
	s.ifMu.RLock()
	defer s.ifMu.RUnlock()
	return s.ifaces[name]
}

// AddRoute installs a static route.
func (s *Stack) AddRoute(e route.Entry) error {
	if e.Flags == 0 {
		e.Flags = route.FlagUp
		if e.Gateway.IsValid() {
			e.Flags |= route.FlagGateway
		}
	}
	if s.Interface(e.Iface) == nil {
		return fmt.Errorf("route %s: interface %q: %w", e.Dst, e.Iface, route.ErrNotFound)
	}
	return s.routes.Add(e)
}

func (s *Stack) Routes() *route.Table { return s.routes }

func (s *Stack) Stats() *Stats { return s.stats }

func (s *Stack) Pool() *pool.Pool { return s.pool }

func (s *Stack) Config() *config.Config { return s.config }

// OpenPacketCapture starts writing every datagram the stack sends or
// receives to w in pcap format. It replaces any previous capture.
func (s *Stack) OpenPacketCapture(w io.Writer) error {
	c, err := newCapture(w)
	if err != nil {
		return fmt.Errorf("starting capture: %w", err)
	}
	if old := s.capture.Swap(c); old != nil {
		old.close()
	}
	return nil
}

func (s *Stack) captured(datagram []byte) {
	s.capture.Load().write(datagram)
}

// isLocal reports whether a is one of our interface addresses.
func (s *Stack) isLocal(a netip.Addr) bool {
	return s.localInterface(a) != nil
}

func (s *Stack) localInterface(a netip.Addr) *Interface {
	s.ifMu.RLock()
	defer s.ifMu.RUnlock()
	for _, iface := range s.ifaces {
		if iface.Addr() == a {
			return iface
		}
	}
	if a.Is4() && a.As4()[0] == 127 {
		return s.loopback
	}
	return nil
}

func (s *Stack) isBroadcast(a netip.Addr) bool {
	if a == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	s.ifMu.RLock()
	defer s.ifMu.RUnlock()
	for _, iface := range s.ifaces {
		if iface.isBroadcast(a) {
			return true
		}
	}
	return false
}

func (s *Stack) nextIPID() uint16 {
	return uint16(s.ipID.Add(1))
}

func (s *Stack) watchPool() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Pool.HeldThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeSignal:
			return
		case <-ticker.C:
			if n := s.pool.HeldLongerThan(s.config.Pool.HeldThreshold); n > 0 {
				s.log.Warnf("pool: %d chunks held longer than %v, %d of %d free", n, s.config.Pool.HeldThreshold, s.pool.Available(), s.pool.Capacity())
			}
		}
	}
}

// Close aborts every connection, closes all endpoints and links and
// removes any host filter rules.
func (s *Stack) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.closeSignal)

	s.tcp.Close()
	s.udp.Close()
	s.raw.Close()
	s.frags.Close()

	s.ifMu.Lock()
	ifaces := s.ifaces
	s.ifaces = make(map[string]*Interface)
	s.ifMu.Unlock()
	for _, iface := range ifaces {
		iface.close()
	}

	var errs []error
	if s.filter != nil {
		if err := s.filter.FinishFiltering(); err != nil {
			errs = append(errs, err)
		}
	}
	if c := s.capture.Swap(nil); c != nil {
		if err := c.close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	s.log.Println("stack closed")
	return errors.Join(errs...)
}
