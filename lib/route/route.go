// Package route implements the stack's IPv4 routing table.
package route

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNetUnreachable = errors.New("network unreachable")
	ErrNotFound       = errors.New("no such route")
	ErrInvalid        = errors.New("invalid route")
)

// Flags describe a route entry.
type Flags uint8

const (
	FlagUp Flags = 1 << iota
	FlagGateway
	FlagHost
	FlagDynamic // installed by an ICMP redirect
)

func (f Flags) String() string {
	var s []string
	for _, x := range []struct {
		f Flags
		n string
	}{{FlagUp, "U"}, {FlagGateway, "G"}, {FlagHost, "H"}, {FlagDynamic, "D"}} {
		if f&x.f != 0 {
			s = append(s, x.n)
		}
	}
	return strings.Join(s, "")
}

// Entry is one route. Dst holds both the destination network and its mask.
type Entry struct {
	Dst     netip.Prefix
	Gateway netip.Addr
	Iface   string
	Flags   Flags
	MTU     int // 0 means use the interface MTU
	Metric  int
}

// NextHop is the neighbour a datagram for dst is handed to.
func (e *Entry) NextHop(dst netip.Addr) netip.Addr {
	if e.Flags&FlagGateway != 0 && e.Gateway.IsValid() {
		return e.Gateway
	}
	return dst
}

// matches reports whether (dst ^ e.dst) & mask == 0.
func (e *Entry) matches(dst uint32) bool {
	return (dst^addrBits(e.Dst.Addr()))&maskBits(e.Dst.Bits()) == 0
}

func (e Entry) String() string {
	gw := "*"
	if e.Gateway.IsValid() {
		gw = e.Gateway.String()
	}
	return fmt.Sprintf("%s via %s dev %s flags %s mtu %d", e.Dst, gw, e.Iface, e.Flags, e.MTU)
}

func addrBits(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func maskBits(bits int) uint32 {
	if bits <= 0 {
		return 0
	}
	return ^uint32(0) << (32 - bits)
}

// Table is the routing table. Entries are kept sorted so that more specific
// masks are probed first; equal masks keep insertion order.
type Table struct {
	mu       sync.RWMutex
	entries  []Entry
	loopAddr netip.Addr
	loopback *Entry
}

func NewTable() *Table {
	return &Table{}
}

// SetLoopback installs the loopback route. A lookup for addr always uses e,
// whatever else the table holds.
func (t *Table) SetLoopback(addr netip.Addr, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.Flags |= FlagUp | FlagHost
	t.loopAddr = addr
	t.loopback = &e
}

// Add inserts e, replacing an existing route to the same prefix through the
// same interface.
func (t *Table) Add(e Entry) error {
	if !e.Dst.IsValid() || !e.Dst.Addr().Is4() {
		return fmt.Errorf("route %v: %w", e.Dst, ErrInvalid)
	}
	if e.Flags&FlagGateway != 0 && !e.Gateway.IsValid() {
		return fmt.Errorf("route %v: gateway flag without gateway: %w", e.Dst, ErrInvalid)
	}
	e.Dst = e.Dst.Masked()
	e.Flags |= FlagUp
	if e.Dst.Bits() == 32 {
		e.Flags |= FlagHost
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Dst == e.Dst && t.entries[i].Iface == e.Iface {
			t.entries[i] = e
			return nil
		}
	}
	// insert after every entry that is at least as specific
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Dst.Bits() < e.Dst.Bits()
	})
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
	return nil
}

// Delete removes the route to dst. An empty iface matches any interface.
func (t *Table) Delete(dst netip.Prefix, iface string) error {
	dst = dst.Masked()
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].Dst == dst && (iface == "" || t.entries[i].Iface == iface) {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("route %v: %w", dst, ErrNotFound)
}

// FlushInterface drops every route through iface, e.g. when it goes down.
func (t *Table) FlushInterface(iface string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	n := 0
	for _, e := range t.entries {
		if e.Iface == iface {
			n++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept
	return n
}

// Route returns the most specific route to dst.
func (t *Table) Route(dst netip.Addr) (Entry, error) {
	if !dst.Is4() {
		return Entry{}, fmt.Errorf("route to %v: %w", dst, ErrNetUnreachable)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.loopback != nil && dst == t.loopAddr {
		return *t.loopback, nil
	}
	d := addrBits(dst)
	for i := range t.entries {
		if t.entries[i].matches(d) {
			return t.entries[i], nil
		}
	}
	return Entry{}, fmt.Errorf("route to %v: %w", dst, ErrNetUnreachable)
}

// Entries returns a copy of the table in probe order.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}
