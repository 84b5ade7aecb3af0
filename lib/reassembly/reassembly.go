// Package reassembly rebuilds IPv4 datagrams from their fragments.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/header"
	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/google/btree"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"
)

var (
	ErrBadOffset    = errors.New("bad fragment offset or length")
	ErrTooLarge     = errors.New("reassembled datagram too large")
	ErrDontFragment = errors.New("fragment carries don't-fragment")
	ErrNoBuffer     = pool.ErrNoBuffer
)

// Key identifies the datagram a fragment belongs to.
type Key struct {
	Src, Dst netip.Addr
	Protocol uint8
	ID       uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s->%s proto %d id %#04x", k.Src, k.Dst, k.Protocol, k.ID)
}

// TimeoutFunc is called once for every entry that expires with fragments
// in it. first is the IP header plus the first 8 payload bytes of the first
// fragment collected for the entry.
type TimeoutFunc func(key Key, first []byte)

type Config struct {
	Timeout    time.Duration // lifetime of an incomplete datagram
	MaxEntries uint64        // 0 means unlimited
}

type frag struct {
	off, end int
	buf      *pool.Buffer
	data     []byte // view into buf covering [off, end)
}

type entry struct {
	key   Key
	frags *btree.BTreeG[*frag]
	total int    // -1 until the last fragment arrives
	hdr   []byte // header of the offset-zero fragment
	first []byte
	done  bool
}

func (e *entry) release() {
	e.frags.Ascend(func(f *frag) bool {
		f.buf.Release()
		return true
	})
	e.frags.Clear(false)
}

// Reassembler owns every incomplete datagram. It is safe for concurrent use.
type Reassembler struct {
	pool      *pool.Pool
	onTimeout TimeoutFunc

	mu          sync.Mutex
	cache       *ttlcache.Cache[Key, *entry]
	closed      bool
	unsubscribe func()

	closeSignal chan struct{}
	wg          sync.WaitGroup
}

// New creates a reassembler that copies fragments into buffers from p.
func New(cfg Config, p *pool.Pool, onTimeout TimeoutFunc) *Reassembler {
	opts := []ttlcache.Option[Key, *entry]{ttlcache.WithTTL[Key, *entry](cfg.Timeout)}
	if cfg.MaxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[Key, *entry](cfg.MaxEntries))
	}
	r := &Reassembler{
		pool:        p,
		onTimeout:   onTimeout,
		cache:       ttlcache.New(opts...),
		closeSignal: make(chan struct{}),
	}
	r.unsubscribe = r.cache.OnEviction(r.evicted)

	interval := cfg.Timeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	r.wg.Add(1)
	go r.expireLoop(interval)
	return r
}

func (r *Reassembler) expireLoop(interval time.Duration) {
	defer r.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-r.closeSignal:
			return
		case <-t.C:
			r.mu.Lock()
			r.cache.DeleteExpired()
			r.mu.Unlock()
		}
	}
}

func (r *Reassembler) evicted(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[Key, *entry]) {
	e := item.Value()
	r.mu.Lock()
	if e.done {
		r.mu.Unlock()
		return
	}
	e.done = true
	e.release()
	closed := r.closed
	r.mu.Unlock()

	expired := reason == ttlcache.EvictionReasonExpired || item.IsExpired()
	if !expired || closed {
		log.Debugf("reassembly: dropped %v (%v)", e.key, reason)
		return
	}
	log.Debugf("reassembly: %v timed out", e.key)
	if r.onTimeout != nil && len(e.first) > 0 {
		r.onTimeout(e.key, e.first)
	}
}

// Submit adds one fragment. datagram is the whole fragment as received,
// h its parsed header. Submit copies what it keeps, so datagram may be
// reused once it returns. The result is a non-nil buffer holding the
// reassembled datagram (Complete), nil and nil (Pending), or an error.
func (r *Reassembler) Submit(h header.IPv4, datagram []byte) (*pool.Buffer, error) {
	if h.DontFragment {
		return nil, ErrDontFragment
	}
	if int(h.TotalLength) > len(datagram) {
		return nil, fmt.Errorf("fragment of %d bytes claims %d: %w", len(datagram), h.TotalLength, ErrBadOffset)
	}
	payload := datagram[h.HeaderLength:h.TotalLength]
	off := int(h.FragmentOffset)
	end := off + len(payload)
	if h.MoreFragments && (len(payload) == 0 || len(payload)%header.IPv4FragmentUnit != 0) {
		return nil, fmt.Errorf("non-final fragment of %d bytes: %w", len(payload), ErrBadOffset)
	}
	if end+h.HeaderLength > header.IPv4MaximumPacketSize {
		return nil, fmt.Errorf("fragment ends at %d: %w", end, ErrTooLarge)
	}
	key := Key{Src: h.Src, Dst: h.Dst, Protocol: h.Protocol, ID: h.ID}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.DeleteExpired()

	var e *entry
	if item := r.cache.Get(key); item != nil {
		e = item.Value()
	}
	if e != nil && e.total >= 0 && (end > e.total || (!h.MoreFragments && end != e.total)) {
		return nil, fmt.Errorf("%v: fragment [%d,%d) past end %d: %w", key, off, end, e.total, ErrBadOffset)
	}

	if e != nil && e.covered(off, end) {
		if !h.MoreFragments {
			e.total = end
		}
		return r.tryComplete(e)
	}

	buf, err := r.pool.Get(len(payload))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", key, err)
	}
	copy(buf.Bytes(), payload)

	if e == nil {
		e = &entry{
			key:   key,
			frags: btree.NewG[*frag](4, func(a, b *frag) bool { return a.off < b.off }),
			total: -1,
		}
		n := h.HeaderLength + 8
		if n > int(h.TotalLength) {
			n = int(h.TotalLength)
		}
		e.first = append([]byte(nil), datagram[:n]...)
		// a stale expired item may still sit under key
		r.cache.Delete(key)
		r.cache.Set(key, e, ttlcache.DefaultTTL)
	}
	if off == 0 {
		e.hdr = append([]byte(nil), datagram[:h.HeaderLength]...)
	}
	e.insert(&frag{off: off, end: end, buf: buf, data: buf.Bytes()})
	if !h.MoreFragments {
		e.total = end
	}
	return r.tryComplete(e)
}

// covered reports whether a single fragment already holds [off, end).
func (e *entry) covered(off, end int) bool {
	hit := false
	e.frags.DescendLessOrEqual(&frag{off: off}, func(f *frag) bool {
		hit = f.end >= end
		return false
	})
	return hit
}

// insert links nf, trimming the tail of the fragment before it and the
// heads of those after it so that no two fragments overlap.
func (e *entry) insert(nf *frag) {
	e.frags.DescendLessOrEqual(&frag{off: nf.off}, func(prev *frag) bool {
		if prev.off == nf.off {
			return true
		}
		if prev.end > nf.off {
			prev.data = prev.data[:nf.off-prev.off]
			prev.end = nf.off
		}
		return false
	})

	var after []*frag
	e.frags.AscendGreaterOrEqual(&frag{off: nf.off}, func(f *frag) bool {
		if f.off >= nf.end {
			return false
		}
		after = append(after, f)
		return true
	})
	for _, f := range after {
		e.frags.Delete(f)
		if f.end <= nf.end {
			f.buf.Release()
			continue
		}
		f.data = f.data[nf.end-f.off:]
		f.off = nf.end
		e.frags.ReplaceOrInsert(f)
	}
	e.frags.ReplaceOrInsert(nf)
}

func (r *Reassembler) tryComplete(e *entry) (*pool.Buffer, error) {
	if e.total < 0 || e.hdr == nil {
		return nil, nil
	}
	next := 0
	e.frags.Ascend(func(f *frag) bool {
		if f.off != next {
			return false
		}
		next = f.end
		return true
	})
	if next != e.total {
		return nil, nil
	}

	h, err := header.ParseIPv4(e.hdr)
	if err != nil {
		return nil, err
	}
	out, err := r.pool.Get(len(e.hdr) + e.total)
	if err != nil {
		return nil, fmt.Errorf("%v: assembling %d bytes: %w", e.key, len(e.hdr)+e.total, err)
	}
	h.TotalLength = uint16(len(e.hdr) + e.total)
	h.MoreFragments = false
	h.FragmentOffset = 0
	b := out.Bytes()
	hl, err := h.Encode(b)
	if err != nil {
		out.Release()
		return nil, err
	}
	e.frags.Ascend(func(f *frag) bool {
		copy(b[hl+f.off:], f.data)
		return true
	})

	e.done = true
	e.release()
	r.cache.Delete(e.key)
	return out, nil
}

// Len is the number of incomplete datagrams held.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Close drops every incomplete datagram without notification.
func (r *Reassembler) Close() {
	close(r.closeSignal)
	r.wg.Wait()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cache.DeleteAll()
	r.unsubscribe()
}
