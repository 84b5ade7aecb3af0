// Package pool hands out the fixed-size chunks that packets and segment
// payloads live in. Chunks come from a ringpool ring; unlike the ring
// itself, the pool is bounded: when every chunk is lent out, Get fails
// instead of growing.
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoBuffer = errors.New("buffer pool exhausted")
	ErrTooLarge = errors.New("requested size exceeds chunk size")
)

// chunk is the ring element payload. Its memory is allocated the first time
// the element is lent out and kept across returns.
type chunk struct {
	size int
	data []byte
}

func newChunk(params ...interface{}) rp.DataInterface {
	return &chunk{size: params[0].(int)}
}

func (c *chunk) Reset() {}

func (c *chunk) PrintContent() {
	log.Debugf("chunk: %d bytes, allocated %t", c.size, c.data != nil)
}

// Pool lends out chunks of ChunkSize bytes from a ring of Capacity elements.
type Pool struct {
	name      string
	chunkSize int
	capacity  int

	mtx   sync.Mutex // guards lent and every call into ring
	ring  *rp.RingPool
	lent  map[*rp.Element]struct{}
	debug bool
}

// Buffer is a chunk on loan. Its owner must call Release exactly once on
// every path; a nil *Buffer may be released.
type Buffer struct {
	pool *Pool
	e    *rp.Element
	data []byte
	n    int
}

// New creates a pool of capacity chunks, each chunkSize bytes long.
func New(name string, capacity, chunkSize int) *Pool {
	return &Pool{
		name:      name,
		chunkSize: chunkSize,
		capacity:  capacity,
		ring:      rp.NewRingPool(name+": ", capacity, newChunk, chunkSize),
		lent:      make(map[*rp.Element]struct{}),
	}
}

// SetDebug turns on footprints for every loan. A chunk returned more than
// threshold after it was lent is reported by the ring.
func (p *Pool) SetDebug(on bool, threshold time.Duration) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.debug = on
	p.ring.Debug = on
	p.ring.ProcessTimeThreshold = threshold
}

// Get lends out a chunk and returns a buffer of length n on it.
func (p *Pool) Get(n int) (*Buffer, error) {
	if n < 0 || n > p.chunkSize {
		return nil, fmt.Errorf("%s: %d bytes (chunk size %d): %w", p.name, n, p.chunkSize, ErrTooLarge)
	}
	p.mtx.Lock()
	defer p.mtx.Unlock()

	// the ring grows past its capacity when empty, so the bound is kept here
	if len(p.lent) >= p.capacity {
		if p.debug {
			log.Debugf("%s: pool exhausted, %d chunks lent", p.name, len(p.lent))
		}
		return nil, ErrNoBuffer
	}
	e := p.ring.GetElement()
	c := e.Data.(*chunk)
	if c.data == nil {
		c.data = make([]byte, c.size)
	}
	if p.debug {
		e.AddFootPrint("pool.Get")
	}
	p.lent[e] = struct{}{}
	return &Buffer{pool: p, e: e, data: c.data, n: n}, nil
}

func (p *Pool) put(e *rp.Element) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if _, ok := p.lent[e]; !ok {
		log.Printf("%s: chunk returned twice", p.name)
		return
	}
	delete(p.lent, e)
	if p.debug {
		e.AddFootPrint("pool.Release")
	}
	p.ring.ReturnElement(e)
}

// Available is the number of chunks that can still be lent.
func (p *Pool) Available() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.capacity - len(p.lent)
}

func (p *Pool) Capacity() int  { return p.capacity }
func (p *Pool) ChunkSize() int { return p.chunkSize }

// HeldLongerThan counts chunks that have been on loan for more than d.
// A steadily growing count points at a missing Release.
func (p *Pool) HeldLongerThan(d time.Duration) int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	n := 0
	for e := range p.lent {
		if e.IsTimedOut(d) {
			n++
		}
	}
	return n
}

// Bytes returns the buffer contents. The slice is only valid until Release.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

func (b *Buffer) Len() int { return b.n }

// SetLen resizes the buffer within its chunk.
func (b *Buffer) SetLen(n int) error {
	if n < 0 || n > len(b.data) {
		return fmt.Errorf("%s: length %d: %w", b.pool.name, n, ErrTooLarge)
	}
	b.n = n
	return nil
}

// Release hands the chunk back to its pool.
func (b *Buffer) Release() {
	if b == nil || b.e == nil {
		return
	}
	e := b.e
	b.e = nil
	b.pool.put(e)
}
