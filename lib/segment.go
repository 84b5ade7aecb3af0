package lib

import (
	"time"

	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/google/btree"
)

// segment is one unit of TCP sequence space owned by exactly one queue. end
// is exclusive and counts SYN and FIN.
type segment struct {
	seq, end      uint32
	flags         uint8
	urgent        uint16
	buf           *pool.Buffer
	data          []byte // view into buf
	sentAt        time.Time
	retransmitted bool
}

func (s *segment) length() uint32 {
	return s.end - s.seq
}

func (s *segment) release() {
	s.buf.Release()
	s.buf = nil
	s.data = nil
}

// trimFront drops the first n bytes of payload.
func (s *segment) trimFront(n uint32) {
	s.data = s.data[n:]
	s.seq += n
}

// trimBack shortens the payload so that it ends at end.
func (s *segment) trimBack(end uint32) {
	s.data = s.data[:end-s.seq]
	s.end = end
}

// reorderQueue holds received data that is not yet contiguous with
// acked_seq. Its spans never overlap.
type reorderQueue struct {
	tree  *btree.BTreeG[*segment]
	bytes int
}

func newReorderQueue() *reorderQueue {
	return &reorderQueue{
		tree: btree.NewG(8, func(a, b *segment) bool { return seqBefore(a.seq, b.seq) }),
	}
}

func (q *reorderQueue) Len() int {
	return q.tree.Len()
}

// insert adds s, trimming it against its neighbours. It returns false, and
// releases s, when s holds nothing new.
func (q *reorderQueue) insert(s *segment) bool {
	if same, ok := q.tree.Get(s); ok {
		if same.length() >= s.length() {
			s.release()
			return false
		}
		q.remove(same)
	}

	var prev *segment
	q.tree.DescendLessOrEqual(s, func(p *segment) bool {
		prev = p
		return false
	})
	if prev != nil && seqAfter(prev.end, s.seq) {
		if seqAfterEq(prev.end, s.end) {
			s.release()
			return false
		}
		s.trimFront(prev.end - s.seq)
	}

	var covered []*segment
	q.tree.AscendGreaterOrEqual(s, func(n *segment) bool {
		if seqAfterEq(n.seq, s.end) {
			return false
		}
		if seqBeforeEq(n.end, s.end) {
			covered = append(covered, n)
			return true
		}
		s.trimBack(n.seq)
		return false
	})
	for _, n := range covered {
		q.remove(n)
	}

	if s.length() == 0 {
		s.release()
		return false
	}
	q.tree.ReplaceOrInsert(s)
	q.bytes += len(s.data)
	return true
}

func (q *reorderQueue) remove(s *segment) {
	q.tree.Delete(s)
	q.bytes -= len(s.data)
	s.release()
}

// popContiguous removes and returns the segments that continue the stream at
// next, trimming any part already received. Segments wholly before next are
// released.
func (q *reorderQueue) popContiguous(next uint32) []*segment {
	var out []*segment
	for {
		s, ok := q.tree.Min()
		if !ok || seqAfter(s.seq, next) {
			return out
		}
		q.tree.DeleteMin()
		q.bytes -= len(s.data)
		if seqBeforeEq(s.end, next) {
			s.release()
			continue
		}
		if seqBefore(s.seq, next) {
			s.trimFront(next - s.seq)
		}
		next = s.end
		out = append(out, s)
	}
}

func (q *reorderQueue) clear() {
	q.tree.Ascend(func(s *segment) bool {
		s.release()
		return true
	})
	q.tree.Clear(false)
	q.bytes = 0
}
