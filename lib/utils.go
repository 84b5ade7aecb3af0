package lib

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

func SeqIncrement(seq uint32) uint32 {
	return seq + 1 // wraps modulo 2^32
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc
}

// seqBefore reports whether a precedes b in sequence space. Two numbers are
// comparable while they lie less than 2^31 apart.
func seqBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

func seqAfter(a, b uint32) bool {
	return int32(a-b) > 0
}

func seqBeforeEq(a, b uint32) bool {
	return int32(a-b) <= 0
}

func seqAfterEq(a, b uint32) bool {
	return int32(a-b) >= 0
}

// seqBetween reports lo <= a <= hi.
func seqBetween(a, lo, hi uint32) bool {
	return a-lo <= hi-lo
}

func seqMax(a, b uint32) uint32 {
	if seqAfter(a, b) {
		return a
	}
	return b
}

func seqMin(a, b uint32) uint32 {
	if seqBefore(a, b) {
		return a
	}
	return b
}

type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return true
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano() / 4000)
	}
	return binary.BigEndian.Uint32(b[:])
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
