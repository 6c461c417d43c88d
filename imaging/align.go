package imaging

import (
	"io"
	"math/bits"
)

// maxEmptyReads bounds how many (0, nil) reads are tolerated before the
// source is considered stuck.
const maxEmptyReads = 100

// Aligner gathers reads from a stream into power-of-two sized chunks. Bytes
// past the emitted chunk are carried to the front of the buffer and
// combined with the next fill.
type Aligner struct {
	buf  []byte
	n    int // bytes currently buffered
	emit int // size of the chunk handed out by the last Accumulate
	eof  bool
}

// NewAligner allocates an aligner with the given buffer capacity.
func NewAligner(capacity int) *Aligner {
	return &Aligner{buf: make([]byte, capacity)}
}

// Accumulate fills the buffer from r until it is full or r is exhausted and
// returns how many bytes to emit (the largest power of two not above the
// buffered count) and how many will be carried over. emit is 0 only once the
// source is exhausted and nothing remains buffered.
func (a *Aligner) Accumulate(r io.Reader) (emit, trailing int, err error) {
	empty := 0
	for a.n < len(a.buf) && !a.eof {
		m, rerr := r.Read(a.buf[a.n:])
		a.n += m
		if rerr == io.EOF {
			a.eof = true
			break
		}
		if rerr != nil {
			return 0, 0, rerr
		}
		if m == 0 {
			empty++
			if empty >= maxEmptyReads {
				return 0, 0, io.ErrNoProgress
			}
		}
	}
	a.emit = largestPowerOfTwo(a.n)
	return a.emit, a.n - a.emit, nil
}

// Bytes returns the chunk selected by the last Accumulate.
func (a *Aligner) Bytes() []byte {
	return a.buf[:a.emit]
}

// Advance drops the emitted chunk and moves the trailing bytes to the front.
func (a *Aligner) Advance() {
	a.n = copy(a.buf, a.buf[a.emit:a.n])
	a.emit = 0
}

// Buffered reports how many bytes are waiting in the buffer.
func (a *Aligner) Buffered() int {
	return a.n
}

// Exhausted reports whether the source hit EOF and the buffer is drained.
func (a *Aligner) Exhausted() bool {
	return a.eof && a.n == 0
}

// largestPowerOfTwo returns the largest power of two <= n, or 0 for n <= 0.
func largestPowerOfTwo(n int) int {
	if n <= 0 {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}
