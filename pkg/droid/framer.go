package droid

import (
	"bytes"
	"iter"
)

// DefaultMaxLineBytes bounds how much of a single unterminated line the
// Framer buffers before discarding it.
const DefaultMaxLineBytes = 10 * 1024 * 1024

// Framer splits a byte stream into newline-delimited lines. It tolerates
// arbitrary chunk boundaries: a partial trailing line is kept until the
// chunk that completes it arrives.
//
// A Framer is not safe for concurrent use; it is owned by the read loop.
type Framer struct {
	buf []byte
	max int

	// overflowed is set while discarding the remainder of an oversized line.
	overflowed bool
	// Overflows counts lines dropped for exceeding the size bound.
	Overflows int
}

// NewFramer returns a Framer. maxLineBytes <= 0 selects DefaultMaxLineBytes.
func NewFramer(maxLineBytes int) *Framer {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Framer{max: maxLineBytes}
}

// Feed appends chunk to the buffer and returns the complete lines now
// available. The chunk is consumed immediately; lines are extracted lazily as
// the sequence is iterated, and any lines not iterated stay buffered for the
// next call. Empty lines are never yielded.
func (f *Framer) Feed(chunk []byte) iter.Seq[string] {
	f.buf = append(f.buf, chunk...)
	return func(yield func(string) bool) {
		for {
			i := bytes.IndexByte(f.buf, '\n')
			if i < 0 {
				f.checkOverflow()
				return
			}
			line := f.buf[:i]
			f.buf = f.buf[i+1:]
			if f.overflowed {
				f.overflowed = false
				continue
			}
			s, ok := normalizeLine(line)
			if !ok {
				continue
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Flush returns the buffered unterminated line, if any, and resets the
// buffer. Call it once the stream reaches EOF.
func (f *Framer) Flush() (string, bool) {
	line := f.buf
	f.buf = nil
	if f.overflowed {
		f.overflowed = false
		return "", false
	}
	return normalizeLine(line)
}

// Buffered reports the number of bytes held for an incomplete line.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

func (f *Framer) checkOverflow() {
	if f.max > 0 && len(f.buf) > f.max {
		f.buf = nil
		if !f.overflowed {
			f.Overflows++
		}
		f.overflowed = true
	}
	if len(f.buf) == 0 {
		// Release the backing array once fully drained.
		f.buf = nil
	}
}

func normalizeLine(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(bytes.TrimSpace(line)) == 0 {
		return "", false
	}
	return string(line), true
}
