package process

import (
	"strings"
	"sync"
)

// maxStderrLine caps a single retained stderr line.
const maxStderrLine = 4096

// lineRing keeps the most recent complete stderr lines.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial strings.Builder
}

func newLineRing(size int) *lineRing {
	return &lineRing{lines: make([]string, size)}
}

// Write splits p into lines, stores the complete ones and returns them.
func (r *lineRing) Write(p []byte) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var completed []string
	for _, b := range p {
		if b == '\n' {
			line := strings.TrimRight(r.partial.String(), "\r")
			r.partial.Reset()
			if line == "" {
				continue
			}
			r.push(line)
			completed = append(completed, line)
			continue
		}
		if r.partial.Len() < maxStderrLine {
			r.partial.WriteByte(b)
		}
	}
	return completed
}

// Flush stores a trailing unterminated line.
func (r *lineRing) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if line := strings.TrimSpace(r.partial.String()); line != "" {
		r.push(line)
	}
	r.partial.Reset()
}

func (r *lineRing) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the retained lines, oldest first.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}
