package agent

import (
	"bytes"
	"strings"
	"sync"
)

const (
	ringLines    = 100
	maxCarrySize = 8192
)

// lineRing keeps the most recent complete output lines of one session.
// Bytes arrive in arbitrary chunks; a partial trailing line is carried
// until its newline shows up.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
	carry []byte
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.carry = append(r.carry, p...)
	for {
		i := bytes.IndexByte(r.carry, '\n')
		if i < 0 {
			break
		}
		r.push(string(r.carry[:i+1]))
		r.carry = r.carry[i+1:]
	}
	// A program that never prints a newline must not grow the carry
	// without bound; flush the oversized run as if it were a line.
	if len(r.carry) > maxCarrySize {
		r.push(string(r.carry))
		r.carry = nil
	}
}

func (r *lineRing) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// Tail reconstructs the buffered output: the kept lines plus whatever
// partial line is still in flight.
func (r *lineRing) Tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, line := range r.lines {
		b.WriteString(line)
	}
	b.Write(r.carry)
	return b.String()
}
