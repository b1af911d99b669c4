// Package term renders the remote PTY stream for the terminal adapter:
// a transcript buffer with the screen-clear semantics a real terminal
// would have.
package term

import (
	"bytes"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
)

const defaultMax = 256 * 1024

// clearSeqs are the escape sequences treated as "the program wiped the
// screen": erase-display variants, full reset, and the cursor-home
// jumps full-screen programs lead their redraws with.
var clearSeqs = []string{
	"\x1b[2J",   // ED2, clear visible screen
	"\x1b[3J",   // ED3, clear scrollback
	"\x1bc",     // RIS, terminal reset
	"\x1b[H",    // cursor home
	"\x1b[1;1H", // cursor home, explicit coordinates
}

// LastClear returns the offset just past the last screen-clear sequence
// in data, or -1. Detection is heuristic: a sequence split across two
// chunks is missed, and the next full one catches up.
func LastClear(data string) int {
	last := -1
	for _, seq := range clearSeqs {
		if i := strings.LastIndex(data, seq); i >= 0 && i+len(seq) > last {
			last = i + len(seq)
		}
	}
	return last
}

// Transcript accumulates session output the way an attached terminal
// would retain it: grow until the program clears the screen, then
// restart from the clear. Bounded; trimming drops whole lines from the
// front.
type Transcript struct {
	mu  sync.Mutex
	buf []byte
	max int
}

// NewTranscript returns a transcript capped at max bytes; max <= 0
// picks a default.
func NewTranscript(max int) *Transcript {
	if max <= 0 {
		max = defaultMax
	}
	return &Transcript{max: max}
}

// Feed appends one output chunk.
func (t *Transcript) Feed(data string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i := LastClear(data); i >= 0 {
		t.buf = t.buf[:0]
		data = data[i:]
	}
	t.buf = append(t.buf, data...)

	if len(t.buf) > t.max {
		cut := len(t.buf) - t.max
		if i := bytes.IndexByte(t.buf[cut:], '\n'); i >= 0 {
			cut += i + 1
		}
		t.buf = append(t.buf[:0], t.buf[cut:]...)
	}
}

// String returns the raw transcript, escape sequences included.
func (t *Transcript) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Plain returns the transcript with ANSI sequences stripped.
func (t *Transcript) Plain() string {
	return ansi.Strip(t.String())
}

// Reset empties the transcript.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.buf = t.buf[:0]
	t.mu.Unlock()
}
