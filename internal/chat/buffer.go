package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/term"
)

// Chat transports rate-limit hard, so PTY chunks are coalesced before
// they become messages.
const (
	flushAfter = 500 * time.Millisecond
	flushBytes = 8192
)

// Buffer coalesces per-session output until a quiet beat or a size
// threshold, then hands the text to Emit. Emit runs without the buffer
// lock held.
type Buffer struct {
	FlushAfter time.Duration
	MaxBytes   int
	Emit       func(sessionID, text string)

	mu      sync.Mutex
	pending map[string]*pendingOut
}

type pendingOut struct {
	buf   strings.Builder
	timer *time.Timer
}

func NewBuffer(emit func(sessionID, text string)) *Buffer {
	return &Buffer{
		FlushAfter: flushAfter,
		MaxBytes:   flushBytes,
		Emit:       emit,
		pending:    make(map[string]*pendingOut),
	}
}

// Add feeds one raw output chunk for a session.
func (b *Buffer) Add(sessionID, data string) {
	var text string

	b.mu.Lock()
	p := b.pending[sessionID]
	if p == nil {
		p = &pendingOut{}
		b.pending[sessionID] = p
	}
	// A screen redraw supersedes whatever was still pending.
	if i := term.LastClear(data); i >= 0 {
		p.buf.Reset()
		data = data[i:]
	}
	p.buf.WriteString(data)
	if p.buf.Len() >= b.MaxBytes {
		text = p.buf.String()
		p.buf.Reset()
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	} else if p.timer == nil {
		p.timer = time.AfterFunc(b.FlushAfter, func() { b.flush(sessionID) })
	}
	b.mu.Unlock()

	if text != "" {
		b.Emit(sessionID, text)
	}
}

func (b *Buffer) flush(sessionID string) {
	b.mu.Lock()
	p := b.pending[sessionID]
	if p == nil || p.buf.Len() == 0 {
		if p != nil {
			p.timer = nil
		}
		b.mu.Unlock()
		return
	}
	text := p.buf.String()
	p.buf.Reset()
	p.timer = nil
	b.mu.Unlock()

	b.Emit(sessionID, text)
}

// FlushAll drains every session immediately.
func (b *Buffer) FlushAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.pending))
	for id := range b.pending {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		b.flush(id)
	}
}

// Drop discards whatever a closed session still had pending.
func (b *Buffer) Drop(sessionID string) {
	b.mu.Lock()
	if p := b.pending[sessionID]; p != nil && p.timer != nil {
		p.timer.Stop()
	}
	delete(b.pending, sessionID)
	b.mu.Unlock()
}
