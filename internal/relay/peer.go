package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const peerWriteTimeout = 5 * time.Second

// peer is one websocket connection after Accept. Writes are serialized
// behind mu because the switchboard fans envelopes in from several
// goroutines at once.
type peer struct {
	conn   *websocket.Conn
	role   string
	remote string

	mu       sync.Mutex
	lastPong atomic.Int64 // unix millis of the last observed pong
}

func newPeer(conn *websocket.Conn, remote string) *peer {
	p := &peer{conn: conn, remote: remote}
	p.touchPong()
	return p
}

func (p *peer) send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, peerWriteTimeout)
	defer cancel()
	return p.conn.Write(writeCtx, websocket.MessageText, data)
}

func (p *peer) touchPong() {
	p.lastPong.Store(time.Now().UnixMilli())
}

func (p *peer) pongAge(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(p.lastPong.Load()))
}
