package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const (
	authTimeout = 30 * time.Second
	readLimit   = 512 * 1024
)

// Switchboard holds the single agent slot and the set of client
// connections, and moves envelopes between them. Commands from clients
// go to the agent; output, status, and error traffic from the agent is
// fanned out to every client. Everything else is dropped on the floor.
type Switchboard struct {
	token string

	mu      sync.Mutex
	agent   *peer
	clients map[*peer]struct{}

	pingInterval time.Duration
	pingTimeout  time.Duration
	pongTimeout  time.Duration
}

func NewSwitchboard(token string) *Switchboard {
	return &Switchboard{
		token:        token,
		clients:      make(map[*peer]struct{}),
		pingInterval: 30 * time.Second,
		pingTimeout:  10 * time.Second,
		pongTimeout:  60 * time.Second,
	}
}

// HandlePeer owns conn from accept to close. It blocks until the peer
// disconnects or is kicked, so callers run it from the HTTP handler
// goroutine.
func (b *Switchboard) HandlePeer(ctx context.Context, conn *websocket.Conn, remote string) {
	conn.SetReadLimit(readLimit)
	p := newPeer(conn, remote)
	if !b.authenticate(ctx, p) {
		conn.CloseNow()
		return
	}
	defer b.release(p)
	b.serve(ctx, p)
}

// authenticate reads frames until a valid auth envelope arrives or the
// window expires. Malformed JSON gets an INVALID_JSON error and another
// chance; anything else that isn't auth ends the connection.
func (b *Switchboard) authenticate(ctx context.Context, p *peer) bool {
	authCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	for {
		_, data, err := p.conn.Read(authCtx)
		if err != nil {
			p.conn.Close(protocol.CloseAuthFailed, "authentication timeout")
			return false
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.send(ctx, protocol.NewError(protocol.CodeInvalidJSON, "malformed envelope"))
			continue
		}

		if env.Type != protocol.TypeAuth {
			p.send(ctx, protocol.NewError(protocol.CodeNotAuthenticated, "first message must be auth"))
			p.conn.Close(protocol.CloseAuthFailed, "not authenticated")
			return false
		}

		var auth protocol.AuthPayload
		if err := env.ParsePayload(&auth); err != nil || auth.Token != b.token {
			p.send(ctx, protocol.NewError(protocol.CodeAuthFailed, "invalid token"))
			p.conn.Close(protocol.CloseAuthFailed, "auth failed")
			return false
		}

		switch auth.Role {
		case protocol.RoleAgent:
			if !b.bindAgent(p) {
				p.send(ctx, protocol.NewError(protocol.CodeAgentExists, "an agent is already connected"))
				p.conn.Close(protocol.CloseAgentExists, "agent exists")
				return false
			}
		case protocol.RoleClient:
			b.addClient(p)
		default:
			p.send(ctx, protocol.NewError(protocol.CodeInvalidRole, "role must be agent or client"))
			p.conn.Close(protocol.CloseInvalidRole, "invalid role")
			return false
		}

		p.role = auth.Role
		p.touchPong()

		reply, err := protocol.NewStatus(protocol.StatusConnected, "", protocol.AuthOKData{
			Role:           auth.Role,
			AgentConnected: b.agentBound(),
		})
		if err == nil {
			err = p.send(ctx, reply)
		}
		if err != nil {
			b.release(p)
			return false
		}

		log.Printf("relay: %s connected from %s", p.role, p.remote)
		if auth.Role == protocol.RoleAgent {
			b.broadcastPresence(ctx, protocol.ReasonAgentConnected)
		}
		return true
	}
}

func (b *Switchboard) serve(ctx context.Context, p *peer) {
	for {
		_, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			p.send(ctx, protocol.NewError(protocol.CodeInvalidJSON, "malformed envelope"))
			continue
		}
		b.route(ctx, p, env)
	}
}

// route forwards one envelope according to the sender's role. Envelopes
// are passed through untouched so sender timestamps survive the hop.
func (b *Switchboard) route(ctx context.Context, from *peer, env protocol.Envelope) {
	switch from.role {
	case protocol.RoleClient:
		if env.Type != protocol.TypeCommand {
			return
		}
		agent := b.currentAgent()
		if agent == nil {
			from.send(ctx, protocol.NewError(protocol.CodeNoAgent, "no agent connected"))
			return
		}
		if err := agent.send(ctx, env); err != nil {
			log.Printf("relay: forwarding to agent failed: %v", err)
			agent.conn.CloseNow()
		}
	case protocol.RoleAgent:
		switch env.Type {
		case protocol.TypeOutput, protocol.TypeStatus, protocol.TypeError:
			b.broadcast(ctx, env)
		}
	}
}

// broadcast fans env out to every client. A client whose write fails is
// cut loose; the rest keep receiving.
func (b *Switchboard) broadcast(ctx context.Context, env protocol.Envelope) {
	for _, c := range b.snapshotClients() {
		if err := c.send(ctx, env); err != nil {
			log.Printf("relay: dropping client %s: %v", c.remote, err)
			b.release(c)
		}
	}
}

func (b *Switchboard) broadcastPresence(ctx context.Context, reason string) {
	status := protocol.StatusConnected
	if reason == protocol.ReasonAgentDisconnected {
		status = protocol.StatusDisconnected
	}
	env, err := protocol.NewStatus(status, "", protocol.AgentPresenceData{Reason: reason})
	if err != nil {
		return
	}
	b.broadcast(ctx, env)
}

func (b *Switchboard) bindAgent(p *peer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.agent != nil {
		return false
	}
	b.agent = p
	return true
}

func (b *Switchboard) addClient(p *peer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[p] = struct{}{}
}

// release drops p from the table and closes its socket. Safe to call
// more than once. Losing the agent is announced to the clients.
func (b *Switchboard) release(p *peer) {
	b.mu.Lock()
	wasAgent := b.agent == p
	if wasAgent {
		b.agent = nil
	}
	delete(b.clients, p)
	b.mu.Unlock()

	p.conn.CloseNow()
	if wasAgent {
		log.Printf("relay: agent disconnected")
		b.broadcastPresence(context.Background(), protocol.ReasonAgentDisconnected)
	}
}

func (b *Switchboard) currentAgent() *peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent
}

func (b *Switchboard) agentBound() bool {
	return b.currentAgent() != nil
}

func (b *Switchboard) snapshotClients() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.clients))
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Switchboard) snapshotAll() []*peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*peer, 0, len(b.clients)+1)
	if b.agent != nil {
		out = append(out, b.agent)
	}
	for c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Counts reports whether an agent is bound and how many clients are
// attached, for the health endpoint.
func (b *Switchboard) Counts() (agent bool, clients int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.agent != nil, len(b.clients)
}

// Run drives the heartbeat: every ping interval each peer is pinged,
// and any peer that hasn't ponged within the pong timeout is closed.
// Returns when ctx is cancelled.
func (b *Switchboard) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat(ctx)
		}
	}
}

func (b *Switchboard) heartbeat(ctx context.Context) {
	now := time.Now()
	for _, p := range b.snapshotAll() {
		if age := p.pongAge(now); age > b.pongTimeout {
			log.Printf("relay: %s %s unresponsive for %s, closing", p.role, p.remote, age.Round(time.Second))
			p.conn.CloseNow()
			continue
		}
		go func(p *peer) {
			pingCtx, cancel := context.WithTimeout(ctx, b.pingTimeout)
			defer cancel()
			if err := p.conn.Ping(pingCtx); err == nil {
				p.touchPong()
			}
		}(p)
	}
}
