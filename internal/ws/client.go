package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// ErrAuthRejected is returned when the relay refuses the shared token or
// the declared role. It is terminal: Run does not retry past it.
var ErrAuthRejected = errors.New("relay rejected authentication")

// ErrAgentExists is the soft rejection when another agent holds the slot.
var ErrAgentExists = errors.New("another agent is already connected")

const (
	writeTimeout = 10 * time.Second
	readLimit    = 512 * 1024 // match relay read limit
)

// State of the relay link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Client is an outbound relay connection shared by the agent and by client
// adapters. It dials, authenticates with the shared token, delivers every
// post-auth envelope to OnEnvelope, and reconnects with exponential backoff.
type Client struct {
	URL   string // e.g. "wss://relay.example.com/ws"
	Token string
	Role  string // protocol.RoleAgent or protocol.RoleClient

	// OnEnvelope receives every envelope after auth, starting with the
	// relay's own status{connected} reply. Called from the read loop;
	// handlers that block should spawn their own goroutines.
	OnEnvelope func(ctx context.Context, env protocol.Envelope)

	// OnStateChange is called on connection state transitions.
	OnStateChange func(state State, err error)

	// Backoff defaults to 1s base, 30s cap, ±10% jitter.
	Backoff *Backoff

	conn  *websocket.Conn
	state State
	mu    sync.Mutex
}

// Run connects to the relay and processes envelopes until ctx is cancelled.
// It reconnects on disconnect and returns early only for ErrAuthRejected.
func (c *Client) Run(ctx context.Context) error {
	if c.Backoff == nil {
		c.Backoff = NewBackoff(time.Second, 30*time.Second)
	}
	for {
		c.setState(StateConnecting, nil)
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.setState(StateDisconnected, err)
			return err
		}
		if errors.Is(err, ErrAgentExists) {
			c.Backoff.Advance(5)
		}
		delay := c.Backoff.Next()
		c.setState(StateDisconnected, err)
		log.Printf("relay disconnected: %v — reconnecting in %s", err, delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// State returns the current link state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.setState(StateAuthenticating, nil)
	if err := c.Send(ctx, protocol.NewAuth(c.Token, c.Role)); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	authed := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("bad frame from relay: %v", err)
			continue
		}

		if !authed {
			ok, err := c.checkAuthReply(env)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			authed = true
			c.Backoff.Reset()
			c.setState(StateAuthenticated, nil)
			// Fall through so adapters see the connected reply too
			// (it carries the agentConnected flag).
		}

		if c.OnEnvelope != nil {
			c.OnEnvelope(ctx, env)
		}
	}
}

// checkAuthReply inspects a pre-auth envelope. It returns true once the
// relay's status{connected} reply for our role arrives, false for frames
// to keep waiting through, and an error for rejections.
func (c *Client) checkAuthReply(env protocol.Envelope) (bool, error) {
	switch env.Type {
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.ParsePayload(&p); err != nil {
			return false, fmt.Errorf("relay rejected connection")
		}
		switch p.Code {
		case protocol.CodeAgentExists:
			return false, fmt.Errorf("%w: %s", ErrAgentExists, p.Message)
		case protocol.CodeAuthFailed, protocol.CodeInvalidRole, protocol.CodeNotAuthenticated:
			return false, fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		default:
			return false, fmt.Errorf("relay error during auth: %s: %s", p.Code, p.Message)
		}
	case protocol.TypeStatus:
		var p protocol.StatusPayload
		if err := env.ParsePayload(&p); err != nil {
			return false, nil
		}
		if p.Status != protocol.StatusConnected {
			return false, nil
		}
		var d protocol.AuthOKData
		if err := p.ParseData(&d); err != nil {
			return false, nil
		}
		// Presence broadcasts also use status{connected}; the auth reply
		// is the one naming our role.
		return d.Role == c.Role, nil
	default:
		return false, nil
	}
}

// Send marshals env and writes it to the live connection.
func (c *Client) Send(ctx context.Context, env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
