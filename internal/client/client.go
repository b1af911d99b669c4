// Package client is the relay-side core shared by every client adapter:
// the authenticated link, agent presence, a cached session view, and
// request/reply helpers over the broadcast protocol.
package client

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
	"github.com/Qillen1974/pocketclaude/internal/ws"
)

// Handlers are the adapter-facing callbacks. All of them are optional
// and run on the link's read loop, so they must not block.
type Handlers struct {
	OnOutput func(sessionID, data string)
	OnStatus func(p protocol.StatusPayload)
	OnError  func(p protocol.ErrorPayload)
	OnAgent  func(connected bool)
	OnState  func(s ws.State, err error)
}

// CommandError is an error envelope surfaced as a Go error.
type CommandError struct {
	Code    string
	Message string
}

func (e *CommandError) Error() string { return e.Code + ": " + e.Message }

// Client wraps the relay link for adapters. Replies in this protocol
// are broadcast and carry no request ids, so the request helpers match
// on status type (and session id where known); adapters keep one
// request in flight at a time.
type Client struct {
	link     *ws.Client
	handlers Handlers
	cache    *sessionCache

	mu      sync.Mutex
	agentUp bool
	waiters []*waiter
}

type waiter struct {
	status    string
	sessionID string // "" matches any
	ch        chan waitResult
}

type waitResult struct {
	payload protocol.StatusPayload
	err     error
}

func New(url, token string, h Handlers) *Client {
	c := &Client{handlers: h, cache: newSessionCache(cacheTTL)}
	c.link = &ws.Client{
		URL:           url,
		Token:         token,
		Role:          protocol.RoleClient,
		OnEnvelope:    c.handle,
		OnStateChange: h.OnState,
	}
	return c
}

// Run serves the relay link until ctx is cancelled, reconnecting with
// backoff. It returns early only when the relay rejects the token.
func (c *Client) Run(ctx context.Context) error {
	return c.link.Run(ctx)
}

// AgentConnected reports the last known agent presence.
func (c *Client) AgentConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentUp
}

// CachedSessions returns the session view assembled from broadcasts,
// most recently active first.
func (c *Client) CachedSessions() []protocol.SessionInfo {
	return c.cache.all()
}

func (c *Client) handle(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeOutput:
		var p protocol.OutputPayload
		if env.ParsePayload(&p) != nil {
			return
		}
		if c.handlers.OnOutput != nil {
			c.handlers.OnOutput(p.SessionID, p.Data)
		}

	case protocol.TypeStatus:
		var p protocol.StatusPayload
		if env.ParsePayload(&p) != nil {
			return
		}
		c.handleStatus(p)

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if env.ParsePayload(&p) != nil {
			return
		}
		c.failWaiter(p)
		if c.handlers.OnError != nil {
			c.handlers.OnError(p)
		}
	}
}

func (c *Client) handleStatus(p protocol.StatusPayload) {
	switch p.Status {
	case protocol.StatusConnected:
		// Our own auth reply and agent presence broadcasts both arrive
		// as status{connected}; the data shape tells them apart.
		var d struct {
			Role           string `json:"role"`
			AgentConnected bool   `json:"agentConnected"`
			Reason         string `json:"reason"`
		}
		if p.ParseData(&d) == nil {
			switch {
			case d.Role != "":
				c.setAgent(d.AgentConnected)
			case d.Reason == protocol.ReasonAgentConnected:
				c.setAgent(true)
			}
		}

	case protocol.StatusDisconnected:
		var d protocol.AgentPresenceData
		if p.ParseData(&d) == nil && d.Reason == protocol.ReasonAgentDisconnected {
			c.setAgent(false)
		}

	case protocol.StatusSessionsList:
		var d protocol.SessionsData
		if p.ParseData(&d) == nil {
			c.cache.update(d.Sessions)
		}

	case protocol.StatusSessionStarted:
		var d protocol.SessionStartedData
		if p.ParseData(&d) == nil {
			c.cache.observe(protocol.SessionInfo{
				SessionID:      d.SessionID,
				ProjectID:      d.ProjectID,
				Status:         "active",
				LastActivity:   time.Now().UnixMilli(),
				IsQuickSession: d.IsQuickSession,
			})
		}

	case protocol.StatusSessionClosed:
		c.cache.remove(p.SessionID)
	}

	c.resolveWaiter(p)
	if c.handlers.OnStatus != nil {
		c.handlers.OnStatus(p)
	}
}

func (c *Client) setAgent(up bool) {
	c.mu.Lock()
	changed := c.agentUp != up
	c.agentUp = up
	c.mu.Unlock()
	if changed && c.handlers.OnAgent != nil {
		c.handlers.OnAgent(up)
	}
}

func (c *Client) addWaiter(status, sessionID string) *waiter {
	w := &waiter{status: status, sessionID: sessionID, ch: make(chan waitResult, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) dropWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) resolveWaiter(p protocol.StatusPayload) {
	c.mu.Lock()
	for i, w := range c.waiters {
		if w.status != p.Status {
			continue
		}
		if w.sessionID != "" && w.sessionID != p.SessionID {
			continue
		}
		c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
		c.mu.Unlock()
		w.ch <- waitResult{payload: p}
		return
	}
	c.mu.Unlock()
}

// failWaiter hands an error envelope to the oldest outstanding request;
// without request ids that is the best attribution there is.
func (c *Client) failWaiter(p protocol.ErrorPayload) {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()
	w.ch <- waitResult{err: &CommandError{Code: p.Code, Message: p.Message}}
}

func (c *Client) request(ctx context.Context, wantStatus, sessionID string, cmd protocol.CommandPayload) (protocol.StatusPayload, error) {
	w := c.addWaiter(wantStatus, sessionID)
	if err := c.link.Send(ctx, protocol.NewCommand(cmd)); err != nil {
		c.dropWaiter(w)
		return protocol.StatusPayload{}, err
	}
	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.dropWaiter(w)
		return protocol.StatusPayload{}, ctx.Err()
	}
}

// ListProjects asks the agent for its project registry.
func (c *Client) ListProjects(ctx context.Context) ([]protocol.Project, error) {
	p, err := c.request(ctx, protocol.StatusProjectsList, "",
		protocol.CommandPayload{Command: protocol.CmdListProjects})
	if err != nil {
		return nil, err
	}
	var d protocol.ProjectsData
	if err := p.ParseData(&d); err != nil {
		return nil, err
	}
	return d.Projects, nil
}

// ListSessions fetches the live session table; the reply also refreshes
// the local cache.
func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	p, err := c.request(ctx, protocol.StatusSessionsList, "",
		protocol.CommandPayload{Command: protocol.CmdListSessions})
	if err != nil {
		return nil, err
	}
	var d protocol.SessionsData
	if err := p.ParseData(&d); err != nil {
		return nil, err
	}
	return d.Sessions, nil
}

// StartSession opens a session for projectID; empty means quick session.
func (c *Client) StartSession(ctx context.Context, projectID string) (protocol.SessionStartedData, error) {
	p, err := c.request(ctx, protocol.StatusSessionStarted, "",
		protocol.CommandPayload{Command: protocol.CmdStartSession, ProjectID: projectID})
	if err != nil {
		return protocol.SessionStartedData{}, err
	}
	var d protocol.SessionStartedData
	if err := p.ParseData(&d); err != nil {
		return protocol.SessionStartedData{}, err
	}
	return d, nil
}

// CloseSession closes one session and waits for its close broadcast.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	_, err := c.request(ctx, protocol.StatusSessionClosed, sessionID,
		protocol.CommandPayload{Command: protocol.CmdCloseSession, SessionID: sessionID})
	return err
}

// SendInput types into a session. Fire and forget: the echo comes back
// on the output stream.
func (c *Client) SendInput(ctx context.Context, sessionID, input string) error {
	return c.link.Send(ctx, protocol.NewCommand(protocol.CommandPayload{
		Command:   protocol.CmdSendInput,
		SessionID: sessionID,
		Input:     input,
	}))
}

// Keepalive marks a session as actively watched.
func (c *Client) Keepalive(ctx context.Context, sessionID string) error {
	return c.link.Send(ctx, protocol.NewCommand(protocol.CommandPayload{
		Command:   protocol.CmdKeepalive,
		SessionID: sessionID,
	}))
}

// SessionHistory returns the newest session summaries for a project.
func (c *Client) SessionHistory(ctx context.Context, projectID string) ([]protocol.SessionSummary, error) {
	p, err := c.request(ctx, protocol.StatusSessionHistory, "",
		protocol.CommandPayload{Command: protocol.CmdSessionHistory, ProjectID: projectID})
	if err != nil {
		return nil, err
	}
	var d protocol.HistoryData
	if err := p.ParseData(&d); err != nil {
		return nil, err
	}
	return d.History, nil
}

// LastSessionOutput returns the tail of the project's newest session log.
func (c *Client) LastSessionOutput(ctx context.Context, projectID string) (string, error) {
	p, err := c.request(ctx, protocol.StatusLastSessionOutput, "",
		protocol.CommandPayload{Command: protocol.CmdLastSessionOutput, ProjectID: projectID})
	if err != nil {
		return "", err
	}
	var d protocol.LastOutputData
	if err := p.ParseData(&d); err != nil {
		return "", err
	}
	return d.Output, nil
}

// ContextSummary returns the context block a new session would inherit.
func (c *Client) ContextSummary(ctx context.Context, projectID string) (string, error) {
	p, err := c.request(ctx, protocol.StatusContextSummary, "",
		protocol.CommandPayload{Command: protocol.CmdContextSummary, ProjectID: projectID})
	if err != nil {
		return "", err
	}
	var d protocol.ContextSummaryData
	if err := p.ParseData(&d); err != nil {
		return "", err
	}
	return d.Summary, nil
}

// UploadFile ships a file into the session's uploads directory.
func (c *Client) UploadFile(ctx context.Context, sessionID, name string, content []byte, mimeType string) (protocol.FileUploadedData, error) {
	p, err := c.request(ctx, protocol.StatusFileUploaded, sessionID,
		protocol.CommandPayload{
			Command:     protocol.CmdUploadFile,
			SessionID:   sessionID,
			FileName:    name,
			FileContent: base64.StdEncoding.EncodeToString(content),
			MimeType:    mimeType,
		})
	if err != nil {
		return protocol.FileUploadedData{}, err
	}
	var d protocol.FileUploadedData
	if err := p.ParseData(&d); err != nil {
		return protocol.FileUploadedData{}, err
	}
	return d, nil
}
