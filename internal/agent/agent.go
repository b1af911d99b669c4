package agent

import (
	"context"
	"log"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
	"github.com/Qillen1974/pocketclaude/internal/ws"
)

// Agent ties a session Manager to its relay uplink. The uplink comes
// and goes; the Manager and its PTYs stay up across reconnects.
type Agent struct {
	Manager *Manager
	client  *ws.Client
}

// New wires mgr to the relay at url. The manager's emit sink is pointed
// at the uplink: replies and output are sent while authenticated and
// dropped otherwise, since the protocol has no replay.
func New(url, token string, mgr *Manager) *Agent {
	a := &Agent{Manager: mgr}
	a.client = &ws.Client{
		URL:           url,
		Token:         token,
		Role:          protocol.RoleAgent,
		OnEnvelope:    a.handleEnvelope,
		OnStateChange: a.stateChanged,
	}
	if mgr != nil {
		mgr.SetEmit(a.emit)
	}
	return a
}

// Run connects to the relay and serves commands until ctx ends, with
// the idle reaper running alongside. Sessions are torn down only on
// return, not on relay disconnects.
func (a *Agent) Run(ctx context.Context) error {
	if a.Manager != nil {
		go a.Manager.RunReaper(ctx)
		defer a.Manager.CloseAll()
	}
	return a.client.Run(ctx)
}

func (a *Agent) handleEnvelope(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeCommand:
		if a.Manager == nil {
			a.emit(protocol.NewError(protocol.CodeNoSessionManager, "agent has no session manager"))
			return
		}
		a.Manager.Dispatch(ctx, env)
	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.ParsePayload(&p); err == nil {
			log.Printf("relay error: %s %s", p.Code, p.Message)
		}
	}
}

func (a *Agent) emit(env protocol.Envelope) {
	if a.client.State() != ws.StateAuthenticated {
		return
	}
	if err := a.client.Send(context.Background(), env); err != nil {
		log.Printf("send %s frame: %v", env.Type, err)
	}
}

func (a *Agent) stateChanged(s ws.State, err error) {
	if s == ws.StateAuthenticated {
		log.Printf("relay link up (agent)")
	}
}
