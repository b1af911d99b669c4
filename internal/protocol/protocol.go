package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope types. Every frame on the wire is exactly one envelope.
const (
	TypeAuth    = "auth"
	TypeCommand = "command"
	TypeOutput  = "output"
	TypeStatus  = "status"
	TypeError   = "error"
)

// Peer roles declared in the auth payload.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
)

// Commands accepted by the agent dispatcher.
const (
	CmdListProjects      = "list_projects"
	CmdListSessions      = "list_sessions"
	CmdStartSession      = "start_session"
	CmdSendInput         = "send_input"
	CmdCloseSession      = "close_session"
	CmdKeepalive         = "keepalive"
	CmdSessionHistory    = "get_session_history"
	CmdLastSessionOutput = "get_last_session_output"
	CmdContextSummary    = "get_context_summary"
	CmdUploadFile        = "upload_file"
)

// Status values carried by status envelopes.
const (
	StatusConnected         = "connected"
	StatusDisconnected      = "disconnected"
	StatusSessionStarted    = "session_started"
	StatusSessionClosed     = "session_closed"
	StatusProjectsList      = "projects_list"
	StatusSessionsList      = "sessions_list"
	StatusSessionHistory    = "session_history"
	StatusLastSessionOutput = "last_session_output"
	StatusFileUploaded      = "file_uploaded"
	StatusContextSummary    = "context_summary"
)

// Reasons carried by the relay's agent-presence broadcasts.
const (
	ReasonAgentConnected    = "agent_connected"
	ReasonAgentDisconnected = "agent_disconnected"
)

// Error codes.
const (
	CodeInvalidJSON        = "INVALID_JSON"
	CodeAuthFailed         = "AUTH_FAILED"
	CodeNotAuthenticated   = "NOT_AUTHENTICATED"
	CodeAgentExists        = "AGENT_EXISTS"
	CodeInvalidRole        = "INVALID_ROLE"
	CodeNoAgent            = "NO_AGENT"
	CodeUnknownCommand     = "UNKNOWN_COMMAND"
	CodeProjectNotFound    = "PROJECT_NOT_FOUND"
	CodeMissingProjectID   = "MISSING_PROJECT_ID"
	CodeMissingSessionID   = "MISSING_SESSION_ID"
	CodeMissingInput       = "MISSING_INPUT"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeMissingFileData    = "MISSING_FILE_DATA"
	CodeUploadFailed       = "UPLOAD_FAILED"
	CodeSessionStartFailed = "SESSION_START_FAILED"
	CodeNoSessionManager   = "NO_SESSION_MANAGER"
)

// WebSocket close codes used by the relay.
const (
	CloseAuthFailed  = 4001 // bad token or unauthenticated traffic
	CloseAgentExists = 4002 // a healthy agent is already bound
	CloseInvalidRole = 4003 // role outside {agent, client}
)

// Quick sessions bind to this sentinel project id and run in the user home.
const QuickProjectID = "__quick__"

// Envelope is the frame carried by every transport message.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewEnvelope builds an envelope around payload, stamped with the current
// time in milliseconds. A nil payload leaves the field empty.
func NewEnvelope(typ, sessionID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:      typ,
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// ParsePayload unmarshals the envelope payload into v.
func (e *Envelope) ParsePayload(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// AuthPayload is the first frame every peer must send.
type AuthPayload struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

// CommandPayload carries one client command. Which fields are required
// depends on the command; absent and empty strings are equivalent.
type CommandPayload struct {
	Command     string `json:"command"`
	ProjectID   string `json:"projectId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Input       string `json:"input,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	FileContent string `json:"fileContent,omitempty"` // base64
	MimeType    string `json:"mimeType,omitempty"`
}

// OutputPayload carries one raw PTY chunk. Multi-byte sequences may be
// split across frames; clients must treat data as a byte stream.
type OutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// StatusPayload carries lifecycle and query replies. Data is one of the
// *Data shapes below, keyed by Status.
type StatusPayload struct {
	Status    string          `json:"status"`
	SessionID string          `json:"sessionId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ParseData unmarshals the wrapped data object into v.
func (p *StatusPayload) ParseData(v any) error {
	if len(p.Data) == 0 {
		return errors.New("empty status data")
	}
	return json.Unmarshal(p.Data, v)
}

// ErrorPayload reports a protocol or command error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AuthOKData rides status{connected} in direct reply to a successful auth.
type AuthOKData struct {
	Role           string `json:"role"`
	AgentConnected bool   `json:"agentConnected"`
}

// AgentPresenceData rides the status broadcast when the agent binds or
// releases.
type AgentPresenceData struct {
	Reason string `json:"reason"`
}

// Project is one entry of projects.json and of the projects_list reply.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Keywords    []string `json:"keywords,omitempty"`
	TechStack   []string `json:"techStack,omitempty"`
	Description string   `json:"description,omitempty"`
}

// SessionInfo describes one live session in a sessions_list reply.
type SessionInfo struct {
	SessionID      string `json:"sessionId"`
	ProjectID      string `json:"projectId"`
	WorkingDir     string `json:"workingDir"`
	Status         string `json:"status"` // "active" or "idle"
	LastActivity   int64  `json:"lastActivity"`
	IsQuickSession bool   `json:"isQuickSession,omitempty"`
}

// SessionSummary is the on-disk .summary.json shape and the element type
// of session_history replies.
type SessionSummary struct {
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	StartedAt int64  `json:"startedAt"`
	EndedAt   int64  `json:"endedAt,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// SessionStartedData rides status{session_started}.
type SessionStartedData struct {
	SessionID          string `json:"sessionId"`
	ProjectID          string `json:"projectId"`
	IsQuickSession     bool   `json:"isQuickSession"`
	HasPreviousContext bool   `json:"hasPreviousContext"`
}

// ProjectsData rides status{projects_list}.
type ProjectsData struct {
	Projects []Project `json:"projects"`
}

// SessionsData rides status{sessions_list}.
type SessionsData struct {
	Sessions []SessionInfo `json:"sessions"`
}

// HistoryData rides status{session_history}.
type HistoryData struct {
	History []SessionSummary `json:"history"`
}

// LastOutputData rides status{last_session_output}.
type LastOutputData struct {
	Output string `json:"output"`
}

// ContextSummaryData rides status{context_summary}.
type ContextSummaryData struct {
	ProjectID string `json:"projectId"`
	Summary   string `json:"summary"`
}

// FileUploadedData rides status{file_uploaded}.
type FileUploadedData struct {
	FileName string `json:"fileName"`
	FilePath string `json:"filePath"`
	Size     int64  `json:"size"`
}

// NewAuth builds the auth frame.
func NewAuth(token, role string) Envelope {
	env, _ := NewEnvelope(TypeAuth, "", AuthPayload{Token: token, Role: role})
	return env
}

// NewCommand builds a command frame.
func NewCommand(p CommandPayload) Envelope {
	env, _ := NewEnvelope(TypeCommand, p.SessionID, p)
	return env
}

// NewOutput builds an output frame for one PTY chunk.
func NewOutput(sessionID, data string) Envelope {
	env, _ := NewEnvelope(TypeOutput, sessionID, OutputPayload{SessionID: sessionID, Data: data})
	return env
}

// NewStatus builds a status frame; data may be nil.
func NewStatus(status, sessionID string, data any) (Envelope, error) {
	p := StatusPayload{Status: status, SessionID: sessionID}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal status data: %w", err)
		}
		p.Data = raw
	}
	return NewEnvelope(TypeStatus, sessionID, p)
}

// NewError builds an error frame.
func NewError(code, message string) Envelope {
	env, _ := NewEnvelope(TypeError, "", ErrorPayload{Code: code, Message: message})
	return env
}
