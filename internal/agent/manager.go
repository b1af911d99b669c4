package agent

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/history"
	"github.com/Qillen1974/pocketclaude/internal/memory"
	"github.com/Qillen1974/pocketclaude/internal/project"
	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// contextSessions is how many prior sessions get folded into the
// context block typed into a fresh session.
const contextSessions = 3

// Config wires a Manager to its collaborators. Projects and History are
// required; Memory is optional.
type Config struct {
	Projects  *project.Registry
	History   *history.Store
	Memory    *memory.Memory
	QuickPath string // working dir for quick sessions, usually the home dir
	Launch    string // assistant launch command, e.g. "claude"
	Settings  config.Settings
	Emit      func(protocol.Envelope) // reply/stream sink; nil drops
}

// Manager owns the session table and implements the command surface
// clients see. Dispatch is driven by the uplink read loop; session
// output flows back out through the emit sink from per-session reader
// goroutines. Sessions outlive the uplink: nothing here tears a PTY
// down because the relay went away.
type Manager struct {
	projects  *project.Registry
	history   *history.Store
	memory    *memory.Memory
	quickPath string
	launch    string

	settings atomic.Pointer[config.Settings]

	now func() time.Time // test seam for the idle reaper

	mu       sync.Mutex
	emit     func(protocol.Envelope)
	sessions map[string]*Session // by session id
	byProj   map[string]*Session // the one live session per project
}

func NewManager(cfg Config) *Manager {
	if cfg.Projects == nil {
		cfg.Projects = &project.Registry{}
	}
	if cfg.Launch == "" {
		cfg.Launch = "claude"
	}
	m := &Manager{
		projects:  cfg.Projects,
		history:   cfg.History,
		memory:    cfg.Memory,
		quickPath: cfg.QuickPath,
		launch:    cfg.Launch,
		now:       time.Now,
		emit:      cfg.Emit,
		sessions:  make(map[string]*Session),
		byProj:    make(map[string]*Session),
	}
	m.settings.Store(&cfg.Settings)
	return m
}

// Settings returns the live settings snapshot.
func (m *Manager) Settings() config.Settings {
	return *m.settings.Load()
}

// UpdateSettings swaps in a new snapshot. Timers and scans pick it up
// on their next pass; running sessions keep their PTY size.
func (m *Manager) UpdateSettings(s config.Settings) {
	m.settings.Store(&s)
}

// SetEmit replaces the envelope sink. Call before traffic starts.
func (m *Manager) SetEmit(fn func(protocol.Envelope)) {
	m.mu.Lock()
	m.emit = fn
	m.mu.Unlock()
}

func (m *Manager) emitEnv(env protocol.Envelope) {
	m.mu.Lock()
	fn := m.emit
	m.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (m *Manager) emitStatus(status, sessionID string, data any) {
	env, err := protocol.NewStatus(status, sessionID, data)
	if err != nil {
		log.Printf("encode %s status: %v", status, err)
		return
	}
	m.emitEnv(env)
}

func (m *Manager) emitError(code, format string, args ...any) {
	m.emitEnv(protocol.NewError(code, fmt.Sprintf(format, args...)))
}

// Dispatch runs one client command and emits the reply. The uplink
// calls this from its read loop, so commands run in arrival order.
func (m *Manager) Dispatch(ctx context.Context, env protocol.Envelope) {
	var cmd protocol.CommandPayload
	if err := env.ParsePayload(&cmd); err != nil || cmd.Command == "" {
		m.emitError(protocol.CodeUnknownCommand, "malformed command payload")
		return
	}

	switch cmd.Command {
	case protocol.CmdListProjects:
		m.listProjects()
	case protocol.CmdListSessions:
		m.listSessions()
	case protocol.CmdStartSession:
		m.startSession(cmd.ProjectID)
	case protocol.CmdSendInput:
		m.sendInput(cmd.SessionID, cmd.Input)
	case protocol.CmdCloseSession:
		m.closeCommand(cmd.SessionID)
	case protocol.CmdKeepalive:
		m.keepalive(cmd.SessionID)
	case protocol.CmdSessionHistory:
		m.sessionHistory(cmd.ProjectID)
	case protocol.CmdLastSessionOutput:
		m.lastSessionOutput(cmd.ProjectID)
	case protocol.CmdContextSummary:
		m.contextSummary(cmd.ProjectID)
	case protocol.CmdUploadFile:
		m.uploadFile(cmd)
	default:
		m.emitError(protocol.CodeUnknownCommand, "unknown command %q", cmd.Command)
	}
}

func (m *Manager) listProjects() {
	projects := m.projects.All()
	if projects == nil {
		projects = []protocol.Project{}
	}
	m.emitStatus(protocol.StatusProjectsList, "", protocol.ProjectsData{Projects: projects})
}

func (m *Manager) listSessions() {
	set := m.Settings()
	now := m.now()

	m.mu.Lock()
	infos := make([]protocol.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		status := "active"
		if now.Sub(s.lastActivity()) > set.IdleScan {
			status = "idle"
		}
		infos = append(infos, protocol.SessionInfo{
			SessionID:      s.ID,
			ProjectID:      s.ProjectID,
			WorkingDir:     s.WorkingDir,
			Status:         status,
			LastActivity:   s.last.Load(),
			IsQuickSession: s.IsQuick,
		})
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].LastActivity > infos[j].LastActivity })
	m.emitStatus(protocol.StatusSessionsList, "", protocol.SessionsData{Sessions: infos})
}

// resolveProject maps a requested project id to its registry entry. An
// empty id or the quick sentinel synthesizes the quick project.
func (m *Manager) resolveProject(id string) (proj protocol.Project, isQuick, ok bool) {
	if id == "" || id == protocol.QuickProjectID {
		return protocol.Project{
			ID:   protocol.QuickProjectID,
			Name: "Quick Session",
			Path: m.quickPath,
		}, true, true
	}
	proj, ok = m.projects.Get(id)
	return proj, false, ok
}

func (m *Manager) startSession(projectID string) {
	proj, isQuick, ok := m.resolveProject(projectID)
	if !ok {
		m.emitError(protocol.CodeProjectNotFound, "unknown project %q", projectID)
		return
	}

	// One live session per project: starting again replaces the old one.
	m.mu.Lock()
	prev := m.byProj[proj.ID]
	m.mu.Unlock()
	if prev != nil {
		m.CloseSession(prev.ID)
	}

	ctxText, err := m.history.ContextSummary(proj.ID, contextSessions)
	if err != nil {
		log.Printf("context summary for %s: %v", proj.ID, err)
	}

	set := m.Settings()
	sess, err := newSession(proj, isQuick, set.Cols, set.Rows)
	if err != nil {
		m.emitError(protocol.CodeSessionStartFailed, "start session for %s: %v", proj.ID, err)
		return
	}

	// History is best effort: an unwritable disk must not stop the
	// session, it just runs without a log.
	w, err := m.history.StartSession(proj.ID, sess.ID)
	if err != nil {
		log.Printf("history log for session %s: %v", sess.ID, err)
	} else {
		sess.hist = w
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.byProj[proj.ID] = sess
	m.mu.Unlock()

	if m.memory != nil && !isQuick {
		if err := m.memory.Touch(proj.ID); err != nil {
			log.Printf("memory touch %s: %v", proj.ID, err)
		}
	}

	go sess.readLoop(m.handleOutput)
	go m.watchExit(sess)

	// Let the shell print its prompt before anything is typed at it.
	// Prior context goes in first so it sits in the assistant's
	// scrollback when it comes up.
	time.AfterFunc(set.LaunchDelay, func() { m.launchAssistant(sess.ID, ctxText) })

	log.Printf("session %s started (project=%s pid=%d quick=%v)", sess.ID, proj.ID, sess.PID, isQuick)
	m.emitStatus(protocol.StatusSessionStarted, sess.ID, protocol.SessionStartedData{
		SessionID:          sess.ID,
		ProjectID:          proj.ID,
		IsQuickSession:     isQuick,
		HasPreviousContext: ctxText != "",
	})
}

// launchAssistant types the deferred start-of-session input: prior
// context, then the launch command. The session may already be gone.
func (m *Manager) launchAssistant(id, ctxText string) {
	m.mu.Lock()
	sess := m.sessions[id]
	m.mu.Unlock()
	if sess == nil {
		return
	}
	if ctxText != "" {
		if err := sess.writeInput(ctxText + "\r"); err != nil {
			log.Printf("inject context into session %s: %v", id, err)
		}
	}
	if err := sess.writeInput(m.launch + "\r"); err != nil {
		log.Printf("launch %q in session %s: %v", m.launch, id, err)
	}
}

func (m *Manager) sendInput(sessionID, input string) {
	if sessionID == "" {
		m.emitError(protocol.CodeMissingSessionID, "send_input requires sessionId")
		return
	}
	if input == "" {
		m.emitError(protocol.CodeMissingInput, "send_input requires input")
		return
	}
	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess == nil {
		m.emitError(protocol.CodeSessionNotFound, "no session %q", sessionID)
		return
	}

	sess.touch()
	if err := sess.writeInput(input + "\r"); err != nil {
		log.Printf("write input to session %s: %v", sessionID, err)
		return
	}

	// Some full-screen programs swallow the first CR while redrawing;
	// a second one after a beat makes submission reliable. The session
	// may close in between, so it is re-looked-up.
	set := m.Settings()
	if !set.SubmitDoubleTap {
		return
	}
	time.AfterFunc(set.SubmitDelay, func() {
		m.mu.Lock()
		still := m.sessions[sessionID]
		m.mu.Unlock()
		if still == nil {
			return
		}
		if err := still.writeInput("\r"); err != nil {
			log.Printf("submit tap for session %s: %v", sessionID, err)
		}
	})
}

func (m *Manager) closeCommand(sessionID string) {
	if sessionID == "" {
		m.emitError(protocol.CodeMissingSessionID, "close_session requires sessionId")
		return
	}
	if !m.CloseSession(sessionID) {
		m.emitError(protocol.CodeSessionNotFound, "no session %q", sessionID)
	}
}

func (m *Manager) keepalive(sessionID string) {
	if sessionID == "" {
		m.emitError(protocol.CodeMissingSessionID, "keepalive requires sessionId")
		return
	}
	m.mu.Lock()
	sess := m.sessions[sessionID]
	m.mu.Unlock()
	if sess == nil {
		m.emitError(protocol.CodeSessionNotFound, "no session %q", sessionID)
		return
	}
	sess.touch()
}

func (m *Manager) sessionHistory(projectID string) {
	if projectID == "" {
		m.emitError(protocol.CodeMissingProjectID, "get_session_history requires projectId")
		return
	}
	sums, err := m.history.Summaries(projectID, m.Settings().HistoryKeep)
	if err != nil {
		log.Printf("session history for %s: %v", projectID, err)
	}
	if sums == nil {
		sums = []protocol.SessionSummary{}
	}
	m.emitStatus(protocol.StatusSessionHistory, "", protocol.HistoryData{History: sums})
}

func (m *Manager) lastSessionOutput(projectID string) {
	if projectID == "" {
		m.emitError(protocol.CodeMissingProjectID, "get_last_session_output requires projectId")
		return
	}
	sessID, output, err := m.history.LastOutput(projectID)
	if err != nil {
		log.Printf("last output for %s: %v", projectID, err)
	}
	if output == "" {
		// No log on disk. A live session without a working history
		// file can still answer from its in-memory ring.
		m.mu.Lock()
		sess := m.byProj[projectID]
		m.mu.Unlock()
		if sess != nil {
			sessID, output = sess.ID, sess.ring.Tail()
		}
	}
	m.emitStatus(protocol.StatusLastSessionOutput, sessID, protocol.LastOutputData{Output: output})
}

func (m *Manager) contextSummary(projectID string) {
	if projectID == "" {
		m.emitError(protocol.CodeMissingProjectID, "get_context_summary requires projectId")
		return
	}
	summary, err := m.history.ContextSummary(projectID, contextSessions)
	if err != nil {
		log.Printf("context summary for %s: %v", projectID, err)
	}
	m.emitStatus(protocol.StatusContextSummary, "", protocol.ContextSummaryData{
		ProjectID: projectID,
		Summary:   summary,
	})
}

// handleOutput is the sink for every session's read loop: one call per
// PTY chunk.
func (m *Manager) handleOutput(sess *Session, data []byte) {
	sess.touch()
	sess.ring.Write(data)
	if sess.hist != nil {
		if err := sess.hist.Append(string(data)); err != nil {
			log.Printf("append history for session %s: %v", sess.ID, err)
		}
	}
	m.emitEnv(protocol.NewOutput(sess.ID, string(data)))
}

// watchExit reaps the shell once its PTY stream dies. If the session is
// still in the table the exit was spontaneous (shell quit, assistant
// crashed) and the close is announced like any other.
func (m *Manager) watchExit(sess *Session) {
	<-sess.readDone
	sess.proc.Wait()
	close(sess.done)
	if m.remove(sess.ID) != nil {
		m.finish(sess, "exited")
	}
}

func (m *Manager) remove(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.sessions[id]
	if sess == nil {
		return nil
	}
	delete(m.sessions, id)
	if m.byProj[sess.ProjectID] == sess {
		delete(m.byProj, sess.ProjectID)
	}
	return sess
}

// finish tears down a session already removed from the table: stop the
// process, seal the history log, prune old logs, announce the close.
func (m *Manager) finish(sess *Session, reason string) {
	sess.terminate()
	if sess.hist != nil {
		if err := sess.hist.Close(); err != nil {
			log.Printf("close history for session %s: %v", sess.ID, err)
		}
		if err := m.history.Prune(sess.ProjectID, m.Settings().HistoryKeep); err != nil {
			log.Printf("prune history for %s: %v", sess.ProjectID, err)
		}
	}
	log.Printf("session %s closed (%s)", sess.ID, reason)
	m.emitStatus(protocol.StatusSessionClosed, sess.ID, nil)
}

// CloseSession tears down one session and reports whether it existed.
func (m *Manager) CloseSession(id string) bool {
	sess := m.remove(id)
	if sess == nil {
		return false
	}
	m.finish(sess, "closed")
	return true
}

// CloseAll tears down every session; used at agent shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseSession(id)
	}
}

// RunReaper closes sessions idle past the timeout. The scan interval
// and timeout are re-read each pass so settings edits apply live.
func (m *Manager) RunReaper(ctx context.Context) {
	for {
		t := time.NewTimer(m.Settings().IdleScan)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		m.reapIdle()
	}
}

func (m *Manager) reapIdle() {
	set := m.Settings()
	cut := m.now().Add(-set.IdleTimeout)

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.lastActivity().Before(cut) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		log.Printf("session %s idle past %s, closing", id, set.IdleTimeout)
		m.CloseSession(id)
	}
}
