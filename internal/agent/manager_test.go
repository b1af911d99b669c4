package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/history"
	"github.com/Qillen1974/pocketclaude/internal/project"
	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// fakeProc stands in for a PTY-backed shell. Reads come from a pipe the
// test feeds; writes are recorded and optionally echoed back.
type fakeProc struct {
	mu    sync.Mutex
	input strings.Builder

	outR *io.PipeReader
	outW *io.PipeWriter
	echo bool

	exited chan struct{}
	once   sync.Once
}

func newFakeProc(echo bool) *fakeProc {
	r, w := io.Pipe()
	return &fakeProc{outR: r, outW: w, echo: echo, exited: make(chan struct{})}
}

func (p *fakeProc) Read(b []byte) (int, error) { return p.outR.Read(b) }

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.input.Write(b)
	p.mu.Unlock()
	if p.echo {
		p.outW.Write(b)
	}
	return len(b), nil
}

func (p *fakeProc) Close() error           { p.outW.Close(); return nil }
func (p *fakeProc) Signal(os.Signal) error { p.die(); return nil }
func (p *fakeProc) Kill() error            { p.die(); return nil }
func (p *fakeProc) Wait() error            { <-p.exited; return nil }
func (p *fakeProc) feed(s string)          { p.outW.Write([]byte(s)) }

// die simulates the shell exiting: the PTY stream ends and Wait returns.
func (p *fakeProc) die() {
	p.once.Do(func() {
		close(p.exited)
		p.outW.Close()
	})
}

func (p *fakeProc) typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

func stubShell(t *testing.T, fn func(dir string, cols, rows uint16) (procHandle, int, error)) {
	t.Helper()
	orig := spawnShell
	spawnShell = fn
	t.Cleanup(func() { spawnShell = orig })
}

func writeRegistry(t *testing.T, dir string, projects ...protocol.Project) *project.Registry {
	t.Helper()
	data, err := json.Marshal(map[string]any{"projects": projects})
	if err != nil {
		t.Fatalf("marshal registry: %v", err)
	}
	path := filepath.Join(dir, "projects.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write registry: %v", err)
	}
	reg, err := project.Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

type managerFixture struct {
	m       *Manager
	hist    *history.Store
	emitted chan protocol.Envelope
	procs   chan *fakeProc
	workDir string
}

// newTestManager builds a Manager over fake shells with one registered
// project "api", fast timers, and an emission channel instead of an
// uplink.
func newTestManager(t *testing.T, mutate ...func(*Config)) *managerFixture {
	t.Helper()

	procs := make(chan *fakeProc, 8)
	stubShell(t, func(dir string, cols, rows uint16) (procHandle, int, error) {
		p := newFakeProc(false)
		procs <- p
		return p, 4242, nil
	})

	workDir := t.TempDir()
	reg := writeRegistry(t, t.TempDir(), protocol.Project{ID: "api", Name: "API", Path: workDir})

	set := config.DefaultSettings()
	set.LaunchDelay = 10 * time.Millisecond
	set.SubmitDelay = 20 * time.Millisecond

	emitted := make(chan protocol.Envelope, 256)
	cfg := Config{
		Projects:  reg,
		History:   history.NewStore(t.TempDir()),
		QuickPath: t.TempDir(),
		Launch:    "claude",
		Settings:  set,
		Emit:      func(env protocol.Envelope) { emitted <- env },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	m := NewManager(cfg)
	t.Cleanup(m.CloseAll)
	return &managerFixture{m: m, hist: cfg.History, emitted: emitted, procs: procs, workDir: workDir}
}

func (fx *managerFixture) command(p protocol.CommandPayload) {
	fx.m.Dispatch(context.Background(), protocol.NewCommand(p))
}

func (fx *managerFixture) proc(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-fx.procs:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no shell was spawned")
		return nil
	}
}

func (fx *managerFixture) await(t *testing.T, match func(protocol.Envelope) bool) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-fx.emitted:
			if match(env) {
				return env
			}
		case <-deadline:
			t.Fatal("timed out waiting for envelope")
		}
	}
}

func (fx *managerFixture) awaitStatus(t *testing.T, status string) protocol.StatusPayload {
	t.Helper()
	env := fx.await(t, func(e protocol.Envelope) bool {
		if e.Type != protocol.TypeStatus {
			return false
		}
		var p protocol.StatusPayload
		return e.ParsePayload(&p) == nil && p.Status == status
	})
	var p protocol.StatusPayload
	if err := env.ParsePayload(&p); err != nil {
		t.Fatalf("parse status payload: %v", err)
	}
	return p
}

func (fx *managerFixture) awaitError(t *testing.T, code string) protocol.ErrorPayload {
	t.Helper()
	env := fx.await(t, func(e protocol.Envelope) bool { return e.Type == protocol.TypeError })
	var p protocol.ErrorPayload
	if err := env.ParsePayload(&p); err != nil {
		t.Fatalf("parse error payload: %v", err)
	}
	if p.Code != code {
		t.Fatalf("error code = %s (%s), want %s", p.Code, p.Message, code)
	}
	return p
}

func (fx *managerFixture) startSession(t *testing.T, projectID string) protocol.SessionStartedData {
	t.Helper()
	fx.command(protocol.CommandPayload{Command: protocol.CmdStartSession, ProjectID: projectID})
	p := fx.awaitStatus(t, protocol.StatusSessionStarted)
	var data protocol.SessionStartedData
	if err := p.ParseData(&data); err != nil {
		t.Fatalf("parse session_started data: %v", err)
	}
	return data
}

func (fx *managerFixture) sessions(t *testing.T) []protocol.SessionInfo {
	t.Helper()
	fx.command(protocol.CommandPayload{Command: protocol.CmdListSessions})
	p := fx.awaitStatus(t, protocol.StatusSessionsList)
	var data protocol.SessionsData
	if err := p.ParseData(&data); err != nil {
		t.Fatalf("parse sessions_list data: %v", err)
	}
	return data.Sessions
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartQuickSession(t *testing.T) {
	fx := newTestManager(t)

	data := fx.startSession(t, "")
	if !data.IsQuickSession {
		t.Error("expected a quick session")
	}
	if data.ProjectID != protocol.QuickProjectID {
		t.Errorf("projectId = %q, want %q", data.ProjectID, protocol.QuickProjectID)
	}
	if data.HasPreviousContext {
		t.Error("fresh quick session should have no previous context")
	}

	sessions := fx.sessions(t)
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if !sessions[0].IsQuickSession || sessions[0].Status != "active" {
		t.Errorf("unexpected session info: %+v", sessions[0])
	}
}

func TestStartSessionUnknownProject(t *testing.T) {
	fx := newTestManager(t)
	fx.command(protocol.CommandPayload{Command: protocol.CmdStartSession, ProjectID: "nope"})
	fx.awaitError(t, protocol.CodeProjectNotFound)
}

func TestStartSessionSpawnFailure(t *testing.T) {
	fx := newTestManager(t)
	stubShell(t, func(dir string, cols, rows uint16) (procHandle, int, error) {
		return nil, 0, os.ErrPermission
	})
	fx.command(protocol.CommandPayload{Command: protocol.CmdStartSession, ProjectID: "api"})
	fx.awaitError(t, protocol.CodeSessionStartFailed)
}

func TestStartSessionReplacesPerProject(t *testing.T) {
	fx := newTestManager(t)

	first := fx.startSession(t, "api")

	fx.command(protocol.CommandPayload{Command: protocol.CmdStartSession, ProjectID: "api"})
	closed := fx.awaitStatus(t, protocol.StatusSessionClosed)
	if closed.SessionID != first.SessionID {
		t.Errorf("closed %s, want the prior session %s", closed.SessionID, first.SessionID)
	}
	started := fx.awaitStatus(t, protocol.StatusSessionStarted)
	if started.SessionID == first.SessionID {
		t.Error("replacement session reused the old id")
	}

	sessions := fx.sessions(t)
	if len(sessions) != 1 || sessions[0].SessionID == first.SessionID {
		t.Fatalf("expected exactly the replacement session, got %+v", sessions)
	}
}

func TestLaunchCommandTypedAfterDelay(t *testing.T) {
	fx := newTestManager(t)
	fx.startSession(t, "api")
	p := fx.proc(t)

	waitFor(t, func() bool { return strings.Contains(p.typed(), "claude\r") },
		"launch command was never typed")
}

func TestContextInjectedBeforeLaunch(t *testing.T) {
	fx := newTestManager(t)

	// A prior session with output leaves a summary behind.
	w, err := fx.hist.StartSession("api", "prior")
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
	w.Append("fixed the flaky test\n")
	w.Close()

	data := fx.startSession(t, "api")
	if !data.HasPreviousContext {
		t.Fatal("expected hasPreviousContext")
	}

	p := fx.proc(t)
	waitFor(t, func() bool { return strings.Contains(p.typed(), "claude\r") },
		"launch command was never typed")

	typed := p.typed()
	ctxAt := strings.Index(typed, "=== Previous Session Context ===")
	launchAt := strings.Index(typed, "claude\r")
	if ctxAt < 0 {
		t.Fatalf("context block missing from %q", typed)
	}
	if !strings.Contains(typed, "fixed the flaky test") {
		t.Errorf("context block lacks the prior preview: %q", typed)
	}
	if ctxAt > launchAt {
		t.Error("context must be typed before the launch command")
	}
}

func TestSendInputDoubleTap(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")
	p := fx.proc(t)
	waitFor(t, func() bool { return strings.Contains(p.typed(), "claude\r") },
		"launch command was never typed")

	fx.command(protocol.CommandPayload{
		Command:   protocol.CmdSendInput,
		SessionID: data.SessionID,
		Input:     "hello there",
	})
	waitFor(t, func() bool { return strings.HasSuffix(p.typed(), "hello there\r\r") },
		"input was not submitted with a second CR")
}

func TestSendInputSingleTap(t *testing.T) {
	fx := newTestManager(t, func(cfg *Config) {
		cfg.Settings.SubmitDoubleTap = false
	})
	data := fx.startSession(t, "api")
	p := fx.proc(t)
	waitFor(t, func() bool { return strings.Contains(p.typed(), "claude\r") },
		"launch command was never typed")

	fx.command(protocol.CommandPayload{
		Command:   protocol.CmdSendInput,
		SessionID: data.SessionID,
		Input:     "hello",
	})
	waitFor(t, func() bool { return strings.HasSuffix(p.typed(), "hello\r") },
		"input was never written")

	time.Sleep(3 * fx.m.Settings().SubmitDelay)
	if strings.HasSuffix(p.typed(), "hello\r\r") {
		t.Error("second CR written despite double tap being off")
	}
}

func TestSendInputValidation(t *testing.T) {
	fx := newTestManager(t)

	fx.command(protocol.CommandPayload{Command: protocol.CmdSendInput, Input: "x"})
	fx.awaitError(t, protocol.CodeMissingSessionID)

	fx.command(protocol.CommandPayload{Command: protocol.CmdSendInput, SessionID: "s1"})
	fx.awaitError(t, protocol.CodeMissingInput)

	fx.command(protocol.CommandPayload{Command: protocol.CmdSendInput, SessionID: "s1", Input: "x"})
	fx.awaitError(t, protocol.CodeSessionNotFound)
}

func TestOutputFlowsToEmitRingAndDisk(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")
	p := fx.proc(t)

	p.feed("compiling...\r\n")

	env := fx.await(t, func(e protocol.Envelope) bool { return e.Type == protocol.TypeOutput })
	var out protocol.OutputPayload
	if err := env.ParsePayload(&out); err != nil {
		t.Fatalf("parse output payload: %v", err)
	}
	if out.SessionID != data.SessionID {
		t.Errorf("output sessionId = %s, want %s", out.SessionID, data.SessionID)
	}
	if out.Data != "compiling...\r\n" {
		t.Errorf("output data = %q", out.Data)
	}

	_, logged, err := fx.hist.LastOutput("api")
	if err != nil {
		t.Fatalf("read session log: %v", err)
	}
	if !strings.Contains(logged, "compiling...") {
		t.Errorf("session log = %q, want the fed output", logged)
	}
}

func TestSpontaneousExitAnnouncesClose(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")
	p := fx.proc(t)

	p.die()

	closed := fx.awaitStatus(t, protocol.StatusSessionClosed)
	if closed.SessionID != data.SessionID {
		t.Errorf("closed %s, want %s", closed.SessionID, data.SessionID)
	}
	if got := fx.sessions(t); len(got) != 0 {
		t.Fatalf("session table should be empty, got %+v", got)
	}
}

func TestCloseSessionSealsSummary(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")
	p := fx.proc(t)
	p.feed("did the thing\r\n")
	fx.await(t, func(e protocol.Envelope) bool { return e.Type == protocol.TypeOutput })

	fx.command(protocol.CommandPayload{Command: protocol.CmdCloseSession, SessionID: data.SessionID})
	fx.awaitStatus(t, protocol.StatusSessionClosed)

	sums, err := fx.hist.Summaries("api", 10)
	if err != nil {
		t.Fatalf("summaries: %v", err)
	}
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	if sums[0].EndedAt == 0 {
		t.Error("summary was not sealed with an end time")
	}
	if !strings.Contains(sums[0].Preview, "did the thing") {
		t.Errorf("preview = %q", sums[0].Preview)
	}

	fx.command(protocol.CommandPayload{Command: protocol.CmdCloseSession, SessionID: data.SessionID})
	fx.awaitError(t, protocol.CodeSessionNotFound)
}

func TestKeepaliveBumpsActivity(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")

	before := fx.sessions(t)[0].LastActivity
	time.Sleep(15 * time.Millisecond)
	fx.command(protocol.CommandPayload{Command: protocol.CmdKeepalive, SessionID: data.SessionID})
	after := fx.sessions(t)[0].LastActivity
	if after <= before {
		t.Errorf("lastActivity did not advance: %d -> %d", before, after)
	}

	fx.command(protocol.CommandPayload{Command: protocol.CmdKeepalive, SessionID: "gone"})
	fx.awaitError(t, protocol.CodeSessionNotFound)
}

func TestIdleSessionsReportedAndReaped(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")

	// Shift the manager clock instead of waiting.
	fx.m.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if got := fx.sessions(t)[0].Status; got != "idle" {
		t.Errorf("status = %q, want idle after a quiet scan interval", got)
	}

	fx.m.reapIdle()
	if got := fx.sessions(t); len(got) != 0 {
		t.Error("6 minutes idle should not be reaped yet")
	}

	fx.m.now = func() time.Time { return time.Now().Add(31 * time.Minute) }
	fx.m.reapIdle()
	closed := fx.awaitStatus(t, protocol.StatusSessionClosed)
	if closed.SessionID != data.SessionID {
		t.Errorf("reaped %s, want %s", closed.SessionID, data.SessionID)
	}
}

func TestListProjects(t *testing.T) {
	fx := newTestManager(t)
	fx.command(protocol.CommandPayload{Command: protocol.CmdListProjects})
	p := fx.awaitStatus(t, protocol.StatusProjectsList)
	var data protocol.ProjectsData
	if err := p.ParseData(&data); err != nil {
		t.Fatalf("parse projects_list data: %v", err)
	}
	if len(data.Projects) != 1 || data.Projects[0].ID != "api" {
		t.Fatalf("projects = %+v", data.Projects)
	}
}

func TestProjectQueriesRequireProjectID(t *testing.T) {
	fx := newTestManager(t)
	for _, cmd := range []string{
		protocol.CmdSessionHistory,
		protocol.CmdLastSessionOutput,
		protocol.CmdContextSummary,
	} {
		fx.command(protocol.CommandPayload{Command: cmd})
		fx.awaitError(t, protocol.CodeMissingProjectID)
	}
}

func TestSessionHistoryReturnsNewestFirst(t *testing.T) {
	fx := newTestManager(t)

	for _, id := range []string{"one", "two"} {
		w, err := fx.hist.StartSession("api", id)
		if err != nil {
			t.Fatalf("seed history: %v", err)
		}
		w.Append("output of " + id + "\n")
		w.Close()
		time.Sleep(2 * time.Millisecond) // distinct timestamp prefixes
	}

	fx.command(protocol.CommandPayload{Command: protocol.CmdSessionHistory, ProjectID: "api"})
	p := fx.awaitStatus(t, protocol.StatusSessionHistory)
	var data protocol.HistoryData
	if err := p.ParseData(&data); err != nil {
		t.Fatalf("parse session_history data: %v", err)
	}
	if len(data.History) != 2 {
		t.Fatalf("got %d summaries, want 2", len(data.History))
	}
	if data.History[0].SessionID != "two" || data.History[1].SessionID != "one" {
		t.Errorf("history order = %s, %s; want newest first",
			data.History[0].SessionID, data.History[1].SessionID)
	}
}

func TestContextSummaryCommand(t *testing.T) {
	fx := newTestManager(t)
	w, err := fx.hist.StartSession("api", "prior")
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
	w.Append("refactored the parser\n")
	w.Close()

	fx.command(protocol.CommandPayload{Command: protocol.CmdContextSummary, ProjectID: "api"})
	p := fx.awaitStatus(t, protocol.StatusContextSummary)
	var data protocol.ContextSummaryData
	if err := p.ParseData(&data); err != nil {
		t.Fatalf("parse context_summary data: %v", err)
	}
	if data.ProjectID != "api" {
		t.Errorf("projectId = %q", data.ProjectID)
	}
	if !strings.Contains(data.Summary, "=== Previous Session Context ===") ||
		!strings.Contains(data.Summary, "refactored the parser") {
		t.Errorf("summary = %q", data.Summary)
	}
}

func TestLastOutputFallsBackToLiveRing(t *testing.T) {
	// Point the history store at a regular file so every log open fails:
	// the session must still run and answer from its in-memory ring.
	blocked := filepath.Join(t.TempDir(), "blocked")
	if err := os.WriteFile(blocked, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	fx := newTestManager(t, func(cfg *Config) {
		cfg.History = history.NewStore(blocked)
	})

	data := fx.startSession(t, "api")
	p := fx.proc(t)
	p.feed("ring only\r\n")
	fx.await(t, func(e protocol.Envelope) bool { return e.Type == protocol.TypeOutput })

	fx.command(protocol.CommandPayload{Command: protocol.CmdLastSessionOutput, ProjectID: "api"})
	reply := fx.awaitStatus(t, protocol.StatusLastSessionOutput)
	if reply.SessionID != data.SessionID {
		t.Errorf("sessionId = %s, want the live session %s", reply.SessionID, data.SessionID)
	}
	var out protocol.LastOutputData
	if err := reply.ParseData(&out); err != nil {
		t.Fatalf("parse last_session_output data: %v", err)
	}
	if !strings.Contains(out.Output, "ring only") {
		t.Errorf("output = %q, want the ring content", out.Output)
	}
}

func TestUploadFile(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")

	content := base64.StdEncoding.EncodeToString([]byte("diagram bytes"))
	fx.command(protocol.CommandPayload{
		Command:     protocol.CmdUploadFile,
		SessionID:   data.SessionID,
		FileName:    "../../etc/passwd",
		FileContent: content,
		MimeType:    "text/plain",
	})
	p := fx.awaitStatus(t, protocol.StatusFileUploaded)
	var up protocol.FileUploadedData
	if err := p.ParseData(&up); err != nil {
		t.Fatalf("parse file_uploaded data: %v", err)
	}
	if up.FileName != ".._.._etc_passwd" {
		t.Errorf("fileName = %q, want the flattened name", up.FileName)
	}
	if up.Size != int64(len("diagram bytes")) {
		t.Errorf("size = %d", up.Size)
	}

	path := filepath.Join(fx.workDir, "uploads", ".._.._etc_passwd")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if string(got) != "diagram bytes" {
		t.Errorf("uploaded content = %q", got)
	}
}

func TestUploadFileValidation(t *testing.T) {
	fx := newTestManager(t)
	data := fx.startSession(t, "api")

	fx.command(protocol.CommandPayload{Command: protocol.CmdUploadFile, FileName: "a", FileContent: "aGk="})
	fx.awaitError(t, protocol.CodeMissingSessionID)

	fx.command(protocol.CommandPayload{Command: protocol.CmdUploadFile, SessionID: "gone", FileName: "a", FileContent: "aGk="})
	fx.awaitError(t, protocol.CodeSessionNotFound)

	fx.command(protocol.CommandPayload{Command: protocol.CmdUploadFile, SessionID: data.SessionID, FileName: "a"})
	fx.awaitError(t, protocol.CodeMissingFileData)

	fx.command(protocol.CommandPayload{
		Command: protocol.CmdUploadFile, SessionID: data.SessionID,
		FileName: "a", FileContent: "not base64!!!",
	})
	fx.awaitError(t, protocol.CodeUploadFailed)
}

func TestUnknownCommand(t *testing.T) {
	fx := newTestManager(t)
	fx.command(protocol.CommandPayload{Command: "make_coffee"})
	fx.awaitError(t, protocol.CodeUnknownCommand)

	fx.command(protocol.CommandPayload{})
	fx.awaitError(t, protocol.CodeUnknownCommand)
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"notes.txt", "notes.txt"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"my file (1).png", "my_file__1_.png"},
		{"..\\..\\boot.ini", ".._.._boot.ini"},
		{"..", "upload"},
		{"résumé.pdf", "r_sum_.pdf"},
	}
	for _, c := range cases {
		if got := sanitizeFileName(c.in); got != c.want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
