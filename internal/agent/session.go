package agent

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/Qillen1974/pocketclaude/internal/history"
	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const killDelay = 5 * time.Second

// procHandle is what a running shell looks like to the session code:
// the PTY stream plus process control.
type procHandle interface {
	io.ReadWriteCloser
	Signal(sig os.Signal) error
	Kill() error
	Wait() error
}

// spawnShell is swapped out by tests that don't want a real PTY.
var spawnShell = realSpawnShell

func realSpawnShell(dir string, cols, rows uint16) (procHandle, int, error) {
	shell := "bash"
	if runtime.GOOS == "windows" {
		shell = "cmd.exe"
	}
	cmd := exec.Command(shell)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, 0, err
	}
	return &realProc{File: ptmx, cmd: cmd}, cmd.Process.Pid, nil
}

type realProc struct {
	*os.File // the PTY master
	cmd      *exec.Cmd
}

func (p *realProc) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }
func (p *realProc) Kill() error                { return p.cmd.Process.Kill() }
func (p *realProc) Wait() error                { return p.cmd.Wait() }

// Session is one live PTY under the agent's management.
type Session struct {
	ID         string
	ProjectID  string
	WorkingDir string
	IsQuick    bool
	StartedAt  time.Time
	PID        int

	proc procHandle
	ring *lineRing
	hist *history.Writer // nil when the history dir is unwritable

	last     atomic.Int64 // unix millis of last activity
	writeMu  sync.Mutex
	termOnce sync.Once

	readDone chan struct{} // read loop finished
	done     chan struct{} // process exited
}

func newSession(proj protocol.Project, isQuick bool, cols, rows uint16) (*Session, error) {
	proc, pid, err := spawnShell(proj.Path, cols, rows)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ID:         uuid.New().String(),
		ProjectID:  proj.ID,
		WorkingDir: proj.Path,
		IsQuick:    isQuick,
		StartedAt:  time.Now(),
		PID:        pid,
		proc:       proc,
		ring:       newLineRing(ringLines),
		readDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	sess.touch()
	return sess, nil
}

func (s *Session) touch() {
	s.last.Store(time.Now().UnixMilli())
}

func (s *Session) lastActivity() time.Time {
	return time.UnixMilli(s.last.Load())
}

func (s *Session) writeInput(data string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.proc.Write([]byte(data))
	return err
}

// readLoop pumps PTY output into sink until the stream dies.
func (s *Session) readLoop(sink func(*Session, []byte)) {
	defer close(s.readDone)
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			sink(s, data)
		}
		if err != nil {
			return
		}
	}
}

// terminate asks the shell to die: SIGTERM, PTY close, and a kill
// escalation if it is still around after the grace period. Safe to
// call more than once.
func (s *Session) terminate() {
	s.termOnce.Do(func() {
		if err := s.proc.Signal(syscall.SIGTERM); err != nil {
			s.proc.Kill()
		}
		s.proc.Close()
		time.AfterFunc(killDelay, func() {
			select {
			case <-s.done:
			default:
				s.proc.Kill()
			}
		})
	})
}
