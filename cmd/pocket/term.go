package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Qillen1974/pocketclaude/internal/chat"
	"github.com/Qillen1974/pocketclaude/internal/client"
	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/protocol"
	"github.com/Qillen1974/pocketclaude/internal/term"
	"github.com/Qillen1974/pocketclaude/internal/ws"
)

// keepaliveEvery is how often the attached terminal defers the agent's
// idle timer. Well under the 30 minute timeout.
const keepaliveEvery = time.Minute

const termHelp = `  /buffer   print the transcript so far (ANSI stripped)
  /close    close the remote session and exit
  /quit     detach, leaving the session running
anything else is sent to the session as input`

func termCmd() *cobra.Command {
	var plainFlag bool

	cmd := &cobra.Command{
		Use:   "term [project]",
		Short: "Attach an interactive terminal to a session",
		Long: "Starts (or re-attaches to) the project's session and bridges it to this " +
			"terminal: output streams down, each line you type is sent as input. " +
			"No project means a quick session in the agent's home directory.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := ""
			if len(args) > 0 {
				projectID = args[0]
			}
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			return runTerm(cmd.Context(), cfg, projectID, plainFlag)
		},
	}

	cmd.Flags().BoolVar(&plainFlag, "plain", false, "strip ANSI sequences from the output stream")
	return cmd
}

type termSession struct {
	transcript *term.Transcript
	plain      bool

	// The session id is bound after auth while broadcasts are already
	// flowing, so reads go through the mutex.
	mu        sync.Mutex
	sessionID string

	closed    chan struct{} // remote session ended
	closeOnce sync.Once
}

func (t *termSession) bind(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

func (t *termSession) id() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *termSession) onOutput(sessionID, data string) {
	if sessionID != t.id() {
		return
	}
	t.transcript.Feed(data)
	if t.plain {
		data = chat.Scrub(data)
	}
	os.Stdout.WriteString(data)
}

func (t *termSession) onStatus(p protocol.StatusPayload) {
	if id := t.id(); id != "" && p.Status == protocol.StatusSessionClosed && p.SessionID == id {
		t.closeOnce.Do(func() { close(t.closed) })
	}
}

func runTerm(parent context.Context, cfg *config.ClientConfig, projectID string, plain bool) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	ts := &termSession{
		transcript: term.NewTranscript(0),
		plain:      plain,
		closed:     make(chan struct{}),
	}

	ready := make(chan struct{}, 1)
	c := client.New(cfg.WSURL(), cfg.Token, client.Handlers{
		OnOutput: ts.onOutput,
		OnStatus: ts.onStatus,
		OnAgent: func(up bool) {
			if up {
				fmt.Fprintln(os.Stderr, "\r\n[agent reconnected]")
			} else {
				fmt.Fprintln(os.Stderr, "\r\n[agent disconnected — session keeps running, output resumes when it returns]")
			}
		},
		OnState: func(s ws.State, err error) {
			if s == ws.StateAuthenticated {
				select {
				case ready <- struct{}{}:
				default:
				}
			}
		},
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case err := <-runErr:
		return err
	case <-ready:
	}

	sessionID, err := resolveSession(ctx, c, projectID)
	if err != nil {
		return err
	}
	ts.bind(sessionID)

	go keepaliveLoop(ctx, c, sessionID)

	lines := make(chan string)
	go readLines(ctx, lines)

	fmt.Fprintf(os.Stderr, "[attached to session %s — /quit to detach]\n", sessionID)

	for {
		select {
		case err := <-runErr:
			return err
		case <-ts.closed:
			fmt.Fprintln(os.Stderr, "\r\n[session closed]")
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(os.Stderr, "\r\n[detached — session keeps running]")
				return nil
			}
			done, err := handleTermLine(ctx, c, ts, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[%v]\n", err)
			}
			if done {
				return nil
			}
		}
	}
}

// handleTermLine runs one typed line: local slash commands or remote
// input. Returns done=true when the terminal should exit.
func handleTermLine(ctx context.Context, c *client.Client, ts *termSession, line string) (bool, error) {
	switch line {
	case "/help":
		fmt.Println(termHelp)
		return false, nil
	case "/buffer":
		fmt.Println(ts.transcript.Plain())
		return false, nil
	case "/quit":
		fmt.Fprintln(os.Stderr, "[detached — session keeps running]")
		return true, nil
	case "/close":
		closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.CloseSession(closeCtx, ts.id()); err != nil {
			return false, err
		}
		fmt.Fprintln(os.Stderr, "[session closed]")
		return true, nil
	default:
		return false, c.SendInput(ctx, ts.id(), line)
	}
}

// resolveSession attaches to the project's live session if there is
// one, otherwise starts a fresh one. There is no output replay, so an
// attach only sees what the session prints from now on.
func resolveSession(ctx context.Context, c *client.Client, projectID string) (string, error) {
	lookFor := projectID
	if lookFor == "" {
		lookFor = protocol.QuickProjectID
	}

	reqCtx, cancel := context.WithTimeout(ctx, oneshotTimeout)
	defer cancel()

	sessions, err := c.ListSessions(reqCtx)
	if err != nil {
		var cmdErr *client.CommandError
		if errors.As(err, &cmdErr) && cmdErr.Code == protocol.CodeNoAgent {
			return "", fmt.Errorf("no agent is connected to the relay — start pocket-agent on the workstation")
		}
		return "", err
	}
	for _, s := range sessions {
		if s.ProjectID == lookFor {
			return s.SessionID, nil
		}
	}

	started, err := c.StartSession(reqCtx, projectID)
	if err != nil {
		return "", err
	}
	if started.HasPreviousContext {
		fmt.Fprintln(os.Stderr, "[previous session context was injected]")
	}
	return started.SessionID, nil
}

func keepaliveLoop(ctx context.Context, c *client.Client, sessionID string) {
	ticker := time.NewTicker(keepaliveEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Keepalive(ctx, sessionID)
		}
	}
}

// readLines pumps stdin lines into ch and closes it at EOF. Reading
// stdin is not cancellable, so the goroutine may outlive ctx; it only
// leaks until the next read returns.
func readLines(ctx context.Context, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		select {
		case ch <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
