// Package history persists terminal session transcripts under
// ~/.pocketclaude/history/<projectId>/, one append-only .log per
// session with a .summary.json sidecar.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

const (
	previewBytes    = 500
	lastOutputBytes = 8192
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) projectDir(projectID string) string {
	return filepath.Join(s.root, sanitizeComponent(projectID))
}

// StartSession opens the log for a new session and drops an initial
// summary sidecar so crashed sessions still show up in listings.
func (s *Store) StartSession(projectID, sessionID string) (*Writer, error) {
	started := time.Now()
	dir := s.projectDir(projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	base := filepath.Join(dir, fmt.Sprintf("%d-%s", started.UnixMilli(), sessionID))
	f, err := os.OpenFile(base+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		base:    base,
		f:       f,
		summary: protocol.SessionSummary{SessionID: sessionID, ProjectID: projectID, StartedAt: started.UnixMilli()},
	}
	if err := w.writeSummary(); err != nil {
		f.Close()
		os.Remove(base + ".log")
		return nil, err
	}
	return w, nil
}

// Writer is the live side of one session's history. Append and Close
// are safe to call from different goroutines.
type Writer struct {
	base    string
	summary protocol.SessionSummary

	mu     sync.Mutex
	f      *os.File
	tail   []byte
	closed bool
}

func (w *Writer) Append(data string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	if _, err := w.f.WriteString(data); err != nil {
		return err
	}
	w.tail = append(w.tail, data...)
	if len(w.tail) > previewBytes {
		w.tail = w.tail[len(w.tail)-previewBytes:]
	}
	return nil
}

// Close finalizes the sidecar with the end time and a preview built
// from the trailing output.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.f.Close()

	w.summary.EndedAt = time.Now().UnixMilli()
	w.summary.Preview = string(w.tail)
	if serr := w.writeSummary(); err == nil {
		err = serr
	}
	return err
}

func (w *Writer) writeSummary() error {
	data, err := json.MarshalIndent(w.summary, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(w.base+".summary.json", data, 0644)
}

// Summaries returns up to n session summaries for a project, newest
// first. Invalid sidecars are skipped.
func (s *Store) Summaries(projectID string, n int) ([]protocol.SessionSummary, error) {
	names, err := s.sortedFiles(projectID, ".summary.json")
	if err != nil {
		return nil, err
	}

	dir := s.projectDir(projectID)
	var out []protocol.SessionSummary
	for i := len(names) - 1; i >= 0 && len(out) < n; i-- {
		data, err := os.ReadFile(filepath.Join(dir, names[i]))
		if err != nil {
			continue
		}
		var sum protocol.SessionSummary
		if err := json.Unmarshal(data, &sum); err != nil || sum.SessionID == "" {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

// LastOutput returns the trailing output of the newest session log,
// trimmed to whole lines, along with the session it belongs to. Both
// are empty when the project has no history.
func (s *Store) LastOutput(projectID string) (sessionID, output string, err error) {
	names, err := s.sortedFiles(projectID, ".log")
	if err != nil || len(names) == 0 {
		return "", "", err
	}
	name := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(s.projectDir(projectID), name))
	if err != nil {
		return "", "", err
	}
	if len(data) > lastOutputBytes {
		data = data[len(data)-lastOutputBytes:]
		// Drop the partial first line left by the cut.
		if i := strings.IndexByte(string(data), '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	base := strings.TrimSuffix(name, ".log")
	if i := strings.Index(base, "-"); i >= 0 {
		base = base[i+1:]
	}
	return base, string(data), nil
}

// ContextSummary renders the previews of the last n sessions, oldest
// first, in the block injected into new sessions. Empty when there is
// nothing to carry over.
func (s *Store) ContextSummary(projectID string, n int) (string, error) {
	sums, err := s.Summaries(projectID, n)
	if err != nil {
		return "", err
	}
	var withPreview []protocol.SessionSummary
	for _, sum := range sums {
		if sum.Preview != "" {
			withPreview = append(withPreview, sum)
		}
	}
	if len(withPreview) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("=== Previous Session Context ===\n")
	for i := len(withPreview) - 1; i >= 0; i-- {
		sum := withPreview[i]
		b.WriteString("\n--- ")
		b.WriteString(time.UnixMilli(sum.StartedAt).UTC().Format(time.RFC3339))
		b.WriteString(" ---\n")
		b.WriteString(sum.Preview)
		if !strings.HasSuffix(sum.Preview, "\n") {
			b.WriteByte('\n')
		}
	}
	b.WriteString("\n=== End of Previous Context ===\n")
	return b.String(), nil
}

// Prune keeps the newest keep sessions for a project and removes the
// rest, logs and sidecars both.
func (s *Store) Prune(projectID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	names, err := s.sortedFiles(projectID, ".summary.json")
	if err != nil || len(names) <= keep {
		return err
	}
	dir := s.projectDir(projectID)
	for _, name := range names[:len(names)-keep] {
		base := strings.TrimSuffix(name, ".summary.json")
		os.Remove(filepath.Join(dir, base+".log"))
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// sortedFiles lists project files with the given suffix in ascending
// name order. The epoch-millis filename prefix keeps lexical order
// chronological.
func (s *Store) sortedFiles(projectID, suffix string) ([]string, error) {
	entries, err := os.ReadDir(s.projectDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

// sanitizeComponent makes an id safe to use as a directory name.
func sanitizeComponent(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}
