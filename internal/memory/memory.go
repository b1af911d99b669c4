// Package memory keeps the agent's small cross-session state in
// ~/.pocketclaude/memory.json: which projects were touched recently
// and free-form preferences owned by the clients.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	fileVersion = 1
	maxRecent   = 20
)

type RecentProject struct {
	ProjectID     string `json:"projectId"`
	LastSessionAt int64  `json:"lastSessionAt"`
	SessionCount  int    `json:"sessionCount"`
}

type fileShape struct {
	Version        int                        `json:"version"`
	Preferences    map[string]json.RawMessage `json:"preferences,omitempty"`
	RecentProjects []RecentProject            `json:"recentProjects,omitempty"`
}

// Memory is safe for concurrent use. Every mutation is flushed to disk
// with a tmp-file rename so a crash never leaves half a file.
type Memory struct {
	path string

	mu    sync.Mutex
	state fileShape
}

// Load reads path, starting fresh if the file is missing. A file with
// a newer version than this build understands is refused rather than
// silently rewritten.
func Load(path string) (*Memory, error) {
	m := &Memory{path: path, state: fileShape{Version: fileVersion}}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	var f fileShape
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version > fileVersion {
		return nil, fmt.Errorf("%s is version %d, this build understands up to %d", path, f.Version, fileVersion)
	}
	f.Version = fileVersion
	m.state = f
	return m, nil
}

// Touch records a session start against a project, bumping it to the
// front of the recent list.
func (m *Memory) Touch(projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := RecentProject{ProjectID: projectID, LastSessionAt: time.Now().UnixMilli(), SessionCount: 1}
	rest := make([]RecentProject, 0, len(m.state.RecentProjects)+1)
	for _, r := range m.state.RecentProjects {
		if r.ProjectID == projectID {
			entry.SessionCount = r.SessionCount + 1
			continue
		}
		rest = append(rest, r)
	}
	m.state.RecentProjects = append([]RecentProject{entry}, rest...)
	if len(m.state.RecentProjects) > maxRecent {
		m.state.RecentProjects = m.state.RecentProjects[:maxRecent]
	}
	return m.save()
}

// Recent returns the recent projects, most recent first.
func (m *Memory) Recent() []RecentProject {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecentProject, len(m.state.RecentProjects))
	copy(out, m.state.RecentProjects)
	return out
}

// SetPreference stores an opaque client preference under key.
func (m *Memory) SetPreference(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Preferences == nil {
		m.state.Preferences = make(map[string]json.RawMessage)
	}
	m.state.Preferences[key] = data
	return m.save()
}

// Preference decodes the preference at key into out, reporting whether
// it was present.
func (m *Memory) Preference(key string, out any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.state.Preferences[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, out)
}

func (m *Memory) save() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}
