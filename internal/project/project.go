// Package project loads the agent's project registry from a
// projects.json file kept next to the binary.
package project

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

// Registry is an immutable view of projects.json. Build one with Load;
// concurrent readers need no locking.
type Registry struct {
	projects []protocol.Project
	byID     map[string]protocol.Project
}

type registryFile struct {
	Projects []protocol.Project `json:"projects"`
}

// Load reads the registry at path. A missing file yields an empty
// registry so the agent can run with only quick sessions. Entries
// without an id or path are dropped; the returned error names them but
// the registry is still usable.
func Load(path string) (*Registry, error) {
	reg := &Registry{byID: make(map[string]protocol.Project)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}

	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	var errs []error
	for i, p := range f.Projects {
		if p.ID == "" || p.Path == "" {
			errs = append(errs, fmt.Errorf("projects[%d]: id and path are required", i))
			continue
		}
		if p.ID == protocol.QuickProjectID {
			errs = append(errs, fmt.Errorf("projects[%d]: id %q is reserved", i, p.ID))
			continue
		}
		if _, dup := reg.byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("projects[%d]: duplicate id %q", i, p.ID))
			continue
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		reg.byID[p.ID] = p
		reg.projects = append(reg.projects, p)
	}
	return reg, errors.Join(errs...)
}

// Get looks a project up by id. The quick-session pseudo project is
// not in the registry.
func (r *Registry) Get(id string) (protocol.Project, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// All returns projects in file order.
func (r *Registry) All() []protocol.Project {
	return r.projects
}

func (r *Registry) Len() int {
	return len(r.projects)
}
