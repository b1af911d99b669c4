package project

import (
	"os"
	"path/filepath"
	"testing"
)

func writeRegistry(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	reg, err := Load(filepath.Join(t.TempDir(), "projects.json"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("expected empty registry, got %d", reg.Len())
	}
}

func TestLoadRegistry(t *testing.T) {
	path := writeRegistry(t, `{
		"projects": [
			{"id": "api", "name": "API Server", "path": "/home/dev/api",
			 "keywords": ["backend"], "techStack": ["go"], "description": "the api"},
			{"id": "web", "path": "/home/dev/web"}
		]
	}`)

	reg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("len = %d, want 2", reg.Len())
	}

	p, ok := reg.Get("api")
	if !ok {
		t.Fatal("api not found")
	}
	if p.Name != "API Server" || p.Path != "/home/dev/api" {
		t.Errorf("api = %+v", p)
	}

	// Name falls back to the id.
	p, ok = reg.Get("web")
	if !ok {
		t.Fatal("web not found")
	}
	if p.Name != "web" {
		t.Errorf("web name = %q, want fallback to id", p.Name)
	}

	all := reg.All()
	if all[0].ID != "api" || all[1].ID != "web" {
		t.Errorf("order not preserved: %v, %v", all[0].ID, all[1].ID)
	}
}

func TestLoadSkipsBadEntries(t *testing.T) {
	path := writeRegistry(t, `{
		"projects": [
			{"id": "ok", "path": "/tmp/ok"},
			{"id": "", "path": "/tmp/anon"},
			{"id": "ok", "path": "/tmp/dup"},
			{"id": "__quick__", "path": "/tmp/reserved"}
		]
	}`)

	reg, err := Load(path)
	if err == nil {
		t.Fatal("expected an error naming the dropped entries")
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
	if p, _ := reg.Get("ok"); p.Path != "/tmp/ok" {
		t.Errorf("first entry should win: %+v", p)
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeRegistry(t, "{nope")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
