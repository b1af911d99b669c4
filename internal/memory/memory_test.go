package memory

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFresh(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatalf("Load fresh: %v", err)
	}
	if len(m.Recent()) != 0 {
		t.Error("fresh memory should have no recents")
	}
}

func TestTouchOrdersAndCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	m.Touch("api")
	m.Touch("web")
	m.Touch("api")

	recent := m.Recent()
	if len(recent) != 2 {
		t.Fatalf("recents = %d, want 2", len(recent))
	}
	if recent[0].ProjectID != "api" || recent[0].SessionCount != 2 {
		t.Errorf("front = %+v, want api with count 2", recent[0])
	}
	if recent[1].ProjectID != "web" || recent[1].SessionCount != 1 {
		t.Errorf("second = %+v", recent[1])
	}
	if recent[0].LastSessionAt == 0 {
		t.Error("lastSessionAt not stamped")
	}

	// Survives a reload.
	m2, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	recent = m2.Recent()
	if len(recent) != 2 || recent[0].ProjectID != "api" {
		t.Errorf("reloaded recents = %+v", recent)
	}
}

func TestRecentCapped(t *testing.T) {
	m, err := Load(filepath.Join(t.TempDir(), "memory.json"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < maxRecent+5; i++ {
		m.Touch(string(rune('a'+i%26)) + string(rune('0'+i/26)))
	}
	if got := len(m.Recent()); got != maxRecent {
		t.Errorf("recents = %d, want %d", got, maxRecent)
	}
}

func TestPreferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SetPreference("theme", "dark"); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}

	m2, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	var theme string
	ok, err := m2.Preference("theme", &theme)
	if err != nil || !ok {
		t.Fatalf("Preference: ok=%v err=%v", ok, err)
	}
	if theme != "dark" {
		t.Errorf("theme = %q", theme)
	}

	ok, _ = m2.Preference("missing", &theme)
	if ok {
		t.Error("missing key reported present")
	}
}

func TestRefusesNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	if err := os.WriteFile(path, []byte(`{"version": 99}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected version refusal")
	}
}

func TestNoTmpFileLeftBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memory.json")
	m, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	m.Touch("api")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "memory.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("dir contents = %v", names)
	}
}
