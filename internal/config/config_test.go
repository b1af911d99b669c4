package config

import (
	"testing"
)

func TestWSEndpoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://relay.example.com", "wss://relay.example.com/ws"},
		{"https://relay.example.com/", "wss://relay.example.com/ws"},
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"wss://relay.example.com/ws", "wss://relay.example.com/ws"},
		{"ws://127.0.0.1:9000", "ws://127.0.0.1:9000/ws"},
		{"relay.example.com", "wss://relay.example.com/ws"},
	}
	for _, tc := range cases {
		if got := WSEndpoint(tc.in); got != tc.want {
			t.Errorf("WSEndpoint(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("PORT", "")

	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Port)
	}
	if cfg.Token != "tok" {
		t.Errorf("token = %q", cfg.Token)
	}

	t.Setenv("PORT", "9000")
	cfg, err = LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay with PORT: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}

	t.Setenv("PORT", "nope")
	if _, err := LoadRelay(); err == nil {
		t.Error("expected error for bad PORT")
	}

	t.Setenv("PORT", "")
	t.Setenv("RELAY_TOKEN", "")
	if _, err := LoadRelay(); err == nil {
		t.Error("expected error for missing RELAY_TOKEN")
	}
}

func TestLoadAgent(t *testing.T) {
	t.Setenv("RELAY_URL", "https://relay.example.com")
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("QUICK_SESSION_PATH", "")
	t.Setenv("CLAUDE_PATH", "")

	cfg, err := LoadAgent()
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if cfg.QuickSessionPath == "" {
		t.Error("quick session path not defaulted to home")
	}
	if cfg.ClaudePath != "claude" {
		t.Errorf("claude path = %q, want claude", cfg.ClaudePath)
	}
	if got := cfg.WSURL(); got != "wss://relay.example.com/ws" {
		t.Errorf("WSURL = %q", got)
	}

	t.Setenv("RELAY_URL", "")
	if _, err := LoadAgent(); err == nil {
		t.Error("expected error for missing RELAY_URL")
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("RELAY_URL", "http://localhost:8080")
	t.Setenv("RELAY_TOKEN", "tok")
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("DISCORD_USER_ID", "")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if got := cfg.WSURL(); got != "ws://localhost:8080/ws" {
		t.Errorf("WSURL = %q", got)
	}

	t.Setenv("RELAY_TOKEN", "")
	if _, err := LoadClient(); err == nil {
		t.Error("expected error for missing RELAY_TOKEN")
	}
}
