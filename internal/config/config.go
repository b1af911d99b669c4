package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv pulls a .env file from the working directory into the
// process environment. Variables already set win; a missing file is
// not an error.
func LoadDotEnv() {
	godotenv.Load()
}

// RelayConfig is everything the relay binary needs, all from the
// environment.
type RelayConfig struct {
	Port  int
	Token string
}

func LoadRelay() (*RelayConfig, error) {
	LoadDotEnv()

	cfg := &RelayConfig{Port: 8080}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n <= 0 || n > 65535 {
			return nil, fmt.Errorf("invalid PORT %q", port)
		}
		cfg.Port = n
	}
	cfg.Token = os.Getenv("RELAY_TOKEN")
	if cfg.Token == "" {
		return nil, fmt.Errorf("RELAY_TOKEN is required")
	}
	return cfg, nil
}

// AgentConfig configures the workstation agent.
type AgentConfig struct {
	RelayURL         string
	Token            string
	QuickSessionPath string
	ClaudePath       string
}

func LoadAgent() (*AgentConfig, error) {
	LoadDotEnv()

	cfg := &AgentConfig{
		RelayURL:         os.Getenv("RELAY_URL"),
		Token:            os.Getenv("RELAY_TOKEN"),
		QuickSessionPath: os.Getenv("QUICK_SESSION_PATH"),
		ClaudePath:       os.Getenv("CLAUDE_PATH"),
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("RELAY_URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("RELAY_TOKEN is required")
	}
	if cfg.QuickSessionPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home for quick sessions: %w", err)
		}
		cfg.QuickSessionPath = home
	}
	if cfg.ClaudePath == "" {
		cfg.ClaudePath = "claude"
	}
	return cfg, nil
}

// ClientConfig configures the client CLI. The Discord fields are only
// required by the chat adapter and are validated there.
type ClientConfig struct {
	RelayURL      string
	Token         string
	DiscordToken  string
	DiscordUserID string
}

func LoadClient() (*ClientConfig, error) {
	LoadDotEnv()

	cfg := &ClientConfig{
		RelayURL:      os.Getenv("RELAY_URL"),
		Token:         os.Getenv("RELAY_TOKEN"),
		DiscordToken:  os.Getenv("DISCORD_TOKEN"),
		DiscordUserID: os.Getenv("DISCORD_USER_ID"),
	}
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("RELAY_URL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("RELAY_TOKEN is required")
	}
	return cfg, nil
}

// WSEndpoint turns a relay base URL into the websocket endpoint:
// https becomes wss, http becomes ws, and the /ws path is appended if
// missing. A bare host is treated as wss.
func WSEndpoint(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "wss://"), strings.HasPrefix(u, "ws://"):
		// already websocket
	default:
		u = "wss://" + u
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

func (c *AgentConfig) WSURL() string  { return WSEndpoint(c.RelayURL) }
func (c *ClientConfig) WSURL() string { return WSEndpoint(c.RelayURL) }
