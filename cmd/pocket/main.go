package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Qillen1974/pocketclaude/internal/client"
	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/ws"
)

// oneshotTimeout bounds commands that connect, ask one thing, and exit.
const oneshotTimeout = 15 * time.Second

func main() {
	root := &cobra.Command{
		Use:   "pocket",
		Short: "pocketclaude client — drive your workstation assistant from anywhere",
		Long: "Talks to the relay as a client: starts sessions on the remote agent, " +
			"streams their output, and sends your input back.",
		SilenceUsage: true,
	}

	root.AddCommand(
		termCmd(),
		botCmd(),
		pairCmd(),
		projectsCmd(),
		sessionsCmd(),
		startCmd(),
		stopCmd(),
		historyCmd(),
		outputCmd(),
		uploadCmd(),
		statusCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// oneshot connects, waits for auth, runs fn once, and disconnects.
func oneshot(parent context.Context, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(parent, oneshotTimeout)
	defer cancel()

	ready := make(chan struct{}, 1)
	c := client.New(cfg.WSURL(), cfg.Token, client.Handlers{
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
		if ctx.Err() != nil {
			return fmt.Errorf("relay not reachable within %s", oneshotTimeout)
		}
		return err
	case <-ready:
	}

	err = fn(ctx, c)
	cancel()
	<-runErr
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("timed out after %s", oneshotTimeout)
	}
	return err
}

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the agent's configured projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				projects, err := c.ListProjects(ctx)
				if err != nil {
					return err
				}
				if len(projects) == 0 {
					fmt.Println("no projects configured")
					return nil
				}
				for _, p := range projects {
					fmt.Printf("  %-16s %-24s %s\n", p.ID, p.Name, p.Path)
				}
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				sessions, err := c.ListSessions(ctx)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("no live sessions")
					return nil
				}
				for _, s := range sessions {
					age := time.Since(time.UnixMilli(s.LastActivity)).Round(time.Second)
					fmt.Printf("  %s  %-16s %-6s last activity %s ago\n",
						s.SessionID, s.ProjectID, s.Status, age)
				}
				return nil
			})
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start [project]",
		Short: "Start a session (no argument for a quick session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := ""
			if len(args) > 0 {
				projectID = args[0]
			}
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				started, err := c.StartSession(ctx, projectID)
				if err != nil {
					return err
				}
				fmt.Printf("session %s started for %s\n", started.SessionID, started.ProjectID)
				if started.HasPreviousContext {
					fmt.Println("previous session context was injected")
				}
				return nil
			})
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <sessionId>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				if err := c.CloseSession(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("session %s closed\n", args[0])
				return nil
			})
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <project>",
		Short: "Show recent session summaries for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				sums, err := c.SessionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if len(sums) == 0 {
					fmt.Println("no history")
					return nil
				}
				for _, s := range sums {
					started := time.UnixMilli(s.StartedAt).Format("2006-01-02 15:04")
					line := strings.TrimSpace(s.Preview)
					if i := strings.IndexByte(line, '\n'); i >= 0 {
						line = line[:i]
					}
					fmt.Printf("  %s  %s  %s\n", started, s.SessionID, line)
				}
				return nil
			})
		},
	}
}

func outputCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "output <project>",
		Short: "Print the tail of the project's newest session log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				out, err := c.LastSessionOutput(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Print(out)
				if out != "" && !strings.HasSuffix(out, "\n") {
					fmt.Println()
				}
				return nil
			})
		},
	}
}

func uploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <sessionId> <file>",
		Short: "Upload a file into a session's working directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			mimeType := mime.TypeByExtension(filepath.Ext(args[1]))
			return oneshot(cmd.Context(), func(ctx context.Context, c *client.Client) error {
				up, err := c.UploadFile(ctx, args[0], filepath.Base(args[1]), data, mimeType)
				if err != nil {
					return err
				}
				fmt.Printf("uploaded %s (%d bytes) to %s\n", up.FileName, up.Size, up.FilePath)
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv()
			base := os.Getenv("RELAY_URL")
			if base == "" {
				return fmt.Errorf("RELAY_URL is required")
			}

			httpClient := &http.Client{Timeout: 5 * time.Second}
			resp, err := httpClient.Get(healthURL(base))
			if err != nil {
				return fmt.Errorf("relay unreachable: %w", err)
			}
			defer resp.Body.Close()

			var health struct {
				Status  string `json:"status"`
				Agent   bool   `json:"agent"`
				Clients int    `json:"clients"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return fmt.Errorf("bad health response: %w", err)
			}
			fmt.Printf("relay:   %s\n", health.Status)
			if health.Agent {
				fmt.Println("agent:   connected")
			} else {
				fmt.Println("agent:   not connected")
			}
			fmt.Printf("clients: %d\n", health.Clients)
			return nil
		},
	}
}

// healthURL maps any accepted relay URL form to its /health endpoint.
func healthURL(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "https://"), strings.HasPrefix(u, "http://"):
	default:
		u = "https://" + u
	}
	u = strings.TrimSuffix(u, "/ws")
	return u + "/health"
}
