package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Qillen1974/pocketclaude/internal/agent"
	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/history"
	"github.com/Qillen1974/pocketclaude/internal/logger"
	"github.com/Qillen1974/pocketclaude/internal/memory"
	"github.com/Qillen1974/pocketclaude/internal/project"
)

func main() {
	var relayFlag string
	var projectsFlag string

	root := &cobra.Command{
		Use:   "pocket-agent",
		Short: "pocketclaude workstation agent",
		Long: "Connects this machine to the relay and exposes the local assistant CLI " +
			"to remote clients. Owns the PTY sessions; survives relay outages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if relayFlag != "" {
				os.Setenv("RELAY_URL", relayFlag)
			}
			cfg, err := config.LoadAgent()
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg, projectsFlag)
		},
	}

	root.Flags().StringVar(&relayFlag, "relay", "", "relay URL (overrides RELAY_URL)")
	root.Flags().StringVar(&projectsFlag, "projects", "", "path to projects.json (default: next to the binary)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, cfg *config.AgentConfig, projectsPath string) error {
	if err := config.EnsureDirs(); err != nil {
		return fmt.Errorf("create config dirs: %w", err)
	}

	settingsPath, err := config.SettingsPath()
	if err != nil {
		return err
	}
	settings, err := config.LoadSettings(settingsPath)
	if err != nil {
		logger.Warn("settings file has problems, using defaults for bad fields", "err", err)
	}
	if err := logger.Init(settings.LogLevel, settings.LogFile); err != nil {
		return err
	}

	if projectsPath == "" {
		projectsPath = defaultProjectsPath()
	}
	registry, err := project.Load(projectsPath)
	if err != nil {
		logger.Warn("projects file has problems, bad entries skipped", "path", projectsPath, "err", err)
	}
	logger.Info("projects loaded", "path", projectsPath, "count", registry.Len())

	historyDir, err := config.HistoryDir()
	if err != nil {
		return err
	}
	memPath, err := config.MemoryPath()
	if err != nil {
		return err
	}
	mem, err := memory.Load(memPath)
	if err != nil {
		logger.Warn("memory file unusable, running without it", "path", memPath, "err", err)
		mem = nil
	}

	mgr := agent.NewManager(agent.Config{
		Projects:  registry,
		History:   history.NewStore(historyDir),
		Memory:    mem,
		QuickPath: cfg.QuickSessionPath,
		Launch:    cfg.ClaudePath,
		Settings:  settings,
	})

	a := agent.New(cfg.WSURL(), cfg.Token, mgr)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Settings edits apply live; projects stay fixed for the process.
	go func() {
		err := config.WatchSettings(runCtx, settingsPath, func(s config.Settings, err error) {
			if err != nil {
				logger.Warn("settings reload", "err", err)
			}
			mgr.UpdateSettings(s)
			logger.Info("settings reloaded", "path", settingsPath)
		})
		if err != nil {
			logger.Warn("settings watcher unavailable", "err", err)
		}
	}()

	logger.Info("agent starting", "relay", cfg.WSURL(), "quickPath", cfg.QuickSessionPath, "launch", cfg.ClaudePath)
	if err := a.Run(runCtx); err != nil && runCtx.Err() == nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// defaultProjectsPath is projects.json next to the agent binary, falling
// back to the working directory when the executable path is unknown.
func defaultProjectsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "projects.json"
	}
	return filepath.Join(filepath.Dir(exe), "projects.json")
}
