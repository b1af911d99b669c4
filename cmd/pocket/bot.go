package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Qillen1974/pocketclaude/internal/chat"
	"github.com/Qillen1974/pocketclaude/internal/client"
	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/logger"
	"github.com/Qillen1974/pocketclaude/internal/protocol"
)

func botCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bot",
		Short: "Run the Discord chat adapter",
		Long: "A DM-only Discord bot for one configured user: slash commands drive the " +
			"agent, plain messages go to the active session, and its output streams " +
			"back as chat messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if cfg.DiscordToken == "" {
				return fmt.Errorf("DISCORD_TOKEN is required for the bot")
			}
			if cfg.DiscordUserID == "" {
				return fmt.Errorf("DISCORD_USER_ID is required for the bot")
			}
			if err := logger.Init("info", ""); err != nil {
				return err
			}
			return runBot(cmd.Context(), cfg)
		},
	}
}

func runBot(parent context.Context, cfg *config.ClientConfig) error {
	// The journal is a convenience; a broken database downgrades the
	// bot, it doesn't stop it.
	var journal *chat.Journal
	if dir, err := config.UserConfigDir(); err == nil {
		if err := os.MkdirAll(dir, 0755); err == nil {
			journal, err = chat.OpenJournal(filepath.Join(dir, "bot.db"))
			if err != nil {
				logger.Warn("bot journal unavailable", "err", err)
			}
		}
	}
	if journal != nil {
		defer journal.Close()
	}

	var bot *chat.Bot
	c := client.New(cfg.WSURL(), cfg.Token, client.Handlers{
		OnOutput: func(sessionID, data string) { bot.HandleOutput(sessionID, data) },
		OnStatus: func(p protocol.StatusPayload) {
			if p.Status == protocol.StatusSessionClosed {
				bot.HandleSessionClosed(p.SessionID)
			}
		},
		OnAgent: func(up bool) { bot.HandleAgent(up) },
	})

	bot, err := chat.NewBot(cfg.DiscordToken, cfg.DiscordUserID, c, journal)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- c.Run(ctx) }()
	go func() { errCh <- bot.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("bot shutting down")
		<-errCh
		<-errCh
		return nil
	case err := <-errCh:
		stop()
		<-errCh
		return err
	}
}
