package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Qillen1974/pocketclaude/internal/config"
	"github.com/Qillen1974/pocketclaude/internal/logger"
	"github.com/Qillen1974/pocketclaude/internal/relay"
)

func main() {
	var addrFlag string
	var logLevel string

	root := &cobra.Command{
		Use:   "pocketd",
		Short: "pocketclaude relay server",
		Long:  "Switches messages between one workstation agent and any number of clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadRelay()
			if err != nil {
				return err
			}
			if err := logger.Init(logLevel, ""); err != nil {
				return err
			}

			addr := addrFlag
			if addr == "" {
				addr = fmt.Sprintf(":%d", cfg.Port)
			}

			srv := relay.NewServer(cfg.Token)
			httpSrv := &http.Server{
				Addr:    addr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go srv.Run(ctx)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("pocketd listening", "addr", addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().StringVar(&addrFlag, "addr", "", "listen address (default :$PORT, or :8080)")
	root.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
