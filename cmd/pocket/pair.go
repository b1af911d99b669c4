package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Qillen1974/pocketclaude/internal/config"
)

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Show a QR code that pairs a phone with this relay",
		Long: "Encodes the relay URL and shared token as a pocketclaude:// link and " +
			"renders it as a QR code for the mobile app to scan. Treat the code like " +
			"the token itself: anyone who scans it can drive your agent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv()
			relayURL := os.Getenv("RELAY_URL")
			if relayURL == "" {
				return fmt.Errorf("RELAY_URL is required")
			}

			token := os.Getenv("RELAY_TOKEN")
			if token == "" {
				var err error
				token, err = promptToken()
				if err != nil {
					return err
				}
			}

			link := pairLink(relayURL, token)
			fmt.Println()
			qrterminal.GenerateWithConfig(link, qrterminal.Config{
				Level:     qrterminal.M,
				Writer:    os.Stdout,
				BlackChar: qrterminal.BLACK,
				WhiteChar: qrterminal.WHITE,
				QuietZone: 2,
			})
			fmt.Println()
			fmt.Printf("  %s\n", link)
			fmt.Println("  scan with the pocketclaude app, or paste the link into its settings")
			return nil
		},
	}
}

func pairLink(relayURL, token string) string {
	q := url.Values{}
	q.Set("relay", relayURL)
	q.Set("token", token)
	return "pocketclaude://pair?" + q.Encode()
}

// promptToken reads the token without echoing when stdin is a
// terminal; piped input falls back to a plain line read.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var line string
		if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(line), nil
	}

	fmt.Fprint(os.Stderr, "relay token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("empty token")
	}
	return token, nil
}
