package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the API base URL in ~/.chatsync/config.toml",
	Long: "Initialize chatsync by storing the chat API base URL. The socket and asset\n" +
		"URLs default to the same host unless already configured.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := strings.TrimRight(args[0], "/")
		u, err := parseEndpoint(base)
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = base
		origin := u.Scheme + "://" + u.Host
		if cfg.Default.SocketURL == "" {
			cfg.Default.SocketURL = origin
		}
		if cfg.Default.AssetBaseURL == "" {
			cfg.Default.AssetBaseURL = origin
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Base URL saved to %s\n", path)
		return nil
	},
}

// parseEndpoint accepts absolute http(s) and ws(s) URLs.
func parseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return u, nil
	}
	return nil, fmt.Errorf("invalid url %q: unsupported scheme %q", raw, u.Scheme)
}
