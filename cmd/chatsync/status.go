package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kirayedar24/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the current configuration and credentials, then check that the API and the realtime socket are reachable.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", e.client.BaseURL())
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(e.cfg.Default.SocketURL, "(not set)"))
		fmt.Printf("  Assets URL:  %s\n", valueOrDefault(e.cfg.Default.AssetBaseURL, "(not set)"))

		fmt.Println()
		fmt.Println("Auth:")
		token := e.cfg.Auth.Token
		if token == "" {
			token, _, _ = e.store.Get(ctx, chatsync.KeyAuthToken)
		}
		if token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(token))
		} else {
			fmt.Println("  Token:       (not logged in)")
		}
		fmt.Printf("  User ID:     %s\n", valueOrDefault(e.identity.UserID(), "(unresolved)"))

		if token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		chats, err := e.client.Chats.List(ctx)
		if err != nil {
			fmt.Printf("  API:         error: %v\n", err)
		} else {
			fmt.Printf("  API:         ok (%d conversations)\n", len(chats))
		}

		e.connect(ctx)
		fmt.Printf("  Realtime:    %s\n", e.realtime.State())
		return nil
	},
}
