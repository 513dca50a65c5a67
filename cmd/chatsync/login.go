package main

import (
	"context"
	"fmt"

	"github.com/kirayedar24/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token> <user-id>",
	Short: "Store credentials in the local state database",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		if err := store.Set(ctx, chatsync.KeyAuthToken, args[0]); err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}
		if err := store.Set(ctx, chatsync.KeyUserID, args[1]); err != nil {
			return fmt.Errorf("failed to store user id: %w", err)
		}
		fmt.Printf("Logged in as %s\n", args[1])
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStateStore()
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		for _, key := range []string{chatsync.KeyAuthToken, chatsync.KeyUserID, chatsync.KeyLastUploadedAvatar} {
			if err := store.Delete(ctx, key); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}
		fmt.Println("Logged out.")
		return nil
	},
}
