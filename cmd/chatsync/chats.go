package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/kirayedar24/chatsync"
	"github.com/spf13/cobra"
)

var (
	chatsWatch bool
	chatsJSON  bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.Flags().BoolVar(&chatsWatch, "watch", false, "keep running and reprint the list when it changes")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(removeCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.requireAuth(ctx); err != nil {
			return err
		}

		list := newConversationList(e)
		defer list.Close()

		if !chatsWatch {
			loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			summaries, err := list.LoadAll(loadCtx)
			if err != nil {
				return fmt.Errorf("failed to load conversations: %w", err)
			}
			return printSummaries(summaries)
		}

		e.connect(ctx)
		list.OnChange(func(summaries []chatsync.ConversationSummary) {
			printSummaries(summaries)
		})
		if err := list.Start(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		<-ctx.Done()
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <conversation-id>",
	Short: "Remove a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		e, err := openEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.requireAuth(ctx); err != nil {
			return err
		}

		list := newConversationList(e)
		defer list.Close()
		if _, err := list.LoadAll(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}
		if err := list.Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

func newConversationList(e *env) *chatsync.ConversationList {
	return chatsync.NewConversationList(&chatsync.ConversationListConfig{
		API:          e.client.Chats,
		Profiles:     e.client.Users,
		Realtime:     e.realtime,
		Identity:     e.identity,
		AssetBaseURL: e.cfg.Default.AssetBaseURL,
		Metrics:      e.metrics,
	})
}

func printSummaries(summaries []chatsync.ConversationSummary) error {
	if chatsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	if len(summaries) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	fmt.Printf("%-26s  %-20s  %-16s  %s\n", "ID", "WITH", "LAST ACTIVITY", "PREVIEW")
	for _, s := range summaries {
		when := ""
		if !s.LastActivityAt.IsZero() {
			when = s.LastActivityAt.Local().Format("Jan 02 15:04")
		}
		unread := ""
		if s.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", s.UnreadCount)
		}
		fmt.Printf("%-26s  %-20s  %-16s  %s%s\n", s.ID, truncate(s.Counterparty.Name, 20), when, truncate(s.LastMessagePreview, 50), unread)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
