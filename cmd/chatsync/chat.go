package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/kirayedar24/chatsync"
	"github.com/spf13/cobra"
)

var chatConversation string

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "", "open by conversation id instead of counterparty")

	rootCmd.AddCommand(sendCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat [counterparty-id]",
	Short: "Open a conversation and follow it live",
	Long: "Print the conversation and follow new messages. Lines typed on stdin are sent.\n" +
		"Commands: /edit <id> <text>, /delete <id>, /retry <client-id>, /quit",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if chatConversation == "" && len(args) == 0 {
			return errors.New("a counterparty id or --conversation is required")
		}
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
		e.connect(ctx)

		session := newSession(e, chatConversation, args)
		defer session.Close()

		session.On(chatsync.EventMessageAppended, func(_ string, payload any) {
			if m, ok := payload.(chatsync.Message); ok {
				printMessage(m)
			}
		})
		session.On(chatsync.EventMessageConfirmed, func(_ string, payload any) {
			if m, ok := payload.(chatsync.Message); ok {
				fmt.Printf("  ✓ %s delivered as %s\n", m.ClientID, m.ID)
			}
		})
		session.On(chatsync.EventMessageFailed, func(_ string, payload any) {
			if m, ok := payload.(chatsync.Message); ok {
				fmt.Printf("  ✗ %s failed: %s (/retry %s)\n", m.ClientID, m.Error, m.ClientID)
			}
		})
		session.On(chatsync.EventMessageConflict, func(_ string, payload any) {
			if c, ok := payload.(*chatsync.ConflictEvent); ok {
				fmt.Printf("  ! server rejected %s of %s: %v\n", c.Op, c.MessageID, c.Err)
			}
		})

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = session.Open(openCtx)
		cancel()
		if err != nil {
			return err
		}
		for _, m := range session.Messages() {
			printMessage(m)
		}
		session.MarkRead(ctx)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runChatLine(ctx, session, line); quit {
					return nil
				}
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <counterparty-id> <text>",
	Short: "Send a single message",
	Args:  cobra.MinimumNArgs(2),
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

		// REST only, so the result is confirmed before exit.
		session := chatsync.NewSession(&chatsync.SessionConfig{
			CounterpartyID: args[0],
			API:            e.client.Chats,
			Identity:       e.identity,
			Metrics:        e.metrics,
		})
		defer session.Close()
		if err := session.Open(ctx); err != nil {
			return err
		}
		m, err := session.Send(ctx, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s\n", m.ID)
		return nil
	},
}

func newSession(e *env, conversationID string, args []string) *chatsync.Session {
	cfg := &chatsync.SessionConfig{
		ConversationID: conversationID,
		API:            e.client.Chats,
		Realtime:       e.realtime,
		Identity:       e.identity,
		Notifier:       e.notifier,
		Metrics:        e.metrics,
	}
	if len(args) > 0 {
		cfg.CounterpartyID = args[0]
	}
	return chatsync.NewSession(cfg)
}

// runChatLine executes one line of chat input and reports whether to quit.
func runChatLine(ctx context.Context, session *chatsync.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := session.Send(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/edit":
		id, text, _ := strings.Cut(strings.TrimSpace(rest), " ")
		err = session.Edit(ctx, id, text)
	case "/delete":
		err = session.Delete(ctx, strings.TrimSpace(rest))
	case "/retry":
		_, err = session.Retry(ctx, strings.TrimSpace(rest))
	default:
		err = fmt.Errorf("unknown command %s", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", strings.TrimPrefix(cmd, "/"), err)
	}
	return false
}

func printMessage(m chatsync.Message) {
	who := "them"
	if m.SenderRole == chatsync.RoleLocal {
		who = "me"
	}
	status := ""
	switch m.Status {
	case chatsync.StatusSending:
		status = " …"
	case chatsync.StatusFailed:
		status = " (failed)"
	}
	edited := ""
	if m.Edited {
		edited = " (edited)"
	}
	fmt.Printf("[%s] %-4s %s%s%s  #%s\n", m.DisplayTime, who, m.Text, edited, status, m.ID)
}
