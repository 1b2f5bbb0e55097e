package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	converge "github.com/converge-app/converge/sdk/golang"
)

var (
	historyLimit int
	historyJSON  bool

	sendFile    string
	sendReplyTo string
	sendWait    time.Duration

	threadJSON bool
)

func init() {
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(threadCmd)

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "maximum number of messages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print raw JSON")

	sendCmd.Flags().StringVarP(&sendFile, "file", "f", "", "attach a file (sent through the upload endpoint)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "message id to reply to")
	sendCmd.Flags().DurationVar(&sendWait, "timeout", 15*time.Second, "how long to wait for the connection")

	threadCmd.Flags().BoolVar(&threadJSON, "json", false, "print raw JSON")
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <scope>",
	Short: "Print the message history of a chat",
	Long:  "Print the stored messages of a chat. Scope is project/<id> or individual/<id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := converge.ParseScope(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		msgs, err := client.Messages.History(ctx, scope, &converge.HistoryOptions{Limit: historyLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if historyJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(msgs)
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(out, m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <scope> [text]",
	Short: "Send a message or a file",
	Long: "Send a text message over the chat connection, or upload a file with an optional caption.\n" +
		"Text is only sent while connected; nothing is queued.",
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := converge.ParseScope(args[0])
		if err != nil {
			return err
		}
		text := ""
		if len(args) > 1 {
			text = args[1]
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)
		client, err := getClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendWait)
		defer cancel()

		if sendFile != "" {
			file, err := readUpload(sendFile)
			if err != nil {
				return err
			}
			res, err := client.Files.Upload(ctx, scope, text, file)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s -> %s\n", file.Name, res.Attachment.URL)
			return nil
		}

		conn := client.Realtime.Conn(scope, &converge.RealtimeConfig{MaxReconnectAttempts: 1})
		if err := conn.Open(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("cannot connect: %w", err)
		}
		defer conn.Close()

		if _, err := converge.NewDispatcher(conn, client.Files, log.Sub("send").Zerolog(), nil).
			Send(ctx, scope, text, converge.MessageID(sendReplyTo), nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Sent.")
		return nil
	},
}

// ============================================================================
// thread
// ============================================================================

var threadCmd = &cobra.Command{
	Use:   "thread <scope> <thread-id>",
	Short: "Show a thread with its replies",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := converge.ParseScope(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := getClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()

		thread, err := client.Threads.Thread(ctx, scope, args[1])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if threadJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(thread)
		}
		printMessage(out, thread.Parent)
		if len(thread.Replies) == 0 {
			fmt.Fprintln(out, "  (no replies)")
		}
		for _, r := range thread.Replies {
			fmt.Fprint(out, "  ")
			printMessage(out, r)
		}
		return nil
	},
}
