package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	converge "github.com/converge-app/converge/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status [scope]",
	Short: "Show configuration and, for a scope, whether the chat is reachable",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, converge.DefaultBaseURL+" (default)"))
		fmt.Fprintf(out, "  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn (default)"))
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.Token != "" {
			fmt.Fprintf(out, "  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Fprintln(out, "  Token:     (not set)")
		}
		fmt.Fprintf(out, "  User:      %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Fprintf(out, "  User ID:   %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		if len(args) == 0 {
			return nil
		}
		scope, err := converge.ParseScope(args[0])
		if err != nil {
			return err
		}
		client, err := getClient(cfg, newLogger(cfg))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintf(out, "Chat %s:\n", scope)
		conn := client.Realtime.Conn(scope, &converge.RealtimeConfig{MaxReconnectAttempts: 1, HeartbeatInterval: -1})
		start := time.Now()
		err = conn.Open(ctx)
		conn.Close()
		if err != nil {
			fmt.Fprintf(out, "  Socket:    unreachable (%v)\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Socket:    ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
