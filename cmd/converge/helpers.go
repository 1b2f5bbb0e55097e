package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	converge "github.com/converge-app/converge/sdk/golang"
	"github.com/converge-app/converge/sdk/golang/internal/logging"
)

// newLogger builds the CLI logger; the --log-level flag beats the config file.
func newLogger(cfg *Config) *logging.Logger {
	level := cfg.Default.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if level == "" {
		level = "warn"
	}
	return logging.New(nil, level)
}

// getClient creates a client authenticated with the configured token.
func getClient(cfg *Config, log *logging.Logger, opts ...converge.ClientOption) (*converge.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'converge init <token>' or set CONVERGE_TOKEN")
	}
	all := []converge.ClientOption{converge.WithLogger(log.Sub("sdk").Zerolog())}
	if cfg.Default.BaseURL != "" {
		all = append(all, converge.WithBaseURL(cfg.Default.BaseURL))
	}
	return converge.NewClient(cfg.Auth.Token, append(all, opts...)...), nil
}

// self returns the configured identity used for optimistic uploads.
func self(cfg *Config) converge.Sender {
	return converge.Sender{ID: cfg.Auth.UserID, Username: cfg.Auth.Username}
}

func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}

func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// readUpload loads a file from disk for sending.
func readUpload(path string) (*converge.FileUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return &converge.FileUpload{Name: filepath.Base(path), Data: data}, nil
}

// printMessage renders one message as a single line.
func printMessage(w io.Writer, m converge.Message) {
	name := valueOrDefault(m.Sender.Username, valueOrDefault(m.Sender.ID, "unknown"))
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", converge.FormatTimestamp(m.Timestamp), name, m.Content)
	if a := m.Attachment; a != nil {
		label := valueOrDefault(a.Name, a.URL)
		if a.Size > 0 {
			fmt.Fprintf(&b, " [file: %s, %s]", label, humanize.Bytes(uint64(a.Size)))
		} else {
			fmt.Fprintf(&b, " [file: %s]", label)
		}
	}
	if m.ReplyCount > 0 {
		fmt.Fprintf(&b, " (%d %s)", m.ReplyCount, plural(m.ReplyCount, "reply", "replies"))
	}
	switch m.Status {
	case converge.StatusPending:
		b.WriteString(" (sending)")
	case converge.StatusFailed:
		b.WriteString(" (not sent)")
	}
	if m.ID != "" {
		fmt.Fprintf(&b, "  #%s", m.ID)
	}
	fmt.Fprintln(w, b.String())
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
