package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	converge "github.com/converge-app/converge/sdk/golang"
	"github.com/converge-app/converge/sdk/golang/sqlitestore"
)

var (
	tailCache       string
	tailNoCache     bool
	tailMetricsAddr string
	tailHistory     int
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailCache, "cache", "", "SQLite cache path (default ~/.converge/cache.db)")
	tailCmd.Flags().BoolVar(&tailNoCache, "no-cache", false, "keep messages in memory only")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	tailCmd.Flags().IntVarP(&tailHistory, "history", "n", 20, "history messages to print on start")
}

var tailCmd = &cobra.Command{
	Use:   "tail <scope>",
	Short: "Follow a chat live",
	Long: "Load the history of a chat, then print new messages, replies and connection status as they arrive.\n" +
		"The connection is retried every 3 seconds after an unexpected drop. Stop with Ctrl-C.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := converge.ParseScope(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		log := newLogger(cfg)

		reg := prometheus.NewRegistry()
		metrics := converge.NewMetrics(reg)
		client, err := getClient(cfg, log, converge.WithMetrics(metrics))
		if err != nil {
			return err
		}

		opts := &converge.SessionOptions{Self: self(cfg), HistoryLimit: 200}
		if !tailNoCache {
			path := tailCache
			if path == "" {
				dir, err := configDir()
				if err != nil {
					return err
				}
				path = filepath.Join(dir, "cache.db")
			}
			store, err := sqlitestore.Open(path, log.Sub("cache").Zerolog())
			if err != nil {
				return fmt.Errorf("cannot open cache: %w", err)
			}
			defer store.Close()
			opts.Store = store
		}

		if tailMetricsAddr != "" {
			srv := &http.Server{
				Addr:              tailMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("metrics server")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", tailMetricsAddr).Msg("serving metrics")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		session := converge.NewSession(client, scope, opts)
		defer session.Close()

		session.OnEvent(func(ev converge.Event) {
			switch ev.Kind {
			case converge.EventMessageAppended:
				printMessage(out, ev.Message)
			case converge.EventMessageFailed:
				fmt.Fprintf(out, "! not sent: %s\n", ev.Message.Content)
			case converge.EventMessageDeleted:
				fmt.Fprintf(out, "- deleted #%s\n", ev.Message.ID)
			case converge.EventThreadUpdated:
				if ev.Message.IsReply() {
					fmt.Fprintf(out, "  ↳ reply to #%s: ", ev.Message.ParentID)
					printMessage(out, ev.Message)
				}
			case converge.EventStatusChanged:
				fmt.Fprintf(out, "-- %s\n", ev.Status)
			case converge.EventError:
				log.Warn().Err(ev.Err).Msg("chat error")
			}
		})

		openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = session.Open(openCtx)
		cancel()
		if err != nil {
			// the session keeps retrying in the background
			log.Warn().Err(err).Msg("initial connect failed")
		}

		msgs := session.Messages()
		if len(msgs) > tailHistory {
			msgs = msgs[len(msgs)-tailHistory:]
		}
		for _, m := range msgs {
			printMessage(out, m)
		}

		<-ctx.Done()
		return session.Close()
	},
}
