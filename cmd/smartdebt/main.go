// Copyright 2025 SmartDebt Authors
// SPDX-License-Identifier: Apache-2.0

// Command smartdebt is a thin operational front end for the local store and
// the sync engine: inspect the pending ledger, check session state, and run a
// sync drain from the command line.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hamza112255/go-smartdebt/debtsync"
	"github.com/hamza112255/go-smartdebt/localstore"
	"github.com/hamza112255/go-smartdebt/remotestore"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SMARTDEBT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:           "smartdebt",
		Short:         "Offline-first debt tracker sync tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("db", "smartdebt.db", "path to the local SQLite store")
	root.PersistentFlags().String("url", "", "remote store base URL")
	root.PersistentFlags().String("token", "", "access token for the remote store session")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	for _, name := range []string{"db", "url", "token", "verbose"} {
		_ = v.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(newSyncCmd(v), newStatusCmd(v), newLedgerCmd(v))
	return root
}

func newLogger(v *viper.Viper) *slog.Logger {
	level := slog.LevelInfo
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openStore(v *viper.Viper, logger *slog.Logger) (*localstore.Store, error) {
	return localstore.Open(v.GetString("db"), &localstore.Options{Logger: logger})
}

// signalContext returns a context canceled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newSyncCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Drain the pending change ledger against the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logger := newLogger(v)
			baseURL := v.GetString("url")
			if baseURL == "" {
				return fmt.Errorf("remote store URL is required (--url or SMARTDEBT_URL)")
			}
			token := v.GetString("token")
			if token == "" {
				return fmt.Errorf("access token is required (--token or SMARTDEBT_TOKEN)")
			}

			auth := remotestore.NewAuth()
			session, err := auth.SetSession(token)
			if err != nil {
				return err
			}

			store, err := openStore(v, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			client := remotestore.NewClient(baseURL, auth.Token, logger)
			prober := remotestore.NewProber(baseURL)
			engine := debtsync.New(store, client, auth, prober, nil, logger)

			summary, err := engine.Run(ctx, session.UserID, &debtsync.RunOptions{
				Progress: func(current, total int, message string) {
					fmt.Fprintf(cmd.OutOrStdout(), "[%d/%d] %s\n", current, total, message)
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d/%d entries (%d failed)\n",
				summary.Succeeded, summary.Total, summary.Failed)
			if summary.Failed > 0 {
				return fmt.Errorf("%d ledger entries failed; they will be retried next run", summary.Failed)
			}
			return nil
		},
	}
}

func newStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and connectivity status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			token := v.GetString("token")
			if token == "" {
				fmt.Fprintln(out, "session:  none")
			} else {
				auth := remotestore.NewAuth()
				session, err := auth.SetSession(token)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "session:  %s (%s)\n", session.UserID, session.Email)
				fmt.Fprintf(out, "entitled: %v\n", session.Entitled)
				if !session.ExpiresAt.IsZero() {
					fmt.Fprintf(out, "expires:  %s\n", session.ExpiresAt)
				}
			}

			if baseURL := v.GetString("url"); baseURL != "" {
				prober := remotestore.NewProber(baseURL)
				fmt.Fprintf(out, "online:   %v\n", prober.Online(ctx))
			}
			return nil
		},
	}
}

func newLedgerCmd(v *viper.Viper) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "List pending and failed change-ledger entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			logger := newLogger(v)
			store, err := openStore(v, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if userID == "" {
				token := v.GetString("token")
				if token == "" {
					return fmt.Errorf("either --user or a token is required")
				}
				auth := remotestore.NewAuth()
				session, err := auth.SetSession(token)
				if err != nil {
					return err
				}
				userID = session.UserID
			}

			entries, err := store.PendingLedger(ctx, userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "ledger is empty")
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %-6s %-12s %s  %s",
					e.CreatedOn.Format("2006-01-02 15:04:05"),
					e.Operation, e.TableName, e.RecordID, e.Status)
				if e.Error != nil {
					line += "  (" + *e.Error + ")"
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to list entries for (defaults to token subject)")
	return cmd
}
