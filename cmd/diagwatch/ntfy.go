package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/setevik/diagwatch/internal/notify"
)

var testNtfyCmd = &cobra.Command{
	Use:   "test-ntfy",
	Short: "Send a test notification to the configured ntfy topic",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(cfg.Log)

		if cfg.Notify.URL == "" {
			return errors.New("notify.url not configured")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := notify.NewNtfy(cfg).Notify(ctx, notify.TestEntry()); err != nil {
			return fmt.Errorf("sending test notification: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent successfully.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(testNtfyCmd)
}
