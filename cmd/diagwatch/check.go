package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/setevik/diagwatch/internal/config"
	"github.com/setevik/diagwatch/internal/health"
)

var checkTimeout time.Duration

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the WebSocket listener port is accepting connections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(config.LogConfig{Level: "error"}) // quiet for CLI output
		applyRunFlags(cmd, cfg, runOpts)

		h := health.CheckTCP(context.Background(), cfg.Network.Host, cfg.Network.Port, checkTimeout)
		fmt.Fprintln(cmd.OutOrStdout(), h.String())
		if !h.Listening {
			return fmt.Errorf("%s:%d is not listening", h.Host, h.Port)
		}
		return nil
	},
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&runOpts.wsHost, "ws-host", "", "host to probe (default from config)")
	f.IntVar(&runOpts.wsPort, "ws-port", 0, "port to probe (default from config)")
	f.DurationVar(&checkTimeout, "timeout", health.DefaultTimeout, "connection timeout")
	rootCmd.AddCommand(checkCmd)
}
