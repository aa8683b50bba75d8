package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/mwynholds/vmtunnel/internal/forward"
	"github.com/spf13/cobra"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "One-shot stdin/stdout connection through the tunnel",
		Long: `Open a single relay stream to the VM and bridge stdin/stdout with
it. Exits when the connection closes. Designed for use as an SSH
ProxyCommand.

Example:
  ssh -o ProxyCommand="vmtunnel connect --endpoint tun-1 --tunnel vm1-ssh" user@vm1`,
		Args: cobra.MaximumNArgs(1),
		RunE: runConnect,
	}

	addAuthFlags(cmd)
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	tunnel, err := resolveTunnel(cmd, args)
	if err != nil {
		return err
	}
	endpoint, tp, err := resolveAuth(cmd)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := forward.ConnectConfig{
		Endpoint: buildEndpoint(endpoint, tunnel, tp, logger),
		Tunnel:   tunnel,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
		Logger:   logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return forward.Connect(ctx, cfg)
}
