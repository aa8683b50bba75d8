package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/mwynholds/vmtunnel/internal/forward"
	"github.com/spf13/cobra"
)

func portForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward",
		Short: "Forward a local port to the VM through the tunnel",
		Long: `Start a local TCP listener and relay each connection through the
tunneling endpoint to the VM behind the tunnel. Point your RDP or SSH
client at the local port.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runPortForward,
	}

	addAuthFlags(cmd)
	cmd.Flags().StringP("bind", "b", "127.0.0.1:0", "local bind address:port")
	cmd.Flags().Bool("gateway", false, "bind to 0.0.0.0 instead of 127.0.0.1")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().Int("max-connections", 0, "max concurrent tunneled connections (0 = unlimited)")

	return cmd
}

func runPortForward(cmd *cobra.Command, args []string) error {
	tunnel, err := resolveTunnel(cmd, args)
	if err != nil {
		return err
	}
	endpoint, tp, err := resolveAuth(cmd)
	if err != nil {
		return err
	}

	bind, _ := cmd.Flags().GetString("bind")
	gateway, _ := cmd.Flags().GetBool("gateway")
	if gateway {
		_, port, _ := net.SplitHostPort(bind)
		if port == "" {
			port = "0"
		}
		bind = "0.0.0.0:" + port
	}
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	maxConns, _ := cmd.Flags().GetInt("max-connections")
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := forward.Config{
		Endpoint:       buildEndpoint(endpoint, tunnel, tp, logger),
		Tunnel:         tunnel,
		BindAddress:    bind,
		MaxConnections: maxConns,
		TCPKeepAlive:   tcpKeepAlive,
		Logger:         logger,
	}
	if cfg.Metrics, err = resolveMetrics(ctx, cmd, logger); err != nil {
		return err
	}

	return forward.PortForward(ctx, cfg)
}
