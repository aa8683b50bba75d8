package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/mwynholds/vmtunnel/internal/forward"
	"github.com/mwynholds/vmtunnel/internal/locate"
	"github.com/mwynholds/vmtunnel/internal/relay"
	"github.com/spf13/cobra"
)

func vmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "Tunnel to a VM by resource id, discovering the endpoint automatically",
		Long: `Resolve a VM's tunneling endpoint and credentials through the
platform's GuestConnectivity API, then tunnel to it. No endpoint name or
shared key is needed; only management-plane access to the VM resource.`,
	}

	cmd.AddCommand(vmPortForwardCmd())
	cmd.AddCommand(vmConnectCmd())
	return cmd
}

// addVMFlags adds the resource-discovery flags shared by the vm subcommands.
func addVMFlags(cmd *cobra.Command) {
	cmd.Flags().String("resource-id", "", "full resource id of the target VM (required)")
	_ = cmd.MarkFlagRequired("resource-id")
	cmd.Flags().String("service", "", "service configuration name on the VM (default RDP)")
	cmd.Flags().Int("port", 0, "service port on the VM (default 3389)")
	cmd.Flags().Bool("provision", false, "create the tunnel endpoint and service configuration if missing")
}

func vmPortForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "port-forward",
		Short: "Forward a local port to the VM",
		RunE:  runVMPortForward,
	}
	addVMFlags(cmd)
	cmd.Flags().StringP("bind", "b", "127.0.0.1:0", "local bind address:port")
	cmd.Flags().Duration("tcp-keepalive", 30*time.Second, "TCP keepalive interval")
	cmd.Flags().Int("max-connections", 0, "max concurrent tunneled connections (0 = unlimited)")
	return cmd
}

func runVMPortForward(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ep, tunnel, err := resolveVMEndpoint(ctx, cmd, logger)
	if err != nil {
		return err
	}

	bind, _ := cmd.Flags().GetString("bind")
	tcpKeepAlive, _ := cmd.Flags().GetDuration("tcp-keepalive")
	maxConns, _ := cmd.Flags().GetInt("max-connections")

	cfg := forward.Config{
		Endpoint:       ep,
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

func vmConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "One-shot stdin/stdout connection to the VM",
		RunE:  runVMConnect,
	}
	addVMFlags(cmd)
	return cmd
}

func runVMConnect(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logger := newLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	ep, tunnel, err := resolveVMEndpoint(ctx, cmd, logger)
	if err != nil {
		return err
	}

	cfg := forward.ConnectConfig{
		Endpoint: ep,
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

// resolveVMEndpoint looks up the VM's tunnel connection details and
// assembles the endpoint adapter from them.
func resolveVMEndpoint(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (relay.Endpoint, string, error) {
	resourceID, _ := cmd.Flags().GetString("resource-id")
	service, _ := cmd.Flags().GetString("service")
	port, _ := cmd.Flags().GetInt("port")
	provision, _ := cmd.Flags().GetBool("provision")

	client, err := locate.NewClient(logger, nil)
	if err != nil {
		return nil, "", err
	}

	info, err := client.GetTunnelCredentials(ctx, resourceID, service)
	if err != nil && provision {
		logger.Info("tunnel endpoint missing, provisioning", "resourceID", resourceID)
		if err := client.EnsureTunnelEndpoint(ctx, resourceID, service, port); err != nil {
			return nil, "", err
		}
		info, err = client.GetTunnelCredentials(ctx, resourceID, service)
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve tunnel for %s: %w", resourceID, err)
	}

	ep := relay.NewWebSocketEndpoint(relay.WebSocketEndpointConfig{
		Endpoint:      info.Endpoint(),
		Tunnel:        info.TunnelName,
		TokenProvider: &relay.StaticTokenProvider{Token: info.AccessKey},
		Logger:        logger,
	})
	return ep, info.TunnelName, nil
}
