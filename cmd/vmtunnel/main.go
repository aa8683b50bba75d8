package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	// Automatically set GOMEMLIMIT based on cgroup memory limits (container
	// or systemd MemoryMax=). If no cgroup limit is detected, GOMEMLIMIT is
	// left at the Go default.
	"github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/mwynholds/vmtunnel/internal/metrics"
	"github.com/mwynholds/vmtunnel/internal/relay"
	"github.com/spf13/cobra"
)

var version = "dev"

func init() {
	_, _ = memlimit.SetGoMemLimitWithOpts(memlimit.WithLogger(nil))
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "vmtunnel",
		Short:        "Relay tunnel client for cloud VMs",
		Long:         "Tunnel TCP byte streams (RDP, SSH) to a cloud VM through its tunneling endpoint.",
		SilenceUsage: true,
	}

	// Global flags.
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("metrics-addr", "", "address for Prometheus metrics server (e.g. :9090); disabled if empty")
	rootCmd.PersistentFlags().Int("metrics-max-targets", 500, "max unique target labels in metrics (0 = unlimited)")

	rootCmd.AddCommand(portForwardCmd())
	rootCmd.AddCommand(connectCmd())
	rootCmd.AddCommand(vmCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

// newLogger creates a text slog.Logger at the given level. Unknown
// levels default to info.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// addAuthFlags adds the endpoint and credential flags to a command.
func addAuthFlags(cmd *cobra.Command) {
	cmd.Flags().String("endpoint", "", "tunneling endpoint name, FQDN, or URI")
	cmd.Flags().String("tunnel", "", "tunnel entity name identifying the target VM")
	cmd.Flags().String("endpoint-suffix", "", "endpoint suffix for sovereign clouds (default: "+relay.DefaultEndpointSuffix+")")
	cmd.Flags().String("token-scope", "", "OAuth2 scope for token acquisition (default: "+relay.DefaultTokenScope+")")
}

// resolveMetrics creates a Metrics instance and starts the HTTP server
// if --metrics-addr or VMTUNNEL_METRICS_ADDR is set. Returns nil if
// metrics are disabled. The provided context controls the server's
// lifetime — when cancelled the server shuts down gracefully.
func resolveMetrics(ctx context.Context, cmd *cobra.Command, logger *slog.Logger) (*metrics.Metrics, error) {
	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = os.Getenv("VMTUNNEL_METRICS_ADDR")
	}
	if addr == "" {
		return nil, nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s: %w", addr, err)
	}
	m := metrics.New()
	maxTargets, _ := cmd.Flags().GetInt("metrics-max-targets")
	if maxTargets < 0 {
		return nil, fmt.Errorf("--metrics-max-targets must be >= 0, got %d", maxTargets)
	}
	m.MaxTargets = maxTargets
	go func() {
		if err := m.Serve(ctx, ln, logger); err != nil {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return m, nil
}

// resolveTunnel returns the tunnel entity name from the --tunnel flag,
// a positional arg, or the environment.
func resolveTunnel(cmd *cobra.Command, args []string) (string, error) {
	if tunnel, _ := cmd.Flags().GetString("tunnel"); tunnel != "" {
		return tunnel, nil
	}
	if len(args) > 0 {
		return args[0], nil
	}
	if tunnel := os.Getenv("VMTUNNEL_TUNNEL_NAME"); tunnel != "" {
		return tunnel, nil
	}
	return "", fmt.Errorf("tunnel name is required: use --tunnel or set VMTUNNEL_TUNNEL_NAME")
}

// resolveAuth determines the endpoint FQDN and token provider from CLI
// flags and environment variables.
//
// Resolution order for the endpoint:
//  1. --endpoint flag
//  2. VMTUNNEL_ENDPOINT_NAME env var
//
// Resolution order for auth:
//  1. VMTUNNEL_KEY_NAME + VMTUNNEL_KEY → shared-key auth
//  2. Otherwise → OAuth2 (DefaultAzureCredential)
func resolveAuth(cmd *cobra.Command) (endpoint string, tp relay.TokenProvider, err error) {
	name, _ := cmd.Flags().GetString("endpoint")
	if name == "" {
		name = os.Getenv("VMTUNNEL_ENDPOINT_NAME")
	}
	if name == "" {
		return "", nil, fmt.Errorf("tunneling endpoint is required: use --endpoint or set VMTUNNEL_ENDPOINT_NAME")
	}
	suffix, _ := cmd.Flags().GetString("endpoint-suffix")
	if suffix == "" {
		suffix = os.Getenv("VMTUNNEL_ENDPOINT_SUFFIX")
	}
	if suffix == "" {
		suffix = relay.DefaultEndpointSuffix
	}
	endpoint = relay.ParseEndpoint(name, suffix)
	if endpoint == "" {
		return "", nil, fmt.Errorf("invalid tunneling endpoint: %q", name)
	}

	keyName := os.Getenv("VMTUNNEL_KEY_NAME")
	key := os.Getenv("VMTUNNEL_KEY")

	if keyName != "" && key != "" {
		return endpoint, &relay.SharedKeyTokenProvider{KeyName: keyName, Key: key}, nil
	}

	scope, _ := cmd.Flags().GetString("token-scope")
	oauth, err := relay.NewOAuthTokenProvider(scope)
	if err != nil {
		return "", nil, fmt.Errorf("no shared-key credentials found (VMTUNNEL_KEY_NAME/VMTUNNEL_KEY) and OAuth auth failed: %w", err)
	}
	return endpoint, oauth, nil
}

// buildEndpoint assembles the WebSocket endpoint adapter for a tunnel.
func buildEndpoint(endpoint, tunnel string, tp relay.TokenProvider, logger *slog.Logger) *relay.WebSocketEndpoint {
	return relay.NewWebSocketEndpoint(relay.WebSocketEndpointConfig{
		Endpoint:      endpoint,
		Tunnel:        tunnel,
		TokenProvider: tp,
		Logger:        logger,
	})
}
