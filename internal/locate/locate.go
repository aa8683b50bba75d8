// Package locate resolves a virtual machine resource to its tunnel
// connection details.
//
// The compute platform provisions a tunneling endpoint per VM when guest
// connectivity is enabled. This package talks to the platform's
// GuestConnectivity management API: ensuring the tunnel endpoint and
// service configuration exist, and obtaining the endpoint address and
// short-lived access key the relay client dials with.
package locate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	guestConnectivityAPIVersion = "2023-03-15"
	defaultExpiresIn            = 10800 // 3 hours (maximum)
	defaultServiceName          = "RDP"
	defaultPort                 = 3389
)

// TunnelInfo holds the connection details returned by listCredentials.
type TunnelInfo struct {
	EndpointName   string `json:"endpointName"`
	EndpointSuffix string `json:"endpointSuffix"`
	TunnelName     string `json:"tunnelName"`
	AccessKey      string `json:"accessKey"`
	ExpiresOn      int64  `json:"expiresOn"`
}

// Endpoint returns the tunneling endpoint FQDN.
func (t *TunnelInfo) Endpoint() string {
	return t.EndpointName + "." + t.EndpointSuffix
}

// listCredentialsResponse is the top-level response from listCredentials.
type listCredentialsResponse struct {
	Tunnel TunnelInfo `json:"tunnel"`
}

// Client interacts with the GuestConnectivity management APIs.
type Client struct {
	arm    *arm.Client
	logger *slog.Logger
}

// NewClient creates a Client using DefaultAzureCredential.
// Options may be nil for public-cloud defaults.
func NewClient(logger *slog.Logger, options *arm.ClientOptions) (*Client, error) {
	var credOpts *azidentity.DefaultAzureCredentialOptions
	if options != nil {
		credOpts = &azidentity.DefaultAzureCredentialOptions{
			ClientOptions: options.ClientOptions,
		}
	}
	cred, err := azidentity.NewDefaultAzureCredential(credOpts)
	if err != nil {
		return nil, fmt.Errorf("create credential: %w", err)
	}
	return NewClientWithCredential(cred, logger, options)
}

// NewClientWithCredential creates a Client with a specific
// TokenCredential. Options may be nil for public-cloud defaults.
func NewClientWithCredential(cred azcore.TokenCredential, logger *slog.Logger, options *arm.ClientOptions) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	armClient, err := arm.NewClient("vmtunnel-locate", "v1.0.0", cred, options)
	if err != nil {
		return nil, fmt.Errorf("create management client: %w", err)
	}
	return &Client{arm: armClient, logger: logger}, nil
}

// EnsureTunnelEndpoint creates the GuestConnectivity endpoint and service
// configuration for the VM if they don't already exist. Both calls are
// idempotent PUTs.
//
// CAUTION: Calling this when the endpoint already exists may disrupt the
// guest agent's listener, causing connections to fail until it recovers.
// Prefer calling GetTunnelCredentials first and only calling this when
// that fails.
func (c *Client) EnsureTunnelEndpoint(ctx context.Context, resourceID, serviceName string, port int) error {
	if serviceName == "" {
		serviceName = defaultServiceName
	}
	if port == 0 {
		port = defaultPort
	}

	endpointPath := fmt.Sprintf("%s/providers/Microsoft.GuestConnectivity/endpoints/default", resourceID)
	endpointURL := runtime.JoinPaths(c.arm.Endpoint(), endpointPath) + "?api-version=" + guestConnectivityAPIVersion

	serviceConfigPath := fmt.Sprintf("%s/providers/Microsoft.GuestConnectivity/endpoints/default/serviceConfigurations/%s",
		resourceID, serviceName)
	serviceConfigURL := runtime.JoinPaths(c.arm.Endpoint(), serviceConfigPath) + "?api-version=" + guestConnectivityAPIVersion

	c.logger.Debug("ensuring tunnel endpoint", "resourceID", resourceID)
	endpointBody := `{"properties": {"type": "default"}}`
	if err := c.managementPUT(ctx, endpointURL, endpointBody); err != nil {
		return fmt.Errorf("create tunnel endpoint: %w", err)
	}

	c.logger.Debug("ensuring service configuration", "service", serviceName, "port", port)
	serviceBody := fmt.Sprintf(`{"properties": {"serviceName": %q, "port": %d}}`, serviceName, port)
	if err := c.managementPUT(ctx, serviceConfigURL, serviceBody); err != nil {
		return fmt.Errorf("create service configuration: %w", err)
	}

	return nil
}

// GetTunnelCredentials obtains tunnel connection details by calling the
// listCredentials API.
func (c *Client) GetTunnelCredentials(ctx context.Context, resourceID, serviceName string) (*TunnelInfo, error) {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	credPath := fmt.Sprintf("%s/providers/Microsoft.GuestConnectivity/endpoints/default/listCredentials", resourceID)
	credURL := runtime.JoinPaths(c.arm.Endpoint(), credPath) + fmt.Sprintf("?expiresin=%d&api-version=%s",
		defaultExpiresIn, guestConnectivityAPIVersion)

	body := fmt.Sprintf(`{"serviceName": %q}`, serviceName)

	c.logger.Debug("requesting tunnel credentials", "resourceID", resourceID, "service", serviceName)
	resp, err := c.managementPOST(ctx, credURL, body)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var result listCredentialsResponse
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("parse credentials response: %w", err)
	}

	if result.Tunnel.EndpointName == "" || result.Tunnel.TunnelName == "" {
		return nil, fmt.Errorf("incomplete tunnel credentials in response")
	}

	c.logger.Debug("obtained tunnel credentials",
		"endpoint", result.Tunnel.Endpoint(),
		"tunnel", result.Tunnel.TunnelName,
		"expiresOn", result.Tunnel.ExpiresOn)

	return &result.Tunnel, nil
}

func (c *Client) managementPUT(ctx context.Context, rawURL, body string) error {
	req, err := runtime.NewRequest(ctx, http.MethodPut, rawURL)
	if err != nil {
		return err
	}
	req.Raw().Header.Set("Content-Type", "application/json")
	if err := req.SetBody(streaming.NopCloser(strings.NewReader(body)), "application/json"); err != nil {
		return err
	}
	resp, err := c.arm.Pipeline().Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return newManagementError(resp)
	}
	return nil
}

func (c *Client) managementPOST(ctx context.Context, rawURL, body string) ([]byte, error) {
	req, err := runtime.NewRequest(ctx, http.MethodPost, rawURL)
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set("Content-Type", "application/json")
	if err := req.SetBody(streaming.NopCloser(strings.NewReader(body)), "application/json"); err != nil {
		return nil, err
	}
	resp, err := c.arm.Pipeline().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return nil, newManagementError(resp)
	}
	return io.ReadAll(resp.Body)
}

func newManagementError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("management API error (HTTP %d): %s", resp.StatusCode, string(body))
}
