package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultPingInterval = 30 * time.Second
	pingTimeout         = 10 * time.Second
)

// WebSocketEndpointConfig holds parameters for the default endpoint
// implementation.
type WebSocketEndpointConfig struct {
	// Endpoint is the tunneling endpoint as an FQDN (dialed over wss://)
	// or a full ws:// / wss:// base URL.
	Endpoint string

	// Tunnel is the tunnel entity path identifying the target VM.
	Tunnel string

	TokenProvider TokenProvider
	DialTimeout   time.Duration

	// PingInterval is how often keepalive pings are sent on each channel
	// to defeat the endpoint's idle timeout. Negative disables pings.
	PingInterval time.Duration

	Logger *slog.Logger
}

// WebSocketEndpoint dials the tunneling endpoint over WebSocket. Each
// channel is one WebSocket connection; relay messages travel as discrete
// binary frames.
type WebSocketEndpoint struct {
	cfg WebSocketEndpointConfig
}

// NewWebSocketEndpoint creates an endpoint, filling config defaults.
func NewWebSocketEndpoint(cfg WebSocketEndpointConfig) *WebSocketEndpoint {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &WebSocketEndpoint{cfg: cfg}
}

// Connect opens a channel for a brand-new session.
func (e *WebSocketEndpoint) Connect(ctx context.Context) (Channel, error) {
	return e.dial(ctx, url.Values{"rt-action": {"connect"}})
}

// Reconnect opens a channel resuming an existing session at the given
// acknowledged byte offset.
func (e *WebSocketEndpoint) Reconnect(ctx context.Context, sid []byte, ackedBytes uint64) (Channel, error) {
	return e.dial(ctx, url.Values{
		"rt-action": {"reconnect"},
		"rt-sid":    {base64.RawURLEncoding.EncodeToString(sid)},
		"rt-ack":    {fmt.Sprintf("%d", ackedBytes)},
	})
}

func (e *WebSocketEndpoint) dial(ctx context.Context, params url.Values) (Channel, error) {
	token, err := e.cfg.TokenProvider.GetToken(ctx, ResourceURI(e.cfg.Endpoint, e.cfg.Tunnel))
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	params.Set("rt-token", token)

	base := e.cfg.Endpoint
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	dialURL := fmt.Sprintf("%s/$tunnel/%s?%s", base, url.PathEscape(e.cfg.Tunnel), params.Encode())

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, dialURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial tunnel: %w", sanitizeErr(err))
	}
	ws.SetReadLimit(wire.MinReadSize)

	ch := &wsChannel{ws: ws}
	if e.cfg.PingInterval > 0 {
		pingCtx, pingCancel := context.WithCancel(context.Background())
		ch.stopPing = pingCancel
		go pingLoop(pingCtx, ws, e.cfg.PingInterval)
	}
	return ch, nil
}

// pingLoop sends periodic WebSocket pings to keep the channel alive
// across the endpoint's idle timeout. Best-effort; a dead connection is
// detected by the read side.
func pingLoop(ctx context.Context, ws *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			_ = ws.Ping(pingCtx)
			cancel()
		}
	}
}

// wsChannel adapts a WebSocket connection to the Channel interface,
// mapping server close frames to *ChannelClosedError.
type wsChannel struct {
	ws *websocket.Conn

	pingOnce sync.Once
	stopPing context.CancelFunc
}

func (c *wsChannel) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, c.mapError(err)
	}
	return data, nil
}

func (c *wsChannel) Send(ctx context.Context, msg []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg); err != nil {
		return c.mapError(err)
	}
	return nil
}

func (c *wsChannel) Close(code wire.CloseCode, reason string) error {
	c.stopKeepalive()
	return c.ws.Close(websocket.StatusCode(code), reason)
}

func (c *wsChannel) stopKeepalive() {
	c.pingOnce.Do(func() {
		if c.stopPing != nil {
			c.stopPing()
		}
	})
}

// mapError converts a WebSocket close into the relay close error and
// stops the keepalive; other errors pass through unchanged.
func (c *wsChannel) mapError(err error) error {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		c.stopKeepalive()
		return &ChannelClosedError{Code: wire.CloseCode(closeErr.Code), Reason: closeErr.Reason}
	}
	return err
}
