package forward

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mwynholds/vmtunnel/internal/metrics"
	"github.com/mwynholds/vmtunnel/internal/relay"
)

// ConnectConfig holds configuration for the connect (stdin/stdout) mode.
type ConnectConfig struct {
	Endpoint relay.Endpoint
	Tunnel   string
	Stdin    io.ReadCloser
	Stdout   io.WriteCloser
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // optional; nil disables metrics
}

// Connect performs a one-shot tunnel: it opens a single relay stream and
// bridges stdin/stdout with it, for use as a ProxyCommand. It returns
// when either side closes.
func Connect(ctx context.Context, cfg ConnectConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	stream := relay.NewStream(cfg.Endpoint, cfg.Logger)
	tracker := cfg.Metrics.StreamOpened(cfg.Tunnel)
	start := time.Now()

	stdio := &stdioConn{in: cfg.Stdin, out: cfg.Stdout}
	stats, err := Pipe(ctx, stream, stdio)
	tracker.Done(time.Since(start).Seconds(),
		stats.ToTunnel, stats.FromTunnel,
		stream.ReconnectCount(), stream.UnacknowledgedBytes(), err)
	return err
}

// stdioConn adapts stdin/stdout to net.Conn for use with Pipe.
type stdioConn struct {
	in  io.ReadCloser
	out io.WriteCloser
}

func (c *stdioConn) Read(b []byte) (int, error)       { return c.in.Read(b) }
func (c *stdioConn) Write(b []byte) (int, error)      { return c.out.Write(b) }
func (c *stdioConn) Close() error                     { return errors.Join(c.in.Close(), c.out.Close()) }
func (c *stdioConn) LocalAddr() net.Addr              { return stubAddr{} }
func (c *stdioConn) RemoteAddr() net.Addr             { return stubAddr{} }
func (c *stdioConn) SetDeadline(time.Time) error      { return nil }
func (c *stdioConn) SetReadDeadline(time.Time) error  { return nil }
func (c *stdioConn) SetWriteDeadline(time.Time) error { return nil }

type stubAddr struct{}

func (stubAddr) Network() string { return "stdio" }
func (stubAddr) String() string  { return "stdio" }
