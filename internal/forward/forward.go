// Package forward connects local byte-stream endpoints (TCP listeners,
// stdio) to relay streams: each local connection gets its own tunnel
// session, and data is copied bidirectionally until either side closes.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mwynholds/vmtunnel/internal/metrics"
	"github.com/mwynholds/vmtunnel/internal/relay"
	"github.com/mwynholds/vmtunnel/internal/wire"
)

// Stats holds byte counters for a completed forward.
type Stats struct {
	ToTunnel   int64 // bytes copied from the local side into the tunnel
	FromTunnel int64 // bytes copied from the tunnel to the local side
}

// Config holds port-forward configuration.
type Config struct {
	// Endpoint produces a fresh tunnel session per local connection.
	Endpoint relay.Endpoint

	// Tunnel names the tunnel entity, used for logging and metric labels.
	Tunnel string

	BindAddress    string // local address:port to listen on
	MaxConnections int    // 0 = unlimited
	TCPKeepAlive   time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Metrics // optional; nil disables metrics
}

// PortForward starts a local TCP listener and relays each accepted
// connection through its own tunnel stream. It blocks until ctx is
// cancelled.
func PortForward(ctx context.Context, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.BindAddress, err)
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	cfg.Logger.Info("port-forward listening", "bind", ln.Addr(), "tunnel", cfg.Tunnel)

	go func() {
		<-ctx.Done()
		ln.Close() //nolint:errcheck // best-effort cleanup
	}()

	limiter := &streamLimiter{limit: cfg.MaxConnections}
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cfg.Logger.Warn("accept failed", "error", err)
			continue
		}
		if !limiter.acquire() {
			cfg.Logger.Warn("stream limit reached, dropping connection", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		go func() {
			defer limiter.release()
			defer conn.Close() //nolint:errcheck // best-effort cleanup
			if err := forwardConnection(ctx, conn, cfg); err != nil {
				cfg.Logger.Warn("forward failed", "error", err)
			}
		}()
	}
}

// streamLimiter caps the number of concurrently tunneled connections.
// Each connection costs a relay session on the endpoint, so the cap
// bounds endpoint load rather than local resources. limit <= 0 means
// unlimited.
type streamLimiter struct {
	mu     sync.Mutex
	limit  int
	active int
}

func (l *streamLimiter) acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && l.active >= l.limit {
		return false
	}
	l.active++
	return true
}

func (l *streamLimiter) release() {
	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

// enableKeepAlive turns on TCP keepalive probing for an accepted client
// connection, so a half-dead RDP or SSH client eventually releases its
// tunnel session instead of pinning it open. No-op for non-TCP conns
// (stdio, pipes) and non-positive periods.
func enableKeepAlive(conn net.Conn, period time.Duration) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok || period <= 0 {
		return
	}
	_ = tcp.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     period,
		Interval: period,
	})
}

func forwardConnection(ctx context.Context, conn net.Conn, cfg Config) error {
	enableKeepAlive(conn, cfg.TCPKeepAlive)

	stream := relay.NewStream(cfg.Endpoint, cfg.Logger)
	tracker := cfg.Metrics.StreamOpened(cfg.Tunnel)
	start := time.Now()

	stats, err := Pipe(ctx, stream, conn)
	tracker.Done(time.Since(start).Seconds(),
		stats.ToTunnel, stats.FromTunnel,
		stream.ReconnectCount(), stream.UnacknowledgedBytes(), err)
	return err
}

// Pipe copies data bidirectionally between a relay stream and a local
// connection until one side closes or the context is cancelled. The
// stream is closed before Pipe returns; the connection is left to the
// caller. It returns byte-transfer statistics and the first error from
// either direction.
func Pipe(ctx context.Context, stream *relay.Stream, conn net.Conn) (Stats, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var toTunnelBytes, fromTunnelBytes atomic.Int64
	errc := make(chan error, 2)

	// Tunnel → local.
	go func() {
		errc <- tunnelToConn(ctx, stream, conn, &fromTunnelBytes)
	}()

	// Local → tunnel.
	go func() {
		errc <- connToTunnel(ctx, stream, conn, &toTunnelBytes)
	}()

	// Wait for the first direction to finish, then cancel the other.
	err := <-errc
	cancel()
	// Unblock conn.Read in connToTunnel by expiring the read side, and
	// the stream read by closing the stream.
	_ = conn.SetReadDeadline(time.Now())
	_ = stream.Close()
	<-errc

	stats := Stats{
		ToTunnel:   toTunnelBytes.Load(),
		FromTunnel: fromTunnelBytes.Load(),
	}
	return stats, err
}

func tunnelToConn(ctx context.Context, stream *relay.Stream, conn net.Conn, count *atomic.Int64) error {
	buf := make([]byte, stream.MinReadSize())
	for {
		n, err := stream.Read(ctx, buf)
		if err != nil {
			return ignoreEndOfStream(err)
		}
		if _, err := conn.Write(buf[:n]); err != nil {
			return err
		}
		count.Add(int64(n))
	}
}

func connToTunnel(ctx context.Context, stream *relay.Stream, conn net.Conn, count *atomic.Int64) error {
	buf := make([]byte, wire.MaxDataLen)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if wErr := stream.Write(ctx, buf[:n]); wErr != nil {
				return ignoreEndOfStream(wErr)
			}
			count.Add(int64(n))
		}
		if err != nil {
			return ignoreEOF(err)
		}
	}
}

// ignoreEndOfStream treats a clean server-side end of the relay stream,
// and the shutdown races that follow it, as a non-error.
func ignoreEndOfStream(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, relay.ErrStreamClosed) ||
		errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func ignoreEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}
