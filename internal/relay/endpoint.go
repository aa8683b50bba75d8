// Package relay implements the client side of the VM tunnel relay
// protocol: a lossless, resumable byte stream carried as framed messages
// over a WebSocket channel to the cloud tunneling endpoint.
//
// A Stream spans one logical session, which may be carried by several
// transport connections over its lifetime. The Endpoint abstraction
// produces those connections; the Stream owns the session state, the
// unacknowledged send queue, and the reconnect machinery.
package relay

import (
	"context"
	"net"
	"strings"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

// Channel is one transport-level connection carrying framed messages.
// Receive and Send operate on whole messages; a server-initiated close
// surfaces as a *ChannelClosedError from either. After a close error the
// channel is dead and must be discarded.
type Channel interface {
	// Receive blocks until the next message arrives or the channel
	// closes.
	Receive(ctx context.Context) ([]byte, error)

	// Send transmits one message.
	Send(ctx context.Context, msg []byte) error

	// Close performs a client-initiated close with the given status.
	// Safe to call on a channel that already observed a server close.
	Close(code wire.CloseCode, reason string) error
}

// Endpoint produces connected channels bound to the tunneling endpoint.
// Implementations are safe for use by a single Stream; the Stream never
// holds more than one live channel at a time.
type Endpoint interface {
	// Connect opens a channel for a brand-new session. The session id
	// arrives in the first CONNECT_SUCCESS_SID message on the channel.
	Connect(ctx context.Context) (Channel, error)

	// Reconnect opens a channel that resumes the session identified by
	// sid, declaring ackedBytes as the highest cumulative byte count the
	// client has seen acknowledged. The server answers with
	// RECONNECT_SUCCESS_ACK carrying its own received-byte count.
	Reconnect(ctx context.Context, sid []byte, ackedBytes uint64) (Channel, error)
}

// DefaultEndpointSuffix is the tunneling endpoint namespace suffix for
// the public cloud.
const DefaultEndpointSuffix = ".tunnel.azure.net"

// ParseEndpoint reduces whatever the user gave for the tunneling
// endpoint — a bare name, an FQDN, or a pasted URL — to the bare FQDN
// the dialer wants. A scheme prefix, path, and port are peeled off in
// that order; a name without any dot then gets defaultSuffix appended,
// so "tun-1" becomes "tun-1" + defaultSuffix while FQDNs pass through.
// Empty input stays empty for the caller to reject.
func ParseEndpoint(input, defaultSuffix string) string {
	host := strings.TrimSpace(input)
	if _, rest, found := strings.Cut(host, "://"); found {
		host = rest
		if slash := strings.IndexByte(host, '/'); slash >= 0 {
			host = host[:slash]
		}
		if bare, _, err := net.SplitHostPort(host); err == nil {
			host = bare
		}
	}
	if host != "" && !strings.Contains(host, ".") {
		host += defaultSuffix
	}
	return host
}
