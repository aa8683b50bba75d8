package e2e

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/mwynholds/vmtunnel/internal/relay"
	"github.com/mwynholds/vmtunnel/internal/wire"
)

// ---------- subprotocol message builders (server side) ----------

func srvMsgSID(sid []byte) []byte {
	buf := make([]byte, 6+len(sid))
	binary.BigEndian.PutUint16(buf[0:2], uint16(wire.TagConnectSuccessSID))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(sid)))
	copy(buf[6:], sid)
	return buf
}

func srvMsgAck(tag wire.Tag, n uint64) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], uint16(tag))
	binary.BigEndian.PutUint64(buf[2:10], n)
	return buf
}

// ---------- in-process tunneling endpoint ----------

// tunnelServer speaks the relay subprotocol over WebSocket and bridges
// each session to a TCP backend. Sessions survive channel loss and can
// be resumed with rt-action=reconnect, mirroring the real endpoint.
type tunnelServer struct {
	t           *testing.T
	srv         *httptest.Server
	backendAddr string

	// dropAfter, when > 0, closes the session's first channel with a
	// protocol error once at least that many client bytes have been
	// forwarded, forcing the client through its reconnect path.
	dropAfter uint64

	mu       sync.Mutex
	sessions map[string]*tunnelSession
	nextSID  int
}

type tunnelSession struct {
	sid     string
	backend net.Conn

	mu       sync.Mutex
	ws       *websocket.Conn
	received uint64
	dropped  bool
	pumped   bool
}

func (s *tunnelSession) attach(ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws = ws
}

func (s *tunnelSession) detach(ws *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == ws {
		s.ws = nil
	}
}

func (s *tunnelSession) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws
}

// startTunnelServer starts the fake endpoint bridging to backendAddr.
func startTunnelServer(t *testing.T, backendAddr string, dropAfter uint64) *tunnelServer {
	t.Helper()
	ts := &tunnelServer{
		t:           t,
		backendAddr: backendAddr,
		dropAfter:   dropAfter,
		sessions:    make(map[string]*tunnelSession),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.srv.Close)
	return ts
}

// endpoint returns a relay endpoint adapter dialing this server.
func (ts *tunnelServer) endpoint() *relay.WebSocketEndpoint {
	return relay.NewWebSocketEndpoint(relay.WebSocketEndpointConfig{
		Endpoint:      "ws" + strings.TrimPrefix(ts.srv.URL, "http"),
		Tunnel:        "vm-e2e",
		TokenProvider: &relay.StaticTokenProvider{Token: "e2e-token"},
		PingInterval:  -1,
	})
}

func (ts *tunnelServer) handle(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	switch r.URL.Query().Get("rt-action") {
	case "connect":
		backend, err := net.Dial("tcp", ts.backendAddr)
		if err != nil {
			_ = ws.Close(websocket.StatusCode(wire.CloseBackendConnectFailed), "backend unreachable")
			return
		}
		ts.mu.Lock()
		ts.nextSID++
		sess := &tunnelSession{sid: fmt.Sprintf("sid-%04d", ts.nextSID), backend: backend}
		ts.sessions[sess.sid] = sess
		ts.mu.Unlock()

		sess.attach(ws)
		if err := ws.Write(ctx, websocket.MessageBinary, srvMsgSID([]byte(sess.sid))); err != nil {
			return
		}
		ts.startBackendPump(sess)
		ts.pumpClientFrames(ctx, ws, sess)

	case "reconnect":
		sid, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("rt-sid"))
		if err != nil {
			_ = ws.Close(websocket.StatusCode(wire.CloseSIDUnknown), "bad session id")
			return
		}
		ts.mu.Lock()
		sess := ts.sessions[string(sid)]
		ts.mu.Unlock()
		if sess == nil {
			_ = ws.Close(websocket.StatusCode(wire.CloseSIDUnknown), "unknown session")
			return
		}
		sess.attach(ws)
		sess.mu.Lock()
		received := sess.received
		sess.mu.Unlock()
		if err := ws.Write(ctx, websocket.MessageBinary, srvMsgAck(wire.TagReconnectAck, received)); err != nil {
			return
		}
		ts.pumpClientFrames(ctx, ws, sess)

	default:
		_ = ws.Close(websocket.StatusPolicyViolation, "unknown action")
	}
}

// pumpClientFrames forwards DATA frames from the client to the backend,
// acknowledging each one, until the channel dies or the failure
// injection triggers.
func (ts *tunnelServer) pumpClientFrames(ctx context.Context, ws *websocket.Conn, sess *tunnelSession) {
	defer sess.detach(ws)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil || msg.Tag != wire.TagData {
			_ = ws.Close(websocket.StatusCode(wire.CloseInvalidTag), "unexpected message")
			return
		}
		if len(msg.Data) > 0 {
			if _, err := sess.backend.Write(msg.Data); err != nil {
				_ = ws.Close(websocket.StatusCode(wire.CloseDestinationWriteFailed), "backend write failed")
				return
			}
		}
		sess.mu.Lock()
		sess.received += uint64(len(msg.Data))
		received := sess.received
		drop := ts.dropAfter > 0 && received >= ts.dropAfter && !sess.dropped
		if drop {
			sess.dropped = true
		}
		sess.mu.Unlock()

		if err := ws.Write(ctx, websocket.MessageBinary, srvMsgAck(wire.TagAck, received)); err != nil {
			return
		}
		if drop {
			sess.detach(ws)
			_ = ws.Close(websocket.StatusProtocolError, "injected channel failure")
			return
		}
	}
}

// startBackendPump copies backend bytes to whichever channel is current.
// Frames that race a channel loss are dropped: the protocol does not
// retransmit server-to-client bytes.
func (ts *tunnelServer) startBackendPump(sess *tunnelSession) {
	sess.mu.Lock()
	if sess.pumped {
		sess.mu.Unlock()
		return
	}
	sess.pumped = true
	sess.mu.Unlock()

	go func() {
		buf := make([]byte, wire.MaxDataLen)
		for {
			n, err := sess.backend.Read(buf)
			if n > 0 {
				frame, encErr := wire.EncodeData(buf[:n])
				if encErr == nil {
					if ws := sess.current(); ws != nil {
						_ = ws.Write(context.Background(), websocket.MessageBinary, frame)
					}
				}
			}
			if err != nil {
				if ws := sess.current(); ws != nil {
					_ = ws.Close(websocket.StatusNormalClosure, "backend closed")
				}
				return
			}
		}
	}()
}
