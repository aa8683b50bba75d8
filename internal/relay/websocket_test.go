package relay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

// mockTokenProvider is a fixed-token TokenProvider for endpoint tests.
type mockTokenProvider struct {
	mu    sync.Mutex
	token string
	err   error
	calls int
}

func (m *mockTokenProvider) GetToken(context.Context, string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.token, m.err
}

func (m *mockTokenProvider) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// wsURL converts an httptest.Server URL to a ws:// URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testEndpoint(srv *httptest.Server, tp TokenProvider) *WebSocketEndpoint {
	return NewWebSocketEndpoint(WebSocketEndpointConfig{
		Endpoint:      wsURL(srv),
		Tunnel:        "vm-1",
		TokenProvider: tp,
		DialTimeout:   5 * time.Second,
		PingInterval:  -1,
		Logger:        discardLogger(),
	})
}

func TestWebSocketConnect(t *testing.T) {
	var gotQuery url.Values
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		gotPath = r.URL.Path
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Write(r.Context(), websocket.MessageBinary, msgSID([]byte("sid")))
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	tp := &mockTokenProvider{token: "tok-1"}
	ep := testEndpoint(srv, tp)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := ep.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close(wire.CloseNormal, "")

	if gotPath != "/$tunnel/vm-1" {
		t.Errorf("path = %q, want /$tunnel/vm-1", gotPath)
	}
	if got := gotQuery.Get("rt-action"); got != "connect" {
		t.Errorf("rt-action = %q, want connect", got)
	}
	if got := gotQuery.Get("rt-token"); got != "tok-1" {
		t.Errorf("rt-token = %q, want tok-1", got)
	}
	if gotQuery.Has("rt-sid") {
		t.Error("fresh connect must not carry rt-sid")
	}
	if tp.getCalls() != 1 {
		t.Errorf("token provider called %d times, want 1", tp.getCalls())
	}

	data, err := ch.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(msg.SID, []byte("sid")) {
		t.Errorf("sid = %q, want %q", msg.SID, "sid")
	}
}

func TestWebSocketReconnect(t *testing.T) {
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ep := testEndpoint(srv, &mockTokenProvider{token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := ep.Reconnect(ctx, []byte("sid-xyz"), 4096)
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	defer ch.Close(wire.CloseNormal, "")

	if got := gotQuery.Get("rt-action"); got != "reconnect" {
		t.Errorf("rt-action = %q, want reconnect", got)
	}
	if got := gotQuery.Get("rt-ack"); got != "4096" {
		t.Errorf("rt-ack = %q, want 4096", got)
	}
	// The session id travels base64url-encoded without padding.
	if got := gotQuery.Get("rt-sid"); got != "c2lkLXh5eg" {
		t.Errorf("rt-sid = %q, want c2lkLXh5eg", got)
	}
}

func TestWebSocketCloseCodeMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(websocket.StatusCode(wire.CloseSIDUnknown), "no such session")
	}))
	defer srv.Close()

	ep := testEndpoint(srv, &mockTokenProvider{token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := ep.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close(wire.CloseNormal, "")

	_, err = ch.Receive(ctx)
	var closeErr *ChannelClosedError
	if !errors.As(err, &closeErr) {
		t.Fatalf("Receive error = %v, want *ChannelClosedError", err)
	}
	if closeErr.Code != wire.CloseSIDUnknown {
		t.Errorf("code = %v, want SID_UNKNOWN", closeErr.Code)
	}
	if closeErr.Reason != "no such session" {
		t.Errorf("reason = %q", closeErr.Reason)
	}
}

func TestWebSocketSendReachesServer(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := ws.Read(r.Context())
		if err == nil {
			received <- data
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ep := testEndpoint(srv, &mockTokenProvider{token: "tok"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := ep.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ch.Close(wire.CloseNormal, "")

	frame := msgData([]byte{1, 2, 3})
	if err := ch.Send(ctx, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-received:
		if !bytes.Equal(data, frame) {
			t.Errorf("server received %x, want %x", data, frame)
		}
	case <-ctx.Done():
		t.Fatal("server never received the frame")
	}
}

func TestWebSocketTokenFailure(t *testing.T) {
	ep := NewWebSocketEndpoint(WebSocketEndpointConfig{
		Endpoint:      "tunnel.example.net",
		Tunnel:        "vm-1",
		TokenProvider: &mockTokenProvider{err: errors.New("credential expired")},
		Logger:        discardLogger(),
	})
	_, err := ep.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "get token") {
		t.Fatalf("Connect error = %v, want token failure", err)
	}
}

func TestWebSocketDialFailure(t *testing.T) {
	ep := NewWebSocketEndpoint(WebSocketEndpointConfig{
		Endpoint:      "ws://127.0.0.1:1",
		Tunnel:        "vm-1",
		TokenProvider: &mockTokenProvider{token: "SECRET"},
		DialTimeout:   1 * time.Second,
		PingInterval:  -1,
		Logger:        discardLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ep.Connect(ctx)
	if err == nil {
		t.Fatal("expected dial error")
	}
	if strings.Contains(err.Error(), "SECRET") {
		t.Errorf("dial error leaks token: %v", err)
	}
}

func TestStreamOverWebSocket(t *testing.T) {
	// A scripted subprotocol server: session id, echo of the first
	// client frame, ack, then a normal close.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if err := ws.Write(ctx, websocket.MessageBinary, msgSID([]byte("s1"))); err != nil {
			return
		}
		_, frame, err := ws.Read(ctx)
		if err != nil {
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil || msg.Tag != wire.TagData {
			_ = ws.Close(websocket.StatusCode(wire.CloseInvalidTag), "")
			return
		}
		if err := ws.Write(ctx, websocket.MessageBinary, msgData(msg.Data)); err != nil {
			return
		}
		if err := ws.Write(ctx, websocket.MessageBinary, msgAck(uint64(len(msg.Data)))); err != nil {
			return
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	ep := testEndpoint(srv, &mockTokenProvider{token: "tok"})
	s := NewStream(ep, discardLogger())
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("probe")
	if err := s.Write(ctx, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, s.MinReadSize())
	n, err := s.Read(ctx, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("echo = %q, want %q", buf[:n], payload)
	}
}
