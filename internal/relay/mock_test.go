package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// ---------- message builders ----------

func msgSID(sid []byte) []byte {
	buf := make([]byte, 6+len(sid))
	binary.BigEndian.PutUint16(buf[0:2], uint16(wire.TagConnectSuccessSID))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(sid)))
	copy(buf[6:], sid)
	return buf
}

func msgData(payload []byte) []byte {
	buf, err := wire.EncodeData(payload)
	if err != nil {
		panic(err)
	}
	return buf
}

func msgAck(n uint64) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], uint16(wire.TagAck))
	binary.BigEndian.PutUint64(buf[2:10], n)
	return buf
}

func msgReconnectAck(n uint64) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:2], uint16(wire.TagReconnectAck))
	binary.BigEndian.PutUint64(buf[2:10], n)
	return buf
}

// ---------- scripted channel ----------

// fakeStep is one scripted Receive result: a message, or a server close.
type fakeStep struct {
	msg   []byte
	close *ChannelClosedError
}

func step(msg []byte) fakeStep               { return fakeStep{msg: msg} }
func stepClose(code wire.CloseCode) fakeStep { return fakeStep{close: &ChannelClosedError{Code: code}} }

// fakeChannel replays a fixed script of Receive results and records
// everything sent. Once the script is exhausted, Receive blocks until
// the context is cancelled, mimicking an idle transport.
type fakeChannel struct {
	mu     sync.Mutex
	script []fakeStep
	pos    int
	sent   [][]byte
	closed bool

	sendErr error // returned by every Send when set
}

func newFakeChannel(script ...fakeStep) *fakeChannel {
	return &fakeChannel{script: script}
}

func (c *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	if c.pos < len(c.script) {
		s := c.script[c.pos]
		if s.close == nil {
			c.pos++
		}
		c.mu.Unlock()
		if s.close != nil {
			return nil, s.close
		}
		return s.msg, nil
	}
	c.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *fakeChannel) Send(_ context.Context, msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), msg...))
	return nil
}

func (c *fakeChannel) Close(wire.CloseCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeChannel) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// ---------- scripted endpoint ----------

// fakeEndpoint hands out pre-scripted channels in order, regardless of
// whether they are requested via Connect or Reconnect, and records the
// resume parameters it saw.
type fakeEndpoint struct {
	mu       sync.Mutex
	channels []*fakeChannel
	next     int

	connectErr   error // returned by Connect when set
	reconnectErr error // returned by Reconnect when set

	lastSID []byte
	lastAck uint64
}

func newFakeEndpoint(channels ...*fakeChannel) *fakeEndpoint {
	return &fakeEndpoint{channels: channels}
}

func (e *fakeEndpoint) take() (Channel, error) {
	if e.next >= len(e.channels) {
		return nil, fmt.Errorf("no scripted channel %d", e.next)
	}
	ch := e.channels[e.next]
	e.next++
	return ch, nil
}

func (e *fakeEndpoint) Connect(context.Context) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connectErr != nil {
		return nil, e.connectErr
	}
	return e.take()
}

func (e *fakeEndpoint) Reconnect(_ context.Context, sid []byte, acked uint64) (Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reconnectErr != nil {
		return nil, e.reconnectErr
	}
	e.lastSID = append([]byte(nil), sid...)
	e.lastAck = acked
	return e.take()
}

func (e *fakeEndpoint) resumeParams() ([]byte, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSID, e.lastAck
}
