package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

// StreamState is the connection state of a Stream.
type StreamState int

const (
	StateNotConnected StreamState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

// String returns the state name for logging.
func (s StreamState) String() string {
	switch s {
	case StateNotConnected:
		return "not-connected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state-%d", int(s))
}

// Stream is a reliable, resumable byte stream relayed through the
// tunneling endpoint. Writes are framed, retained until acknowledged,
// and replayed after a transport-level reconnect; reads deliver the
// server's DATA frames in order, exactly once.
//
// At most one Read and at most one Write may be in flight at a time. A
// Read and a Write may proceed simultaneously; their effects on shared
// state are serialized by the stream's guard, which is never held across
// a transport operation.
type Stream struct {
	endpoint Endpoint
	logger   *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state        StreamState
	ch           Channel
	sid          []byte
	queue        sendQueue
	dataReceived bool
	readEOF      bool
	failure      error // fatal error, sticky once state is StateClosed

	// resuming is set between a resume acknowledgement and the end of
	// replay; replayPos tracks replay progress so a cancelled replay can
	// continue where it stopped. Writers stay blocked while either the
	// state is StateReconnecting or resuming is set.
	resuming  bool
	replayPos int

	connects   int
	reconnects int
}

// NewStream creates a stream over the given endpoint. No connection is
// made until the first Read or Write. logger may be nil.
func NewStream(endpoint Endpoint, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		endpoint: endpoint,
		logger:   logger,
		state:    StateNotConnected,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// MinReadSize is the smallest buffer Read accepts: large enough to hold
// any DATA frame the server may emit.
func (s *Stream) MinReadSize() int {
	return wire.MinReadSize
}

// Open eagerly establishes the first channel. It is optional: the first
// Read or Write connects lazily.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return s.terminalLocked()
	}
	return s.ensureChannelLocked(ctx)
}

// State returns the current connection state.
func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectCount returns how many fresh sessions the stream has opened.
func (s *Stream) ConnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// ReconnectCount returns how many session resumes the stream has
// attempted.
func (s *Stream) ReconnectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnects
}

// UnacknowledgedMessageCount returns the number of sent DATA frames the
// server has not yet acknowledged.
func (s *Stream) UnacknowledgedMessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// UnacknowledgedBytes returns the number of payload bytes sent but not
// yet acknowledged.
func (s *Stream) UnacknowledgedBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.pending()
}

// ExpectedAck returns the cumulative byte offset the server's
// acknowledgements must eventually reach, or 0 when nothing is
// outstanding.
func (s *Stream) ExpectedAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.len() == 0 {
		return 0
	}
	return s.queue.sentTotal
}

// Read fills buf with the payload of the next DATA frame and returns its
// length. It returns (0, io.EOF) once the server ends the stream; EOF is
// terminal for reads. buf must be at least MinReadSize bytes,
// guaranteeing any frame fits.
//
// Acknowledgements, session setup, and transport-level reconnects are
// handled inside the call; the caller only observes payload bytes.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	if len(buf) < wire.MinReadSize {
		return 0, fmt.Errorf("%w: %d < %d", ErrBufferTooSmall, len(buf), wire.MinReadSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return 0, s.terminalLocked()
	}
	if s.readEOF {
		return 0, io.EOF
	}
	if err := s.ensureChannelLocked(ctx); err != nil {
		return 0, err
	}
	// Pick up a replay that a cancelled Read left unfinished.
	if s.resuming {
		if err := s.finishResumeLocked(ctx); err != nil {
			if ctx.Err() == nil {
				s.failLocked(err)
			}
			return 0, err
		}
	}

	for {
		ch := s.ch
		s.mu.Unlock()
		data, rerr := ch.Receive(ctx)
		s.mu.Lock()

		if s.state == StateClosed {
			return 0, s.terminalLocked()
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			closeErr := asChannelClose(rerr)
			if closeErr == nil {
				// Transport breakage without a close frame (reset,
				// timeout). Recover as if the close status were unknown.
				s.logger.Warn("channel receive failed", "error", rerr)
				closeErr = &ChannelClosedError{Code: wire.CloseErrorUnknown, Reason: rerr.Error()}
			}
			eof, err := s.handleCloseLocked(ctx, closeErr)
			if err != nil {
				return 0, err
			}
			if eof {
				return 0, io.EOF
			}
			continue
		}

		n, done, err := s.handleMessageLocked(ctx, data, buf)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrBufferTooSmall) {
				s.failLocked(err)
			}
			return 0, err
		}
		if done {
			return n, nil
		}
	}
}

// Write sends p as a single DATA frame and retains it for replay until
// the server acknowledges it. Write returns once the frame has been
// handed to the transport, not when it is acknowledged. The first Write
// on an unconnected stream opens the connection; a Write during a
// resume blocks until the session is re-established.
func (s *Stream) Write(ctx context.Context, p []byte) error {
	if len(p) > wire.MaxDataLen {
		return fmt.Errorf("write of %d bytes exceeds maximum frame size %d", len(p), wire.MaxDataLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return s.terminalLocked()
	}
	if err := s.ensureChannelLocked(ctx); err != nil {
		return err
	}
	if err := s.waitLocked(ctx, func() bool {
		return s.state != StateReconnecting && !s.resuming
	}); err != nil {
		return err
	}
	if s.state == StateClosed {
		return s.terminalLocked()
	}
	if s.ch == nil {
		return fmt.Errorf("%w: stream ended by server", ErrStreamClosed)
	}

	frame, err := wire.EncodeData(p)
	if err != nil {
		return err
	}

	ch := s.ch
	s.mu.Unlock()
	sendErr := ch.Send(ctx, frame)
	s.mu.Lock()

	if s.state == StateClosed {
		return s.terminalLocked()
	}
	if sendErr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send data frame: %w", sendErr)
	}
	s.queue.append(bytes.Clone(p))
	return nil
}

// Close performs a client-initiated close of the current channel and
// marks the stream closed. Close is idempotent; subsequent Read and
// Write calls return ErrStreamClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close(wire.CloseNormal, "client closed")
		s.ch = nil
	}
	s.state = StateClosed
	s.cond.Broadcast()
	return nil
}

// asChannelClose unwraps err to a *ChannelClosedError, or nil.
func asChannelClose(err error) *ChannelClosedError {
	var closeErr *ChannelClosedError
	if errors.As(err, &closeErr) {
		return closeErr
	}
	return nil
}

// terminalLocked returns the sticky fatal error, or ErrStreamClosed
// after a plain Close.
func (s *Stream) terminalLocked() error {
	if s.failure != nil {
		return s.failure
	}
	return ErrStreamClosed
}

// failLocked records err as the stream's fatal error and tears the
// stream down.
func (s *Stream) failLocked(err error) {
	if s.state == StateClosed {
		return
	}
	s.failure = err
	s.state = StateClosed
	if s.ch != nil {
		_ = s.ch.Close(wire.CloseProtocolError, "protocol violation")
		s.ch = nil
	}
	s.cond.Broadcast()
}

// waitLocked blocks on the stream's condition until cond holds, the
// context is cancelled, or the stream closes. Called with mu held.
func (s *Stream) waitLocked(ctx context.Context, cond func() bool) error {
	if cond() || s.state == StateClosed {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	for !cond() && s.state != StateClosed {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// ensureChannelLocked makes sure a live channel exists, dialing lazily
// on first use and redialing a resume that a cancelled call left without
// a channel. Exactly one caller performs a dial; a concurrent Read or
// Write waits. Called with mu held; the lock is released across dials.
func (s *Stream) ensureChannelLocked(ctx context.Context) error {
	for {
		switch {
		case s.state == StateClosed:
			return s.terminalLocked()
		case s.ch != nil:
			return nil
		case s.state == StateNotConnected:
			s.state = StateConnecting
			s.mu.Unlock()
			ch, err := s.endpoint.Connect(ctx)
			s.mu.Lock()
			if s.state == StateClosed {
				if err == nil {
					_ = ch.Close(wire.CloseNormal, "client closed")
				}
				return s.terminalLocked()
			}
			if err != nil {
				// Dial failures are surfaced to the in-flight caller;
				// the stream stays usable for another attempt.
				s.state = StateNotConnected
				s.cond.Broadcast()
				return fmt.Errorf("connect: %w", err)
			}
			s.installChannelLocked(ch, false)
			return nil
		case s.state == StateReconnecting:
			// A previous call was cancelled between discarding the dead
			// channel and dialing its replacement.
			if err := s.dialResumeLocked(ctx); err != nil {
				return err
			}
		default:
			// Another caller is dialing.
			if err := s.waitLocked(ctx, func() bool { return s.ch != nil || s.state == StateNotConnected }); err != nil {
				return err
			}
		}
	}
}

// installChannelLocked adopts ch as the stream's live channel and bumps
// the matching counter.
func (s *Stream) installChannelLocked(ch Channel, resume bool) {
	s.ch = ch
	if resume {
		s.reconnects++
	} else {
		s.connects++
	}
	s.cond.Broadcast()
}

// dialResumeLocked opens a channel resuming the current session. On
// cancellation the stream stays in StateReconnecting with no channel, so
// a later call can redial; any other failure is fatal. Called with mu
// held in StateReconnecting; the lock is released across the dial.
func (s *Stream) dialResumeLocked(ctx context.Context) error {
	sid, acked := s.sid, s.queue.ackedTotal
	s.mu.Unlock()
	ch, err := s.endpoint.Reconnect(ctx, sid, acked)
	s.mu.Lock()
	if s.state == StateClosed {
		if err == nil {
			_ = ch.Close(wire.CloseNormal, "client closed")
		}
		return s.terminalLocked()
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ferr := fmt.Errorf("%w: reconnect dial failed: %v", ErrServerClosedStream, err)
		s.failLocked(ferr)
		return ferr
	}
	s.installChannelLocked(ch, true)
	return nil
}

// handleCloseLocked reacts to a server-initiated channel close. It
// returns eof=true when the close means a clean end of the server's byte
// stream, a fatal error when the session cannot continue, or (false,
// nil) after installing a replacement channel. Called with mu held; the
// lock is released across dials.
func (s *Stream) handleCloseLocked(ctx context.Context, closeErr *ChannelClosedError) (eof bool, err error) {
	code := closeErr.Code

	switch {
	case code.IsEndOfStream():
		s.logger.Debug("server ended stream", "code", code)
		s.discardChannelLocked()
		s.readEOF = true
		return true, nil

	case code.IsSessionUnrecoverable():
		ferr := fmt.Errorf("%w: %s", ErrServerClosedStream, closeErr)
		s.failLocked(ferr)
		return false, ferr

	case s.state == StateReconnecting || s.resuming ||
		(s.state == StateConnecting && s.connects > 1):
		// The channel that was meant to recover the stream failed too.
		ferr := fmt.Errorf("%w: recovery failed: %s", ErrServerClosedStream, closeErr)
		s.failLocked(ferr)
		return false, ferr
	}

	s.discardChannelLocked()

	if s.sid == nil || (!s.dataReceived && s.queue.sentTotal == 0) {
		// Either nothing has moved in either direction, or the session
		// died before its id arrived. Nothing resumable exists on the
		// server, so start over with a brand-new session and push any
		// queued payloads onto it.
		s.logger.Info("channel closed before session took hold, starting fresh", "code", code)
		s.state = StateConnecting
		s.sid = nil
		s.mu.Unlock()
		ch, dialErr := s.endpoint.Connect(ctx)
		s.mu.Lock()
		if s.state == StateClosed {
			if dialErr == nil {
				_ = ch.Close(wire.CloseNormal, "client closed")
			}
			return false, s.terminalLocked()
		}
		if dialErr != nil {
			if ctx.Err() != nil {
				s.state = StateNotConnected
				return false, ctx.Err()
			}
			ferr := fmt.Errorf("%w: reconnect dial failed: %v", ErrServerClosedStream, dialErr)
			s.failLocked(ferr)
			return false, ferr
		}
		s.installChannelLocked(ch, false)
		if s.queue.len() > 0 {
			s.resuming = true
			s.replayPos = 0
			if err := s.finishResumeLocked(ctx); err != nil {
				if ctx.Err() == nil {
					s.failLocked(err)
				}
				return false, err
			}
		}
		return false, nil
	}

	s.logger.Info("channel closed, resuming session", "code", code, "acked", s.queue.ackedTotal)
	s.state = StateReconnecting
	if err := s.dialResumeLocked(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// discardChannelLocked drops the current channel, releasing its
// resources. The server side is already gone; the close is best-effort.
func (s *Stream) discardChannelLocked() {
	if s.ch != nil {
		_ = s.ch.Close(wire.CloseNormal, "")
		s.ch = nil
	}
}

// handleMessageLocked decodes and dispatches one received message.
// done=true means payload bytes were delivered to buf; any returned
// error other than cancellation is fatal for the stream. Called with mu
// held; the lock is released across replay sends.
func (s *Stream) handleMessageLocked(ctx context.Context, data, buf []byte) (n int, done bool, err error) {
	msg, decErr := wire.Decode(data)
	if decErr != nil {
		var de *wire.DecodeError
		// Unknown tags after session establishment are dropped so the
		// endpoint can introduce new message types; everything else, and
		// anything before the session exists, is a protocol violation.
		if errors.As(decErr, &de) && de.UnknownTag && s.state == StateConnected {
			s.logger.Warn("dropping message with unknown tag", "tag", de.Tag.String())
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("%w: %v", ErrInvalidServerResponse, decErr)
	}

	switch msg.Tag {
	case wire.TagConnectSuccessSID:
		switch s.state {
		case StateConnecting:
			if len(msg.SID) == 0 {
				return 0, false, invalidResponsef("empty session id")
			}
			s.sid = bytes.Clone(msg.SID)
			s.state = StateConnected
			s.logger.Debug("session established", "sidLen", len(s.sid))
			s.cond.Broadcast()
			return 0, false, nil
		case StateReconnecting:
			// The endpoint answered the resume with a fresh session
			// instead. Adopt it and push everything still queued.
			if len(msg.SID) == 0 {
				return 0, false, invalidResponsef("empty session id")
			}
			s.logger.Info("resume answered with a new session", "queued", s.queue.len())
			s.sid = bytes.Clone(msg.SID)
			s.resuming = true
			s.replayPos = 0
			if err := s.finishResumeLocked(ctx); err != nil {
				return 0, false, err
			}
			return 0, false, nil
		default:
			return 0, false, invalidResponsef("CONNECT_SUCCESS_SID in state %s", s.state)
		}

	case wire.TagReconnectAck:
		if s.state != StateReconnecting {
			return 0, false, invalidResponsef("RECONNECT_SUCCESS_ACK in state %s", s.state)
		}
		freed, trimErr := s.queue.trim(msg.Ack, true)
		if trimErr != nil {
			return 0, false, trimErr
		}
		s.logger.Info("session resumed", "serverAck", msg.Ack, "discarded", freed, "replaying", s.queue.len())
		s.resuming = true
		s.replayPos = 0
		if err := s.finishResumeLocked(ctx); err != nil {
			return 0, false, err
		}
		return 0, false, nil

	case wire.TagData:
		if s.state != StateConnected {
			return 0, false, invalidResponsef("DATA in state %s", s.state)
		}
		s.dataReceived = true
		if len(msg.Data) == 0 {
			// Empty frames carry no bytes for the caller; a zero-length
			// read result is reserved for end of stream.
			return 0, false, nil
		}
		if len(msg.Data) > len(buf) {
			return 0, false, fmt.Errorf("%w: frame of %d bytes exceeds buffer", ErrBufferTooSmall, len(msg.Data))
		}
		return copy(buf, msg.Data), true, nil

	case wire.TagAck:
		if s.state != StateConnected {
			return 0, false, invalidResponsef("ACK in state %s", s.state)
		}
		if _, trimErr := s.queue.trim(msg.Ack, false); trimErr != nil {
			return 0, false, trimErr
		}
		return 0, false, nil
	}

	return 0, false, invalidResponsef("unhandled tag %s", msg.Tag)
}

// finishResumeLocked re-sends every unacknowledged payload from the
// replay cursor onward, in original order, then moves the stream to
// StateConnected. On cancellation the cursor survives so a later Read
// continues the replay; writers stay blocked throughout via resuming.
// Called with mu held; the lock is released around each send.
func (s *Stream) finishResumeLocked(ctx context.Context) error {
	payloads := s.queue.replay()
	for s.replayPos < len(payloads) {
		frame, err := wire.EncodeData(payloads[s.replayPos])
		if err != nil {
			return fmt.Errorf("%w: replay failed: %v", ErrServerClosedStream, err)
		}
		ch := s.ch
		s.mu.Unlock()
		sendErr := ch.Send(ctx, frame)
		s.mu.Lock()
		if s.state == StateClosed {
			return s.terminalLocked()
		}
		if sendErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: replay failed: %v", ErrServerClosedStream, sendErr)
		}
		s.replayPos++
	}
	s.resuming = false
	s.replayPos = 0
	// On the fresh-session path the replay ran in StateConnecting and the
	// session id is still in flight; only a true resume is connected now.
	if s.state == StateReconnecting {
		s.state = StateConnected
	}
	s.cond.Broadcast()
	return nil
}
