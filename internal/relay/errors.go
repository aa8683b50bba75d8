package relay

import (
	"errors"
	"fmt"

	"github.com/mwynholds/vmtunnel/internal/wire"
)

// Sentinel errors for the relay stream. Callers classify failures with
// errors.Is; the wrapped message carries the detail.
var (
	// ErrBufferTooSmall is returned by Read when the caller's buffer is
	// smaller than MinReadSize. The stream remains usable.
	ErrBufferTooSmall = errors.New("read buffer smaller than minimum read size")

	// ErrInvalidServerResponse is returned when the server violates the
	// subprotocol: a truncated or forbidden message, or an acknowledgement
	// that is not monotonic, overruns the sent bytes, or does not land on
	// a frame boundary. Fatal for the stream.
	ErrInvalidServerResponse = errors.New("invalid server response")

	// ErrServerClosedStream is returned when the server closes the
	// channel with an unrecoverable status, or closes it again while a
	// resume is in progress. Fatal for the stream.
	ErrServerClosedStream = errors.New("server closed the stream")

	// ErrStreamClosed is returned by operations on a stream after Close
	// or after a fatal error.
	ErrStreamClosed = errors.New("stream is closed")
)

// ChannelClosedError is returned by Channel.Receive and Channel.Send when
// the server closed the underlying transport connection. The close code
// drives the stream's recovery decision.
type ChannelClosedError struct {
	Code   wire.CloseCode
	Reason string
}

func (e *ChannelClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("channel closed: %s", e.Code)
	}
	return fmt.Sprintf("channel closed: %s (%s)", e.Code, e.Reason)
}

// invalidResponsef builds a fatal protocol-violation error wrapping
// ErrInvalidServerResponse.
func invalidResponsef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidServerResponse, fmt.Sprintf(format, args...))
}
