package wire

import "fmt"

// CloseCode is a WebSocket close status carried on the tunnel channel.
// The 1xxx range holds the standard RFC 6455 codes the endpoint uses;
// the 4xxx range holds the tunnel endpoint's application codes.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003

	CloseErrorUnknown           CloseCode = 4000
	CloseSIDUnknown             CloseCode = 4001
	CloseSIDInUse               CloseCode = 4002
	CloseBackendConnectFailed   CloseCode = 4003
	CloseReauthRequired         CloseCode = 4004
	CloseBadAck                 CloseCode = 4005
	CloseInvalidTag             CloseCode = 4006
	CloseDestinationWriteFailed CloseCode = 4007
	CloseDestinationReadFailed  CloseCode = 4008
	CloseInvalidWebSocketOpcode CloseCode = 4009
)

// String returns the close code name for logging.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "NORMAL"
	case CloseGoingAway:
		return "GOING_AWAY"
	case CloseProtocolError:
		return "PROTOCOL_ERROR"
	case CloseUnsupportedData:
		return "UNSUPPORTED_DATA"
	case CloseErrorUnknown:
		return "ERROR_UNKNOWN"
	case CloseSIDUnknown:
		return "SID_UNKNOWN"
	case CloseSIDInUse:
		return "SID_IN_USE"
	case CloseBackendConnectFailed:
		return "FAILED_TO_CONNECT_TO_BACKEND"
	case CloseReauthRequired:
		return "REAUTHENTICATION_REQUIRED"
	case CloseBadAck:
		return "BAD_ACK"
	case CloseInvalidTag:
		return "INVALID_TAG"
	case CloseDestinationWriteFailed:
		return "DESTINATION_WRITE_FAILED"
	case CloseDestinationReadFailed:
		return "DESTINATION_READ_FAILED"
	case CloseInvalidWebSocketOpcode:
		return "INVALID_WEBSOCKET_OPCODE"
	}
	return fmt.Sprintf("CLOSE_%d", int(c))
}

// IsEndOfStream reports whether the close means the server-side byte
// stream ended cleanly: the backend finished, and there is nothing more
// to read. DESTINATION_READ_FAILED counts because it means the backend's
// read side is gone, which is how the endpoint reports a half-close.
func (c CloseCode) IsEndOfStream() bool {
	return c == CloseNormal || c == CloseDestinationReadFailed
}

// IsSessionUnrecoverable reports whether the close means the session id
// can never be resumed, so a reconnect is pointless.
func (c CloseCode) IsSessionUnrecoverable() bool {
	return c == CloseSIDUnknown || c == CloseSIDInUse
}

// IsRecoverable reports whether a new channel may resume the session
// after this close. Codes the endpoint has not documented are treated as
// recoverable; the second failed attempt ends the stream regardless.
func (c CloseCode) IsRecoverable() bool {
	return !c.IsEndOfStream() && !c.IsSessionUnrecoverable()
}
