// Package wire defines the framed relay subprotocol carried over the
// tunnel WebSocket.
//
// Every message is one binary WebSocket frame: a 2-byte big-endian tag
// followed by a tag-specific payload. All multi-byte fields are
// big-endian with no padding.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies the type of a relay subprotocol message.
type Tag uint16

const (
	TagUnused            Tag = 0
	TagConnectSuccessSID Tag = 1
	TagReconnectAck      Tag = 2
	TagDeprecated        Tag = 3
	TagData              Tag = 4
	TagAckLatency        Tag = 5
	TagReplyLatency      Tag = 6
	TagAck               Tag = 7
)

// String returns the tag name for logging.
func (t Tag) String() string {
	switch t {
	case TagUnused:
		return "UNUSED"
	case TagConnectSuccessSID:
		return "CONNECT_SUCCESS_SID"
	case TagReconnectAck:
		return "RECONNECT_SUCCESS_ACK"
	case TagDeprecated:
		return "DEPRECATED"
	case TagData:
		return "DATA"
	case TagAckLatency:
		return "ACK_LATENCY"
	case TagReplyLatency:
		return "REPLY_LATENCY"
	case TagAck:
		return "ACK"
	}
	return fmt.Sprintf("TAG_%d", uint16(t))
}

const (
	// MaxDataLen is the largest DATA payload the client will send in a
	// single frame. The server enforces the same bound.
	MaxDataLen = 16 * 1024

	// headerLen is the frame overhead of a DATA message: 2-byte tag plus
	// 4-byte payload length.
	headerLen = 2 + 4

	// MinReadSize is the smallest caller buffer that is guaranteed to
	// hold any DATA frame the server may emit.
	MinReadSize = MaxDataLen + headerLen
)

// DecodeError reports a message that violates the subprotocol: truncated,
// carrying an unknown or reserved tag, or otherwise malformed.
// UnknownTag distinguishes the unrecognized-tag case, which the stream
// may tolerate mid-session, from structural damage, which it never does.
type DecodeError struct {
	Tag        Tag
	Reason     string
	UnknownTag bool
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid server message (tag %s): %s", e.Tag, e.Reason)
}

// Message is a decoded relay subprotocol frame. Exactly one of the
// tag-specific fields is meaningful, selected by Tag.
type Message struct {
	Tag Tag

	// SID is the session id from a CONNECT_SUCCESS_SID message.
	SID []byte

	// Data is the payload of a DATA message. May be empty.
	Data []byte

	// Ack is the cumulative byte count from an ACK or
	// RECONNECT_SUCCESS_ACK message.
	Ack uint64
}

// EncodeData frames payload as a DATA message. The payload may be empty.
func EncodeData(payload []byte) ([]byte, error) {
	if len(payload) > MaxDataLen {
		return nil, fmt.Errorf("payload of %d bytes exceeds maximum frame size %d", len(payload), MaxDataLen)
	}
	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(TagData))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[6:], payload)
	return buf, nil
}

// Decode parses one received message buffer. Unknown tags and the
// reserved tags (UNUSED, DEPRECATED, ACK_LATENCY, REPLY_LATENCY) are
// rejected with a *DecodeError, as are truncated buffers. The returned
// SID and Data slices alias buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) < 2 {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("message of %d bytes is shorter than the tag", len(buf))}
	}
	tag := Tag(binary.BigEndian.Uint16(buf[0:2]))
	body := buf[2:]

	switch tag {
	case TagConnectSuccessSID:
		sid, err := lengthPrefixed(tag, body)
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: tag, SID: sid}, nil

	case TagData:
		data, err := lengthPrefixed(tag, body)
		if err != nil {
			return Message{}, err
		}
		return Message{Tag: tag, Data: data}, nil

	case TagAck, TagReconnectAck:
		if len(body) < 8 {
			return Message{}, &DecodeError{Tag: tag, Reason: "truncated ack counter"}
		}
		return Message{Tag: tag, Ack: binary.BigEndian.Uint64(body[:8])}, nil

	default:
		return Message{}, &DecodeError{Tag: tag, Reason: "tag is not valid on this channel", UnknownTag: true}
	}
}

// lengthPrefixed extracts a 4-byte length-prefixed field, validating the
// declared length against the buffer.
func lengthPrefixed(tag Tag, body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, &DecodeError{Tag: tag, Reason: "truncated length prefix"}
	}
	n := binary.BigEndian.Uint32(body[:4])
	if uint64(n) > uint64(len(body)-4) {
		return nil, &DecodeError{Tag: tag, Reason: fmt.Sprintf("declared length %d exceeds remaining %d bytes", n, len(body)-4)}
	}
	return body[4 : 4+n], nil
}
