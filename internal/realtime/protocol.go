package realtime

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Channel tags the logical message channel multiplexed on one connection.
type Channel uint64

const (
	// ChannelSync carries document sync payloads.
	ChannelSync Channel = 0
	// ChannelAwareness carries serialized awareness deltas.
	ChannelAwareness Channel = 1
)

var (
	// ErrFrameTruncated indicates a frame too short to carry its channel tag.
	ErrFrameTruncated = errors.New("realtime: truncated frame")
	// ErrUnknownChannel indicates a channel tag outside the recognised set.
	ErrUnknownChannel = errors.New("realtime: unknown channel")
)

// EncodeFrame prefixes the payload with its uvarint channel tag.
func EncodeFrame(channel Channel, payload []byte) []byte {
	header := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(header, uint64(channel))
	frame := make([]byte, 0, n+len(payload))
	frame = append(frame, header[:n]...)
	frame = append(frame, payload...)
	return frame
}

// DecodeFrame splits a frame into its channel tag and payload.
func DecodeFrame(frame []byte) (Channel, []byte, error) {
	tag, n := binary.Uvarint(frame)
	if n <= 0 {
		return 0, nil, ErrFrameTruncated
	}
	channel := Channel(tag)
	switch channel {
	case ChannelSync, ChannelAwareness:
		return channel, frame[n:], nil
	default:
		return 0, nil, fmt.Errorf("%w: %d", ErrUnknownChannel, tag)
	}
}

// ControlType enumerates the JSON control channel message types.
type ControlType string

const (
	ControlConnected        ControlType = "connected"
	ControlError            ControlType = "error"
	ControlPermissionDenied ControlType = "permission-denied"
	ControlCommentAdded     ControlType = "comment-added"
	ControlCommentUpdated   ControlType = "comment-updated"
	ControlPing             ControlType = "ping"
	ControlPong             ControlType = "pong"
)

// ControlMessage is the out-of-band JSON envelope carried on text frames.
type ControlMessage struct {
	Type       ControlType `json:"type"`
	Color      string      `json:"color,omitempty"`
	Role       string      `json:"role,omitempty"`
	Message    string      `json:"message,omitempty"`
	DocumentID string      `json:"documentId,omitempty"`
	CommentID  string      `json:"commentId,omitempty"`
}
