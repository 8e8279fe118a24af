package realtime

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		channel Channel
		payload []byte
	}{
		{name: "sync", channel: ChannelSync, payload: []byte{0x01, 0x02, 0x03}},
		{name: "awareness", channel: ChannelAwareness, payload: []byte(`{"sessionId":"s1"}`)},
		{name: "empty-payload", channel: ChannelSync, payload: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := EncodeFrame(tt.channel, tt.payload)
			channel, payload, err := DecodeFrame(frame)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if channel != tt.channel {
				t.Fatalf("channel mismatch: want %d got %d", tt.channel, channel)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Fatalf("payload mismatch: want %v got %v", tt.payload, payload)
			}
		})
	}
}

func TestDecodeFrameRejectsEmptyFrame(t *testing.T) {
	if _, _, err := DecodeFrame(nil); !errors.Is(err, ErrFrameTruncated) {
		t.Fatalf("expected ErrFrameTruncated, got %v", err)
	}
}

func TestDecodeFrameRejectsUnknownChannel(t *testing.T) {
	frame := EncodeFrame(Channel(7), []byte("payload"))
	if _, _, err := DecodeFrame(frame); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}
