package hub

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a socket message.
type FrameType string

// Client-originated frames.
const (
	FrameRegister    FrameType = "register"
	FramePing        FrameType = "ping"
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
)

// Server-originated frames.
const (
	FrameWelcome         FrameType = "welcome"
	FrameRegistered      FrameType = "registered"
	FramePong            FrameType = "pong"
	FrameSubscribed      FrameType = "subscribed"
	FrameUnsubscribed    FrameType = "unsubscribed"
	FrameHeartbeat       FrameType = "heartbeat"
	FrameUpdateAvailable FrameType = "update_available"
	FrameError           FrameType = "error"
)

// Frame is the wire envelope. Every message in both directions is one JSON
// object with a type and an optional payload.
type Frame struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame, marshaling the payload.
func NewFrame(t FrameType, data any) (Frame, error) {
	if data == nil {
		return Frame{Type: t}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s frame: %w", t, err)
	}
	return Frame{Type: t, Data: raw}, nil
}

// WelcomeData is sent immediately after the upgrade.
type WelcomeData struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms"`
}

// RegisterData identifies the client on an established connection.
type RegisterData struct {
	ClientID   string `json:"client_id"`
	AppVersion string `json:"app_version,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

// RegisteredData acknowledges registration.
type RegisteredData struct {
	SessionID string `json:"session_id"`
}

// ChannelData names a release channel in subscribe traffic.
type ChannelData struct {
	Channel string `json:"channel"`
}

// UpdateAvailableData announces a newly activated version.
type UpdateAvailableData struct {
	Version   string `json:"version"`
	Mandatory bool   `json:"mandatory"`
	Channel   string `json:"channel,omitempty"`
}

// ErrorData carries a rejection back to the client.
type ErrorData struct {
	Message string `json:"message"`
}
