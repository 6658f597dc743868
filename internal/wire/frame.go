package wire

import (
	"github.com/goccy/go-json"
)

// Frame types accepted from clients.
const (
	FrameAuthenticate = "authenticate"
	FrameSubscribe    = "subscribe"
	FrameUnsubscribe  = "unsubscribe"
	FramePing         = "ping"
	FrameMessage      = "message"
)

// Frame types emitted by the server.
const (
	FrameAuthResult         = "authentication_result"
	FrameSubscribeResult    = "subscription_result"
	FrameUnsubscribeResult  = "unsubscription_result"
	FramePong               = "pong"
	FrameConnectionStatus   = "connection_status"
	FrameSubscriptionUpdate = "subscription_update"
	FrameError              = "error"
)

// Frame is the envelope for every client-to-server payload.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ParseFrame decodes a raw client payload into a Frame.
func ParseFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, NewError(CodeInvalidMessageFormat, "malformed frame")
	}
	if f.Type == "" {
		return nil, NewError(CodeInvalidMessageFormat, "frame type missing")
	}
	return &f, nil
}

// AuthenticateRequest is the payload of an authenticate frame.
type AuthenticateRequest struct {
	Token string `json:"token"`
}

// SubscribeRequest is the payload of a subscribe frame.
type SubscribeRequest struct {
	Channel string          `json:"channel"`
	Filter  json.RawMessage `json:"filter,omitempty"`
}

// UnsubscribeRequest is the payload of an unsubscribe frame.
type UnsubscribeRequest struct {
	Channel string `json:"channel"`
}

// PublishRequest is the payload of a client message frame.
type PublishRequest struct {
	Channel  string          `json:"channel"`
	Type     string          `json:"messageType,omitempty"`
	Data     json.RawMessage `json:"data"`
	Priority string          `json:"priority,omitempty"`
}

// AuthResult is the payload of an authentication_result frame.
type AuthResult struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Role    string `json:"role,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SubscribeResult is the payload of subscription_result and
// unsubscription_result frames.
type SubscribeResult struct {
	Success bool   `json:"success"`
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// ConnectionStatus is sent once after a successful upgrade.
type ConnectionStatus struct {
	ConnectionID string `json:"connectionId"`
	Status       string `json:"status"`
	AuthRequired bool   `json:"authRequired"`
}

// SubscriptionUpdate notifies subscribers of a channel state change.
type SubscriptionUpdate struct {
	Channel string `json:"channel"`
	Event   string `json:"event"`
}

// ErrorFrame is the payload of an error frame.
type ErrorFrame struct {
	Code         ErrorCode       `json:"code"`
	Message      string          `json:"message"`
	Data         json.RawMessage `json:"data,omitempty"`
	RetryAfterMS int64           `json:"retryAfterMs,omitempty"`
}

// EncodeServerFrame wraps a payload in the server frame envelope and
// serializes it.
func EncodeServerFrame(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, Data: data})
}
