package server

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/odin-stream/streamgate/internal/auth"
	"github.com/odin-stream/streamgate/internal/channel"
	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/registry"
	"github.com/odin-stream/streamgate/internal/wire"
)

// PermissionPublish gates client publishes into channels.
const PermissionPublish = "publish"

// guard is one precondition on a frame. Guards run in order; the
// first failure becomes the client's error frame.
type guard func(c *registry.Connection) *wire.Error

func requireAuth(c *registry.Connection) *wire.Error {
	if !c.Authenticated() {
		return wire.NewError(wire.CodeAuthorizationFailed, "authentication required")
	}
	return nil
}

func requirePermission(perm string) guard {
	return func(c *registry.Connection) *wire.Error {
		session, ok := c.Session()
		if !ok || !session.HasPermission(perm) {
			return wire.NewError(wire.CodeAuthorizationFailed, "missing permission: "+perm)
		}
		return nil
	}
}

func (s *Server) check(c *registry.Connection, guards ...guard) *wire.Error {
	for _, g := range guards {
		if err := g(c); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame dispatches one inbound frame. Malformed and unknown
// frames get an error reply and the connection stays up; only the
// back-pressure and auth-timeout paths disconnect.
func (s *Server) handleFrame(c *registry.Connection, raw []byte) {
	frame, err := wire.ParseFrame(raw)
	if err != nil {
		s.sendError(c, wire.CodeOf(err), err.Error(), 0)
		return
	}

	switch frame.Type {
	case wire.FrameAuthenticate:
		s.handleAuthenticate(c, frame.Data)
	case wire.FrameSubscribe:
		s.handleSubscribe(c, frame.Data)
	case wire.FrameUnsubscribe:
		s.handleUnsubscribe(c, frame.Data)
	case wire.FramePing:
		s.handlePing(c)
	case wire.FrameMessage:
		s.handlePublish(c, frame.Data)
	default:
		s.sendError(c, wire.CodeInvalidMessageFormat, "unknown frame type: "+frame.Type, 0)
	}
}

func (s *Server) handleAuthenticate(c *registry.Connection, data json.RawMessage) {
	var req wire.AuthenticateRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Token == "" {
		s.sendFrame(c, wire.FrameAuthResult, wire.AuthResult{
			Success: false,
			Error:   "token required",
		}, wire.PriorityHigh)
		return
	}

	c.BeginAuthenticating()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AuthVerifyTimeout)
	identity, err := s.verifier.Verify(ctx, req.Token)
	cancel()
	if err != nil {
		s.logger.Warn().
			Str("conn_id", c.ID()).
			Msg("Authentication failed")
		s.sendFrame(c, wire.FrameAuthResult, wire.AuthResult{
			Success: false,
			Error:   auth.ErrInvalidToken.Error(),
		}, wire.PriorityHigh)
		return
	}

	if err := s.registry.AttachUser(c.ID(), identity); err != nil {
		s.sendError(c, wire.CodeOf(err), "failed to attach session", 0)
		return
	}

	s.sendFrame(c, wire.FrameAuthResult, wire.AuthResult{
		Success: true,
		UserID:  identity.UserID,
		Role:    string(identity.Role),
	}, wire.PriorityHigh)

	// A reconnecting user may have messages waiting.
	if s.queue != nil {
		go s.queue.ProcessUser(identity.UserID)
	}
}

func (s *Server) handleSubscribe(c *registry.Connection, data json.RawMessage) {
	var req wire.SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		s.sendError(c, wire.CodeInvalidMessageFormat, "subscribe requires a channel", 0)
		return
	}

	filter, err := channel.ParseFilter(req.Filter)
	if err != nil {
		s.sendFrame(c, wire.FrameSubscribeResult, wire.SubscribeResult{
			Success: false,
			Channel: req.Channel,
			Error:   string(wire.CodeOf(err)),
		}, wire.PriorityHigh)
		return
	}

	// Snapshot history before the subscription goes live so replayed
	// frames never duplicate a live delivery.
	var replay []*wire.Message
	if s.cfg.ReplayOnSubscribe {
		replay = s.channels.History(req.Channel, s.cfg.ReplayDepth)
	}

	if _, err := s.channels.Subscribe(c.ID(), req.Channel, filter); err != nil {
		// Result errors carry the bare protocol code; the human detail
		// stays in the server log.
		s.logger.Debug().
			Err(err).
			Str("conn_id", c.ID()).
			Str("channel", req.Channel).
			Msg("Subscribe rejected")
		s.sendFrame(c, wire.FrameSubscribeResult, wire.SubscribeResult{
			Success: false,
			Channel: req.Channel,
			Error:   string(wire.CodeOf(err)),
		}, wire.PriorityHigh)
		return
	}

	s.sendFrame(c, wire.FrameSubscribeResult, wire.SubscribeResult{
		Success: true,
		Channel: req.Channel,
	}, wire.PriorityHigh)

	for _, msg := range replay {
		if msg.Expired(time.Now()) {
			continue
		}
		s.dispatcher.SendToConnection(c.ID(), msg)
	}
}

func (s *Server) handleUnsubscribe(c *registry.Connection, data json.RawMessage) {
	var req wire.UnsubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
		s.sendError(c, wire.CodeInvalidMessageFormat, "unsubscribe requires a channel", 0)
		return
	}

	// Idempotent: unsubscribing a channel never subscribed to still
	// succeeds.
	s.channels.Unsubscribe(c.ID(), req.Channel)
	s.sendFrame(c, wire.FrameUnsubscribeResult, wire.SubscribeResult{
		Success: true,
		Channel: req.Channel,
	}, wire.PriorityHigh)
}

func (s *Server) handlePing(c *registry.Connection) {
	s.sendFrame(c, wire.FramePong, map[string]int64{
		"timestamp": time.Now().UnixMilli(),
	}, wire.PriorityHigh)
}

// handlePublish is the client-to-channel publish path. Requires an
// authenticated session holding the publish permission; the channel's
// per-role rate policy applies on top of the connection window.
func (s *Server) handlePublish(c *registry.Connection, data json.RawMessage) {
	if err := s.check(c, requireAuth, requirePermission(PermissionPublish)); err != nil {
		s.sendError(c, err.Code, err.Message, 0)
		return
	}

	var req wire.PublishRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" || len(req.Data) == 0 {
		s.sendError(c, wire.CodeInvalidMessageFormat, "message requires a channel and data", 0)
		return
	}

	ch, ok := s.channels.Get(req.Channel)
	if !ok {
		s.sendError(c, wire.CodeChannelNotFound, "channel not found: "+req.Channel, 0)
		return
	}

	session, _ := c.Session()
	if !ch.AllowPublish(session.Role, time.Now(), s.cfg.RateWindow) {
		monitoring.RateLimitedFrames.Inc()
		s.sendError(c, wire.CodeRateLimitExceeded, "channel publish rate limit exceeded", 0)
		return
	}

	msgType := req.Type
	if msgType == "" {
		msgType = "message"
	}
	msg := &wire.Message{
		Type: msgType,
		Data: req.Data,
		Metadata: wire.Metadata{
			Source:   session.UserID,
			Priority: wire.ParsePriority(req.Priority),
		},
	}

	delivered := s.dispatcher.Publish(req.Channel, msg, nil)
	s.logger.Debug().
		Str("conn_id", c.ID()).
		Str("channel", req.Channel).
		Int("delivered", delivered).
		Msg("Client publish dispatched")
}
