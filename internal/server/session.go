package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/protocol"
)

// ControlConn abstracts the transport under a control channel. Both the
// length-prefixed stream transport and the WebSocket transport satisfy it.
// WriteMessage must be safe for concurrent use; ReadMessage is called from
// a single goroutine.
type ControlConn interface {
	ReadMessage() (*protocol.Message, error)
	WriteMessage(*protocol.Message) error
	Close() error
	RemoteAddr() string
}

// Session is one agent's control channel. It owns the receiver loop and
// the liveness state the heartbeat cycle checks.
type Session struct {
	// ID is the channel identifier tunnels are keyed by.
	ID string

	// ConnectedAt is when the channel was accepted.
	ConnectedAt time.Time

	conn     ControlConn
	registry *Registry
	auth     Authenticator
	cfg      *common.Config
	logger   *slog.Logger

	// alive is set by any received pong and cleared at each heartbeat
	// tick. Two consecutive ticks without a pong terminate the channel.
	alive atomic.Bool

	lastPongMillis atomic.Int64
	rttMillis      atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession wraps an accepted control connection.
func NewSession(conn ControlConn, registry *Registry, auth Authenticator, cfg *common.Config, logger *slog.Logger) *Session {
	s := &Session{
		ID:          common.NewChannelID(),
		ConnectedAt: time.Now(),
		conn:        conn,
		registry:    registry,
		auth:        auth,
		cfg:         cfg,
	}
	s.logger = logger.With("channel_id", s.ID, "remote_addr", conn.RemoteAddr())
	s.alive.Store(true)
	return s
}

// Send writes a message to the agent.
func (s *Session) Send(msg *protocol.Message) error {
	if s.closed.Load() {
		return protocol.ErrConnectionClosed
	}
	return s.conn.WriteMessage(msg)
}

// Closed reports whether the channel has been terminated.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// RTT returns the last measured round-trip time in milliseconds, or zero
// if no pong has arrived yet.
func (s *Session) RTT() int64 {
	return s.rttMillis.Load()
}

// Run drives the receiver loop until the transport closes or the session
// is terminated. It always cleans up the channel's tunnels on exit.
func (s *Session) Run() {
	s.logger.Info("control channel connected")

	defer s.Terminate("Client disconnected")

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			var pe *protocol.Error
			if errors.As(err, &pe) && pe.Code == protocol.CodeInvalidMessage {
				s.logger.Warn("invalid control message", "error", err)
				s.sendError(protocol.CodeInvalidMessage, pe.Message)
				continue
			}
			if !s.closed.Load() && !errors.Is(err, protocol.ErrConnectionClosed) {
				s.logger.Warn("control channel read failed", "error", err)
			}
			return
		}
		if msg.Type == protocol.MessageTypePong {
			s.alive.Store(true)
		}
		s.dispatch(msg)
	}
}

// dispatch routes one received message. Unexpected but well-formed types
// get an error reply; the channel stays open.
func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeRegister:
		s.handleRegister(msg)
	case protocol.MessageTypeClose:
		s.handleClose(msg)
	case protocol.MessageTypeHTTPResponse:
		s.handleResponse(msg)
	case protocol.MessageTypeHTTPError:
		s.handleHTTPError(msg)
	case protocol.MessageTypePing:
		s.handlePing(msg)
	case protocol.MessageTypePong:
		s.handlePong(msg)
	case protocol.MessageTypeError:
		s.handleError(msg)
	default:
		s.logger.Warn("unexpected message type", "type", msg.Type)
		s.sendError(protocol.CodeUnknownMessage, fmt.Sprintf("unexpected message type %q", msg.Type))
	}
}

func (s *Session) handleRegister(msg *protocol.Message) {
	var payload protocol.RegisterPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.sendError(protocol.CodeInvalidMessage, "malformed register payload")
		return
	}

	ok, err := s.auth.Validate(payload.AuthToken)
	if err != nil {
		s.logger.Error("token validation failed", "error", err)
		s.sendError(protocol.CodeUnauthorized, "authentication unavailable")
		return
	}
	if !ok {
		s.logger.Warn("registration rejected", "reason", "invalid token")
		s.sendError(protocol.CodeInvalidToken, "invalid auth token")
		return
	}

	tunnel, err := s.registry.Register(s.ID, payload.Subdomain, payload.LocalPort, s.logger)
	if err != nil {
		code := protocol.ErrorToCode(err)
		s.logger.Warn("registration rejected", "subdomain", payload.Subdomain, "code", code)
		s.sendError(code, err.Error())
		return
	}

	reply, err := protocol.NewMessage(protocol.MessageTypeRegistered, &protocol.RegisteredPayload{
		TunnelID:  tunnel.ID,
		PublicURL: s.cfg.PublicURL(tunnel.Subdomain),
		Subdomain: tunnel.Subdomain,
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		s.logger.Error("failed to build registered reply", "error", err)
		_ = s.registry.Close(tunnel.ID, "Registration reply failed")
		return
	}
	if err := s.Send(reply); err != nil {
		s.logger.Warn("failed to confirm registration", "error", err)
		_ = s.registry.Close(tunnel.ID, "Registration reply failed")
	}
}

func (s *Session) handleClose(msg *protocol.Message) {
	var payload protocol.ClosePayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.sendError(protocol.CodeInvalidMessage, "malformed close payload")
		return
	}

	if !s.registry.Owns(s.ID, payload.TunnelID) {
		s.sendError(protocol.CodeTunnelNotFound, "tunnel not found")
		return
	}

	reason := payload.Reason
	if reason == "" {
		reason = "Client requested close"
	}
	_ = s.registry.Close(payload.TunnelID, reason)
}

func (s *Session) handleResponse(msg *protocol.Message) {
	var payload protocol.ResponsePayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.sendError(protocol.CodeInvalidMessage, "malformed response payload")
		return
	}
	s.completePending(payload.RequestID, func(t *Tunnel) {
		t.Pending.Complete(payload.RequestID, &payload)
	})
}

func (s *Session) handleHTTPError(msg *protocol.Message) {
	var payload protocol.HTTPErrorPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.sendError(protocol.CodeInvalidMessage, "malformed error payload")
		return
	}
	code := payload.Code
	if code == "" {
		code = protocol.CodeRequestFailed
	}
	s.completePending(payload.RequestID, func(t *Tunnel) {
		t.Pending.Fail(payload.RequestID, protocol.NewError(code, payload.Error, nil))
	})
}

// completePending finds which of the channel's tunnels owns the request
// id and resolves it there. Replies for unknown ids are dropped; the
// request may already have timed out or the tunnel may be gone.
func (s *Session) completePending(requestID string, resolve func(*Tunnel)) {
	for _, t := range s.registry.ListByChannel(s.ID) {
		if t.Pending.Has(requestID) {
			resolve(t)
			return
		}
	}
	s.logger.Debug("dropping reply for unknown request", "request_id", requestID)
}

func (s *Session) handlePing(msg *protocol.Message) {
	var payload protocol.PingPayload
	if err := msg.DecodePayload(&payload); err != nil {
		s.sendError(protocol.CodeInvalidMessage, "malformed ping payload")
		return
	}
	reply, err := protocol.NewMessage(protocol.MessageTypePong, &protocol.PongPayload{
		Timestamp:     protocol.NowMillis(),
		PingTimestamp: payload.Timestamp,
	})
	if err != nil {
		return
	}
	_ = s.Send(reply)
}

func (s *Session) handlePong(msg *protocol.Message) {
	var payload protocol.PongPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	now := protocol.NowMillis()
	s.lastPongMillis.Store(now)
	if payload.PingTimestamp > 0 && payload.PingTimestamp <= now {
		s.rttMillis.Store(now - payload.PingTimestamp)
	}
}

func (s *Session) handleError(msg *protocol.Message) {
	var payload protocol.ErrorPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return
	}
	s.logger.Warn("agent reported error", "code", payload.Code, "message", payload.Message)
}

// Heartbeat runs one liveness check. If no pong arrived since the previous
// cycle the channel is terminated; otherwise the flag is cleared and a ping sent.
// Returns false when the session was terminated.
func (s *Session) Heartbeat() bool {
	if s.closed.Load() {
		return false
	}
	if !s.alive.Load() {
		s.logger.Warn("heartbeat missed, terminating channel")
		s.Terminate("Client unresponsive")
		return false
	}
	s.alive.Store(false)

	ping, err := protocol.NewMessage(protocol.MessageTypePing, &protocol.PingPayload{
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		return true
	}
	if err := s.Send(ping); err != nil {
		s.logger.Warn("heartbeat ping failed", "error", err)
		s.Terminate("Client disconnected")
		return false
	}
	return true
}

// Terminate closes the channel and tears down its tunnels. Safe to call
// more than once; only the first reason wins.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.registry.CloseAllForChannel(s.ID, reason)
		_ = s.conn.Close()
		s.logger.Info("control channel closed", "reason", reason)
	})
}

// sendError sends an error message to the agent, best effort.
func (s *Session) sendError(code, message string) {
	msg, err := protocol.NewMessage(protocol.MessageTypeError, &protocol.ErrorPayload{
		Code:      code,
		Message:   message,
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		return
	}
	_ = s.Send(msg)
}
