package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/protocol"
)

// ControlPlane accepts agent connections and runs their control channels.
// The TCP transport multiplexes each connection with yamux; the first
// stream the agent opens carries the length-prefixed control protocol.
type ControlPlane struct {
	cfg      *common.Config
	registry *Registry
	auth     Authenticator
	logger   *slog.Logger

	listener net.Listener

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewControlPlane creates a control plane. Start must be called before it
// accepts connections.
func NewControlPlane(cfg *common.Config, registry *Registry, auth Authenticator, logger *slog.Logger) *ControlPlane {
	ctx, cancel := context.WithCancel(context.Background())
	return &ControlPlane{
		cfg:      cfg,
		registry: registry,
		auth:     auth,
		logger:   logger.With("component", "control"),
		sessions: make(map[string]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the control listener and launches the accept and heartbeat
// loops.
func (cp *ControlPlane) Start() error {
	listener, err := net.Listen("tcp", cp.cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("failed to bind control listener: %w", err)
	}
	cp.listener = listener
	cp.logger.Info("control listener started", "addr", listener.Addr().String())

	cp.wg.Add(2)
	go cp.acceptLoop()
	go cp.heartbeatLoop()
	return nil
}

// Stop closes the listener and terminates every live channel.
func (cp *ControlPlane) Stop() {
	cp.cancel()
	if cp.listener != nil {
		_ = cp.listener.Close()
	}

	cp.mu.RLock()
	sessions := make([]*Session, 0, len(cp.sessions))
	for _, s := range cp.sessions {
		sessions = append(sessions, s)
	}
	cp.mu.RUnlock()

	for _, s := range sessions {
		s.Terminate("Server shutdown")
	}
	cp.wg.Wait()
}

func (cp *ControlPlane) acceptLoop() {
	defer cp.wg.Done()
	for {
		conn, err := cp.listener.Accept()
		if err != nil {
			select {
			case <-cp.ctx.Done():
				return
			default:
			}
			cp.logger.Warn("accept failed", "error", err)
			continue
		}

		cp.wg.Add(1)
		go func() {
			defer cp.wg.Done()
			cp.handleConn(conn)
		}()
	}
}

// handleConn sets up yamux over the raw connection and serves the control
// channel on the agent's first stream.
func (cp *ControlPlane) handleConn(conn net.Conn) {
	mux, err := yamux.Server(conn, nil)
	if err != nil {
		cp.logger.Warn("failed to establish mux session", "remote_addr", conn.RemoteAddr().String(), "error", err)
		_ = conn.Close()
		return
	}
	defer mux.Close()

	stream, err := mux.AcceptStream()
	if err != nil {
		cp.logger.Warn("no control stream opened", "remote_addr", conn.RemoteAddr().String(), "error", err)
		return
	}

	cc := &codecConn{
		codec:  protocol.NewCodec(stream, stream),
		closer: mux,
		remote: conn.RemoteAddr().String(),
	}
	cp.serve(cc)
}

// serve runs a session over an established control connection. Shared by
// the TCP and WebSocket transports.
func (cp *ControlPlane) serve(conn ControlConn) {
	session := NewSession(conn, cp.registry, cp.auth, cp.cfg, cp.logger)

	cp.mu.Lock()
	cp.sessions[session.ID] = session
	cp.mu.Unlock()

	session.Run()

	cp.mu.Lock()
	delete(cp.sessions, session.ID)
	cp.mu.Unlock()
}

// heartbeatLoop drives the liveness cycle for every session.
func (cp *ControlPlane) heartbeatLoop() {
	defer cp.wg.Done()
	ticker := time.NewTicker(cp.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cp.ctx.Done():
			return
		case <-ticker.C:
			cp.mu.RLock()
			sessions := make([]*Session, 0, len(cp.sessions))
			for _, s := range cp.sessions {
				sessions = append(sessions, s)
			}
			cp.mu.RUnlock()

			for _, s := range sessions {
				s.Heartbeat()
			}
		}
	}
}

// GetSession returns the live session for a channel id.
func (cp *ControlPlane) GetSession(channelID string) (*Session, bool) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	s, ok := cp.sessions[channelID]
	return s, ok
}

// SessionCount returns the number of live control channels.
func (cp *ControlPlane) SessionCount() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return len(cp.sessions)
}

// codecConn adapts a length-prefixed codec over a mux stream to the
// ControlConn interface.
type codecConn struct {
	codec  *protocol.Codec
	closer interface{ Close() error }
	remote string
}

func (c *codecConn) ReadMessage() (*protocol.Message, error) {
	return c.codec.ReadMessage()
}

func (c *codecConn) WriteMessage(msg *protocol.Message) error {
	return c.codec.WriteMessage(msg)
}

func (c *codecConn) Close() error {
	return c.closer.Close()
}

func (c *codecConn) RemoteAddr() string {
	return c.remote
}
