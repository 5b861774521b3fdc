package server

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/protocol"
)

// fakeConn is an in-memory ControlConn. The test feeds inbound messages
// through in and observes outbound messages through out.
type fakeConn struct {
	in  chan *protocol.Message
	out chan *protocol.Message

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan *protocol.Message, 16),
		out:    make(chan *protocol.Message, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (*protocol.Message, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, protocol.ErrConnectionClosed
		}
		return msg, nil
	case <-c.closed:
		return nil, protocol.ErrConnectionClosed
	}
}

func (c *fakeConn) WriteMessage(msg *protocol.Message) error {
	select {
	case c.out <- msg:
		return nil
	case <-c.closed:
		return protocol.ErrConnectionClosed
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "fake:0" }

func (c *fakeConn) send(t *testing.T, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		t.Fatal(err)
	}
	c.in <- msg
}

func (c *fakeConn) recv(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no outbound message")
		return nil
	}
}

func testSession(t *testing.T) (*Session, *fakeConn, *Registry) {
	t.Helper()
	cfg := common.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	registry := NewRegistry(cfg, logger)
	conn := newFakeConn()
	session := NewSession(conn, registry, &NoopAuthenticator{}, cfg, logger)
	go session.Run()
	t.Cleanup(func() { session.Terminate("test done") })
	return session, conn, registry
}

func TestSession_Register(t *testing.T) {
	session, conn, registry := testSession(t)

	conn.send(t, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Subdomain: "myapp",
		LocalPort: 8080,
		Timestamp: protocol.NowMillis(),
	})

	reply := conn.recv(t)
	if reply.Type != protocol.MessageTypeRegistered {
		t.Fatalf("reply type = %v, want registered", reply.Type)
	}
	var payload protocol.RegisteredPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Subdomain != "myapp" {
		t.Errorf("Subdomain = %q, want myapp", payload.Subdomain)
	}
	if payload.PublicURL != "http://myapp.localhost:3000" {
		t.Errorf("PublicURL = %q, want http://myapp.localhost:3000", payload.PublicURL)
	}
	if _, ok := registry.Lookup("myapp"); !ok {
		t.Error("tunnel not routable after registration")
	}
	if tunnels := registry.ListByChannel(session.ID); len(tunnels) != 1 {
		t.Errorf("ListByChannel() = %d tunnels, want 1", len(tunnels))
	}
}

func TestSession_RegisterTakenSubdomain(t *testing.T) {
	_, conn, registry := testSession(t)

	if _, err := registry.Register("other-chan", "myapp", 80, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatal(err)
	}

	conn.send(t, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Subdomain: "myapp",
		Timestamp: protocol.NowMillis(),
	})

	reply := conn.recv(t)
	if reply.Type != protocol.MessageTypeError {
		t.Fatalf("reply type = %v, want error", reply.Type)
	}
	var payload protocol.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != protocol.CodeSubdomainTaken {
		t.Errorf("error code = %q, want SUBDOMAIN_TAKEN", payload.Code)
	}
}

func TestSession_RegisterInvalidToken(t *testing.T) {
	cfg := common.DefaultConfig()
	logger := slog.New(slog.DiscardHandler)
	registry := NewRegistry(cfg, logger)
	conn := newFakeConn()

	dir := t.TempDir()
	tokenFile := dir + "/tokens"
	writeFile(t, tokenFile, "valid-token\n")
	auth, err := NewTokenAuthenticator(tokenFile)
	if err != nil {
		t.Fatal(err)
	}

	session := NewSession(conn, registry, auth, cfg, logger)
	go session.Run()
	t.Cleanup(func() { session.Terminate("test done") })

	conn.send(t, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Subdomain: "myapp",
		AuthToken: "wrong-token",
		Timestamp: protocol.NowMillis(),
	})

	reply := conn.recv(t)
	var payload protocol.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != protocol.CodeInvalidToken {
		t.Errorf("error code = %q, want INVALID_TOKEN", payload.Code)
	}
	if registry.Count() != 0 {
		t.Error("tunnel registered despite rejected token")
	}
}

func TestSession_CloseTunnel(t *testing.T) {
	_, conn, registry := testSession(t)

	conn.send(t, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Subdomain: "myapp",
		Timestamp: protocol.NowMillis(),
	})
	reply := conn.recv(t)
	var registered protocol.RegisteredPayload
	if err := reply.DecodePayload(&registered); err != nil {
		t.Fatal(err)
	}

	conn.send(t, protocol.MessageTypeClose, &protocol.ClosePayload{
		TunnelID:  registered.TunnelID,
		Reason:    "done testing",
		Timestamp: protocol.NowMillis(),
	})

	waitFor(t, func() bool { return registry.Count() == 0 }, "tunnel not closed")
}

func TestSession_CloseForeignTunnel(t *testing.T) {
	_, conn, registry := testSession(t)

	foreign, err := registry.Register("other-chan", "other", 80, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	conn.send(t, protocol.MessageTypeClose, &protocol.ClosePayload{
		TunnelID:  foreign.ID,
		Timestamp: protocol.NowMillis(),
	})

	reply := conn.recv(t)
	var payload protocol.ErrorPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != protocol.CodeTunnelNotFound {
		t.Errorf("error code = %q, want TUNNEL_NOT_FOUND", payload.Code)
	}
	if _, ok := registry.LookupByID(foreign.ID); !ok {
		t.Error("foreign tunnel was closed")
	}
}

func TestSession_PingPong(t *testing.T) {
	_, conn, _ := testSession(t)

	sent := protocol.NowMillis()
	conn.send(t, protocol.MessageTypePing, &protocol.PingPayload{Timestamp: sent})

	reply := conn.recv(t)
	if reply.Type != protocol.MessageTypePong {
		t.Fatalf("reply type = %v, want pong", reply.Type)
	}
	var payload protocol.PongPayload
	if err := reply.DecodePayload(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.PingTimestamp != sent {
		t.Errorf("PingTimestamp = %d, want %d", payload.PingTimestamp, sent)
	}
}

func TestSession_ResponseResolvesPending(t *testing.T) {
	session, conn, registry := testSession(t)

	tunnel, err := registry.Register(session.ID, "myapp", 80, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	pending := tunnel.Pending.Add("req-1", time.Minute)

	conn.send(t, protocol.MessageTypeHTTPResponse, &protocol.ResponsePayload{
		RequestID:  "req-1",
		StatusCode: 201,
		Timestamp:  protocol.NowMillis(),
	})

	select {
	case outcome := <-pending.Done:
		if outcome.Err != nil || outcome.Response.StatusCode != 201 {
			t.Errorf("outcome = %+v, want 201 response", outcome)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("response did not resolve the pending request")
	}
}

func TestSession_HTTPErrorFailsPending(t *testing.T) {
	session, conn, registry := testSession(t)

	tunnel, err := registry.Register(session.ID, "myapp", 80, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	pending := tunnel.Pending.Add("req-1", time.Minute)

	conn.send(t, protocol.MessageTypeHTTPError, &protocol.HTTPErrorPayload{
		RequestID: "req-1",
		Error:     "connection refused",
		Code:      protocol.CodeLocalServerUnreachable,
		Timestamp: protocol.NowMillis(),
	})

	select {
	case outcome := <-pending.Done:
		if protocol.ErrorToCode(outcome.Err) != protocol.CodeLocalServerUnreachable {
			t.Errorf("outcome.Err = %v, want LOCAL_SERVER_UNREACHABLE", outcome.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error did not resolve the pending request")
	}
}

func TestSession_DisconnectTearsDownTunnels(t *testing.T) {
	_, conn, registry := testSession(t)

	conn.send(t, protocol.MessageTypeRegister, &protocol.RegisterPayload{
		Subdomain: "myapp",
		Timestamp: protocol.NowMillis(),
	})
	conn.recv(t)
	if registry.Count() != 1 {
		t.Fatal("tunnel not registered")
	}

	close(conn.in)
	waitFor(t, func() bool { return registry.Count() == 0 }, "tunnels survived disconnect")
}

func TestSession_Heartbeat(t *testing.T) {
	session, conn, _ := testSession(t)

	// First cycle: channel is alive, a ping goes out.
	if !session.Heartbeat() {
		t.Fatal("Heartbeat() terminated a live channel")
	}
	ping := conn.recv(t)
	if ping.Type != protocol.MessageTypePing {
		t.Fatalf("outbound type = %v, want ping", ping.Type)
	}

	// No traffic since: second cycle terminates.
	if session.Heartbeat() {
		t.Error("Heartbeat() kept an unresponsive channel")
	}
	if !session.Closed() {
		t.Error("session not closed after missed heartbeat")
	}
}

func TestSession_HeartbeatRevivedByPong(t *testing.T) {
	session, conn, _ := testSession(t)

	if !session.Heartbeat() {
		t.Fatal("first Heartbeat() terminated the channel")
	}
	ping := conn.recv(t)
	var pingPayload protocol.PingPayload
	if err := ping.DecodePayload(&pingPayload); err != nil {
		t.Fatal(err)
	}

	conn.send(t, protocol.MessageTypePong, &protocol.PongPayload{
		Timestamp:     protocol.NowMillis(),
		PingTimestamp: pingPayload.Timestamp,
	})

	waitFor(t, func() bool { return session.lastPongMillis.Load() != 0 }, "pong not processed")
	if !session.Heartbeat() {
		t.Error("Heartbeat() terminated a channel that answered the ping")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
