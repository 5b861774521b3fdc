package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/inspect"
	"github.com/burrowhq/burrow/internal/protocol"
)

// hopByHopHeaders are dropped from agent responses before they reach the
// public client. Request headers are forwarded to the agent unfiltered.
var hopByHopHeaders = map[string]struct{}{
	"connection":        {},
	"keep-alive":        {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// Forwarder carries public HTTP requests over control channels and waits
// for the matching replies.
type Forwarder struct {
	cfg          *common.Config
	registry     *Registry
	controlPlane *ControlPlane
	inspector    *inspect.Store
	logger       *slog.Logger
}

// NewForwarder creates a forwarder.
func NewForwarder(cfg *common.Config, registry *Registry, cp *ControlPlane, inspector *inspect.Store, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		cfg:          cfg,
		registry:     registry,
		controlPlane: cp,
		inspector:    inspector,
		logger:       logger.With("component", "forwarder"),
	}
}

// ServeTunnel forwards one public request to the tunnel bound to the
// given subdomain and writes the outcome back to the client.
func (f *Forwarder) ServeTunnel(w http.ResponseWriter, r *http.Request, subdomain string) {
	requestID := common.NewRequestID()
	logger := f.logger.With("request_id", requestID, "subdomain", subdomain)

	tunnel, ok := f.registry.Lookup(subdomain)
	if !ok {
		writeErrorResponse(w, protocol.CodeTunnelNotFound, "no tunnel for subdomain "+subdomain)
		return
	}

	// Draw again while the id collides with one still in flight here.
	for tunnel.Pending.Has(requestID) {
		requestID = common.NewRequestID()
		logger = f.logger.With("request_id", requestID, "subdomain", subdomain)
	}

	session, ok := f.controlPlane.GetSession(tunnel.ChannelID)
	if !ok || session.Closed() {
		writeErrorResponse(w, protocol.CodeConnectionClosed, "tunnel connection closed")
		return
	}

	body, err := readBody(r, f.cfg.MaxBodyBytes)
	if err != nil {
		if errors.As(err, new(*http.MaxBytesError)) {
			writeErrorResponse(w, protocol.CodeBodyTooLarge, "request body too large")
			return
		}
		writeErrorResponse(w, protocol.CodeInvalidRequest, "failed to read request body")
		return
	}

	headers := flattenHeader(r.Header, false)
	query := flattenQuery(r.URL.Query())
	clientIP := clientIP(r)
	start := time.Now()

	f.record(func() {
		f.inspector.RecordRequest(requestID, tunnel.ID, tunnel.Subdomain, inspect.CapturedRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			Query:    query,
			Headers:  headers,
			Body:     body,
			ClientIP: clientIP,
		})
	})

	msg, err := protocol.NewMessage(protocol.MessageTypeHTTPRequest, &protocol.RequestPayload{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Headers:   headers,
		Query:     query,
		Body:      protocol.EncodeBody(body),
		Timestamp: protocol.NowMillis(),
	})
	if err != nil {
		writeErrorResponse(w, protocol.CodeGenericError, "failed to encode request")
		return
	}

	// The pending entry must exist before the message leaves, otherwise a
	// fast reply races the table and gets dropped.
	pending := tunnel.Pending.Add(requestID, f.cfg.RequestTimeout)
	tunnel.CountRequest(int64(len(body)))

	if err := session.Send(msg); err != nil {
		tunnel.Pending.Remove(requestID)
		logger.Warn("failed to forward request", "error", err)
		f.record(func() { f.inspector.RecordError(requestID, "tunnel connection closed", time.Since(start).Milliseconds()) })
		writeErrorResponse(w, protocol.CodeConnectionClosed, "tunnel connection closed")
		return
	}

	select {
	case <-r.Context().Done():
		tunnel.Pending.Remove(requestID)
		f.record(func() { f.inspector.RecordError(requestID, "client disconnected", time.Since(start).Milliseconds()) })
		logger.Debug("client disconnected before reply")

	case outcome := <-pending.Done:
		if outcome.Err != nil {
			tunnel.CountError()
			f.writeOutcomeError(w, requestID, outcome.Err, start, logger)
			return
		}
		f.writeResponse(w, requestID, tunnel, outcome.Response, start, logger)
	}
}

// writeResponse relays the agent's reply to the public client.
func (f *Forwarder) writeResponse(w http.ResponseWriter, requestID string, tunnel *Tunnel, resp *protocol.ResponsePayload, start time.Time, logger *slog.Logger) {
	respBody, err := protocol.DecodeBody(resp.Body)
	if err != nil {
		logger.Warn("agent sent undecodable body", "error", err)
		writeErrorResponse(w, protocol.CodeRequestFailed, "invalid response body from agent")
		return
	}

	for name, value := range resp.Headers {
		if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	if len(respBody) > 0 {
		_, _ = w.Write(respBody)
	}

	tunnel.CountResponse(int64(len(respBody)))
	f.record(func() {
		f.inspector.RecordResponse(requestID, inspect.CapturedResponse{
			StatusCode: resp.StatusCode,
			Headers:    resp.Headers,
			Body:       respBody,
			DurationMS: time.Since(start).Milliseconds(),
		})
	})
}

// writeOutcomeError maps a failed exchange onto the public surface. A
// timeout has a fixed body shape clients are known to match on.
func (f *Forwarder) writeOutcomeError(w http.ResponseWriter, requestID string, err error, start time.Time, logger *slog.Logger) {
	code := protocol.ErrorToCode(err)
	f.record(func() { f.inspector.RecordError(requestID, err.Error(), time.Since(start).Milliseconds()) })

	if code == protocol.CodeRequestTimeout {
		logger.Warn("request timed out")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGatewayTimeout)
		_, _ = w.Write([]byte(`{"error":"Gateway timeout","code":"REQUEST_TIMEOUT"}`))
		return
	}

	logger.Warn("request failed", "code", code, "error", err)
	message := "request failed"
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Message != "" {
		message = pe.Message
	}
	writeErrorResponse(w, protocol.CodeRequestFailed, message)
}

// record runs an inspector callback, isolating the hot path from any
// panic inside it.
func (f *Forwarder) record(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("inspector recording panicked", "panic", r)
		}
	}()
	fn()
}

// readBody drains the request body under the size cap. A request without
// a body yields nil so the wire field is explicit null.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	limited := http.MaxBytesReader(nil, r.Body, maxBytes)
	defer limited.Close()
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	return body, nil
}

// flattenHeader collapses multi-valued headers with comma joining, the
// form the wire protocol carries.
func flattenHeader(h http.Header, skipHopByHop bool) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if skipHopByHop {
			if _, hop := hopByHopHeaders[strings.ToLower(name)]; hop {
				continue
			}
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// flattenQuery keeps the first value per key.
func flattenQuery(values map[string][]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// clientIP extracts the originating address, preferring forwarding
// headers set by an upstream proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, ok := strings.Cut(xff, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(xff)
	}
	if rip := r.Header.Get("X-Real-Ip"); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeErrorResponse writes the standard JSON error body for a taxonomy
// code.
func writeErrorResponse(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protocol.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
