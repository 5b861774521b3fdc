package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/inspect"
	"github.com/burrowhq/burrow/internal/protocol"
)

// Server wires the gateway's components: the control plane agents dial,
// the public HTTP listener, the forwarder between them, and the traffic
// inspector.
type Server struct {
	cfg          *common.Config
	registry     *Registry
	auth         Authenticator
	controlPlane *ControlPlane
	forwarder    *Forwarder
	inspector    *inspect.Store
	api          *API
	apex         *http.ServeMux
	httpServer   *http.Server
	logger       *slog.Logger
}

// NewServer builds a server from config.
func NewServer(cfg *common.Config, logger *slog.Logger) (*Server, error) {
	auth, err := NewAuthenticatorFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to configure auth: %w", err)
	}

	registry := NewRegistry(cfg, logger.With("component", "registry"))
	inspector := inspect.NewStore(cfg.Inspector, logger)
	controlPlane := NewControlPlane(cfg, registry, auth, logger)
	forwarder := NewForwarder(cfg, registry, controlPlane, inspector, logger)
	api := NewAPI(cfg, registry, controlPlane, inspector)

	s := &Server{
		cfg:          cfg,
		registry:     registry,
		auth:         auth,
		controlPlane: controlPlane,
		forwarder:    forwarder,
		inspector:    inspector,
		api:          api,
		logger:       logger.With("component", "server"),
	}

	registry.AddListener(TunnelListener{
		Created: func(t *Tunnel) {
			s.logger.Info("tunnel up", "tunnel_id", t.ID, "url", cfg.PublicURL(t.Subdomain))
		},
		Closed: func(t *Tunnel, reason string) {
			s.logger.Info("tunnel down", "tunnel_id", t.ID, "reason", reason)
		},
	})

	s.apex = s.buildApexMux()
	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           http.HandlerFunc(s.route),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// buildApexMux builds the handler for requests addressed to the gateway
// itself rather than to a tunnel.
func (s *Server) buildApexMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.api.Routes(mux)
	mux.HandleFunc("GET /connect", s.controlPlane.HandleWebSocket)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeErrorResponse(w, protocol.CodeInvalidRequest, "not found")
			return
		}
		jsonResponse(w, http.StatusOK, map[string]string{
			"service": "burrow",
			"domain":  s.cfg.Domain,
		})
	})
	return mux
}

// route sends tunnel-addressed requests to the forwarder and everything
// else to the apex mux.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	subdomain, ok := s.subdomainFromHost(r.Host)
	if !ok || subdomain == "" {
		s.apex.ServeHTTP(w, r)
		return
	}
	switch subdomain {
	case "www", "api":
		s.apex.ServeHTTP(w, r)
	default:
		s.forwarder.ServeTunnel(w, r, subdomain)
	}
}

// subdomainFromHost extracts the tunnel label from the Host header. Only
// hosts under the configured public domain route to tunnels; anything
// else, including the apex itself, is gateway-addressed.
func (s *Server) subdomainFromHost(hostport string) (string, bool) {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	domain := strings.ToLower(s.cfg.Domain)

	if host == domain {
		return "", true
	}
	label, found := strings.CutSuffix(host, "."+domain)
	if !found || label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}

// Run starts all listeners and blocks until a shutdown signal arrives.
func (s *Server) Run() error {
	s.inspector.Start()

	if err := s.controlPlane.Start(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listener started", "addr", s.cfg.HTTPAddr(), "domain", s.cfg.Domain)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		s.Shutdown()
		return fmt.Errorf("http listener failed: %w", err)
	case sig := <-sigCh:
		s.logger.Info("shutting down", "signal", sig.String())
		s.Shutdown()
		return nil
	}
}

// Shutdown stops the listeners and tears down every live tunnel. Agents
// receive a close for each of their tunnels before the channels drop.
func (s *Server) Shutdown() {
	s.broadcastShutdown()
	s.registry.CloseAll("Server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)

	s.controlPlane.Stop()
	s.inspector.Stop()
	s.logger.Info("shutdown complete")
}

// broadcastShutdown tells every agent its tunnels are going away.
func (s *Server) broadcastShutdown() {
	for _, t := range s.registry.List() {
		session, ok := s.controlPlane.GetSession(t.ChannelID)
		if !ok {
			continue
		}
		msg, err := protocol.NewMessage(protocol.MessageTypeClose, &protocol.ClosePayload{
			TunnelID:  t.ID,
			Reason:    "Server shutdown",
			Timestamp: protocol.NowMillis(),
		})
		if err != nil {
			continue
		}
		_ = session.Send(msg)
	}
}
