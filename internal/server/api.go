package server

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/burrowhq/burrow/internal/common"
	"github.com/burrowhq/burrow/internal/inspect"
	"github.com/burrowhq/burrow/internal/protocol"
)

// API serves the operator surface on the apex host: tunnel listings,
// captured traffic, and health.
type API struct {
	cfg       *common.Config
	registry  *Registry
	control   *ControlPlane
	inspector *inspect.Store
	startedAt time.Time
}

// NewAPI creates the API handler set.
func NewAPI(cfg *common.Config, registry *Registry, cp *ControlPlane, inspector *inspect.Store) *API {
	return &API{
		cfg:       cfg,
		registry:  registry,
		control:   cp,
		inspector: inspector,
		startedAt: time.Now(),
	}
}

// Routes registers the API endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.HandleFunc("GET /api/tunnels", a.cors(a.handleListTunnels))
	mux.HandleFunc("GET /api/tunnels/{id}", a.cors(a.handleGetTunnel))
	mux.HandleFunc("GET /api/traffic", a.cors(a.handleListTraffic))
	mux.HandleFunc("GET /api/traffic/tunnel/{tunnelId}", a.cors(a.handleTunnelTraffic))
	mux.HandleFunc("GET /api/traffic/{requestId}", a.cors(a.handleGetExchange))
	// The curl route takes any trailing segment and checks it here: a
	// literal "/curl" pattern would conflict with the per-tunnel route
	// above, since both match /api/traffic/tunnel/curl.
	mux.HandleFunc("GET /api/traffic/{requestId}/{action}", a.cors(func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("action") != "curl" {
			writeErrorResponse(w, protocol.CodeInvalidRequest, "not found")
			return
		}
		a.handleCurl(w, r)
	}))
	mux.HandleFunc("GET /api/stats", a.cors(a.handleStats))
	mux.HandleFunc("OPTIONS /api/", a.cors(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

// cors allows the configured dashboard origin cross-origin access.
func (a *API) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.DashboardOrigin != "" && r.Header.Get("Origin") == a.cfg.DashboardOrigin {
			w.Header().Set("Access-Control-Allow-Origin", a.cfg.DashboardOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"tunnels": a.registry.Count(),
		"uptime":  int64(time.Since(a.startedAt).Seconds()),
	})
}

// tunnelView is the API shape for one tunnel.
type tunnelView struct {
	ID           string `json:"id"`
	Subdomain    string `json:"subdomain"`
	PublicURL    string `json:"publicUrl"`
	LocalPort    int    `json:"localPort"`
	CreatedAt    string `json:"createdAt"`
	LastActivity string `json:"lastActivity"`
	Requests     int64  `json:"requests"`
	Errors       int64  `json:"errors"`
	BytesIn      int64  `json:"bytesIn"`
	BytesOut     int64  `json:"bytesOut"`
	RTTMillis    int64  `json:"rttMs,omitempty"`
}

func (a *API) tunnelView(t *Tunnel) tunnelView {
	requests, errCount, bytesIn, bytesOut, lastActivity := t.Stats()
	v := tunnelView{
		ID:           t.ID,
		Subdomain:    t.Subdomain,
		PublicURL:    a.cfg.PublicURL(t.Subdomain),
		LocalPort:    t.LocalPort,
		CreatedAt:    t.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: time.UnixMilli(lastActivity).UTC().Format(time.RFC3339),
		Requests:     requests,
		Errors:       errCount,
		BytesIn:      bytesIn,
		BytesOut:     bytesOut,
	}
	if session, ok := a.control.GetSession(t.ChannelID); ok {
		v.RTTMillis = session.RTT()
	}
	return v
}

func (a *API) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels := a.registry.List()
	views := make([]tunnelView, 0, len(tunnels))
	for _, t := range tunnels {
		views = append(views, a.tunnelView(t))
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"tunnels": views,
		"count":   len(views),
	})
}

func (a *API) handleGetTunnel(w http.ResponseWriter, r *http.Request) {
	tunnel, ok := a.registry.LookupByID(r.PathValue("id"))
	if !ok {
		writeErrorResponse(w, protocol.CodeTunnelNotFound, "tunnel not found")
		return
	}
	jsonResponse(w, http.StatusOK, a.tunnelView(tunnel))
}

// parseFilter reads the traffic query parameters. An invalid path regex
// is a client error.
func parseFilter(r *http.Request) (inspect.Filter, error) {
	f := inspect.Filter{
		Method: r.URL.Query().Get("method"),
	}
	if v := r.URL.Query().Get("statusCode"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.StatusCode = n
		}
	}
	if v := r.URL.Query().Get("path"); v != "" {
		re, err := regexp.Compile(v)
		if err != nil {
			return f, err
		}
		f.PathRegex = re
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Offset = n
		}
	}
	return f, nil
}

// sanitizeParam defaults to true; sanitize=false returns raw headers.
func sanitizeParam(r *http.Request) bool {
	return r.URL.Query().Get("sanitize") != "false"
}

func (a *API) handleListTraffic(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeErrorResponse(w, protocol.CodeInvalidRequest, "invalid path filter")
		return
	}
	exchanges := a.inspector.List(filter, sanitizeParam(r))
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"exchanges": exchanges,
		"count":     len(exchanges),
	})
}

func (a *API) handleTunnelTraffic(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeErrorResponse(w, protocol.CodeInvalidRequest, "invalid path filter")
		return
	}
	filter.TunnelID = r.PathValue("tunnelId")
	exchanges := a.inspector.List(filter, sanitizeParam(r))
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"exchanges": exchanges,
		"count":     len(exchanges),
	})
}

func (a *API) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	ex, ok := a.inspector.Get(r.PathValue("requestId"), sanitizeParam(r))
	if !ok {
		writeErrorResponse(w, protocol.CodeTunnelNotFound, "exchange not found")
		return
	}
	jsonResponse(w, http.StatusOK, ex)
}

func (a *API) handleCurl(w http.ResponseWriter, r *http.Request) {
	ex, ok := a.inspector.Get(r.PathValue("requestId"), false)
	if !ok {
		writeErrorResponse(w, protocol.CodeTunnelNotFound, "exchange not found")
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"requestId": ex.RequestID,
		"curl":      inspect.Curl(ex, a.cfg.Domain),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	var requests, errCount, bytesIn, bytesOut int64
	for _, t := range a.registry.List() {
		r, e, bi, bo, _ := t.Stats()
		requests += r
		errCount += e
		bytesIn += bi
		bytesOut += bo
	}
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"tunnels":       a.registry.Count(),
		"channels":      a.control.SessionCount(),
		"totalRequests": requests,
		"totalErrors":   errCount,
		"totalBytesIn":  bytesIn,
		"totalBytesOut": bytesOut,
		"capturedCount": a.inspector.Count(),
		"uptimeSeconds": int64(time.Since(a.startedAt).Seconds()),
	})
}

// jsonResponse writes a JSON body with the given status.
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
