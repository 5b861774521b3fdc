package server

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/burrowhq/burrow/internal/common"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := common.DefaultConfig()
	cfg.Domain = "tunnel.example.com"
	srv, err := NewServer(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestServer_SubdomainFromHost(t *testing.T) {
	srv := testServer(t)

	tests := []struct {
		name   string
		host   string
		want   string
		wantOK bool
	}{
		{"tunnel host", "myapp.tunnel.example.com", "myapp", true},
		{"tunnel host with port", "myapp.tunnel.example.com:3000", "myapp", true},
		{"uppercase folds", "MyApp.Tunnel.Example.Com", "myapp", true},
		{"trailing dot", "myapp.tunnel.example.com.", "myapp", true},
		{"apex", "tunnel.example.com", "", true},
		{"apex with port", "tunnel.example.com:3000", "", true},
		{"nested label", "a.b.tunnel.example.com", "", false},
		{"unrelated domain", "myapp.other.example.com", "", false},
		{"suffix lookalike", "evil-tunnel.example.com", "", false},
		{"bare ip", "192.0.2.1", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := srv.subdomainFromHost(tt.host)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("subdomainFromHost(%q) = (%q, %v), want (%q, %v)", tt.host, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestServer_RouteApex(t *testing.T) {
	srv := testServer(t)

	r := httptest.NewRequest("GET", "http://tunnel.example.com/health", nil)
	w := httptest.NewRecorder()
	srv.route(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestServer_RouteUnknownTunnel(t *testing.T) {
	srv := testServer(t)

	r := httptest.NewRequest("GET", "http://ghost.tunnel.example.com/", nil)
	w := httptest.NewRecorder()
	srv.route(w, r)

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestServer_RouteReservedLabelsHitApex(t *testing.T) {
	srv := testServer(t)

	for _, label := range []string{"www", "api"} {
		r := httptest.NewRequest("GET", "http://"+label+".tunnel.example.com/health", nil)
		w := httptest.NewRecorder()
		srv.route(w, r)
		if w.Code != 200 {
			t.Errorf("%s subdomain: status = %d, want apex 200", label, w.Code)
		}
	}
}

func TestServer_RouteMismatchedHostHitsApex(t *testing.T) {
	srv := testServer(t)

	// A host outside the public domain gets the gateway surface, not a
	// tunnel lookup.
	r := httptest.NewRequest("GET", "http://something.else.example.org/", nil)
	w := httptest.NewRecorder()
	srv.route(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200 banner", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["service"] != "burrow" {
		t.Errorf("banner = %v", body)
	}
}

func TestAPI_Tunnels(t *testing.T) {
	srv := testServer(t)

	tunnel, err := srv.registry.Register("chan-1", "myapp", 8080, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "http://tunnel.example.com/api/tunnels", nil)
	w := httptest.NewRecorder()
	srv.route(w, r)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Count   int `json:"count"`
		Tunnels []struct {
			ID        string `json:"id"`
			PublicURL string `json:"publicUrl"`
		} `json:"tunnels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Count != 1 || body.Tunnels[0].ID != tunnel.ID {
		t.Errorf("tunnels = %+v", body)
	}
	if body.Tunnels[0].PublicURL != "http://myapp.tunnel.example.com:3000" {
		t.Errorf("PublicURL = %q", body.Tunnels[0].PublicURL)
	}

	// Unknown tunnel id is a 404.
	r = httptest.NewRequest("GET", "http://tunnel.example.com/api/tunnels/nope", nil)
	w = httptest.NewRecorder()
	srv.route(w, r)
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestAPI_CORS(t *testing.T) {
	cfg := common.DefaultConfig()
	cfg.Domain = "tunnel.example.com"
	cfg.DashboardOrigin = "https://dash.example.com"
	srv, err := NewServer(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest("GET", "http://tunnel.example.com/api/tunnels", nil)
	r.Header.Set("Origin", "https://dash.example.com")
	w := httptest.NewRecorder()
	srv.route(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}

	// Other origins get no CORS grant.
	r = httptest.NewRequest("GET", "http://tunnel.example.com/api/tunnels", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	srv.route(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin = %q for foreign origin", got)
	}
}
