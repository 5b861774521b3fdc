package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the tunnel gateway.
type Config struct {
	// BindHost is the local interface both listeners bind to.
	BindHost string `yaml:"bind_host"`

	// HTTPPort is the port for public HTTP traffic and the API surface.
	HTTPPort int `yaml:"http_port"`

	// ControlPort is the port agents dial for control channels.
	ControlPort int `yaml:"control_port"`

	// Domain is the public domain used for subdomain routing and for
	// building tunnel URLs (e.g. "example.com").
	Domain string `yaml:"domain"`

	// PublicScheme is the scheme of published tunnel URLs. Whether the
	// deployed gateway terminates TLS is environmental, so this is never
	// hard-coded.
	PublicScheme string `yaml:"public_scheme"`

	// DashboardOrigin, when set, is allowed cross-origin access to /api.
	DashboardOrigin string `yaml:"dashboard_origin"`

	// MaxBodyBytes caps public request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxTunnelsPerChannel caps tunnels a single control channel may own.
	MaxTunnelsPerChannel int `yaml:"max_tunnels_per_channel"`

	// RequestTimeout bounds each forwarded exchange.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HeartbeatInterval drives the liveness ping cycle.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Inspector configures the captured-traffic store.
	Inspector InspectorConfig `yaml:"inspector"`

	// Auth configures agent token validation.
	Auth AuthConfig `yaml:"auth"`

	// ReservedSubdomains can never be claimed by a tunnel.
	ReservedSubdomains []string `yaml:"reserved_subdomains"`

	// LogLevel sets the logging verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// InspectorConfig holds bounds for the captured-traffic store.
type InspectorConfig struct {
	// MaxExchanges is the global retention bound; per-tunnel is half of it.
	MaxExchanges int `yaml:"max_exchanges"`

	// Retention is how long a captured exchange stays queryable.
	Retention time.Duration `yaml:"retention"`
}

// AuthConfig holds agent authentication configuration.
type AuthConfig struct {
	// Mode is "none" (accept any token) or "token" (validate against file).
	Mode string `yaml:"mode"`

	// TokenFile lists accepted tokens, one per line. Entries prefixed with
	// "bcrypt:" are verified as bcrypt hashes of the presented token.
	TokenFile string `yaml:"token_file"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		BindHost:             "",
		HTTPPort:             3000,
		ControlPort:          3001,
		Domain:               "localhost",
		PublicScheme:         "http",
		MaxBodyBytes:         10 * 1024 * 1024,
		MaxTunnelsPerChannel: 10,
		RequestTimeout:       30 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		Inspector: InspectorConfig{
			MaxExchanges: 1000,
			Retention:    60 * time.Minute,
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		ReservedSubdomains: []string{
			"api", "www", "admin", "dashboard", "app", "mail", "ftp",
		},
		LogLevel: "info",
	}
}

// LoadConfig loads configuration from an optional YAML file and applies
// environment overrides on top. Environment wins over the file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return config, nil
}

// applyEnv overrides fields from BURROW_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("BURROW_BIND_HOST"); v != "" {
		c.BindHost = v
	}
	if v := os.Getenv("BURROW_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTPPort = port
		}
	}
	if v := os.Getenv("BURROW_CONTROL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ControlPort = port
		}
	}
	if v := os.Getenv("BURROW_DOMAIN"); v != "" {
		c.Domain = v
	}
	if v := os.Getenv("BURROW_PUBLIC_SCHEME"); v != "" {
		c.PublicScheme = v
	}
	if v := os.Getenv("BURROW_DASHBOARD_ORIGIN"); v != "" {
		c.DashboardOrigin = v
	}
	if v := os.Getenv("BURROW_TOKEN_FILE"); v != "" {
		c.Auth.Mode = "token"
		c.Auth.TokenFile = v
	}
	if v := os.Getenv("BURROW_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port must be between 1 and 65535")
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fmt.Errorf("control_port must be between 1 and 65535")
	}
	if c.Domain == "" {
		return fmt.Errorf("domain is required")
	}
	if c.PublicScheme != "http" && c.PublicScheme != "https" {
		return fmt.Errorf("public_scheme must be http or https")
	}
	if c.MaxTunnelsPerChannel <= 0 {
		return fmt.Errorf("max_tunnels_per_channel must be positive")
	}
	if c.Auth.Mode != "none" && c.Auth.Mode != "token" {
		return fmt.Errorf("auth.mode must be 'none' or 'token'")
	}
	if c.Auth.Mode == "token" && c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token_file is required in token mode")
	}
	return nil
}

// HTTPAddr returns the listen address for the public HTTP server.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.HTTPPort)
}

// ControlAddr returns the listen address for the control listener.
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.ControlPort)
}

// PublicURL builds the published URL for a subdomain. The HTTP port is
// included unless it is the default for the scheme.
func (c *Config) PublicURL(subdomain string) string {
	host := subdomain + "." + c.Domain
	switch {
	case c.PublicScheme == "http" && c.HTTPPort != 80:
		host = fmt.Sprintf("%s:%d", host, c.HTTPPort)
	case c.PublicScheme == "https" && c.HTTPPort != 443:
		host = fmt.Sprintf("%s:%d", host, c.HTTPPort)
	}
	return fmt.Sprintf("%s://%s", c.PublicScheme, host)
}
