package server

import (
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/burrowhq/burrow/internal/common"
)

func TestNoopAuthenticator(t *testing.T) {
	auth := &NoopAuthenticator{}
	for _, token := range []string{"", "anything"} {
		ok, err := auth.Validate(token)
		if err != nil || !ok {
			t.Errorf("Validate(%q) = %v, %v, want true, nil", token, ok, err)
		}
	}
}

func TestTokenAuthenticator(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "tokens")
	writeFile(t, path, "# deploy tokens\nplain-secret\n\nbcrypt:"+string(hash)+"\n")

	auth, err := NewTokenAuthenticator(path)
	if err != nil {
		t.Fatalf("NewTokenAuthenticator() error = %v", err)
	}

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"plain match", "plain-secret", true},
		{"bcrypt match", "hashed-secret", true},
		{"wrong token", "nope", false},
		{"empty token", "", false},
		{"comment line is not a token", "# deploy tokens", false},
		{"hash literal is not a token", "bcrypt:" + string(hash), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := auth.Validate(tt.token)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if ok != tt.want {
				t.Errorf("Validate(%q) = %v, want %v", tt.token, ok, tt.want)
			}
		})
	}
}

func TestTokenAuthenticator_MissingFile(t *testing.T) {
	if _, err := NewTokenAuthenticator("/nonexistent/tokens"); err == nil {
		t.Error("NewTokenAuthenticator() accepted missing file")
	}
}

func TestNewAuthenticatorFromConfig(t *testing.T) {
	cfg := common.DefaultConfig()
	auth, err := NewAuthenticatorFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewAuthenticatorFromConfig() error = %v", err)
	}
	if _, ok := auth.(*NoopAuthenticator); !ok {
		t.Errorf("auth type = %T, want NoopAuthenticator", auth)
	}

	cfg.Auth.Mode = "token"
	cfg.Auth.TokenFile = filepath.Join(t.TempDir(), "tokens")
	writeFile(t, cfg.Auth.TokenFile, "secret\n")
	auth, err = NewAuthenticatorFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewAuthenticatorFromConfig() error = %v", err)
	}
	if _, ok := auth.(*TokenAuthenticator); !ok {
		t.Errorf("auth type = %T, want TokenAuthenticator", auth)
	}

	cfg.Auth.Mode = "oauth"
	if _, err := NewAuthenticatorFromConfig(cfg); err == nil {
		t.Error("NewAuthenticatorFromConfig() accepted unknown mode")
	}
}
