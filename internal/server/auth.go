package server

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/burrowhq/burrow/internal/common"
)

// Authenticator validates agent registration tokens.
type Authenticator interface {
	// Validate reports whether a presented token is acceptable.
	Validate(token string) (bool, error)
}

// NoopAuthenticator accepts every token, including the empty one.
type NoopAuthenticator struct{}

// Validate always returns true.
func (a *NoopAuthenticator) Validate(token string) (bool, error) {
	return true, nil
}

// TokenAuthenticator validates tokens against a file of accepted entries,
// one per line. Plain entries are compared in constant time; entries with
// a "bcrypt:" prefix are verified as bcrypt hashes of the presented token.
type TokenAuthenticator struct {
	mu      sync.RWMutex
	plain   []string
	hashed  [][]byte
	srcPath string
}

// NewTokenAuthenticator loads the token file at path.
func NewTokenAuthenticator(path string) (*TokenAuthenticator, error) {
	a := &TokenAuthenticator{srcPath: path}
	if err := a.Reload(); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the token file. Blank lines and lines starting with "#"
// are skipped.
func (a *TokenAuthenticator) Reload() error {
	f, err := os.Open(a.srcPath)
	if err != nil {
		return fmt.Errorf("failed to open token file: %w", err)
	}
	defer f.Close()

	var plain []string
	var hashed [][]byte

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if h, ok := strings.CutPrefix(line, "bcrypt:"); ok {
			hashed = append(hashed, []byte(h))
			continue
		}
		plain = append(plain, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read token file: %w", err)
	}

	a.mu.Lock()
	a.plain = plain
	a.hashed = hashed
	a.mu.Unlock()
	return nil
}

// Validate checks the presented token against every loaded entry.
func (a *TokenAuthenticator) Validate(token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, entry := range a.plain {
		if subtle.ConstantTimeCompare([]byte(entry), []byte(token)) == 1 {
			return true, nil
		}
	}
	for _, hash := range a.hashed {
		if bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// NewAuthenticatorFromConfig builds the authenticator the config calls for.
func NewAuthenticatorFromConfig(cfg *common.Config) (Authenticator, error) {
	switch cfg.Auth.Mode {
	case "none":
		return &NoopAuthenticator{}, nil
	case "token":
		return NewTokenAuthenticator(cfg.Auth.TokenFile)
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}
