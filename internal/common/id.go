package common

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"

	"github.com/google/uuid"
)

// Identifier alphabets are contractual: clients display these values.
const (
	subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tunnelIDAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// SubdomainLength is the length of generated subdomain labels.
	SubdomainLength = 8

	// TunnelIDLength is the length of tunnel identifiers.
	TunnelIDLength = 12

	// RequestIDLength is the length of request identifiers in hex characters.
	RequestIDLength = 16
)

// randomString draws n characters from alphabet using crypto/rand.
func randomString(alphabet string, n int) string {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, n)
	for i := range buf {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		buf[i] = alphabet[idx.Int64()]
	}
	return string(buf)
}

// NewSubdomain generates a random lowercase alphanumeric subdomain label.
// Callers retry until the result is neither reserved nor live.
func NewSubdomain() string {
	return randomString(subdomainAlphabet, SubdomainLength)
}

// NewTunnelID generates a mixed-case alphanumeric tunnel identifier.
func NewTunnelID() string {
	return randomString(tunnelIDAlphabet, TunnelIDLength)
}

// NewRequestID generates a lowercase hexadecimal request identifier used to
// correlate an outbound http:request with its eventual reply.
func NewRequestID() string {
	buf := make([]byte, RequestIDLength/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// NewChannelID generates an identifier for a control-channel session. The
// registry keys tunnels by this id rather than by the channel object so a
// removed channel can be reclaimed.
func NewChannelID() string {
	return uuid.NewString()
}
