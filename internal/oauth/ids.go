package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
)

// generateRandomString returns a URL-safe random token of nBytes of entropy,
// used for client secrets, authorization codes, and access/refresh tokens.
func generateRandomString(nBytes int) (string, error) {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// newClientID returns a UUID-based client identifier. Unlike secrets and
// tokens, the client id is a routing value clients present themselves, so it
// does not need the same entropy budget as generateRandomString produces.
func newClientID() string {
	return uuid.NewString()
}
