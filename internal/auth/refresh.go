package auth

import (
	"crypto/rand"
	"encoding/base64"
)

// NewRefreshToken returns a 64-character URL-safe opaque token. Generated once
// per device and kept across grants; possession is the sole proof for the
// refresh flow.
func NewRefreshToken() (string, error) {
	b := make([]byte, 48)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
