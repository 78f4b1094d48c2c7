package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const rsaKeyBits = 2048

var ErrInvalidToken = errors.New("auth: invalid token")

// SigningContext holds the process-wide RSA keypair used to sign access
// tokens. It is constructed once at startup and shared read-only; tests build
// ephemeral contexts with NewSigningContext.
type SigningContext struct {
	key    *rsa.PrivateKey
	Issuer string
}

func NewSigningContext(key *rsa.PrivateKey, issuer string) *SigningContext {
	return &SigningContext{key: key, Issuer: issuer}
}

// LoadSigningContext loads the RSA keypair from path, generating and
// persisting a fresh 2048-bit pair on first run. The key file is created with
// O_EXCL so two processes racing through first startup cannot each persist a
// different key; the loser of the race reads the winner's file.
func LoadSigningContext(path, issuer string) (*SigningContext, error) {
	key, err := readKeyFile(path)
	if err == nil {
		return &SigningContext{key: key, Issuer: issuer}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generate signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			// another process won the race; use its key
			key, err = readKeyFile(path)
			if err != nil {
				return nil, err
			}
			return &SigningContext{key: key, Issuer: issuer}, nil
		}
		return nil, err
	}
	if _, err := f.Write(pemBytes); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &SigningContext{key: key, Issuer: issuer}, nil
}

func readKeyFile(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parse signing key: %w", err)
	}
	return key, nil
}

// AccessClaims is the JWT payload of an access token. Profile fields are
// denormalized into the token so downstream consumers can authorize without a
// user lookup; sstamp is compared against the account's live security stamp
// as the sole revocation mechanism.
type AccessClaims struct {
	Premium       bool     `json:"premium"`
	Name          string   `json:"name"`
	Email         string   `json:"email"`
	EmailVerified bool     `json:"email_verified"`
	SecurityStamp string   `json:"sstamp"`
	Device        string   `json:"device"`
	Scope         []string `json:"scope"`
	Amr           []string `json:"amr"`
	jwt.RegisteredClaims
}

// Sign produces an RS256-signed access token from the claims.
func (c *SigningContext) Sign(claims *AccessClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
}

// Validate checks the token's signature against the context's public key and
// its exp/nbf window. It deliberately does not check revocation; cryptographic
// validity and session validity are independent checks.
func (c *SigningContext) Validate(token string) (*AccessClaims, error) {
	keyFunc := func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return &c.key.PublicKey, nil
	}
	tok, err := jwt.ParseWithClaims(token, &AccessClaims{}, keyFunc,
		jwt.WithIssuer(c.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(*AccessClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NotBeforeSkew is how far an access token's nbf is backdated to absorb clock
// skew between server and clients.
const NotBeforeSkew = 2 * time.Minute
